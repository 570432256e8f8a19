// Package provider holds the registry of per-flow data providers and the
// providers the service ships with.
package provider

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/matt-riley/rulez/internal/core"
)

var ErrInvalidProvider = errors.New("invalid data provider")

type providerSet map[core.FlowType]core.DataProvider

// Registry maps each flow type to exactly one data provider. Registration
// replaces any provider already registered for the same flow type. Lookups
// read an immutable snapshot and never take the write lock.
type Registry struct {
	mu        sync.Mutex
	providers atomic.Pointer[providerSet]
	onChange  func(count int)
}

type RegistryOption func(*Registry)

// WithChangeHook is called with the number of registered flow types after
// every successful change.
func WithChangeHook(fn func(count int)) RegistryOption {
	return func(r *Registry) {
		r.onChange = fn
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	empty := providerSet{}
	r.providers.Store(&empty)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(p core.DataProvider) error {
	if p == nil {
		return ErrInvalidProvider
	}
	flowType := p.SupportedFlowType()
	if flowType == "" {
		return errors.Join(ErrInvalidProvider, errors.New("provider reports an empty flow type"))
	}

	r.mu.Lock()
	next := maps.Clone(*r.providers.Load())
	next[flowType] = p
	r.providers.Store(&next)
	r.notify(len(next))
	r.mu.Unlock()

	return nil
}

// Unregister removes the provider for flowType and reports whether one was
// registered.
func (r *Registry) Unregister(flowType core.FlowType) bool {
	r.mu.Lock()
	current := *r.providers.Load()
	if _, ok := current[flowType]; !ok {
		r.mu.Unlock()
		return false
	}
	next := maps.Clone(current)
	delete(next, flowType)
	r.providers.Store(&next)
	r.notify(len(next))
	r.mu.Unlock()

	return true
}

func (r *Registry) Lookup(flowType core.FlowType) (core.DataProvider, error) {
	p, ok := (*r.providers.Load())[flowType]
	if !ok {
		return nil, core.Errorf(core.KindNoProviderRegistered, "no data provider registered for flow type %q", flowType)
	}
	return p, nil
}

func (r *Registry) FlowTypes() []core.FlowType {
	flowTypes := slices.Collect(maps.Keys(*r.providers.Load()))
	slices.Sort(flowTypes)
	return flowTypes
}

func (r *Registry) notify(count int) {
	if r.onChange != nil {
		r.onChange(count)
	}
}
