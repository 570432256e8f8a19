// Package metadata serves the field definitions that rules are validated
// against, loaded from a YAML catalog on disk.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/rulez/internal/core"
)

var ErrInvalidCatalog = errors.New("invalid metadata catalog")

type document struct {
	Operators []core.Operator                           `yaml:"operators"`
	Flows     map[core.FlowType]flowDocument            `yaml:"flows"`
	Tenants   map[string]map[core.FlowType]flowDocument `yaml:"tenants"`
}

type flowDocument struct {
	Fields []fieldDocument `yaml:"fields"`
}

type fieldDocument struct {
	Name        string         `yaml:"name"`
	DisplayName string         `yaml:"displayName"`
	Operators   []string       `yaml:"operators"`
	Value       core.ValueSpec `yaml:"value"`
}

// Catalog is an immutable, parsed metadata document.
type Catalog struct {
	operators []core.Operator
	flows     map[core.FlowType][]core.FieldDefinition
	tenants   map[string]map[core.FlowType][]core.FieldDefinition
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}

	byName := make(map[string]core.Operator, len(doc.Operators))
	for _, op := range doc.Operators {
		if op.Name == "" {
			return nil, fmt.Errorf("%w: operator without a name", ErrInvalidCatalog)
		}
		if op.DisplayName == "" {
			op.DisplayName = op.Name
		}
		byName[op.Name] = op
	}

	c := &Catalog{
		operators: slices.Clone(doc.Operators),
		flows:     make(map[core.FlowType][]core.FieldDefinition, len(doc.Flows)),
		tenants:   make(map[string]map[core.FlowType][]core.FieldDefinition, len(doc.Tenants)),
	}
	for i := range c.operators {
		c.operators[i] = byName[c.operators[i].Name]
	}

	for flowType, flow := range doc.Flows {
		defs, err := flow.definitions(byName)
		if err != nil {
			return nil, fmt.Errorf("%w: flow %q: %w", ErrInvalidCatalog, flowType, err)
		}
		c.flows[flowType] = defs
	}

	for tenant, flows := range doc.Tenants {
		c.tenants[tenant] = make(map[core.FlowType][]core.FieldDefinition, len(flows))
		for flowType, flow := range flows {
			defs, err := flow.definitions(byName)
			if err != nil {
				return nil, fmt.Errorf("%w: tenant %q flow %q: %w", ErrInvalidCatalog, tenant, flowType, err)
			}
			c.tenants[tenant][flowType] = defs
		}
	}

	return c, nil
}

func (f flowDocument) definitions(operators map[string]core.Operator) ([]core.FieldDefinition, error) {
	defs := make([]core.FieldDefinition, 0, len(f.Fields))
	seen := make(map[string]struct{}, len(f.Fields))

	for _, field := range f.Fields {
		if field.Name == "" {
			return nil, errors.New("field without a name")
		}
		if _, dup := seen[field.Name]; dup {
			return nil, fmt.Errorf("field %q defined twice", field.Name)
		}
		seen[field.Name] = struct{}{}

		valueType, err := core.ParseValueType(string(field.Value.Type))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}
		spec := field.Value
		spec.Type = valueType
		for _, opt := range spec.Options {
			if !valueType.Accepts(opt.Value) {
				return nil, fmt.Errorf("field %q: option %q is not a valid %s", field.Name, opt.Value, valueType)
			}
		}

		ops := make([]core.Operator, 0, len(field.Operators))
		for _, name := range field.Operators {
			op, ok := operators[name]
			if !ok {
				return nil, fmt.Errorf("field %q: unknown operator %q", field.Name, name)
			}
			ops = append(ops, op)
		}

		displayName := field.DisplayName
		if displayName == "" {
			displayName = field.Name
		}
		defs = append(defs, core.FieldDefinition{
			Field:     core.Field{Name: field.Name, DisplayName: displayName},
			Operators: ops,
			Value:     spec,
		})
	}

	return defs, nil
}

func (c *Catalog) definitions(flowType core.FlowType, tenantDomain string) []core.FieldDefinition {
	if flows, ok := c.tenants[tenantDomain]; ok {
		if defs, ok := flows[flowType]; ok {
			return defs
		}
	}
	return c.flows[flowType]
}

// FlowTypes lists the flows that have default definitions, sorted.
func (c *Catalog) FlowTypes() []core.FlowType {
	flowTypes := make([]core.FlowType, 0, len(c.flows))
	for flowType := range c.flows {
		flowTypes = append(flowTypes, flowType)
	}
	slices.Sort(flowTypes)
	return flowTypes
}

// Store serves the most recently loaded catalog. Reloads swap the catalog
// atomically so readers never see a partial document.
type Store struct {
	path    string
	catalog atomic.Pointer[Catalog]
	logger  *slog.Logger
	onLoad  func(err error)
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReloadHook is called after every reload attempt with its outcome.
func WithReloadHook(fn func(err error)) Option {
	return func(s *Store) {
		s.onLoad = fn
	}
}

// Open loads the catalog at path. The file must parse for Open to succeed.
func Open(path string, opts ...Option) (*Store, error) {
	s := NewStore(nil, opts...)
	s.path = path
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStore returns a store serving a fixed catalog. A nil catalog serves no
// definitions.
func NewStore(c *Catalog, opts ...Option) *Store {
	if c == nil {
		c = &Catalog{}
	}
	s := &Store{logger: slog.Default()}
	s.catalog.Store(c)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload re-reads the catalog file. On failure the previous catalog stays in
// service.
func (s *Store) Reload() error {
	err := s.reload()
	if s.onLoad != nil {
		s.onLoad(err)
	}
	return err
}

func (s *Store) reload() error {
	if s.path == "" {
		return errors.New("metadata store has no backing file")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read metadata catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return err
	}
	s.catalog.Store(c)
	return nil
}

func (s *Store) Catalog() *Catalog {
	return s.catalog.Load()
}

// GetExpressionMeta returns a copy of the definitions for the flow, preferring
// a tenant-specific override. An unknown flow yields no definitions.
func (s *Store) GetExpressionMeta(ctx context.Context, flowType core.FlowType, tenantDomain string) ([]core.FieldDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cloneDefinitions(s.catalog.Load().definitions(flowType, tenantDomain)), nil
}

// Operators returns the operator catalog in document order.
func (s *Store) Operators() []core.Operator {
	return slices.Clone(s.catalog.Load().operators)
}

func cloneDefinitions(defs []core.FieldDefinition) []core.FieldDefinition {
	if defs == nil {
		return nil
	}
	out := make([]core.FieldDefinition, len(defs))
	for i, def := range defs {
		def.Operators = slices.Clone(def.Operators)
		def.Value.Options = slices.Clone(def.Value.Options)
		if def.Value.Reference != nil {
			ref := *def.Value.Reference
			ref.Links = slices.Clone(ref.Links)
			def.Value.Reference = &ref
		}
		out[i] = def
	}
	return out
}
