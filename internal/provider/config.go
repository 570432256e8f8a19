package provider

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/rulez/internal/core"
)

// Config is the YAML document describing which providers to register.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	FlowType core.FlowType        `yaml:"flowType"`
	Fields   []FieldMappingConfig `yaml:"fields"`
	Derived  []DerivedFieldConfig `yaml:"derived"`
}

type FieldMappingConfig struct {
	Field     string `yaml:"field"`
	Parameter string `yaml:"parameter"`
	Type      string `yaml:"type"`
}

type DerivedFieldConfig struct {
	Field      string   `yaml:"field"`
	Type       string   `yaml:"type"`
	Expression string   `yaml:"expression"`
	DependsOn  []string `yaml:"dependsOn"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read provider config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse provider config: %w", err)
	}

	seen := make(map[core.FlowType]struct{}, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.FlowType == "" {
			return Config{}, fmt.Errorf("provider %d: flowType is required", i)
		}
		if _, dup := seen[p.FlowType]; dup {
			return Config{}, fmt.Errorf("provider %d: flow type %q configured twice", i, p.FlowType)
		}
		seen[p.FlowType] = struct{}{}
	}

	return cfg, nil
}

// Build turns the configuration into providers, one per configured flow type.
func (c Config) Build() ([]core.DataProvider, error) {
	providers := make([]core.DataProvider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		p, err := pc.build()
		if err != nil {
			return nil, fmt.Errorf("build provider for %q: %w", pc.FlowType, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func (pc ProviderConfig) build() (core.DataProvider, error) {
	mappings := make([]FieldMapping, 0, len(pc.Fields))
	for _, f := range pc.Fields {
		valueType, err := core.ParseValueType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Field, err)
		}
		mappings = append(mappings, FieldMapping{Field: f.Field, Parameter: f.Parameter, Type: valueType})
	}

	base, err := NewParameterProvider(pc.FlowType, mappings...)
	if err != nil {
		return nil, err
	}
	if len(pc.Derived) == 0 {
		return base, nil
	}

	derived := make([]DerivedField, 0, len(pc.Derived))
	for _, d := range pc.Derived {
		valueType, err := core.ParseValueType(d.Type)
		if err != nil {
			return nil, fmt.Errorf("derived field %q: %w", d.Field, err)
		}
		derived = append(derived, DerivedField{
			Name:       d.Field,
			Type:       valueType,
			Expression: d.Expression,
			DependsOn:  d.DependsOn,
		})
	}

	return NewDerivedProvider(base, derived...)
}

// FromDefinitions builds a provider that maps every defined field to the
// flow parameter of the same name.
func FromDefinitions(flowType core.FlowType, definitions []core.FieldDefinition) (*ParameterProvider, error) {
	mappings := make([]FieldMapping, 0, len(definitions))
	for _, def := range definitions {
		mappings = append(mappings, FieldMapping{Field: def.Field.Name, Type: def.Value.Type})
	}
	return NewParameterProvider(flowType, mappings...)
}

// RegisterAll registers each provider, returning every registration failure.
func RegisterAll(r *Registry, providers ...core.DataProvider) error {
	var errs []error
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
