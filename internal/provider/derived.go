package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/cel-go/cel"

	"github.com/matt-riley/rulez/internal/core"
)

const derivedCostLimit = 100000

// DerivedField is a field computed from other fields with a CEL expression.
// The expression sees two maps: fields (the resolved DependsOn values, typed
// by their value type) and params (the flow parameters, with JSON numbers
// decoded to int or double).
type DerivedField struct {
	Name       string
	Type       core.ValueType
	Expression string
	DependsOn  []string
}

type derivedProgram struct {
	field   DerivedField
	program cel.Program
}

// DerivedProvider decorates another provider with CEL-computed fields.
type DerivedProvider struct {
	base    core.DataProvider
	derived map[string]derivedProgram
}

var _ core.DataProvider = (*DerivedProvider)(nil)

func NewDerivedProvider(base core.DataProvider, fields ...DerivedField) (*DerivedProvider, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: base provider is required", ErrInvalidProvider)
	}

	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}

	derived := make(map[string]derivedProgram, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: derived field name is required", ErrInvalidProvider)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("%w: derived field %q has unknown type %q", ErrInvalidProvider, f.Name, f.Type)
		}
		if slices.Contains(f.DependsOn, f.Name) {
			return nil, fmt.Errorf("%w: derived field %q depends on itself", ErrInvalidProvider, f.Name)
		}

		ast, issues := env.Compile(f.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile derived field %q: %w", f.Name, issues.Err())
		}
		prog, err := env.Program(ast, cel.CostLimit(derivedCostLimit))
		if err != nil {
			return nil, fmt.Errorf("program for derived field %q: %w", f.Name, err)
		}

		derived[f.Name] = derivedProgram{field: f, program: prog}
	}

	return &DerivedProvider{base: base, derived: derived}, nil
}

func (p *DerivedProvider) SupportedFlowType() core.FlowType {
	return p.base.SupportedFlowType()
}

func (p *DerivedProvider) GetEvaluationData(ctx context.Context, flow core.FlowContext, fieldNames []string, tenantDomain string) ([]core.FieldValue, error) {
	var (
		baseFields []string
		wanted     []derivedProgram
	)
	for _, name := range fieldNames {
		if d, ok := p.derived[name]; ok {
			wanted = append(wanted, d)
			baseFields = append(baseFields, d.field.DependsOn...)
			continue
		}
		baseFields = append(baseFields, name)
	}
	slices.Sort(baseFields)
	baseFields = slices.Compact(baseFields)

	values, err := p.base.GetEvaluationData(ctx, flow, baseFields, tenantDomain)
	if err != nil {
		return nil, err
	}
	if len(wanted) == 0 {
		return values, nil
	}

	byField := core.FieldValueMap(values)
	for _, d := range wanted {
		value, ok, err := d.evaluate(byField, flow.Parameters)
		if err != nil {
			return nil, err
		}
		if ok {
			values = append(values, value)
		}
	}

	return values, nil
}

func (d derivedProgram) evaluate(byField map[string]core.FieldValue, params map[string]any) (core.FieldValue, bool, error) {
	inputs := make(map[string]any, len(d.field.DependsOn))
	for _, dep := range d.field.DependsOn {
		fv, ok := byField[dep]
		if !ok {
			return core.FieldValue{}, false, nil
		}
		inputs[dep] = typedValue(fv)
	}
	out, _, err := d.program.Eval(map[string]any{
		"fields": inputs,
		"params": celParams(params),
	})
	if err != nil {
		return core.FieldValue{}, false, fmt.Errorf("evaluate derived field %q: %w", d.field.Name, err)
	}

	raw, err := formatParameter(out.Value())
	if err != nil {
		return core.FieldValue{}, false, fmt.Errorf("derived field %q: %w", d.field.Name, err)
	}
	return core.FieldValue{Field: d.field.Name, Value: raw, Type: d.field.Type}, true, nil
}

func typedValue(fv core.FieldValue) any {
	switch fv.Type {
	case core.ValueTypeNumber:
		if n, err := strconv.ParseFloat(fv.Value, 64); err == nil {
			return n
		}
	case core.ValueTypeBoolean:
		if b, err := strconv.ParseBool(fv.Value); err == nil {
			return b
		}
	}
	return fv.Value
}

func celParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = celValue(v)
	}
	return out
}

// celValue converts decoder json.Number values, which CEL would otherwise
// see as strings.
func celValue(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		return celParams(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = celValue(e)
		}
		return out
	}
	return v
}
