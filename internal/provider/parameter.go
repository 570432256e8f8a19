package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/matt-riley/rulez/internal/core"
)

// FieldMapping binds a rule field to a flow context parameter.
type FieldMapping struct {
	Field     string
	Parameter string
	Type      core.ValueType
}

// ParameterProvider resolves fields straight from the parameters carried in
// the flow context.
type ParameterProvider struct {
	flowType core.FlowType
	mappings map[string]FieldMapping
}

var _ core.DataProvider = (*ParameterProvider)(nil)

func NewParameterProvider(flowType core.FlowType, mappings ...FieldMapping) (*ParameterProvider, error) {
	if flowType == "" {
		return nil, fmt.Errorf("%w: flow type is required", ErrInvalidProvider)
	}

	byField := make(map[string]FieldMapping, len(mappings))
	for _, m := range mappings {
		if m.Field == "" {
			return nil, fmt.Errorf("%w: mapping field is required", ErrInvalidProvider)
		}
		if !m.Type.Valid() {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidProvider, m.Field, m.Type)
		}
		if m.Parameter == "" {
			m.Parameter = m.Field
		}
		if _, dup := byField[m.Field]; dup {
			return nil, fmt.Errorf("%w: field %q mapped twice", ErrInvalidProvider, m.Field)
		}
		byField[m.Field] = m
	}

	return &ParameterProvider{flowType: flowType, mappings: byField}, nil
}

func (p *ParameterProvider) SupportedFlowType() core.FlowType {
	return p.flowType
}

// GetEvaluationData returns a value for every requested field that is both
// mapped and present in the flow parameters. Anything else is left out so the
// evaluator treats it as absent.
func (p *ParameterProvider) GetEvaluationData(ctx context.Context, flow core.FlowContext, fieldNames []string, _ string) ([]core.FieldValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if flow.FlowType != p.flowType {
		return nil, fmt.Errorf("provider for %q cannot serve flow %q", p.flowType, flow.FlowType)
	}

	values := make([]core.FieldValue, 0, len(fieldNames))
	for _, name := range fieldNames {
		m, ok := p.mappings[name]
		if !ok {
			continue
		}
		param, ok := flow.Parameters[m.Parameter]
		if !ok || param == nil {
			continue
		}

		raw, err := formatParameter(param)
		if err != nil {
			return nil, fmt.Errorf("parameter %q for field %q: %w", m.Parameter, name, err)
		}
		values = append(values, core.FieldValue{Field: name, Value: raw, Type: m.Type})
	}

	return values, nil
}

func formatParameter(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported parameter type %T", value)
	}
}
