package core

import (
	"context"
	"maps"
	"slices"
)

type FlowType string

const (
	FlowPreIssueAccessToken FlowType = "preIssueAccessToken"
	FlowPreUpdatePassword   FlowType = "preUpdatePassword"
	FlowPreUpdateProfile    FlowType = "preUpdateProfile"
)

const (
	OperatorEquals              = "equals"
	OperatorNotEquals           = "notEquals"
	OperatorGreaterThan         = "greaterThan"
	OperatorGreaterThanOrEquals = "greaterThanOrEquals"
	OperatorLessThan            = "lessThan"
	OperatorLessThanOrEquals    = "lessThanOrEquals"
)

type Rule struct {
	ID           string          `json:"id"`
	TenantDomain string          `json:"tenant_domain"`
	FlowType     FlowType        `json:"flow_type"`
	Active       bool            `json:"active"`
	Root         ExpressionGroup `json:"expression"`
}

// NewRule returns a rule whose root group is connected with AND, the way
// top-level expressions of a rule are always combined.
func NewRule(id, tenantDomain string, flowType FlowType, active bool, children ...Node) (Rule, error) {
	root, err := NewGroup(ConnectiveAnd, children...)
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		ID:           id,
		TenantDomain: tenantDomain,
		FlowType:     flowType,
		Active:       active,
		Root:         root,
	}, nil
}

type Field struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"displayName,omitempty"`
}

type Operator struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"displayName,omitempty"`
}

type Option struct {
	Value        string `json:"value" yaml:"value"`
	DisplayValue string `json:"display_value,omitempty" yaml:"displayValue,omitempty"`
}

type Link struct {
	Href   string `json:"href" yaml:"href"`
	Method string `json:"method" yaml:"method"`
	Rel    string `json:"rel" yaml:"rel"`
}

type ReferenceSpec struct {
	ValueAttribute   string `json:"value_reference_attribute" yaml:"valueReferenceAttribute"`
	DisplayAttribute string `json:"value_display_attribute" yaml:"valueDisplayAttribute"`
	Links            []Link `json:"links,omitempty" yaml:"links,omitempty"`
}

// ValueSpec describes the values a field accepts. Options restricts the raw
// value to an enumerated set; Reference points at the resource that lists the
// legal identifiers.
type ValueSpec struct {
	Type      ValueType      `json:"type" yaml:"type"`
	Options   []Option       `json:"options,omitempty" yaml:"options,omitempty"`
	Reference *ReferenceSpec `json:"reference,omitempty" yaml:"reference,omitempty"`
}

type FieldDefinition struct {
	Field     Field      `json:"field"`
	Operators []Operator `json:"operators"`
	Value     ValueSpec  `json:"value"`
}

func (d FieldDefinition) AllowsOperator(name string) bool {
	return slices.ContainsFunc(d.Operators, func(op Operator) bool {
		return op.Name == name
	})
}

func (s ValueSpec) hasOption(raw string) bool {
	return slices.ContainsFunc(s.Options, func(opt Option) bool {
		return opt.Value == raw
	})
}

type FieldValue struct {
	Field string    `json:"field"`
	Value string    `json:"value"`
	Type  ValueType `json:"type"`
}

type FlowContext struct {
	FlowType   FlowType       `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func NewFlowContext(flowType FlowType, parameters map[string]any) FlowContext {
	return FlowContext{FlowType: flowType, Parameters: maps.Clone(parameters)}
}

type RuleEvaluationResult struct {
	RuleID    string `json:"rule_id"`
	Satisfied bool   `json:"satisfied"`
}

// DataProvider produces live field values for one flow type.
type DataProvider interface {
	SupportedFlowType() FlowType
	GetEvaluationData(ctx context.Context, flow FlowContext, fieldNames []string, tenantDomain string) ([]FieldValue, error)
}
