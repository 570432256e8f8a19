// Package rulez provides client interfaces and domain types for the rulez
// rule evaluation service.
//
// Use the http sub-package to create a client:
//
//	import rulezhttp "github.com/matt-riley/rulez/clients/go/http"
package rulez

import (
	"context"
	"strconv"
	"time"
)

// RuleManager covers CRUD operations on rules of the caller's tenant.
type RuleManager interface {
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	GetRule(ctx context.Context, id string) (Rule, error)
	ListRules(ctx context.Context, flowType string) ([]Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// Evaluator reports whether a stored rule is satisfied by a flow.
type Evaluator interface {
	Evaluate(ctx context.Context, ruleID string, flow Flow) (bool, error)
}

const (
	FlowPreIssueAccessToken = "preIssueAccessToken"
	FlowPreUpdatePassword   = "preUpdatePassword"
	FlowPreUpdateProfile    = "preUpdateProfile"
)

// Flow is the runtime context a rule is evaluated against.
type Flow struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Rule is the domain representation of a stored rule. ID, CreatedAt and
// UpdatedAt are assigned by the server.
type Rule struct {
	ID         string
	Name       string
	FlowType   string
	Active     bool
	Expression Node
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Node is either a group (Connective set) or a single expression.
type Node struct {
	Connective  string `json:"connective,omitempty"`
	Expressions []Node `json:"expressions,omitempty"`

	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    *Value `json:"value,omitempty"`
}

func (n Node) IsGroup() bool { return n.Connective != "" }

func And(nodes ...Node) Node { return Node{Connective: "AND", Expressions: nodes} }
func Or(nodes ...Node) Node  { return Node{Connective: "OR", Expressions: nodes} }

// Compare builds a leaf expression such as Compare("riskScore", "greaterThan", Number(50)).
func Compare(field, operator string, value Value) Node {
	return Node{Field: field, Operator: operator, Value: &value}
}

// Value is a typed comparison value in its raw string form.
type Value struct {
	Type string `json:"type"`
	Raw  string `json:"value"`
}

func String(s string) Value    { return Value{Type: "STRING", Raw: s} }
func Reference(s string) Value { return Value{Type: "REFERENCE", Raw: s} }
func Boolean(b bool) Value     { return Value{Type: "BOOLEAN", Raw: strconv.FormatBool(b)} }
func Number(f float64) Value {
	return Value{Type: "NUMBER", Raw: strconv.FormatFloat(f, 'f', -1, 64)}
}
