package core

import (
	"slices"
	"strings"
)

type Connective string

const (
	ConnectiveAnd Connective = "AND"
	ConnectiveOr  Connective = "OR"
)

func (c Connective) Valid() bool {
	return c == ConnectiveAnd || c == ConnectiveOr
}

// Node is either an Expression or an ExpressionGroup.
type Node interface {
	node()
}

type Expression struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    Value  `json:"value"`
}

func (Expression) node() {}

func NewExpression(field, operator string, value Value) (Expression, error) {
	field = strings.TrimSpace(field)
	operator = strings.TrimSpace(operator)

	switch {
	case field == "":
		return Expression{}, Errorf(KindMalformedExpression, "expression field is required")
	case operator == "":
		return Expression{}, Errorf(KindMalformedExpression, "expression operator is required for field %q", field)
	case value.IsZero():
		return Expression{}, Errorf(KindMalformedExpression, "expression value is required for field %q", field)
	case !value.Type.Valid():
		return Expression{}, Errorf(KindMalformedExpression, "expression value for field %q has unknown type %q", field, value.Type)
	}

	return Expression{Field: field, Operator: operator, Value: value}, nil
}

type ExpressionGroup struct {
	Connective Connective
	Children   []Node
}

func (ExpressionGroup) node() {}

func NewGroup(connective Connective, children ...Node) (ExpressionGroup, error) {
	if !connective.Valid() {
		return ExpressionGroup{}, Errorf(KindMalformedExpression, "unknown connective %q", connective)
	}
	for i, child := range children {
		switch c := child.(type) {
		case Expression:
		case ExpressionGroup:
			if !c.Connective.Valid() {
				return ExpressionGroup{}, Errorf(KindMalformedExpression, "child %d has unknown connective %q", i, c.Connective)
			}
		default:
			return ExpressionGroup{}, Errorf(KindMalformedExpression, "child %d is not an expression or group", i)
		}
	}

	return ExpressionGroup{Connective: connective, Children: slices.Clone(children)}, nil
}

func And(children ...Node) (ExpressionGroup, error) {
	return NewGroup(ConnectiveAnd, children...)
}

func Or(children ...Node) (ExpressionGroup, error) {
	return NewGroup(ConnectiveOr, children...)
}

// ReferencedFields returns the distinct field names used anywhere in the
// group, sorted.
func ReferencedFields(group ExpressionGroup) []string {
	seen := make(map[string]struct{})
	walkExpressions(group, func(expr Expression) {
		seen[expr.Field] = struct{}{}
	})

	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	return fields
}

func walkExpressions(group ExpressionGroup, fn func(Expression)) {
	for _, child := range group.Children {
		switch c := child.(type) {
		case Expression:
			fn(c)
		case ExpressionGroup:
			walkExpressions(c, fn)
		}
	}
}
