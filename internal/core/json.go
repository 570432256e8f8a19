package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

const maxGroupDepth = 64

type groupJSON struct {
	Connective  Connective        `json:"connective"`
	Expressions []json.RawMessage `json:"expressions"`
}

type nodeShape struct {
	Connective *Connective `json:"connective"`
}

func (g ExpressionGroup) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(g.Children))
	for _, child := range g.Children {
		raw, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}

	return json.Marshal(groupJSON{Connective: g.Connective, Expressions: items})
}

func (g *ExpressionGroup) UnmarshalJSON(data []byte) error {
	group, err := decodeGroup(data, 1)
	if err != nil {
		return err
	}
	*g = group
	return nil
}

// DecodeExpressionGroup parses a stored expression tree, applying the same
// structural checks as the constructors.
func DecodeExpressionGroup(data []byte) (ExpressionGroup, error) {
	return decodeGroup(data, 1)
}

func decodeGroup(data []byte, depth int) (ExpressionGroup, error) {
	if depth > maxGroupDepth {
		return ExpressionGroup{}, Errorf(KindMalformedExpression, "expression groups nested deeper than %d", maxGroupDepth)
	}

	var raw groupJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return ExpressionGroup{}, WrapError(KindMalformedExpression, err, "decode expression group")
	}

	children := make([]Node, 0, len(raw.Expressions))
	for i, item := range raw.Expressions {
		child, err := decodeNode(item, depth)
		if err != nil {
			var evalErr *EvaluationError
			if errors.As(err, &evalErr) && evalErr.Kind == KindMalformedExpression {
				return ExpressionGroup{}, err
			}
			return ExpressionGroup{}, WrapError(KindMalformedExpression, err, fmt.Sprintf("decode expression %d", i))
		}
		children = append(children, child)
	}

	return NewGroup(raw.Connective, children...)
}

func decodeNode(data json.RawMessage, depth int) (Node, error) {
	var shape nodeShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, err
	}
	if shape.Connective != nil {
		return decodeGroup(data, depth+1)
	}

	var expr Expression
	if err := json.Unmarshal(data, &expr); err != nil {
		return nil, err
	}
	return NewExpression(expr.Field, expr.Operator, expr.Value)
}
