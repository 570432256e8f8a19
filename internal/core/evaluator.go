package core

import "math"

// FieldValueMap indexes provider output by field name. When a field is
// reported more than once the last value wins.
func FieldValueMap(values []FieldValue) map[string]FieldValue {
	byField := make(map[string]FieldValue, len(values))
	for _, value := range values {
		byField[value.Field] = value
	}
	return byField
}

// Evaluate walks the group against the resolved field values. Every child is
// evaluated so that a failing comparison anywhere in the tree is reported
// regardless of where the boolean outcome was decided.
func Evaluate(group ExpressionGroup, values map[string]FieldValue) (bool, error) {
	return evaluateGroup(group, values)
}

func evaluateGroup(group ExpressionGroup, values map[string]FieldValue) (bool, error) {
	var result bool
	switch group.Connective {
	case ConnectiveAnd:
		result = true
	case ConnectiveOr:
		result = false
	default:
		return false, Errorf(KindMalformedExpression, "unknown connective %q", group.Connective)
	}

	for _, child := range group.Children {
		var (
			matched bool
			err     error
		)
		switch c := child.(type) {
		case Expression:
			matched, err = evaluateExpression(c, values)
		case ExpressionGroup:
			matched, err = evaluateGroup(c, values)
		default:
			err = Errorf(KindMalformedExpression, "unexpected node %T", child)
		}
		if err != nil {
			return false, err
		}

		if group.Connective == ConnectiveAnd {
			result = result && matched
		} else {
			result = result || matched
		}
	}

	return result, nil
}

func evaluateExpression(expr Expression, values map[string]FieldValue) (bool, error) {
	fieldValue, ok := values[expr.Field]
	if !ok {
		return false, nil
	}

	switch expr.Value.Type {
	case ValueTypeString, ValueTypeReference:
		return compareIdentity(expr, fieldValue.Value)
	case ValueTypeNumber:
		return compareNumbers(expr, fieldValue.Value)
	case ValueTypeBoolean:
		return compareBooleans(expr, fieldValue.Value)
	default:
		return false, unsupported(expr)
	}
}

func compareIdentity(expr Expression, actual string) (bool, error) {
	switch expr.Operator {
	case OperatorEquals:
		return actual == expr.Value.Raw, nil
	case OperatorNotEquals:
		return actual != expr.Value.Raw, nil
	default:
		return false, unsupported(expr)
	}
}

func compareNumbers(expr Expression, actual string) (bool, error) {
	want, ok := parseNumber(expr.Value.Raw)
	if !ok {
		return false, Errorf(KindUnsupportedComparison, "expression value %q for field %q is not a number", expr.Value.Raw, expr.Field)
	}
	got, ok := parseNumber(actual)
	if !ok {
		return false, Errorf(KindUnsupportedComparison, "field %q value %q is not a number", expr.Field, actual)
	}

	return compareFloat(expr, got, want)
}

func compareFloat(expr Expression, got, want float64) (bool, error) {
	if math.IsNaN(got) || math.IsNaN(want) {
		return expr.Operator == OperatorNotEquals, nil
	}

	switch expr.Operator {
	case OperatorEquals:
		return got == want, nil
	case OperatorNotEquals:
		return got != want, nil
	case OperatorGreaterThan:
		return got > want, nil
	case OperatorGreaterThanOrEquals:
		return got >= want, nil
	case OperatorLessThan:
		return got < want, nil
	case OperatorLessThanOrEquals:
		return got <= want, nil
	default:
		return false, unsupported(expr)
	}
}

func compareBooleans(expr Expression, actual string) (bool, error) {
	want, ok := parseBoolean(expr.Value.Raw)
	if !ok {
		return false, Errorf(KindUnsupportedComparison, "expression value %q for field %q is not a boolean", expr.Value.Raw, expr.Field)
	}
	got, ok := parseBoolean(actual)
	if !ok {
		return false, Errorf(KindUnsupportedComparison, "field %q value %q is not a boolean", expr.Field, actual)
	}

	switch expr.Operator {
	case OperatorEquals:
		return got == want, nil
	case OperatorNotEquals:
		return got != want, nil
	default:
		return false, unsupported(expr)
	}
}

func unsupported(expr Expression) error {
	return Errorf(KindUnsupportedComparison, "operator %q is not supported for %s field %q", expr.Operator, expr.Value.Type, expr.Field)
}
