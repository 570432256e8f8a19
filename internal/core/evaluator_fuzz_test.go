package core

import (
	"strconv"
	"testing"
)

func FuzzCompareNumbersOrdering(f *testing.F) {
	f.Add(9.0, 10.0)
	f.Add(-1.5, -1.5)
	f.Add(9007199254740993.0, 9007199254740992.0)

	f.Fuzz(func(t *testing.T, left, right float64) {
		l := strconv.FormatFloat(left, 'g', -1, 64)
		r := strconv.FormatFloat(right, 'g', -1, 64)

		compare := func(operator, actual, raw string) bool {
			t.Helper()
			got, err := compareNumbers(Expression{Field: "n", Operator: operator, Value: Value{Type: ValueTypeNumber, Raw: raw}}, actual)
			if err != nil {
				t.Fatalf("compareNumbers(%s %s %s) error = %v", actual, operator, raw, err)
			}
			return got
		}

		if compare(OperatorLessThan, l, r) != compare(OperatorGreaterThan, r, l) {
			t.Fatalf("lessThan/greaterThan not mirrored for %s, %s", l, r)
		}
		if compare(OperatorEquals, l, r) != compare(OperatorEquals, r, l) {
			t.Fatalf("equals not symmetric for %s, %s", l, r)
		}
		if compare(OperatorEquals, l, r) == compare(OperatorNotEquals, l, r) {
			t.Fatalf("equals and notEquals agree for %s, %s", l, r)
		}
	})
}

func FuzzDecodeExpressionGroup(f *testing.F) {
	f.Add([]byte(`{"connective":"AND","expressions":[{"field":"a","operator":"equals","value":{"type":"STRING","value":"x"}}]}`))
	f.Add([]byte(`{"connective":"OR","expressions":[{"connective":"AND","expressions":[]}]}`))
	f.Add([]byte(`{"connective":"AND","expressions":[{"connective":null}]}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		group, err := DecodeExpressionGroup(data)
		if err != nil {
			if KindOf(err) != KindMalformedExpression {
				t.Fatalf("DecodeExpressionGroup() error kind = %v, want malformed expression", KindOf(err))
			}
			return
		}

		for _, field := range ReferencedFields(group) {
			if field == "" {
				t.Fatalf("decoded group references an empty field")
			}
		}
		_, _ = Evaluate(group, nil)
	})
}
