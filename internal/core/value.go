package core

import (
	"fmt"
	"strconv"
	"strings"
)

type ValueType string

const (
	ValueTypeString    ValueType = "STRING"
	ValueTypeNumber    ValueType = "NUMBER"
	ValueTypeBoolean   ValueType = "BOOLEAN"
	ValueTypeReference ValueType = "REFERENCE"
)

func (t ValueType) Valid() bool {
	switch t {
	case ValueTypeString, ValueTypeNumber, ValueTypeBoolean, ValueTypeReference:
		return true
	default:
		return false
	}
}

// ParseValueType accepts the canonical upper-case names and their lower-case
// spellings used in configuration files.
func ParseValueType(s string) (ValueType, error) {
	t := ValueType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown value type %q", s)
	}
	return t, nil
}

// Accepts reports whether raw parses as a literal of type t.
func (t ValueType) Accepts(raw string) bool {
	switch t {
	case ValueTypeNumber:
		_, ok := parseNumber(raw)
		return ok
	case ValueTypeBoolean:
		_, ok := parseBoolean(raw)
		return ok
	default:
		return t.Valid()
	}
}

type Value struct {
	Type ValueType `json:"type"`
	Raw  string    `json:"value"`
}

func StringValue(s string) Value    { return Value{Type: ValueTypeString, Raw: s} }
func ReferenceValue(s string) Value { return Value{Type: ValueTypeReference, Raw: s} }
func BooleanValue(b bool) Value     { return Value{Type: ValueTypeBoolean, Raw: strconv.FormatBool(b)} }

func NumberValue(n float64) Value {
	return Value{Type: ValueTypeNumber, Raw: strconv.FormatFloat(n, 'f', -1, 64)}
}

func (v Value) IsZero() bool {
	return v.Type == "" && v.Raw == ""
}

func parseNumber(raw string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseBoolean(raw string) (bool, bool) {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return b, true
}
