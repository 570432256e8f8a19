package core

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRuleNotFound
	KindRuleLookupFailed
	KindMetadataUnavailable
	KindMetadataLookupFailed
	KindUnknownField
	KindUnsupportedOperator
	KindValueTypeMismatch
	KindNoProviderRegistered
	KindDataRetrievalFailed
	KindUnsupportedComparison
	KindMalformedExpression
)

var kindNames = map[ErrorKind]string{
	KindUnknown:               "unknown",
	KindRuleNotFound:          "rule_not_found",
	KindRuleLookupFailed:      "rule_lookup_failed",
	KindMetadataUnavailable:   "metadata_unavailable",
	KindMetadataLookupFailed:  "metadata_lookup_failed",
	KindUnknownField:          "unknown_field",
	KindUnsupportedOperator:   "unsupported_operator",
	KindValueTypeMismatch:     "value_type_mismatch",
	KindNoProviderRegistered:  "no_provider_registered",
	KindDataRetrievalFailed:   "data_retrieval_failed",
	KindUnsupportedComparison: "unsupported_comparison",
	KindMalformedExpression:   "malformed_expression",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// EvaluationError is the single failure type produced while building,
// validating or evaluating rules. Two EvaluationErrors match under errors.Is
// when their kinds are equal.
type EvaluationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EvaluationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

func (e *EvaluationError) Is(target error) bool {
	t, ok := target.(*EvaluationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrRuleNotFound          = &EvaluationError{Kind: KindRuleNotFound, Message: "rule not found"}
	ErrRuleLookupFailed      = &EvaluationError{Kind: KindRuleLookupFailed, Message: "rule lookup failed"}
	ErrMetadataUnavailable   = &EvaluationError{Kind: KindMetadataUnavailable, Message: "expression metadata unavailable"}
	ErrMetadataLookupFailed  = &EvaluationError{Kind: KindMetadataLookupFailed, Message: "expression metadata lookup failed"}
	ErrUnknownField          = &EvaluationError{Kind: KindUnknownField, Message: "unknown field"}
	ErrUnsupportedOperator   = &EvaluationError{Kind: KindUnsupportedOperator, Message: "unsupported operator"}
	ErrValueTypeMismatch     = &EvaluationError{Kind: KindValueTypeMismatch, Message: "value type mismatch"}
	ErrNoProviderRegistered  = &EvaluationError{Kind: KindNoProviderRegistered, Message: "no provider registered"}
	ErrDataRetrievalFailed   = &EvaluationError{Kind: KindDataRetrievalFailed, Message: "data retrieval failed"}
	ErrUnsupportedComparison = &EvaluationError{Kind: KindUnsupportedComparison, Message: "unsupported comparison"}
	ErrMalformedExpression   = &EvaluationError{Kind: KindMalformedExpression, Message: "malformed expression"}
)

func Errorf(kind ErrorKind, format string, args ...any) *EvaluationError {
	return &EvaluationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, message string) *EvaluationError {
	return &EvaluationError{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the first EvaluationError in err's chain, or
// KindUnknown when there is none.
func KindOf(err error) ErrorKind {
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Kind
	}
	return KindUnknown
}

// IsClientError reports whether err is addressable by the caller rather than
// a failure of configuration or a collaborator.
func IsClientError(err error) bool {
	return KindOf(err) == KindRuleNotFound
}
