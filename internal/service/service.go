package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/rulez/internal/core"
)

const (
	OutcomeSatisfied   = "satisfied"
	OutcomeUnsatisfied = "unsatisfied"
	OutcomeInactive    = "inactive"

	tracerName = "github.com/matt-riley/rulez/internal/service"
)

// RuleLookup fetches a rule by id within a tenant. A missing rule is
// reported with found == false and a nil error.
type RuleLookup interface {
	LookupRule(ctx context.Context, ruleID, tenantDomain string) (rule core.Rule, found bool, err error)
}

// MetadataLookup returns the field definitions valid for a flow and tenant.
type MetadataLookup interface {
	GetExpressionMeta(ctx context.Context, flowType core.FlowType, tenantDomain string) ([]core.FieldDefinition, error)
}

// ProviderLookup resolves the data provider responsible for a flow type.
type ProviderLookup interface {
	Lookup(flowType core.FlowType) (core.DataProvider, error)
}

// EvaluationObserver receives the outcome of every evaluation: one of the
// Outcome constants, or the error kind name on failure.
type EvaluationObserver interface {
	ObserveEvaluation(outcome string, elapsed time.Duration)
}

// Service evaluates stored rules against a runtime flow context. It keeps no
// state between calls and is safe for concurrent use.
type Service struct {
	rules     RuleLookup
	metadata  MetadataLookup
	providers ProviderLookup
	logger    *slog.Logger
	observer  EvaluationObserver
	tracer    trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithEvaluationObserver(observer EvaluationObserver) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

func New(rules RuleLookup, metadata MetadataLookup, providers ProviderLookup, opts ...Option) (*Service, error) {
	switch {
	case rules == nil:
		return nil, errors.New("rule lookup is nil")
	case metadata == nil:
		return nil, errors.New("metadata lookup is nil")
	case providers == nil:
		return nil, errors.New("provider lookup is nil")
	}

	svc := &Service{
		rules:     rules,
		metadata:  metadata,
		providers: providers,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Evaluate resolves the rule, validates it against the flow's metadata,
// fetches live field values from the flow's provider and reports whether the
// rule is satisfied. Every failure is a *core.EvaluationError.
func (s *Service) Evaluate(ctx context.Context, ruleID string, flow core.FlowContext, tenantDomain string) (core.RuleEvaluationResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.Evaluate", trace.WithAttributes(
		attribute.String("rule.id", ruleID),
		attribute.String("rule.tenant_domain", tenantDomain),
		attribute.String("rule.flow_type", string(flow.FlowType)),
	))
	defer span.End()

	start := time.Now()
	result, outcome, err := s.evaluate(ctx, ruleID, flow, tenantDomain)
	if err != nil {
		outcome = core.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		s.logFailure(ctx, err, ruleID, flow.FlowType, tenantDomain)
	} else {
		span.SetAttributes(attribute.Bool("rule.satisfied", result.Satisfied))
	}

	if s.observer != nil {
		s.observer.ObserveEvaluation(outcome, time.Since(start))
	}

	return result, err
}

func (s *Service) evaluate(ctx context.Context, ruleID string, flow core.FlowContext, tenantDomain string) (core.RuleEvaluationResult, string, error) {
	rule, found, err := s.rules.LookupRule(ctx, ruleID, tenantDomain)
	if err != nil {
		return core.RuleEvaluationResult{}, "", core.WrapError(core.KindRuleLookupFailed, err, "error while retrieving the rule")
	}
	if !found {
		return core.RuleEvaluationResult{}, "", core.Errorf(core.KindRuleNotFound, "rule not found for the given rule id: %s", ruleID)
	}

	if !rule.Active {
		return core.RuleEvaluationResult{RuleID: ruleID, Satisfied: false}, OutcomeInactive, nil
	}

	definitions, err := s.metadata.GetExpressionMeta(ctx, rule.FlowType, tenantDomain)
	if err != nil {
		return core.RuleEvaluationResult{}, "", core.WrapError(core.KindMetadataLookupFailed, err,
			fmt.Sprintf("error while retrieving expression metadata for flow %q", rule.FlowType))
	}
	if len(definitions) == 0 {
		return core.RuleEvaluationResult{}, "", core.Errorf(core.KindMetadataUnavailable,
			"expression metadata for flow %q is null or empty", rule.FlowType)
	}

	if err := core.ValidateExpressions(definitions, rule.Root); err != nil {
		return core.RuleEvaluationResult{}, "", err
	}

	provider, err := s.providers.Lookup(rule.FlowType)
	if err != nil {
		if core.KindOf(err) == core.KindUnknown {
			err = core.WrapError(core.KindNoProviderRegistered, err, fmt.Sprintf("no data provider for flow %q", rule.FlowType))
		}
		return core.RuleEvaluationResult{}, "", err
	}

	values, err := provider.GetEvaluationData(ctx, flow, core.ReferencedFields(rule.Root), tenantDomain)
	if err != nil {
		return core.RuleEvaluationResult{}, "", core.WrapError(core.KindDataRetrievalFailed, err,
			fmt.Sprintf("error while retrieving evaluation data for flow %q", rule.FlowType))
	}

	satisfied, err := core.Evaluate(rule.Root, core.FieldValueMap(values))
	if err != nil {
		return core.RuleEvaluationResult{}, "", err
	}

	outcome := OutcomeUnsatisfied
	if satisfied {
		outcome = OutcomeSatisfied
	}
	return core.RuleEvaluationResult{RuleID: ruleID, Satisfied: satisfied}, outcome, nil
}

func (s *Service) logFailure(ctx context.Context, err error, ruleID string, flowType core.FlowType, tenantDomain string) {
	level := slog.LevelWarn
	if core.IsClientError(err) {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "rule evaluation failed",
		"rule_id", ruleID,
		"tenant_domain", tenantDomain,
		"flow_type", flowType,
		"error_kind", core.KindOf(err).String(),
		"error", err,
	)
}
