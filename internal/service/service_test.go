package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/rulez/internal/core"
	"github.com/matt-riley/rulez/internal/provider"
)

const tenant = "tenant1"

type fakeRuleLookup struct {
	mu    sync.Mutex
	rules map[string]core.Rule
	err   error
	calls int
}

func (f *fakeRuleLookup) LookupRule(_ context.Context, ruleID, tenantDomain string) (core.Rule, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return core.Rule{}, false, f.err
	}
	rule, ok := f.rules[tenantDomain+"/"+ruleID]
	return rule, ok, nil
}

type fakeMetadata struct {
	defs  []core.FieldDefinition
	err   error
	calls int
	got   core.FlowType
}

func (f *fakeMetadata) GetExpressionMeta(_ context.Context, flowType core.FlowType, _ string) ([]core.FieldDefinition, error) {
	f.calls++
	f.got = flowType
	return f.defs, f.err
}

type fakeProvider struct {
	flowType  core.FlowType
	values    []core.FieldValue
	err       error
	calls     int
	requested []string
	gotFlow   core.FlowType
}

func (f *fakeProvider) SupportedFlowType() core.FlowType { return f.flowType }

func (f *fakeProvider) GetEvaluationData(_ context.Context, flow core.FlowContext, fieldNames []string, _ string) ([]core.FieldValue, error) {
	f.calls++
	f.gotFlow = flow.FlowType
	f.requested = fieldNames
	return f.values, f.err
}

type recordingObserver struct {
	outcomes []string
}

func (r *recordingObserver) ObserveEvaluation(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func definitions() []core.FieldDefinition {
	equality := []core.Operator{{Name: core.OperatorEquals}, {Name: core.OperatorNotEquals}}
	return []core.FieldDefinition{
		{Field: core.Field{Name: "application"}, Operators: equality, Value: core.ValueSpec{Type: core.ValueTypeReference}},
		{Field: core.Field{Name: "grantType"}, Operators: equality, Value: core.ValueSpec{
			Type:    core.ValueTypeString,
			Options: []core.Option{{Value: "authorization_code"}, {Value: "password"}},
		}},
	}
}

func ruleR1(t *testing.T, active bool) core.Rule {
	t.Helper()
	app, err := core.NewExpression("application", core.OperatorEquals, core.ReferenceValue("testapp"))
	if err != nil {
		t.Fatalf("NewExpression() error = %v", err)
	}
	grant, err := core.NewExpression("grantType", core.OperatorEquals, core.StringValue("authorization_code"))
	if err != nil {
		t.Fatalf("NewExpression() error = %v", err)
	}
	rule, err := core.NewRule("r1", tenant, core.FlowPreIssueAccessToken, active, app, grant)
	if err != nil {
		t.Fatalf("NewRule() error = %v", err)
	}
	return rule
}

type harness struct {
	rules    *fakeRuleLookup
	metadata *fakeMetadata
	provider *fakeProvider
	registry *provider.Registry
	observer *recordingObserver
	svc      *Service
}

func newHarness(t *testing.T, rule core.Rule) *harness {
	t.Helper()
	h := &harness{
		rules:    &fakeRuleLookup{rules: map[string]core.Rule{tenant + "/" + rule.ID: rule}},
		metadata: &fakeMetadata{defs: definitions()},
		provider: &fakeProvider{
			flowType: core.FlowPreIssueAccessToken,
			values: []core.FieldValue{
				{Field: "application", Value: "testapp", Type: core.ValueTypeReference},
				{Field: "grantType", Value: "authorization_code", Type: core.ValueTypeString},
			},
		},
		registry: provider.NewRegistry(),
		observer: &recordingObserver{},
	}
	if err := h.registry.Register(h.provider); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	svc, err := New(h.rules, h.metadata, h.registry, WithEvaluationObserver(h.observer))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.svc = svc
	return h
}

func accessTokenFlow() core.FlowContext {
	return core.NewFlowContext(core.FlowPreIssueAccessToken, map[string]any{})
}

func TestEvaluateSatisfiedRule(t *testing.T) {
	h := newHarness(t, ruleR1(t, true))

	result, err := h.svc.Evaluate(context.Background(), "r1", accessTokenFlow(), tenant)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result != (core.RuleEvaluationResult{RuleID: "r1", Satisfied: true}) {
		t.Fatalf("Evaluate() = %+v, want satisfied r1", result)
	}
	if got := strings.Join(h.provider.requested, ","); got != "application,grantType" {
		t.Fatalf("provider requested fields = %q", got)
	}
	if h.metadata.got != core.FlowPreIssueAccessToken {
		t.Fatalf("metadata requested for flow %q", h.metadata.got)
	}
	if len(h.observer.outcomes) != 1 || h.observer.outcomes[0] != OutcomeSatisfied {
		t.Fatalf("observer outcomes = %v", h.observer.outcomes)
	}
}

func TestEvaluateResolvesByRuleFlowType(t *testing.T) {
	rule := ruleR1(t, true)
	h := newHarness(t, rule)

	flow := core.NewFlowContext(core.FlowPreUpdatePassword, map[string]any{})
	result, err := h.svc.Evaluate(context.Background(), "r1", flow, tenant)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Satisfied {
		t.Fatalf("Evaluate() satisfied = false, want true")
	}
	if h.metadata.got != rule.FlowType {
		t.Fatalf("metadata requested for flow %q, want %q", h.metadata.got, rule.FlowType)
	}
	if h.provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", h.provider.calls)
	}
	if h.provider.gotFlow != core.FlowPreUpdatePassword {
		t.Fatalf("provider received flow %q, want caller flow", h.provider.gotFlow)
	}
}

func TestEvaluateUnsatisfiedRule(t *testing.T) {
	h := newHarness(t, ruleR1(t, true))
	h.provider.values = []core.FieldValue{
		{Field: "application", Value: "testapp", Type: core.ValueTypeReference},
		{Field: "grantType", Value: "password", Type: core.ValueTypeString},
	}

	result, err := h.svc.Evaluate(context.Background(), "r1", accessTokenFlow(), tenant)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Satisfied {
		t.Fatalf("Evaluate() satisfied = true, want false")
	}
	if h.observer.outcomes[0] != OutcomeUnsatisfied {
		t.Fatalf("observer outcome = %q", h.observer.outcomes[0])
	}
}

func TestEvaluateMissingFieldDataIsNotSatisfied(t *testing.T) {
	h := newHarness(t, ruleR1(t, true))
	h.provider.values = []core.FieldValue{{Field: "application", Value: "testapp", Type: core.ValueTypeReference}}

	result, err := h.svc.Evaluate(context.Background(), "r1", accessTokenFlow(), tenant)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Satisfied {
		t.Fatalf("Evaluate() satisfied = true with missing grantType")
	}
}

func TestEvaluateInactiveRuleSkipsCollaborators(t *testing.T) {
	h := newHarness(t, ruleR1(t, false))

	result, err := h.svc.Evaluate(context.Background(), "r1", accessTokenFlow(), tenant)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result != (core.RuleEvaluationResult{RuleID: "r1", Satisfied: false}) {
		t.Fatalf("Evaluate() = %+v", result)
	}
	if h.metadata.calls != 0 || h.provider.calls != 0 {
		t.Fatalf("metadata calls = %d, provider calls = %d; want 0, 0", h.metadata.calls, h.provider.calls)
	}
	if h.observer.outcomes[0] != OutcomeInactive {
		t.Fatalf("observer outcome = %q", h.observer.outcomes[0])
	}
}

func TestEvaluateFailures(t *testing.T) {
	tests := []struct {
		name    string
		ruleID  string
		setup   func(h *harness)
		flow    core.FlowContext
		wantErr error
	}{
		{
			name:    "missing rule",
			ruleID:  "missing",
			wantErr: core.ErrRuleNotFound,
		},
		{
			name:    "rule lookup error",
			ruleID:  "r1",
			setup:   func(h *harness) { h.rules.err = errors.New("db down") },
			wantErr: core.ErrRuleLookupFailed,
		},
		{
			name:    "empty metadata",
			ruleID:  "r1",
			setup:   func(h *harness) { h.metadata.defs = nil },
			wantErr: core.ErrMetadataUnavailable,
		},
		{
			name:    "metadata lookup error",
			ruleID:  "r1",
			setup:   func(h *harness) { h.metadata.err = errors.New("catalog unavailable") },
			wantErr: core.ErrMetadataLookupFailed,
		},
		{
			name:   "field missing from metadata",
			ruleID: "r1",
			setup: func(h *harness) {
				h.metadata.defs = h.metadata.defs[:1]
			},
			wantErr: core.ErrUnknownField,
		},
		{
			name:   "operator not allowed by metadata",
			ruleID: "r1",
			setup: func(h *harness) {
				h.metadata.defs[1].Operators = []core.Operator{{Name: core.OperatorNotEquals}}
			},
			wantErr: core.ErrUnsupportedOperator,
		},
		{
			name:   "value type differs from metadata",
			ruleID: "r1",
			setup: func(h *harness) {
				h.metadata.defs[0].Value.Type = core.ValueTypeString
			},
			wantErr: core.ErrValueTypeMismatch,
		},
		{
			name:    "no provider for flow",
			ruleID:  "r1",
			setup:   func(h *harness) { h.registry.Unregister(core.FlowPreIssueAccessToken) },
			wantErr: core.ErrNoProviderRegistered,
		},
		{
			name:    "provider failure",
			ruleID:  "r1",
			setup:   func(h *harness) { h.provider.err = errors.New("timeout") },
			wantErr: core.ErrDataRetrievalFailed,
		},
		{
			name:   "provider returns non numeric value for number field",
			ruleID: "score",
			setup: func(h *harness) {
				expr, _ := core.NewExpression("riskScore", core.OperatorGreaterThan, core.NumberValue(5))
				rule, _ := core.NewRule("score", tenant, core.FlowPreIssueAccessToken, true, expr)
				h.rules.rules[tenant+"/score"] = rule
				h.metadata.defs = append(h.metadata.defs, core.FieldDefinition{
					Field:     core.Field{Name: "riskScore"},
					Operators: []core.Operator{{Name: core.OperatorGreaterThan}},
					Value:     core.ValueSpec{Type: core.ValueTypeNumber},
				})
				h.provider.values = []core.FieldValue{{Field: "riskScore", Value: "high"}}
			},
			wantErr: core.ErrUnsupportedComparison,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ruleR1(t, true))
			if tt.setup != nil {
				tt.setup(h)
			}

			result, err := h.svc.Evaluate(context.Background(), tt.ruleID, accessTokenFlow(), tenant)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Evaluate() error = %v, want %v", err, tt.wantErr)
			}
			var evalErr *core.EvaluationError
			if !errors.As(err, &evalErr) {
				t.Fatalf("Evaluate() error %T is not an EvaluationError", err)
			}
			if result != (core.RuleEvaluationResult{}) {
				t.Fatalf("Evaluate() result = %+v on failure", result)
			}
			if got := h.observer.outcomes; len(got) != 1 || got[0] != core.KindOf(err).String() {
				t.Fatalf("observer outcomes = %v", got)
			}
		})
	}
}

func TestEvaluateRuleNotFoundMessage(t *testing.T) {
	h := newHarness(t, ruleR1(t, true))

	_, err := h.svc.Evaluate(context.Background(), "nope", accessTokenFlow(), tenant)
	if err == nil || err.Error() != "rule not found for the given rule id: nope" {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !core.IsClientError(err) {
		t.Fatalf("rule not found should be a client error")
	}
}

func TestEvaluateIsTenantScoped(t *testing.T) {
	h := newHarness(t, ruleR1(t, true))

	if _, err := h.svc.Evaluate(context.Background(), "r1", accessTokenFlow(), "other-tenant"); !errors.Is(err, core.ErrRuleNotFound) {
		t.Fatalf("Evaluate(other tenant) error = %v, want rule not found", err)
	}
}

func TestEvaluateLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := newHarness(t, ruleR1(t, true))
	h.metadata.defs = nil
	svc, err := New(h.rules, h.metadata, h.registry, WithLogger(logger))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _ = svc.Evaluate(context.Background(), "r1", accessTokenFlow(), tenant)
	out := buf.String()
	if !strings.Contains(out, `"error_kind":"metadata_unavailable"`) || !strings.Contains(out, `"level":"WARN"`) {
		t.Fatalf("log output = %s", out)
	}
}

func TestEvaluateConcurrentUse(t *testing.T) {
	h := newHarness(t, ruleR1(t, true))
	svc, err := New(h.rules, &fakeMetadata{defs: definitions()}, h.registry)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Evaluate(context.Background(), "missing", accessTokenFlow(), tenant); !errors.Is(err, core.ErrRuleNotFound) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent Evaluate() error = %v", err)
	}
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	h := newHarness(t, ruleR1(t, true))

	if _, err := New(nil, h.metadata, h.registry); err == nil {
		t.Fatalf("New(nil rules) error = nil")
	}
	if _, err := New(h.rules, nil, h.registry); err == nil {
		t.Fatalf("New(nil metadata) error = nil")
	}
	if _, err := New(h.rules, h.metadata, nil); err == nil {
		t.Fatalf("New(nil providers) error = nil")
	}
}
