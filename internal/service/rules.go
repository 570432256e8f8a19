package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/rulez/internal/core"
	"github.com/matt-riley/rulez/internal/repository"
)

const (
	AuditActionCreated = "rule.created"
	AuditActionUpdated = "rule.updated"
	AuditActionDeleted = "rule.deleted"

	bestEffortTimeout = 2 * time.Second
)

var (
	ErrRuleNotFound   = errors.New("rule not found")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrTenantRequired = errors.New("tenant domain is required")
)

type RuleRepository interface {
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	GetRule(ctx context.Context, tenantDomain, id string) (repository.Rule, error)
	ListRules(ctx context.Context, tenantDomain, flowType string) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, tenantDomain, id string) error
}

type auditRecorder interface {
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
}

type auditReader interface {
	ListAuditLog(ctx context.Context, tenantDomain string, limit, offset int) ([]repository.AuditLogEntry, error)
}

// RuleInput is the caller-supplied part of a rule.
type RuleInput struct {
	Name       string               `json:"name"`
	FlowType   core.FlowType        `json:"flow_type"`
	Active     bool                 `json:"active"`
	Expression core.ExpressionGroup `json:"expression"`
}

// RuleRecord is a stored rule with its bookkeeping columns.
type RuleRecord struct {
	ID           string               `json:"id"`
	TenantDomain string               `json:"-"`
	Name         string               `json:"name"`
	FlowType     core.FlowType        `json:"flow_type"`
	Active       bool                 `json:"active"`
	Expression   core.ExpressionGroup `json:"expression"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func (r RuleRecord) Rule() core.Rule {
	return core.Rule{
		ID:           r.ID,
		TenantDomain: r.TenantDomain,
		FlowType:     r.FlowType,
		Active:       r.Active,
		Root:         r.Expression,
	}
}

// Rules manages stored rules. Writes are validated against the metadata the
// rule will later be evaluated with. Rules also serves as the rule lookup for
// [Service].
type Rules struct {
	repo     RuleRepository
	metadata MetadataLookup
	logger   *slog.Logger
	actor    func(context.Context) string
	newID    func() string
}

var _ RuleLookup = (*Rules)(nil)

type RulesOption func(*Rules)

func WithRulesLogger(logger *slog.Logger) RulesOption {
	return func(r *Rules) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAuditActor extracts the identity recorded in audit entries from the
// request context.
func WithAuditActor(fn func(context.Context) string) RulesOption {
	return func(r *Rules) {
		r.actor = fn
	}
}

func withIDGenerator(fn func() string) RulesOption {
	return func(r *Rules) {
		r.newID = fn
	}
}

func NewRules(repo RuleRepository, metadata MetadataLookup, opts ...RulesOption) (*Rules, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if metadata == nil {
		return nil, errors.New("metadata lookup is nil")
	}

	r := &Rules{
		repo:     repo,
		metadata: metadata,
		logger:   slog.Default(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

func (r *Rules) CreateRule(ctx context.Context, tenantDomain string, in RuleInput) (RuleRecord, error) {
	row, err := r.prepare(ctx, tenantDomain, in)
	if err != nil {
		return RuleRecord{}, err
	}
	row.ID = r.newID()

	created, err := r.repo.CreateRule(ctx, row)
	if err != nil {
		return RuleRecord{}, fmt.Errorf("create rule: %w", err)
	}

	record, err := recordFromRow(created)
	if err != nil {
		return RuleRecord{}, err
	}
	r.auditBestEffort(ctx, AuditActionCreated, record)

	return record, nil
}

func (r *Rules) UpdateRule(ctx context.Context, tenantDomain, id string, in RuleInput) (RuleRecord, error) {
	if strings.TrimSpace(id) == "" {
		return RuleRecord{}, fmt.Errorf("%w: rule id is required", ErrInvalidRule)
	}
	row, err := r.prepare(ctx, tenantDomain, in)
	if err != nil {
		return RuleRecord{}, err
	}
	row.ID = id

	updated, err := r.repo.UpdateRule(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RuleRecord{}, ErrRuleNotFound
		}
		return RuleRecord{}, fmt.Errorf("update rule: %w", err)
	}

	record, err := recordFromRow(updated)
	if err != nil {
		return RuleRecord{}, err
	}
	r.auditBestEffort(ctx, AuditActionUpdated, record)

	return record, nil
}

func (r *Rules) GetRule(ctx context.Context, tenantDomain, id string) (RuleRecord, error) {
	if strings.TrimSpace(tenantDomain) == "" {
		return RuleRecord{}, ErrTenantRequired
	}

	row, err := r.repo.GetRule(ctx, tenantDomain, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RuleRecord{}, ErrRuleNotFound
		}
		return RuleRecord{}, fmt.Errorf("get rule: %w", err)
	}

	return recordFromRow(row)
}

func (r *Rules) ListRules(ctx context.Context, tenantDomain string, flowType core.FlowType) ([]RuleRecord, error) {
	if strings.TrimSpace(tenantDomain) == "" {
		return nil, ErrTenantRequired
	}

	rows, err := r.repo.ListRules(ctx, tenantDomain, string(flowType))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	records := make([]RuleRecord, 0, len(rows))
	for _, row := range rows {
		record, err := recordFromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

func (r *Rules) DeleteRule(ctx context.Context, tenantDomain, id string) error {
	if strings.TrimSpace(tenantDomain) == "" {
		return ErrTenantRequired
	}

	if err := r.repo.DeleteRule(ctx, tenantDomain, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}

	r.auditBestEffort(ctx, AuditActionDeleted, RuleRecord{ID: id, TenantDomain: tenantDomain})
	return nil
}

// LookupRule implements [RuleLookup]. The stored rule is read fresh on every
// call.
func (r *Rules) LookupRule(ctx context.Context, ruleID, tenantDomain string) (core.Rule, bool, error) {
	record, err := r.GetRule(ctx, tenantDomain, ruleID)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return core.Rule{}, false, nil
		}
		return core.Rule{}, false, err
	}

	return record.Rule(), true, nil
}

func (r *Rules) prepare(ctx context.Context, tenantDomain string, in RuleInput) (repository.Rule, error) {
	if strings.TrimSpace(tenantDomain) == "" {
		return repository.Rule{}, ErrTenantRequired
	}
	if strings.TrimSpace(string(in.FlowType)) == "" {
		return repository.Rule{}, fmt.Errorf("%w: flow type is required", ErrInvalidRule)
	}

	definitions, err := r.metadata.GetExpressionMeta(ctx, in.FlowType, tenantDomain)
	if err != nil {
		return repository.Rule{}, fmt.Errorf("load expression metadata: %w", err)
	}
	if err := core.ValidateExpressions(definitions, in.Expression); err != nil {
		return repository.Rule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	expression, err := json.Marshal(in.Expression)
	if err != nil {
		return repository.Rule{}, fmt.Errorf("encode expression: %w", err)
	}

	return repository.Rule{
		TenantDomain: tenantDomain,
		Name:         strings.TrimSpace(in.Name),
		FlowType:     string(in.FlowType),
		Active:       in.Active,
		Expression:   expression,
	}, nil
}

func recordFromRow(row repository.Rule) (RuleRecord, error) {
	expression, err := core.DecodeExpressionGroup(row.Expression)
	if err != nil {
		return RuleRecord{}, fmt.Errorf("decode stored rule %q: %w", row.ID, err)
	}

	return RuleRecord{
		ID:           row.ID,
		TenantDomain: row.TenantDomain,
		Name:         row.Name,
		FlowType:     core.FlowType(row.FlowType),
		Active:       row.Active,
		Expression:   expression,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// ListAuditLog returns the tenant's rule audit trail, newest first. It is
// empty when the repository keeps no audit log.
func (r *Rules) ListAuditLog(ctx context.Context, tenantDomain string, limit, offset int) ([]repository.AuditLogEntry, error) {
	if strings.TrimSpace(tenantDomain) == "" {
		return nil, ErrTenantRequired
	}
	reader, ok := r.repo.(auditReader)
	if !ok {
		return []repository.AuditLogEntry{}, nil
	}

	entries, err := reader.ListAuditLog(ctx, tenantDomain, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}

func (r *Rules) auditBestEffort(ctx context.Context, action string, record RuleRecord) {
	recorder, ok := r.repo.(auditRecorder)
	if !ok {
		return
	}

	entry := repository.AuditLogEntry{
		TenantDomain: record.TenantDomain,
		Action:       action,
		RuleID:       record.ID,
	}
	if r.actor != nil {
		entry.APIKeyID = r.actor(ctx)
	}
	if action != AuditActionDeleted {
		if details, err := json.Marshal(record); err == nil {
			entry.Details = details
		}
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := recorder.InsertAuditLog(auditCtx, entry); err != nil {
		r.logger.Warn("failed to record rule audit entry", "action", action, "rule_id", record.ID, "error", err)
	}
}
