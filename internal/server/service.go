package server

import (
	"context"

	"github.com/matt-riley/rulez/internal/core"
	"github.com/matt-riley/rulez/internal/metadata"
	"github.com/matt-riley/rulez/internal/repository"
	"github.com/matt-riley/rulez/internal/service"
)

type Evaluator interface {
	Evaluate(ctx context.Context, ruleID string, flow core.FlowContext, tenantDomain string) (core.RuleEvaluationResult, error)
}

type RuleManager interface {
	CreateRule(ctx context.Context, tenantDomain string, in service.RuleInput) (service.RuleRecord, error)
	UpdateRule(ctx context.Context, tenantDomain, id string, in service.RuleInput) (service.RuleRecord, error)
	GetRule(ctx context.Context, tenantDomain, id string) (service.RuleRecord, error)
	ListRules(ctx context.Context, tenantDomain string, flowType core.FlowType) ([]service.RuleRecord, error)
	DeleteRule(ctx context.Context, tenantDomain, id string) error
	ListAuditLog(ctx context.Context, tenantDomain string, limit, offset int) ([]repository.AuditLogEntry, error)
}

type MetadataReader interface {
	GetExpressionMeta(ctx context.Context, flowType core.FlowType, tenantDomain string) ([]core.FieldDefinition, error)
	Operators() []core.Operator
}

var (
	_ Evaluator      = (*service.Service)(nil)
	_ RuleManager    = (*service.Rules)(nil)
	_ MetadataReader = (*metadata.Store)(nil)
)
