// Package repository provides PostgreSQL-backed persistence for tenant-scoped
// rules, the API keys that authenticate tenants, and an audit trail of rule
// changes.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	emptyExpression     = `{"connective":"AND","expressions":[]}`
	defaultAuditPageMax = 500
)

// Rule is the repository-level representation of a rule row. The expression
// tree is stored as JSON; the service layer decodes it with the core codec.
type Rule struct {
	ID           string          `json:"id"`
	TenantDomain string          `json:"-"`
	Name         string          `json:"name"`
	FlowType     string          `json:"flow_type"`
	Active       bool            `json:"active"`
	Expression   json.RawMessage `json:"expression"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID           string    `json:"id"`
	TenantDomain string    `json:"tenant_domain"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditLogEntry records a mutation performed on a rule.
type AuditLogEntry struct {
	ID           int64           `json:"id"`
	TenantDomain string          `json:"tenant_domain"`
	APIKeyID     string          `json:"api_key_id,omitempty"`
	Action       string          `json:"action"`
	RuleID       string          `json:"rule_id"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PostgresRepository implements rule, API key and audit persistence backed by
// a pgxpool connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a [PostgresRepository] on top of pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const ruleColumns = `id, tenant_domain, name, flow_type, active, expression, created_at, updated_at`

func scanRule(row pgx.Row) (Rule, error) {
	var rule Rule
	err := row.Scan(
		&rule.ID,
		&rule.TenantDomain,
		&rule.Name,
		&rule.FlowType,
		&rule.Active,
		&rule.Expression,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}

// CreateRule inserts a new rule row and returns the created record with
// server-generated timestamps.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	created, err := scanRule(r.pool.QueryRow(ctx, `
		INSERT INTO rules (id, tenant_domain, name, flow_type, active, expression)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+ruleColumns,
		rule.ID,
		rule.TenantDomain,
		rule.Name,
		rule.FlowType,
		rule.Active,
		ensureJSON(rule.Expression, emptyExpression),
	))
	if err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", err)
	}

	return created, nil
}

// UpdateRule replaces the mutable columns of a rule identified by tenant and
// id. Returns pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	updated, err := scanRule(r.pool.QueryRow(ctx, `
		UPDATE rules
		SET name = $3,
		    flow_type = $4,
		    active = $5,
		    expression = $6,
		    updated_at = NOW()
		WHERE tenant_domain = $1 AND id = $2
		RETURNING `+ruleColumns,
		rule.TenantDomain,
		rule.ID,
		rule.Name,
		rule.FlowType,
		rule.Active,
		ensureJSON(rule.Expression, emptyExpression),
	))
	if err != nil {
		return Rule{}, fmt.Errorf("update rule: %w", err)
	}

	return updated, nil
}

// GetRule retrieves a single rule by tenant and id. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetRule(ctx context.Context, tenantDomain, id string) (Rule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_domain = $1 AND id = $2
	`, tenantDomain, id))
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules returns the tenant's rules ordered by name, optionally restricted
// to one flow type.
func (r *PostgresRepository) ListRules(ctx context.Context, tenantDomain, flowType string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_domain = $1
		  AND ($2 = '' OR flow_type = $2)
		ORDER BY name, id
	`, tenantDomain, flowType)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

// DeleteRule removes a rule by tenant and id. Returns pgx.ErrNoRows (wrapped)
// if the rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, tenantDomain, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE tenant_domain = $1 AND id = $2`, tenantDomain, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	return noRowsAffected("delete rule", commandTag)
}

// ValidateAPIKey returns the stored hash and tenant domain for a non-revoked
// key ID. Callers should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var tenantDomain string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, tenant_domain
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &tenantDomain); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, tenantDomain, nil
}

// CreateAPIKey generates a new API key for the tenant, storing a bcrypt hash
// of the secret. The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, tenantDomain, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_domain, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, tenantDomain, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for the tenant's non-revoked API keys.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, tenantDomain string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_domain, name, created_at
		FROM api_keys
		WHERE tenant_domain = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, tenantDomain)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.TenantDomain, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, tenantDomain, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND tenant_domain = $2 AND revoked_at IS NULL
	`, keyID, tenantDomain)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	return noRowsAffected("revoke api key", commandTag)
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_domain, api_key_id, action, rule_id, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.TenantDomain, entry.APIKeyID, entry.Action, entry.RuleID, ensureJSON(entry.Details, "{}"))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries for a tenant, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, tenantDomain string, limit, offset int) ([]AuditLogEntry, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_domain, api_key_id, action, rule_id, details, created_at
		FROM audit_log
		WHERE tenant_domain = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, tenantDomain, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.TenantDomain, &e.APIKeyID, &e.Action, &e.RuleID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}

	return entries, nil
}

func noRowsAffected(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	return nil
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > defaultAuditPageMax {
		limit = defaultAuditPageMax
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
