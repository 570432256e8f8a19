//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/rulez/internal/core"
	"github.com/matt-riley/rulez/internal/metadata"
	"github.com/matt-riley/rulez/internal/metrics"
	"github.com/matt-riley/rulez/internal/middleware"
	"github.com/matt-riley/rulez/internal/provider"
	"github.com/matt-riley/rulez/internal/repository"
	"github.com/matt-riley/rulez/internal/server"
	"github.com/matt-riley/rulez/internal/service"
	"github.com/matt-riley/rulez/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "rulez_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/rulez_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf("postgresql://test:test@%s:%s/rulez_test?sslmode=disable", host, mappedPort.Port())
	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	if _, err := migrations.Up(ctx, testPool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	return m.Run()
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func testTenant(suffix string) string {
	return fmt.Sprintf("%s-%s.example.com", suffix, randID())
}

const expressionJSON = `{"connective":"AND","expressions":[{"field":"grantType","operator":"equals","value":{"type":"STRING","value":"password"}}]}`

func TestMigrationsAreIdempotent(t *testing.T) {
	v1, err := migrations.Up(context.Background(), testPool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if v1 < 3 {
		t.Fatalf("schema version: got %d", v1)
	}
}

func TestRuleRepositoryCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	tenant := testTenant("crud")

	created, err := repo.CreateRule(ctx, repository.Rule{
		ID:           "r-" + randID(),
		TenantDomain: tenant,
		Name:         "password grants",
		FlowType:     string(core.FlowPreIssueAccessToken),
		Active:       true,
		Expression:   json.RawMessage(expressionJSON),
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	got, err := repo.GetRule(ctx, tenant, created.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	group, err := core.DecodeExpressionGroup(got.Expression)
	if err != nil {
		t.Fatalf("decode stored expression: %v", err)
	}
	if fields := core.ReferencedFields(group); len(fields) != 1 || fields[0] != "grantType" {
		t.Errorf("unexpected fields: %v", fields)
	}

	if _, err := repo.GetRule(ctx, testTenant("other"), created.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("other tenant get: got %v, want ErrNoRows", err)
	}

	created.Active = false
	updated, err := repo.UpdateRule(ctx, created)
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}
	if updated.Active || updated.UpdatedAt.Before(created.CreatedAt) {
		t.Errorf("unexpected update result: %+v", updated)
	}

	rules, err := repo.ListRules(ctx, tenant, string(core.FlowPreIssueAccessToken))
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("list: got %d rules", len(rules))
	}
	rules, err = repo.ListRules(ctx, tenant, string(core.FlowPreUpdatePassword))
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("filtered list: got %d rules", len(rules))
	}

	if err := repo.DeleteRule(ctx, tenant, created.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if err := repo.DeleteRule(ctx, tenant, created.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("second delete: got %v, want ErrNoRows", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	tenant := testTenant("keys")

	id, secret, err := repo.CreateAPIKey(ctx, tenant, "")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}

	validator := middleware.NewAPIKeyValidator(repo)
	got, err := validator.ValidateToken(ctx, middleware.FormatAPIKey(id, secret))
	if err != nil {
		t.Fatalf("validate key: %v", err)
	}
	if got != tenant {
		t.Errorf("tenant: got %q, want %q", got, tenant)
	}
	if _, err := validator.ValidateToken(ctx, middleware.FormatAPIKey(id, "wrong")); !errors.Is(err, middleware.ErrInvalidAPIKey) {
		t.Errorf("wrong secret: got %v", err)
	}

	keys, err := repo.ListAPIKeys(ctx, tenant)
	if err != nil {
		t.Fatalf("list api keys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != id {
		t.Errorf("unexpected keys: %+v", keys)
	}

	if err := repo.RevokeAPIKey(ctx, tenant, id); err != nil {
		t.Fatalf("revoke api key: %v", err)
	}
	if _, err := validator.ValidateToken(ctx, middleware.FormatAPIKey(id, secret)); !errors.Is(err, middleware.ErrInvalidAPIKey) {
		t.Errorf("revoked key: got %v", err)
	}
	if err := repo.RevokeAPIKey(ctx, tenant, id); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("second revoke: got %v, want ErrNoRows", err)
	}
}

const catalogYAML = `
operators:
  - name: equals
  - name: greaterThan
flows:
  preIssueAccessToken:
    fields:
      - name: grantType
        operators: [equals]
        value:
          type: STRING
      - name: riskScore
        operators: [greaterThan]
        value:
          type: NUMBER
`

type apiServer struct {
	url   string
	token string
}

func newAPIServer(t *testing.T, tenant string) apiServer {
	t.Helper()
	ctx := context.Background()
	repo := newRepo()

	catalog, err := metadata.Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatal(err)
	}
	store := metadata.NewStore(catalog)

	defs, err := store.GetExpressionMeta(ctx, core.FlowPreIssueAccessToken, "")
	if err != nil {
		t.Fatal(err)
	}
	p, err := provider.FromDefinitions(core.FlowPreIssueAccessToken, defs)
	if err != nil {
		t.Fatal(err)
	}
	registry := provider.NewRegistry()
	if err := registry.Register(p); err != nil {
		t.Fatal(err)
	}

	rules, err := service.NewRules(repo, store, service.WithAuditActor(middleware.AuditActor))
	if err != nil {
		t.Fatal(err)
	}
	svc, err := service.New(rules, store, registry)
	if err != nil {
		t.Fatal(err)
	}

	handler := server.NewHTTPHandler(server.Options{
		Evaluator: svc,
		Rules:     rules,
		Metadata:  store,
		Metrics:   metrics.New(),
		Auth:      middleware.BearerAuth(middleware.NewAPIKeyValidator(repo)),
		Health:    repo.Ping,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	id, secret, err := repo.CreateAPIKey(ctx, tenant, "e2e")
	if err != nil {
		t.Fatal(err)
	}
	return apiServer{url: srv.URL, token: middleware.FormatAPIKey(id, secret)}
}

func (s apiServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestEvaluateEndToEnd(t *testing.T) {
	tenant := testTenant("e2e")
	api := newAPIServer(t, tenant)

	var created service.RuleRecord
	status := api.do(t, http.MethodPost, "/v1/rules", `{
		"name": "risky password grants",
		"flow_type": "preIssueAccessToken",
		"active": true,
		"expression": {"connective":"AND","expressions":[
			{"field":"grantType","operator":"equals","value":{"type":"STRING","value":"password"}},
			{"field":"riskScore","operator":"greaterThan","value":{"type":"NUMBER","value":"50"}}
		]}
	}`, &created)
	if status != http.StatusCreated {
		t.Fatalf("create rule: status %d", status)
	}

	tests := []struct {
		name   string
		params string
		want   bool
	}{
		{name: "satisfied", params: `{"grantType":"password","riskScore":75}`, want: true},
		{name: "low risk", params: `{"grantType":"password","riskScore":10}`, want: false},
		{name: "missing risk", params: `{"grantType":"password"}`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result core.RuleEvaluationResult
			body := fmt.Sprintf(`{"rule_id":%q,"flow":{"type":"preIssueAccessToken","parameters":%s}}`, created.ID, tt.params)
			if status := api.do(t, http.MethodPost, "/v1/evaluate", body, &result); status != http.StatusOK {
				t.Fatalf("evaluate: status %d", status)
			}
			if result.RuleID != created.ID || result.Satisfied != tt.want {
				t.Errorf("unexpected result: %+v", result)
			}
		})
	}

	var audit []repository.AuditLogEntry
	if status := api.do(t, http.MethodGet, "/v1/audit", "", &audit); status != http.StatusOK {
		t.Fatalf("audit: status %d", status)
	}
	if len(audit) != 1 || audit[0].Action != service.AuditActionCreated || audit[0].APIKeyID == "" {
		t.Errorf("unexpected audit log: %+v", audit)
	}

	if status := api.do(t, http.MethodDelete, "/v1/rules/"+created.ID, "", nil); status != http.StatusNoContent {
		t.Fatalf("delete: status %d", status)
	}
	body := fmt.Sprintf(`{"rule_id":%q,"flow":{"type":"preIssueAccessToken"}}`, created.ID)
	if status := api.do(t, http.MethodPost, "/v1/evaluate", body, nil); status != http.StatusNotFound {
		t.Errorf("evaluate deleted rule: status %d, want 404", status)
	}
}

func TestTenantIsolation(t *testing.T) {
	owner := newAPIServer(t, testTenant("owner"))
	other := newAPIServer(t, testTenant("other"))

	var created service.RuleRecord
	status := owner.do(t, http.MethodPost, "/v1/rules",
		`{"name":"r","flow_type":"preIssueAccessToken","active":true,"expression":`+expressionJSON+`}`, &created)
	if status != http.StatusCreated {
		t.Fatalf("create rule: status %d", status)
	}

	if status := other.do(t, http.MethodGet, "/v1/rules/"+created.ID, "", nil); status != http.StatusNotFound {
		t.Errorf("cross-tenant get: status %d, want 404", status)
	}
	body := fmt.Sprintf(`{"rule_id":%q,"flow":{"type":"preIssueAccessToken","parameters":{"grantType":"password"}}}`, created.ID)
	if status := other.do(t, http.MethodPost, "/v1/evaluate", body, nil); status != http.StatusNotFound {
		t.Errorf("cross-tenant evaluate: status %d, want 404", status)
	}
}
