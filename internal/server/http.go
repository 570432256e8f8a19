package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/matt-riley/rulez/internal/core"
	"github.com/matt-riley/rulez/internal/metrics"
	"github.com/matt-riley/rulez/internal/middleware"
	"github.com/matt-riley/rulez/internal/service"
)

const defaultMaxJSONBodyBytes int64 = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// Options wires the HTTP handler. Evaluator, Rules and Metadata are required.
type Options struct {
	Evaluator Evaluator
	Rules     RuleManager
	Metadata  MetadataReader

	// Auth guards every /v1 route. It must store the tenant domain with
	// middleware.NewContextWithTenantDomain.
	Auth            func(http.Handler) http.Handler
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	MaxJSONBodySize int64
	// Health reports readiness of backing stores for /healthz.
	Health func(context.Context) error
}

type HTTPServer struct {
	evaluator       Evaluator
	rules           RuleManager
	metadata        MetadataReader
	metrics         *metrics.Metrics
	health          func(context.Context) error
	maxJSONBodySize int64
}

type evaluateJSONRequest struct {
	RuleID string           `json:"rule_id"`
	Flow   core.FlowContext `json:"flow"`
}

type evaluateJSONError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func NewHTTPHandler(opts Options) http.Handler {
	if opts.Evaluator == nil || opts.Rules == nil || opts.Metadata == nil {
		panic("server: evaluator, rules and metadata are required")
	}
	if opts.MaxJSONBodySize <= 0 {
		opts.MaxJSONBodySize = defaultMaxJSONBodyBytes
	}

	s := &HTTPServer{
		evaluator:       opts.Evaluator,
		rules:           opts.Rules,
		metadata:        opts.Metadata,
		metrics:         opts.Metrics,
		health:          opts.Health,
		maxJSONBodySize: opts.MaxJSONBodySize,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogging(opts.Logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		r.Use(requireTenant)

		r.Post("/evaluate", s.handleEvaluate)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Get("/{ruleID}", s.handleGetRule)
			r.Put("/{ruleID}", s.handleUpdateRule)
			r.Delete("/{ruleID}", s.handleDeleteRule)
		})

		r.Get("/audit", s.handleListAuditLog)
		r.Get("/operators", s.handleListOperators)
		r.Get("/metadata/{flowType}", s.handleGetMetadata)
	})

	return r
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant, ok := middleware.TenantDomainFromContext(r.Context()); !ok || strings.TrimSpace(tenant) == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantFrom(r *http.Request) string {
	tenant, _ := middleware.TenantDomainFromContext(r.Context())
	return tenant
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.RuleID) == "" {
		writeJSONError(w, http.StatusBadRequest, "rule_id is required")
		return
	}
	if strings.TrimSpace(string(request.Flow.FlowType)) == "" {
		writeJSONError(w, http.StatusBadRequest, "flow.type is required")
		return
	}

	result, err := s.evaluator.Evaluate(r.Context(), request.RuleID, request.Flow, tenantFrom(r))
	if err != nil {
		writeEvaluationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var in service.RuleInput
	if err := s.decodeJSONBody(w, r, &in); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.rules.CreateRule(r.Context(), tenantFrom(r), in)
	s.observeRuleWrite("create", err)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/rules/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	flowType := core.FlowType(strings.TrimSpace(r.URL.Query().Get("flow_type")))

	rules, err := s.rules.ListRules(r.Context(), tenantFrom(r), flowType)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetRule(r.Context(), tenantFrom(r), chi.URLParam(r, "ruleID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var in service.RuleInput
	if err := s.decodeJSONBody(w, r, &in); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.rules.UpdateRule(r.Context(), tenantFrom(r), chi.URLParam(r, "ruleID"), in)
	s.observeRuleWrite("update", err)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	err := s.rules.DeleteRule(r.Context(), tenantFrom(r), chi.URLParam(r, "ruleID"))
	s.observeRuleWrite("delete", err)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	entries, err := s.rules.ListAuditLog(r.Context(), tenantFrom(r), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleListOperators(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metadata.Operators())
}

func (s *HTTPServer) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	flowType := core.FlowType(chi.URLParam(r, "flowType"))

	definitions, err := s.metadata.GetExpressionMeta(r.Context(), flowType, tenantFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(definitions) == 0 {
		writeJSONError(w, http.StatusNotFound, "no expression metadata for flow")
		return
	}

	writeJSON(w, http.StatusOK, definitions)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			middleware.LoggerFromContext(r.Context()).Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) observeRuleWrite(action string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveRuleWrite(action, err)
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// writeEvaluationError maps an evaluation failure: an unknown rule is the
// caller's problem, every other kind is a server-side configuration or
// collaborator failure.
func writeEvaluationError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	switch {
	case kind == core.KindRuleNotFound:
		writeJSON(w, http.StatusNotFound, evaluateJSONError{Error: err.Error(), Kind: kind.String()})
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSON(w, http.StatusInternalServerError, evaluateJSONError{Error: "rule evaluation failed", Kind: kind.String()})
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRule), errors.Is(err, service.ErrTenantRequired):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if core.KindOf(err) == core.KindMalformedExpression {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSONBody decodes exactly one JSON object. Numbers are kept as
// json.Number so flow parameters reach providers unrounded.
func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
