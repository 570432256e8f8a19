package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the tenant domain the
// token belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles repeated authentication failures per client IP.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// BearerAuth enforces bearer-token auth and stores the resolved tenant domain
// and API key id in the request context.
func BearerAuth(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tenantDomain, err := authorize(r.Context(), header, validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.rateLimiter != nil && !cfg.rateLimiter.RecordFailureAndAllow(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			ctx := NewContextWithTenantDomain(r.Context(), tenantDomain)
			if keyID := apiKeyIDFromBearer(header); keyID != "" {
				ctx = NewContextWithAPIKeyID(ctx, keyID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const (
	tenantDomainKey contextKey = "tenant_domain"
	apiKeyIDKey     contextKey = "api_key_id"
)

func TenantDomainFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantDomainKey).(string)
	return tenant, ok
}

func NewContextWithTenantDomain(ctx context.Context, tenantDomain string) context.Context {
	return context.WithValue(ctx, tenantDomainKey, tenantDomain)
}

func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

// AuditActor returns the API key id stored in ctx, or "" when the request was
// not authenticated with a key.
func AuditActor(ctx context.Context) string {
	id, _ := APIKeyIDFromContext(ctx)
	return id
}

func authorize(ctx context.Context, header string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(header) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(header)
	if err != nil {
		return "", err
	}
	tenantDomain, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(tenantDomain) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return tenantDomain, nil
}

func parseBearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

// apiKeyIDFromBearer extracts keyID from "Bearer keyID.secret".
func apiKeyIDFromBearer(header string) string {
	token, err := parseBearerToken(header)
	if err != nil {
		return ""
	}
	keyID, _, ok := strings.Cut(token, ".")
	if !ok || keyID == "" {
		return ""
	}
	return keyID
}
