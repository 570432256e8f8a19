// Package middleware provides the HTTP middleware of the rule API: bearer
// API key authentication scoped to a tenant, failed-auth rate limiting and
// request logging.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyStore resolves a key id to its bcrypt hash and owning tenant.
type APIKeyStore interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, tenantDomain string, err error)
}

// APIKeyValidator authenticates "keyID.secret" tokens against an
// [APIKeyStore].
type APIKeyValidator struct {
	store APIKeyStore
}

var _ TokenValidator = (*APIKeyValidator)(nil)

func NewAPIKeyValidator(store APIKeyStore) *APIKeyValidator {
	return &APIKeyValidator{store: store}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	id, secret, err := SplitAPIKey(token)
	if err != nil {
		return "", err
	}

	hash, tenantDomain, err := v.store.ValidateAPIKey(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAPIKey, err)
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", ErrInvalidAPIKey
	}
	return tenantDomain, nil
}

// SplitAPIKey separates a "keyID.secret" token.
func SplitAPIKey(token string) (string, string, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidAPIKey
	}
	return id, secret, nil
}

func FormatAPIKey(id, secret string) string {
	return id + "." + secret
}

func APIKeyMatchesHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
