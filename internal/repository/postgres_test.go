package repository

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestEnsureJSON(t *testing.T) {
	if got := string(ensureJSON(nil, emptyExpression)); got != emptyExpression {
		t.Fatalf("ensureJSON(nil) = %q, want %q", got, emptyExpression)
	}

	if got := string(ensureJSON(json.RawMessage(`{"a":1}`), "{}")); got != `{"a":1}` {
		t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, `{"a":1}`)
	}
}

func TestNoRowsAffected(t *testing.T) {
	if err := noRowsAffected("delete rule", pgconn.NewCommandTag("DELETE 1")); err != nil {
		t.Fatalf("noRowsAffected(delete 1) error = %v, want nil", err)
	}

	err := noRowsAffected("delete rule", pgconn.NewCommandTag("DELETE 0"))
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("noRowsAffected(delete 0) error = %v, want %v", err, pgx.ErrNoRows)
	}
	if got := err.Error(); got != "delete rule: no rows in result set" {
		t.Fatalf("noRowsAffected() message = %q", got)
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		name                  string
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{name: "defaults non-positive limit", limit: 0, offset: 5, wantLimit: defaultAuditPageMax, wantOffset: 5},
		{name: "caps large limit", limit: 10_000, offset: 0, wantLimit: defaultAuditPageMax, wantOffset: 0},
		{name: "keeps valid values", limit: 20, offset: 40, wantLimit: 20, wantOffset: 40},
		{name: "clamps negative offset", limit: 20, offset: -1, wantLimit: 20, wantOffset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, offset := clampPage(tt.limit, tt.offset)
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Fatalf("clampPage(%d, %d) = (%d, %d), want (%d, %d)", tt.limit, tt.offset, limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	a, err := generateRandomHex(16)
	if err != nil {
		t.Fatalf("generateRandomHex() error = %v", err)
	}
	b, err := generateRandomHex(16)
	if err != nil {
		t.Fatalf("generateRandomHex() error = %v", err)
	}
	if len(a) != 32 || a == b {
		t.Fatalf("generateRandomHex() = %q, %q", a, b)
	}
}
