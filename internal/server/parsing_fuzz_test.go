package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func FuzzDecodeEvaluateRequest(f *testing.F) {
	f.Add(`{"rule_id":"r1","flow":{"type":"preIssueAccessToken","parameters":{"a":1}}}`)
	f.Add(`{"rule_id":"r1"}{}`)
	f.Add(`{"unknown":true}`)
	f.Add(`[]`)
	f.Add(``)

	s := &HTTPServer{maxJSONBodySize: 1 << 10}
	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))
		var dst evaluateJSONRequest
		err := s.decodeJSONBody(httptest.NewRecorder(), req, &dst)
		if len(body) > 1<<10 && err == nil {
			t.Fatalf("decodeJSONBody accepted %d bytes over the limit", len(body))
		}
		if err != nil && errors.Is(err, errJSONBodyTooLarge) && len(body) <= 1<<10 {
			t.Fatalf("decodeJSONBody reported too large for %d bytes", len(body))
		}
	})
}

func FuzzQueryInt(f *testing.F) {
	f.Add("")
	f.Add("10")
	f.Add("-1")
	f.Add("abc")

	f.Fuzz(func(t *testing.T, value string) {
		req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
		q := req.URL.Query()
		q.Set("limit", value)
		req.URL.RawQuery = q.Encode()

		got, err := queryInt(req, "limit", 7)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if err != nil || got != 7 {
				t.Fatalf("queryInt(%q) = (%d, %v), want (7, nil)", value, got, err)
			}
			return
		}
		want, parseErr := strconv.Atoi(trimmed)
		if (parseErr != nil) != (err != nil) || (err == nil && got != want) {
			t.Fatalf("queryInt(%q) = (%d, %v), want (%d, %v)", value, got, err, want, parseErr)
		}
	})
}
