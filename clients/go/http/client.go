// Package http provides an HTTP client for the rulez service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rulez "github.com/matt-riley/rulez/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the rulez server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements rulez.RuleManager and rulez.Evaluator over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ rulez.RuleManager = (*Client)(nil)
	_ rulez.Evaluator   = (*Client)(nil)
)

func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

type wireRuleInput struct {
	Name       string     `json:"name"`
	FlowType   string     `json:"flow_type"`
	Active     bool       `json:"active"`
	Expression rulez.Node `json:"expression"`
}

type wireRule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	FlowType   string     `json:"flow_type"`
	Active     bool       `json:"active"`
	Expression rulez.Node `json:"expression"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type wireEvaluateReq struct {
	RuleID string     `json:"rule_id"`
	Flow   rulez.Flow `json:"flow"`
}

type wireEvaluateResp struct {
	RuleID    string `json:"rule_id"`
	Satisfied bool   `json:"satisfied"`
}

type wireError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// APIError is returned when the server responds with an HTTP error status.
// Kind carries the evaluation error kind for failed evaluations.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("rulez: HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Kind)
	}
	return fmt.Sprintf("rulez: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var we wireError
	if err := json.Unmarshal(body, &we); err == nil && we.Error != "" {
		apiErr.Message = we.Error
		apiErr.Kind = we.Kind
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rulez: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("rulez: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rulez: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return decodeAPIError(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rulez: decode response: %w", err)
	}
	return nil
}

func rulePath(id string) string {
	return "/v1/rules/" + url.PathEscape(id)
}

func toInput(r rulez.Rule) wireRuleInput {
	return wireRuleInput{Name: r.Name, FlowType: r.FlowType, Active: r.Active, Expression: r.Expression}
}

func fromWire(w wireRule) rulez.Rule {
	return rulez.Rule{
		ID:         w.ID,
		Name:       w.Name,
		FlowType:   w.FlowType,
		Active:     w.Active,
		Expression: w.Expression,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}

func (c *Client) CreateRule(ctx context.Context, rule rulez.Rule) (rulez.Rule, error) {
	var out wireRule
	if err := c.do(ctx, http.MethodPost, "/v1/rules", toInput(rule), &out); err != nil {
		return rulez.Rule{}, err
	}
	return fromWire(out), nil
}

func (c *Client) GetRule(ctx context.Context, id string) (rulez.Rule, error) {
	var out wireRule
	if err := c.do(ctx, http.MethodGet, rulePath(id), nil, &out); err != nil {
		return rulez.Rule{}, err
	}
	return fromWire(out), nil
}

// ListRules returns the tenant's rules, optionally filtered by flow type.
func (c *Client) ListRules(ctx context.Context, flowType string) ([]rulez.Rule, error) {
	path := "/v1/rules"
	if flowType != "" {
		path += "?" + url.Values{"flow_type": {flowType}}.Encode()
	}
	var out []wireRule
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	rules := make([]rulez.Rule, 0, len(out))
	for _, w := range out {
		rules = append(rules, fromWire(w))
	}
	return rules, nil
}

func (c *Client) UpdateRule(ctx context.Context, rule rulez.Rule) (rulez.Rule, error) {
	if rule.ID == "" {
		return rulez.Rule{}, errors.New("rulez: rule id is required")
	}
	var out wireRule
	if err := c.do(ctx, http.MethodPut, rulePath(rule.ID), toInput(rule), &out); err != nil {
		return rulez.Rule{}, err
	}
	return fromWire(out), nil
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, rulePath(id), nil, nil)
}

func (c *Client) Evaluate(ctx context.Context, ruleID string, flow rulez.Flow) (bool, error) {
	var out wireEvaluateResp
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{RuleID: ruleID, Flow: flow}, &out); err != nil {
		return false, err
	}
	return out.Satisfied, nil
}
