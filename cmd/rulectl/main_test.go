package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
operators:
  - name: equals
  - name: notEquals
  - name: greaterThan
flows:
  preIssueAccessToken:
    fields:
      - name: grantType
        operators: [equals, notEquals]
        value:
          type: STRING
      - name: riskScore
        operators: [greaterThan]
        value:
          type: NUMBER
`

const testRule = `{
  "id": "r1",
  "tenant_domain": "tenant1",
  "flow_type": "preIssueAccessToken",
  "active": true,
  "expression": {
    "connective": "AND",
    "expressions": [
      {"field": "grantType", "operator": "equals", "value": {"type": "STRING", "value": "password"}},
      {"field": "riskScore", "operator": "greaterThan", "value": {"type": "NUMBER", "value": "10"}}
    ]
  }
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "rulectl version dev\n", out)
}

func TestValidate(t *testing.T) {
	catalog := writeFile(t, "metadata.yaml", testCatalog)

	out, err := execute(t, "validate", "--metadata", catalog, "--rule", writeFile(t, "rule.json", testRule))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	bad := strings.Replace(testRule, `"operator": "greaterThan"`, `"operator": "lessThan"`, 1)
	_, err = execute(t, "validate", "--metadata", catalog, "--rule", writeFile(t, "bad.json", bad))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "unsupported_operator: "), err.Error())
}

func TestValidateFlowWithoutMetadata(t *testing.T) {
	catalog := writeFile(t, "metadata.yaml", testCatalog)
	rule := strings.Replace(testRule, "preIssueAccessToken", "preUpdateProfile", 1)

	_, err := execute(t, "validate", "--metadata", catalog, "--rule", writeFile(t, "rule.json", rule))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata_unavailable")
}

func TestEvaluate(t *testing.T) {
	catalog := writeFile(t, "metadata.yaml", testCatalog)
	rule := writeFile(t, "rule.json", testRule)

	tests := []struct {
		name   string
		params []string
		want   string
	}{
		{name: "satisfied", params: []string{"grantType=password", "riskScore=42"}, want: `{"rule_id":"r1","satisfied":true}`},
		{name: "wrong grant", params: []string{"grantType=refresh_token", "riskScore=42"}, want: `{"rule_id":"r1","satisfied":false}`},
		{name: "missing field", params: []string{"grantType=password"}, want: `{"rule_id":"r1","satisfied":false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := []string{"evaluate", "--metadata", catalog, "--rule", rule}
			for _, p := range tt.params {
				args = append(args, "--param", p)
			}
			out, err := execute(t, args...)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, out)
		})
	}
}

func TestEvaluateWithProvidersFile(t *testing.T) {
	catalog := writeFile(t, "metadata.yaml", testCatalog)
	providers := writeFile(t, "providers.yaml", `
providers:
  - flowType: preIssueAccessToken
    fields:
      - field: grantType
        parameter: grant_type
        type: string
      - field: riskScore
        parameter: risk
        type: number
`)

	out, err := execute(t, "evaluate", "--metadata", catalog, "--providers", providers,
		"--rule", writeFile(t, "rule.json", testRule), "--param", "grant_type=password", "--param", "risk=11")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule_id":"r1","satisfied":true}`, out)
}

func TestEvaluateTenantFlag(t *testing.T) {
	catalog := writeFile(t, "metadata.yaml", testCatalog)
	rule := writeFile(t, "rule.json", testRule)

	out, err := execute(t, "evaluate", "--metadata", catalog, "--rule", rule, "--tenant", "other",
		"--param", "grantType=password", "--param", "riskScore=90")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule_id":"r1","satisfied":true}`, out)
}

func TestEvaluateInactiveRule(t *testing.T) {
	catalog := writeFile(t, "metadata.yaml", testCatalog)
	rule := writeFile(t, "rule.json", strings.Replace(testRule, `"active": true`, `"active": false`, 1))

	out, err := execute(t, "evaluate", "--metadata", catalog, "--rule", rule, "--param", "grantType=password", "--param", "riskScore=90")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule_id":"r1","satisfied":false}`, out)
}

func TestEvaluateInvalidParam(t *testing.T) {
	catalog := writeFile(t, "metadata.yaml", testCatalog)
	_, err := execute(t, "evaluate", "--metadata", catalog, "--rule", writeFile(t, "rule.json", testRule), "--param", "nokey")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want key=value")
}

func TestAdminCommandsRequireDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "migrate")
	require.EqualError(t, err, "DATABASE_URL is required")

	_, err = execute(t, "apikey", "create", "--tenant", "tenant1")
	require.EqualError(t, err, "DATABASE_URL is required")

	_, err = execute(t, "apikey", "create")
	require.EqualError(t, err, "--tenant is required")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"a=1", " b =x=y", "c="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "x=y", "c": ""}, params)

	_, err = parseParams([]string{"=v"})
	require.Error(t, err)
}
