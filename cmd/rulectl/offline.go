package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/rulez/internal/core"
	"github.com/matt-riley/rulez/internal/metadata"
	"github.com/matt-riley/rulez/internal/provider"
	"github.com/matt-riley/rulez/internal/service"
)

// fileRule serves a single rule loaded from disk to the evaluation service.
type fileRule struct {
	rule core.Rule
}

func (f fileRule) LookupRule(_ context.Context, ruleID, tenantDomain string) (core.Rule, bool, error) {
	if ruleID != f.rule.ID || tenantDomain != f.rule.TenantDomain {
		return core.Rule{}, false, nil
	}
	return f.rule, true, nil
}

func loadRule(path, tenant string) (core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Rule{}, fmt.Errorf("read rule file: %w", err)
	}
	var rule core.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return core.Rule{}, fmt.Errorf("decode rule file: %w", err)
	}
	if tenant != "" {
		rule.TenantDomain = tenant
	}
	if rule.ID == "" {
		rule.ID = "local"
	}
	return rule, nil
}

func validateCmd() *cobra.Command {
	var metadataFile, ruleFile, tenant string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a rule file against a metadata catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := metadata.Open(metadataFile)
			if err != nil {
				return err
			}
			rule, err := loadRule(ruleFile, tenant)
			if err != nil {
				return err
			}
			defs, err := store.GetExpressionMeta(cmd.Context(), rule.FlowType, rule.TenantDomain)
			if err != nil {
				return err
			}
			if err := core.ValidateExpressions(defs, rule.Root); err != nil {
				return fmt.Errorf("%s: %w", core.KindOf(err), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&metadataFile, "metadata", "metadata.yaml", "YAML metadata catalog")
	cmd.Flags().StringVar(&ruleFile, "rule", "", "JSON rule file")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant domain, overrides the rule file")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func evaluateCmd() *cobra.Command {
	var (
		metadataFile, providersFile, ruleFile, tenant string
		params                                        []string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a rule file against flow parameters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parameters, err := parseParams(params)
			if err != nil {
				return err
			}
			store, err := metadata.Open(metadataFile)
			if err != nil {
				return err
			}
			rule, err := loadRule(ruleFile, tenant)
			if err != nil {
				return err
			}
			registry, err := localRegistry(store, rule.FlowType, providersFile)
			if err != nil {
				return err
			}
			svc, err := service.New(fileRule{rule: rule}, store, registry)
			if err != nil {
				return err
			}

			flow := core.NewFlowContext(rule.FlowType, parameters)
			result, err := svc.Evaluate(cmd.Context(), rule.ID, flow, rule.TenantDomain)
			if err != nil {
				return fmt.Errorf("%s: %w", core.KindOf(err), err)
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&metadataFile, "metadata", "metadata.yaml", "YAML metadata catalog")
	cmd.Flags().StringVar(&providersFile, "providers", "", "YAML provider configuration")
	cmd.Flags().StringVar(&ruleFile, "rule", "", "JSON rule file")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant domain, overrides the rule file")
	cmd.Flags().StringArrayVar(&params, "param", nil, "flow parameter as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

// localRegistry builds providers from providersFile, or an identity
// parameter provider for flowType when no file is given.
func localRegistry(store *metadata.Store, flowType core.FlowType, providersFile string) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if providersFile != "" {
		cfg, err := provider.LoadConfig(providersFile)
		if err != nil {
			return nil, err
		}
		providers, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return registry, provider.RegisterAll(registry, providers...)
	}

	defs, err := store.GetExpressionMeta(context.Background(), flowType, "")
	if err != nil {
		return nil, err
	}
	p, err := provider.FromDefinitions(flowType, defs)
	if err != nil {
		return nil, err
	}
	return registry, registry.Register(p)
}

func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", pair)
		}
		params[strings.TrimSpace(key)] = value
	}
	return params, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
