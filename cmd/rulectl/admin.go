package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/rulez/internal/logging"
	"github.com/matt-riley/rulez/internal/middleware"
	"github.com/matt-riley/rulez/internal/repository"
	"github.com/matt-riley/rulez/migrations"
)

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var tenant, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a tenant and print its bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(tenant) == "" {
				return errors.New("--tenant is required")
			}
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			id, secret, err := repository.NewPostgresRepository(pool).CreateAPIKey(cmd.Context(), tenant, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), middleware.FormatAPIKey(id, secret))
			return nil
		},
	}
	create.Flags().StringVar(&tenant, "tenant", "", "tenant domain the key belongs to")
	create.Flags().StringVar(&name, "name", "", "human readable key name")

	cmd.AddCommand(create)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			v, err := migrations.Up(cmd.Context(), pool, logging.NewWithWriter("info", "rulectl", cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}
}
