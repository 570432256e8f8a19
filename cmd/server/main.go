// Package main is the entry point for the rulez server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and optionally apply migrations.
//  3. Open the metadata catalog and start watching it for changes.
//  4. Register data providers for every configured flow type.
//  5. Build the rule and evaluation services and the HTTP handler.
//  6. Serve until SIGINT/SIGTERM, then shut down gracefully.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/rulez/internal/config"
	"github.com/matt-riley/rulez/internal/core"
	"github.com/matt-riley/rulez/internal/logging"
	"github.com/matt-riley/rulez/internal/metadata"
	"github.com/matt-riley/rulez/internal/metrics"
	"github.com/matt-riley/rulez/internal/middleware"
	"github.com/matt-riley/rulez/internal/provider"
	"github.com/matt-riley/rulez/internal/repository"
	"github.com/matt-riley/rulez/internal/server"
	"github.com/matt-riley/rulez/internal/service"
	"github.com/matt-riley/rulez/internal/tracing"
	"github.com/matt-riley/rulez/migrations"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	metadataDebounce      = 250 * time.Millisecond
	healthCheckTimeout    = 2 * time.Second
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.ServiceName)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		v, err := migrations.Up(ctx, pool, log)
		if err != nil {
			return err
		}
		log.Info("database schema ready", "version", v)
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	store, err := metadata.Open(cfg.MetadataFile,
		metadata.WithLogger(logging.Component(log, "metadata")),
		metadata.WithReloadHook(m.ObserveMetadataReload),
	)
	if err != nil {
		return fmt.Errorf("open metadata: %w", err)
	}

	registry := provider.NewRegistry(provider.WithChangeHook(m.SetRegisteredProviders))
	if err := registerProviders(ctx, registry, store, cfg.ProvidersFile); err != nil {
		return err
	}
	log.Info("data providers registered", "flow_types", registry.FlowTypes())

	repo := repository.NewPostgresRepository(pool)
	rules, err := service.NewRules(repo, store,
		service.WithRulesLogger(logging.Component(log, "rules")),
		service.WithAuditActor(middleware.AuditActor),
	)
	if err != nil {
		return fmt.Errorf("init rules: %w", err)
	}
	svc, err := service.New(rules, store, registry,
		service.WithLogger(logging.Component(log, "evaluation")),
		service.WithEvaluationObserver(m),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	handler := newHTTPHandler(server.Options{
		Evaluator:       svc,
		Rules:           rules,
		Metadata:        store,
		Metrics:         m,
		Logger:          log,
		MaxJSONBodySize: cfg.MaxJSONBodySize,
		Health: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			return repo.Ping(ctx)
		},
	}, middleware.NewAPIKeyValidator(repo),
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "rulez-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetadataWatch {
		g.Go(func() error {
			if err := store.Watch(gctx, metadataDebounce); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watch metadata: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown HTTP: %w", err)
		}
		return nil
	})

	log.Info("server started", "http_addr", cfg.HTTPAddr, "version", version, "metadata_file", cfg.MetadataFile)
	return g.Wait()
}

// newHTTPHandler guards the /v1 API with API key auth. /healthz and /metrics
// stay public.
func newHTTPHandler(opts server.Options, validator middleware.TokenValidator, authOpts ...middleware.AuthOption) http.Handler {
	opts.Auth = middleware.BearerAuth(validator, authOpts...)
	return server.NewHTTPHandler(opts)
}

// registerProviders registers the providers described by providersFile. With
// no file, every flow in the metadata catalog gets a provider that reads each
// field from the flow parameter of the same name.
func registerProviders(ctx context.Context, registry *provider.Registry, store *metadata.Store, providersFile string) error {
	var providers []core.DataProvider

	if providersFile != "" {
		cfg, err := provider.LoadConfig(providersFile)
		if err != nil {
			return err
		}
		if providers, err = cfg.Build(); err != nil {
			return fmt.Errorf("build providers: %w", err)
		}
	} else {
		for _, flowType := range store.Catalog().FlowTypes() {
			defs, err := store.GetExpressionMeta(ctx, flowType, "")
			if err != nil {
				return fmt.Errorf("load metadata for %q: %w", flowType, err)
			}
			p, err := provider.FromDefinitions(flowType, defs)
			if err != nil {
				return fmt.Errorf("build provider for %q: %w", flowType, err)
			}
			providers = append(providers, p)
		}
	}

	if err := provider.RegisterAll(registry, providers...); err != nil {
		return fmt.Errorf("register providers: %w", err)
	}
	return nil
}
