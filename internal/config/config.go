// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - METADATA_FILE: YAML metadata catalog (default "metadata.yaml").
//   - METADATA_WATCH: reload the catalog when the file changes (default "true").
//   - PROVIDERS_FILE: YAML provider configuration. When unset every flow in the
//     catalog gets a provider that reads fields straight from flow parameters.
//   - AUTO_MIGRATE: apply database migrations on start (default "false").
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default "10").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576").
//   - OTEL_EXPORTER_OTLP_ENDPOINT: enables OTLP/HTTP tracing when set.
//   - OTEL_SERVICE_NAME: traced service name (default "rulez").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultLogLevel              = "info"
	defaultMetadataFile          = "metadata.yaml"
	defaultAuthRateLimit         = 10
	defaultMaxJSONBodySize int64 = 1 << 20
	defaultServiceName           = "rulez"
)

type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	LogLevel        string
	MetadataFile    string
	MetadataWatch   bool
	ProvidersFile   string
	AutoMigrate     bool
	AuthRateLimit   int
	MaxJSONBodySize int64
	OTLPEndpoint    string
	ServiceName     string
}

// Load reads the configuration, applying defaults. Missing required values
// and malformed optional ones are reported as errors.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	metadataWatch, err := envBool("METADATA_WATCH", true)
	if err != nil {
		return Config{}, err
	}
	autoMigrate, err := envBool("AUTO_MIGRATE", false)
	if err != nil {
		return Config{}, err
	}

	authRateLimit := defaultAuthRateLimit
	if v := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if n <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = n
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:     databaseURL,
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", defaultLogLevel),
		MetadataFile:    envOrDefault("METADATA_FILE", defaultMetadataFile),
		MetadataWatch:   metadataWatch,
		ProvidersFile:   strings.TrimSpace(os.Getenv("PROVIDERS_FILE")),
		AutoMigrate:     autoMigrate,
		AuthRateLimit:   authRateLimit,
		MaxJSONBodySize: maxJSONBodySize,
		OTLPEndpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:     envOrDefault("OTEL_SERVICE_NAME", defaultServiceName),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
