// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level, one of debug/info/warn/error (default "info").
//   - UPSTREAM_API_BASE: base URL of the external flag system of record.
//     Empty disables hydration and toggle reconciliation entirely.
//   - UPSTREAM_API_TOKEN: bearer token sent on upstream requests.
//   - UPSTREAM_TIMEOUT: per-request upstream timeout (default "10s",
//     must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - DEMO_MODE: "true" enables placeholder flag auto-creation on rule
//     operations against unknown flag ids (default "false").
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultUpstreamTimeout       = 10 * time.Second
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the switchboard server.
type Config struct {
	HTTPAddr         string
	LogLevel         string
	UpstreamAPIBase  string
	UpstreamAPIToken string
	UpstreamTimeout  time.Duration
	MaxJSONBodySize  int64
	DemoMode         bool
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if optional values fail validation.
func Load() (Config, error) {
	upstreamBase := strings.TrimSpace(os.Getenv("UPSTREAM_API_BASE"))
	if upstreamBase != "" {
		parsed, err := url.Parse(upstreamBase)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return Config{}, errors.New("UPSTREAM_API_BASE must be an absolute URL")
		}
	}

	upstreamTimeout := defaultUpstreamTimeout
	if value := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse UPSTREAM_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("UPSTREAM_TIMEOUT must be > 0")
		}
		upstreamTimeout = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	demoMode := false
	if v := strings.TrimSpace(os.Getenv("DEMO_MODE")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, errors.New("DEMO_MODE must be a boolean")
		}
		demoMode = parsed
	}

	return Config{
		HTTPAddr:         envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		UpstreamAPIBase:  upstreamBase,
		UpstreamAPIToken: strings.TrimSpace(os.Getenv("UPSTREAM_API_TOKEN")),
		UpstreamTimeout:  upstreamTimeout,
		MaxJSONBodySize:  maxJSONBodySize,
		DemoMode:         demoMode,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
