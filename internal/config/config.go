// Package config provides client configuration from environment variables,
// flags, and a persisted config store.
package config

import (
	"log/slog"
	"time"

	"github.com/lhoestq/hfjobs/internal/apperrors"
)

// Environment variables consumed by the client.
const (
	EnvToken       = "HF_TOKEN"
	EnvEndpoint    = "HF_ENDPOINT"
	EnvLogLevel    = "HFJOBS_LOG_LEVEL"
	EnvMetricsAddr = "HFJOBS_METRICS_ADDR"
)

// DefaultEndpoint is the backend base URL used when HF_ENDPOINT is unset.
const DefaultEndpoint = "https://huggingface.co"

// ClientConfig holds everything needed to talk to the jobs backend.
type ClientConfig struct {
	Endpoint string
	Token    string
	// MetricsAddr, when non-empty, serves Prometheus metrics on that address
	// for the lifetime of an attached run.
	MetricsAddr string
	// HTTPTimeout bounds non-streaming requests.
	HTTPTimeout time.Duration
	// LogInactivity bounds how long a log stream read may sit idle before
	// the reader probes job liveness.
	LogInactivity time.Duration
	// PollInterval is the base status polling cadence.
	PollInterval time.Duration
}

// Load assembles the client configuration. An explicit token flag wins over
// HF_TOKEN, which wins over a previously persisted login.
func Load(tokenFlag string, store *Store) (*ClientConfig, error) {
	token := tokenFlag
	if token == "" {
		token = GetEnv(EnvToken, "")
	}
	if token == "" && store != nil {
		token = store.Token()
	}
	if token == "" {
		return nil, apperrors.Auth("no access token: pass --token, set HF_TOKEN, or log in")
	}

	return &ClientConfig{
		Endpoint:      GetEnv(EnvEndpoint, DefaultEndpoint),
		Token:         token,
		MetricsAddr:   GetEnv(EnvMetricsAddr, ""),
		HTTPTimeout:   GetDurationEnv("HFJOBS_HTTP_TIMEOUT", 30*time.Second),
		LogInactivity: GetDurationEnv("HFJOBS_LOG_INACTIVITY", 20*time.Second),
		PollInterval:  GetDurationEnv("HFJOBS_POLL_INTERVAL", time.Second),
	}, nil
}

// LogLevel parses HFJOBS_LOG_LEVEL into a slog level. Defaults to warn so a
// normal run only shows job output; debug exposes retry progress.
func LogLevel() slog.Level {
	switch GetEnv(EnvLogLevel, "warn") {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
