package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger. Every record carries the
// service name and environment so log streams from the API and the worker
// can be told apart.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}

	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	env := "development"
	if cfg != nil && cfg.AppEnv != "" {
		env = cfg.AppEnv
	}
	return slog.New(handler).With(
		slog.String("service", "ledgerline"),
		slog.String("env", env),
	)
}
