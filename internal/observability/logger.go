package observability

import (
	"log/slog"
	"os"

	"github.com/labelsquor/orchestrator/internal/config"
)

// SetupLogger configures a JSON slog logger carrying the fields that
// matter once several orchestrator instances run side by side (§4.8 "N
// cooperating workers" is meant to span processes, not just goroutines):
// service/env identify the deployment, host distinguishes which instance a
// worker_id/lock_holder log line came from when correlating a reclaimed
// lease across machines.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("host", host),
	)
	return logger
}
