package logging

import (
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/config"
)

// NewLogger creates a structured zerolog.Logger for one invocation. Every
// line carries the service, host, phase and a run id so that the root phase,
// the re-executed user phase and timer-driven renewals can be told apart in
// the journal.
func NewLogger(cfg *config.Config, phase string) zerolog.Logger {
	return newLogger(os.Stdout, cfg, phase, uuid.NewString())
}

func newLogger(w io.Writer, cfg *config.Config, phase, runID string) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if host, err := os.Hostname(); err == nil {
		ctx = ctx.Str("host", host)
	}
	if phase != "" {
		ctx = ctx.Str("phase", phase)
	}
	ctx = ctx.Str("run_id", runID)

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
