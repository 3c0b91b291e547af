// Package logging sets up the process-wide zerolog logger and derives
// run-scoped loggers that carry case and run identifiers through every
// pipeline stage.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. Level accepts zerolog level names;
// anything unrecognized falls back to info.
func Setup(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	logger = logger.Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ForRun returns a logger scoped to a single agent run. Every line it emits
// carries the case and run ids so a run's trail can be pulled out of mixed
// worker output.
func ForRun(base zerolog.Logger, caseID, runID int64) zerolog.Logger {
	return base.With().Int64("case_id", caseID).Int64("run_id", runID).Logger()
}

// ForCase returns a logger scoped to a case, for paths that act outside any
// run (human decisions, reconciliation).
func ForCase(base zerolog.Logger, caseID int64) zerolog.Logger {
	return base.With().Int64("case_id", caseID).Logger()
}
