package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/authcore/internal/config"
	"github.com/basket/authcore/internal/credentials"
	"github.com/basket/authcore/internal/engine"
)

type statusReport struct {
	Version     string                 `json:"version"`
	Home        string                 `json:"home"`
	Fingerprint string                 `json:"config_fingerprint"`
	Credentials credentials.Status     `json:"credentials"`
	Queues      engine.SchedulerStatus `json:"queues"`
	Backend     bool                   `json:"backend_configured"`
	Events      []string               `json:"event_types,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: authcore status")
		return 2
	}

	a, code := loadCommandApp(ctx)
	if a == nil {
		return code
	}
	defer a.close()

	report := statusReport{
		Version:     Version,
		Home:        a.cfg.HomeDir,
		Fingerprint: a.cfg.Fingerprint(),
		Credentials: a.state.Status(),
		Queues:      a.scheduler.Status(),
		Backend:     a.backend != nil,
	}
	if a.hub != nil {
		report.Events = a.cfg.EventTypes
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode status: %v\n", err)
		return 1
	}
	return 0
}

// loadCommandApp wires the components for a one-shot subcommand. Logs are
// discarded so stdout carries only the command's output. A nil app comes
// with the exit code to return.
func loadCommandApp(ctx context.Context) (*app, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return nil, 1
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return nil, 1
	}
	return a, 0
}
