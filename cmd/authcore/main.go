package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/authcore/internal/config"
	otelPkg "github.com/basket/authcore/internal/otel"
	"github.com/basket/authcore/internal/shared"
	"github.com/basket/authcore/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s                       Keep credentials fresh and hold live event streams

SUBCOMMANDS:
  %[1]s status                Print credential and queue status as JSON
  %[1]s doctor [-json]        Run diagnostic checks
  %[1]s register [-user ID]   Register this device with the backend
  %[1]s signin [-user ID]     Sign in the registered (or given) user
  %[1]s signout               Clear stored auth tokens, keep the user id
  %[1]s reset                 Remove every stored credential
  %[1]s call [-mutate] PATH [JSON]
                              Send an authenticated call through the queues

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AUTHCORE_HOME           Data directory (default: ~/.authcore)
  AUTHCORE_MASTER_KEY     Seals stored credentials (required, at least 16 bytes)
  AUTHCORE_BACKEND_URL    Auth backend base URL
  AUTHCORE_EVENTS_URL     Live event websocket URL
`)
}

func main() {
	verbose := flag.Bool("v", false, "also log to stdout when attached to a terminal")
	flag.Usage = printUsage
	flag.Parse()

	// Keep the terminal clean unless asked; logs always go to system.jsonl.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && !*verbose

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "register":
			os.Exit(runRegisterCommand(ctx, args[1:]))
		case "signin", "sign-in":
			os.Exit(runSignInCommand(ctx, args[1:]))
		case "signout", "sign-out":
			os.Exit(runSignOutCommand(ctx, args[1:]))
		case "reset":
			os.Exit(runResetCommand(ctx, args[1:]))
		case "call":
			os.Exit(runCallCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, quietLogs))
}

func runDaemon(ctx context.Context, quietLogs bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	logEnvOverrides(logger)

	provider, err := otelPkg.Init(ctx, cfg.OTel, telemetryInstall(cfg))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
		return 1
	}
	defer provider.Shutdown(context.WithoutCancel(ctx))

	a, err := newApp(ctx, cfg, logger, provider)
	if err != nil {
		fatalStartup(logger, "E_APP_INIT", err)
		return 1
	}
	defer a.close()
	logger.Info("startup phase", "phase", "credentials_loaded", "signed_in", a.state.IsSignedIn())

	if a.keeper != nil {
		a.keeper.Start(ctx)
	} else {
		logger.Warn("backend_url not set; proactive refresh disabled")
	}

	if a.hub != nil {
		followers := followEvents(ctx, a.hub, cfg.EventTypes, defaultResubscribeMin, defaultResubscribeMax, logger)
		defer func() {
			for _, f := range followers {
				f.stop()
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, a, watcher, logger)
	}

	logger.Info("startup phase", "phase", "ready")
	<-ctx.Done()

	logger.Info("shutdown requested", "drain_timeout", cfg.DrainTimeout().String())
	if !a.scheduler.Drain(cfg.DrainTimeout()) {
		logger.Warn("drain timed out; abandoning in-flight tasks", "status", a.scheduler.Status())
	}
	logMetricTotals(context.WithoutCancel(ctx), provider, logger)
	return 0
}

// telemetryInstall describes this instance for span and metric resources.
func telemetryInstall(cfg config.Config) otelPkg.Install {
	return otelPkg.Install{
		Version:             Version,
		ClientID:            cfg.ClientID,
		HomeDir:             cfg.HomeDir,
		SerialDepth:         cfg.SerialQueue.MaxQueueDepth,
		ParallelDepth:       cfg.ParallelQueue.MaxQueueDepth,
		ParallelConcurrency: cfg.ParallelQueue.MaxConcurrency,
	}
}

func logMetricTotals(ctx context.Context, provider *otelPkg.Provider, logger *slog.Logger) {
	if !provider.Enabled() {
		return
	}
	rm, err := provider.CollectMetrics(ctx)
	if err != nil {
		logger.Warn("collect metrics", "error", err)
		return
	}
	totals := otelPkg.Totals(rm)
	attrs := make([]any, 0, len(totals))
	for name, v := range totals {
		attrs = append(attrs, slog.Float64(name, v))
	}
	logger.Info("metric totals", attrs...)
}

// watchConfig applies queue depth bounds from config.yaml edits to the live
// scheduler. Concurrency and other settings take effect on restart.
func watchConfig(ctx context.Context, a *app, w *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			a.scheduler.ReconfigureDepth(next.SerialQueue.MaxQueueDepth, next.ParallelQueue.MaxQueueDepth)
			logger.Info("queue depth bounds reloaded", "fingerprint", next.Fingerprint())
		}
	}
}

func logEnvOverrides(logger *slog.Logger) {
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "AUTHCORE_") && value != "" {
			logger.Debug("environment override", "key", key, "value", shared.RedactEnvValue(key, value))
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
