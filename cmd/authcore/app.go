package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/authcore/internal/audit"
	"github.com/basket/authcore/internal/bus"
	"github.com/basket/authcore/internal/config"
	"github.com/basket/authcore/internal/credentials"
	"github.com/basket/authcore/internal/dispatch"
	"github.com/basket/authcore/internal/engine"
	otelPkg "github.com/basket/authcore/internal/otel"
	"github.com/basket/authcore/internal/persistence"
	"github.com/basket/authcore/internal/subscription"
	"github.com/basket/authcore/internal/transport/httpauth"
	"github.com/basket/authcore/internal/transport/wsstream"
)

var errNoMasterKey = errors.New("no master key: set AUTHCORE_MASTER_KEY")

// app holds the wired components. backend, refresher, keeper and hub are nil
// when the matching url is not configured.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus

	audit     *audit.Log
	stopAudit func()

	store      *persistence.Store
	state      *credentials.State
	backend    *httpauth.Client
	refresher  *credentials.Refresher
	keeper     *credentials.Keeper
	scheduler  *engine.Scheduler
	dispatcher *dispatch.Dispatcher
	hub        *subscription.Hub
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, provider *otelPkg.Provider) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = otelPkg.Noop()
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, bus: bus.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.audit, err = audit.Open(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.stopAudit = a.audit.Follow(a.bus)

	if err := a.openCredentials(ctx, metrics); err != nil {
		return nil, err
	}

	if cfg.BackendURL != "" {
		a.backend, err = httpauth.New(httpauth.Config{BaseURL: cfg.BackendURL, ClientID: cfg.ClientID})
		if err != nil {
			return nil, err
		}
		a.refresher, err = credentials.NewRefresher(a.state, credentials.RefresherConfig{
			Backend: a.backend,
			Bus:     a.bus,
			Metrics: metrics,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		a.keeper, err = credentials.NewKeeper(a.refresher, credentials.KeeperConfig{
			Schedule: cfg.RefreshCheckSchedule,
			Margin:   cfg.RefreshMargin(),
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("keeper: %w", err)
		}
	}

	a.scheduler = engine.NewScheduler(engine.SchedulerConfig{
		SerialDepth:         cfg.SerialQueue.MaxQueueDepth,
		ParallelDepth:       cfg.ParallelQueue.MaxQueueDepth,
		ParallelConcurrency: cfg.ParallelQueue.MaxConcurrency,
		Bus:                 a.bus,
		Metrics:             metrics,
		Logger:              logger,
	})

	a.dispatcher, err = dispatch.New(dispatch.Config{
		Scheduler:           a.scheduler,
		State:               a.state,
		Refresher:           a.refresher,
		ReadFreshnessMargin: cfg.ReadFreshnessMargin(),
		RefreshMargin:       cfg.RefreshMargin(),
		CallTimeout:         cfg.CallTimeout(),
		Tracer:              provider.Tracer,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.EventsURL != "" {
		translator, err := loadSchemas(filepath.Join(cfg.HomeDir, "schemas"), cfg.EventTypes, logger)
		if err != nil {
			return nil, err
		}
		connector, err := wsstream.New(wsstream.Config{
			URL:    cfg.EventsURL,
			Token:  a.accessToken,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		a.hub, err = subscription.NewHub(subscription.Config{
			Connector:  connector,
			Translator: translator,
			Bus:        a.bus,
			Metrics:    metrics,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// openCredentials opens the sealed store and loads the credential state.
func (a *app) openCredentials(ctx context.Context, metrics *otelPkg.Metrics) error {
	if a.cfg.MasterKey == "" {
		return errNoMasterKey
	}
	store, err := persistence.Open(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	a.store = store
	sealed, err := persistence.NewSealed(store, []byte(a.cfg.MasterKey))
	if err != nil {
		return err
	}
	a.state, err = credentials.Open(ctx, credentials.Config{
		Store:          sealed,
		SignedInMargin: a.cfg.SignedInMargin(),
		Bus:            a.bus,
		Metrics:        metrics,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	return nil
}

func (a *app) accessToken() string {
	_, access, _ := a.state.Tokens()
	return access
}

// requireBackend reports an error for commands that need the auth backend.
func (a *app) requireBackend() error {
	if a.refresher == nil {
		return errors.New("backend_url is not configured")
	}
	return nil
}

func (a *app) close() {
	if a.keeper != nil {
		a.keeper.Stop()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close credential store", "error", err)
		}
	}
	if a.stopAudit != nil {
		a.stopAudit()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
}

// loadSchemas registers <dir>/<event type>.schema.json for every event type
// that has one. A missing directory is not an error.
func loadSchemas(dir string, eventTypes []string, logger *slog.Logger) (*subscription.SchemaTranslator, error) {
	tr := subscription.NewSchemaTranslator()
	for _, eventType := range eventTypes {
		path := filepath.Join(dir, eventType+".schema.json")
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		if err := tr.Register(eventType, data); err != nil {
			return nil, err
		}
		logger.Info("event schema loaded", "event_type", eventType, "path", path)
	}
	return tr, nil
}
