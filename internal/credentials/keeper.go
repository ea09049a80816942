package credentials

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/cron"
)

const DefaultKeeperSchedule = "@every 1m"

type KeeperConfig struct {
	Schedule string
	Margin   time.Duration
	Logger   *slog.Logger
}

// Keeper refreshes tokens ahead of expiry on a cron schedule.
type Keeper struct {
	refresher *Refresher
	margin    time.Duration
	logger    *slog.Logger
	sched     *cron.Scheduler
}

func NewKeeper(refresher *Refresher, cfg KeeperConfig) (*Keeper, error) {
	if refresher == nil {
		return nil, errors.New("keeper: refresher is nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultKeeperSchedule
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultRefreshMargin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{
		refresher: refresher,
		margin:    cfg.Margin,
		logger:    logger.With("component", "keeper"),
	}
	sched, err := cron.NewScheduler(cron.Config{
		Name:     "credential-keeper",
		Spec:     cfg.Schedule,
		Job:      func(ctx context.Context, _ time.Time) { k.Check(ctx) },
		Logger:   k.logger,
		RunFirst: true,
	})
	if err != nil {
		return nil, err
	}
	k.sched = sched
	return k, nil
}

func (k *Keeper) Start(ctx context.Context) { k.sched.Start(ctx) }
func (k *Keeper) Stop()                     { k.sched.Stop() }

// Check runs one refresh decision. It reports whether a refresh happened.
func (k *Keeper) Check(ctx context.Context) bool {
	state := k.refresher.State()
	if !state.IsSignedIn() {
		return false
	}
	if !state.NeedsRefresh(k.margin) {
		return false
	}
	err := k.refresher.Refresh(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, apperr.ErrOperationConflict):
		k.logger.Debug("refresh skipped", "reason", err.Error())
	case errors.Is(err, apperr.ErrNotSignedIn), errors.Is(err, apperr.ErrNotAuthorized):
		k.logger.Info("refresh not possible; waiting for sign in", "error_class", string(apperr.Classify(err)))
	default:
		k.logger.Warn("proactive refresh failed", "error", err, "retryable", apperr.Retryable(err))
	}
	return false
}
