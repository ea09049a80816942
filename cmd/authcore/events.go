package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/authcore/internal/subscription"
)

const (
	daemonSubscriberID    = "daemon"
	defaultResubscribeMin = 2 * time.Second
	defaultResubscribeMax = time.Minute
)

// eventFollower holds the daemon's subscription to one event type. The hub
// forgets every subscriber when a connection drops, so the follower
// subscribes again after a backoff until ctx ends.
type eventFollower struct {
	ctx       context.Context
	hub       *subscription.Hub
	logger    *slog.Logger
	eventType string
	minDelay  time.Duration
	maxDelay  time.Duration

	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
}

// followEvents subscribes the daemon to every event type and keeps the
// subscriptions alive across disconnects.
func followEvents(ctx context.Context, hub *subscription.Hub, eventTypes []string, minDelay, maxDelay time.Duration, logger *slog.Logger) []*eventFollower {
	if minDelay <= 0 {
		minDelay = defaultResubscribeMin
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	followers := make([]*eventFollower, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		f := &eventFollower{
			ctx:       ctx,
			hub:       hub,
			logger:    logger.With("event_type", eventType),
			eventType: eventType,
			minDelay:  minDelay,
			maxDelay:  maxDelay,
			delay:     minDelay,
		}
		f.subscribe()
		followers = append(followers, f)
	}
	return followers
}

func (f *eventFollower) subscribe() {
	if f.ctx.Err() != nil {
		return
	}
	if err := f.hub.Subscribe(f.ctx, f.eventType, daemonSubscriberID, f); err != nil {
		f.logger.Error("subscribe failed", "error", err)
		f.retry()
	}
}

// retry schedules the next subscribe, doubling the delay up to maxDelay.
func (f *eventFollower) retry() {
	if f.ctx.Err() != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delay := f.delay
	f.delay = min(f.delay*2, f.maxDelay)
	if f.timer != nil {
		f.timer.Stop()
	}
	f.logger.Info("resubscribing", "in", delay.String())
	f.timer = time.AfterFunc(delay, f.subscribe)
}

// stop cancels a pending resubscribe.
func (f *eventFollower) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *eventFollower) OnUpdate(u subscription.Update) {
	f.logger.Info("event received", "id", u.ID)
}

func (f *eventFollower) OnConnectionState(s subscription.ConnectionState, err error) {
	switch s {
	case subscription.StateConnected:
		f.mu.Lock()
		f.delay = f.minDelay
		f.mu.Unlock()
		f.logger.Info("event stream state", "state", s.String())
	case subscription.StateDisconnected:
		if err != nil {
			f.logger.Warn("event stream state", "state", s.String(), "error", err)
		} else {
			f.logger.Info("event stream state", "state", s.String())
		}
		f.retry()
	default:
		f.logger.Info("event stream state", "state", s.String())
	}
}
