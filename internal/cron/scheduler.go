// Package cron runs a single job on a cron schedule until stopped.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is invoked once per schedule activation.
type Job func(ctx context.Context, now time.Time)

type Config struct {
	Name     string
	Spec     string
	Job      Job
	Logger   *slog.Logger
	Now      func() time.Time
	RunFirst bool // fire once immediately on Start
}

// Scheduler fires Job at every activation of Spec.
type Scheduler struct {
	name     string
	schedule cronlib.Schedule
	job      Job
	logger   *slog.Logger
	now      func() time.Time
	runFirst bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	fired  int64
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, fmt.Errorf("cron %q: job is nil", cfg.Name)
	}
	sched, err := cronParser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("cron %q: parse %q: %w", cfg.Name, cfg.Spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		name:     cfg.Name,
		schedule: sched,
		job:      cfg.Job,
		logger:   logger,
		now:      now,
		runFirst: cfg.RunFirst,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. Calling Start
// on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "name", s.name, "next_run_at", s.schedule.Next(s.now()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped", "name", s.name)
}

// Fired reports how many times the job has run.
func (s *Scheduler) Fired() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.runFirst {
		s.fire(ctx)
	}
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "name", s.name, "panic", fmt.Sprint(r))
		}
	}()
	s.mu.Lock()
	s.fired++
	s.mu.Unlock()
	s.job(ctx, s.now())
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
