package engine

import (
	"log/slog"
	"time"

	"github.com/basket/authcore/internal/bus"
	"github.com/basket/authcore/internal/otel"
)

// SchedulerConfig sizes the two standard queues.
type SchedulerConfig struct {
	SerialDepth         int
	ParallelDepth       int
	ParallelConcurrency int
	Bus                 *bus.Bus
	Metrics             *otel.Metrics
	Logger              *slog.Logger
}

// Scheduler owns a serial queue for mutations and ordered work, and a
// bounded-parallel queue for reads. Clients receive one at construction.
type Scheduler struct {
	serial   *Queue
	parallel *Queue
}

type SchedulerStatus struct {
	Serial   Status `json:"serial"`
	Parallel Status `json:"parallel"`
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.ParallelConcurrency <= 0 {
		cfg.ParallelConcurrency = DefaultParallelConcurrency
	}
	return &Scheduler{
		serial: NewQueue(Config{
			Name:           "serial",
			MaxQueueDepth:  cfg.SerialDepth,
			MaxConcurrency: 1,
			Bus:            cfg.Bus,
			Metrics:        cfg.Metrics,
			Logger:         cfg.Logger,
		}),
		parallel: NewQueue(Config{
			Name:           "parallel",
			MaxQueueDepth:  cfg.ParallelDepth,
			MaxConcurrency: cfg.ParallelConcurrency,
			Bus:            cfg.Bus,
			Metrics:        cfg.Metrics,
			Logger:         cfg.Logger,
		}),
	}
}

func (s *Scheduler) Serial() *Queue   { return s.serial }
func (s *Scheduler) Parallel() *Queue { return s.parallel }

func (s *Scheduler) Status() SchedulerStatus {
	return SchedulerStatus{Serial: s.serial.Status(), Parallel: s.parallel.Status()}
}

// Reconfigure applies new bounds; non-positive values keep the current one.
// The serial queue always keeps concurrency 1.
func (s *Scheduler) Reconfigure(serialDepth, parallelDepth, parallelConcurrency int) {
	s.serial.Reconfigure(serialDepth, 1)
	s.parallel.Reconfigure(parallelDepth, parallelConcurrency)
}

// ReconfigureDepth changes only the depth bounds of both queues.
func (s *Scheduler) ReconfigureDepth(serialDepth, parallelDepth int) {
	s.Reconfigure(serialDepth, parallelDepth, 0)
}

// Drain waits for both queues, sharing one timeout budget.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	okSerial := s.serial.Drain(timeout)
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	okParallel := s.parallel.Drain(remaining)
	return okSerial && okParallel
}

func (s *Scheduler) Close() {
	s.serial.Close()
	s.parallel.Close()
}
