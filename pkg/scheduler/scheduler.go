// Package scheduler drives the repeating measurement cycle. It runs one
// cycle immediately, then starts cycles on a fixed start-to-start
// interval. Cycle-level errors are caught at the loop boundary and
// logged; only context cancellation stops the loop.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"netprobe-agent/pkg/models"
)

// CycleRunner executes one measurement cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*models.Result, error)
}

// Recorder persists a cycle's result locally.
type Recorder interface {
	Record(res *models.Result) error
}

// Sink forwards a result to a remote store, best-effort.
type Sink interface {
	Name() string
	Publish(ctx context.Context, res *models.Result) error
}

// Scheduler supervises the measurement loop.
type Scheduler struct {
	Runner   CycleRunner
	Recorder Recorder
	Sinks    []Sink
	Interval time.Duration
	Logger   *slog.Logger

	cycle int
}

func New(runner CycleRunner, recorder Recorder, sinks []Sink, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Runner:   runner,
		Recorder: recorder,
		Sinks:    sinks,
		Interval: interval,
		Logger:   logger,
	}
}

// Run loops until ctx is cancelled and then returns nil, so a signal
// shutdown maps to a zero exit status. The interval is measured between
// cycle starts: a cycle that overruns simply delays until the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("scheduler stopped", "cycles", s.cycle)
			return nil
		case <-t.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce executes one cycle, records the outcome locally and offers it
// to each sink. Every failure here is logged and absorbed; nothing a
// single cycle does can terminate the loop.
func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.cycle++
	s.Logger.Info("cycle started", "cycle", s.cycle)
	start := time.Now()

	res, err := s.Runner.RunCycle(ctx)
	if err != nil {
		s.Logger.Warn("cycle degraded", "cycle", s.cycle, "error", err)
	}
	if res == nil {
		return
	}

	if err := s.Recorder.Record(res); err != nil {
		s.Logger.Error("failed to record result", "cycle", s.cycle, "error", err)
	}

	for _, sink := range s.Sinks {
		if err := sink.Publish(ctx, res); err != nil {
			s.Logger.Warn("publish failed, dropping record",
				"sink", sink.Name(), "cycle", s.cycle, "error", err)
		}
	}

	s.Logger.Info("cycle finished", "cycle", s.cycle, "duration", time.Since(start).String())
}
