// ABOUTME: Fires the periodic sweep on a cron schedule
// ABOUTME: Accepts standard five-field expressions and descriptors such as "@every 30s"

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep twice a minute.
const DefaultSweepSchedule = "@every 30s"

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a sweep schedule expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler calls fn each time the schedule comes due.
type Scheduler struct {
	schedule cronlib.Schedule
	fn       func(context.Context)
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for expr.
func NewScheduler(expr string, fn func(context.Context), logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{schedule: sched, fn: fn, logger: logger}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweep scheduler started", "next_run", s.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fn(ctx)
		}
	}
}
