package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler periodically advances due automation runs and replays buffered
// status updates.
type Scheduler struct {
	Automation *AutomationService
	Tracker    *Tracker
	Interval   time.Duration
	log        *zap.Logger
}

func NewScheduler(automation *AutomationService, tracker *Tracker, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		Automation: automation,
		Tracker:    tracker,
		Interval:   interval,
		log:        log.Named("scheduler"),
	}
}

// Tick does one pass; errors are logged so the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) {
	s.RetryStatuses(ctx)
	n, err := s.Automation.AdvanceDue(ctx)
	if err != nil {
		s.log.Error("advancing automation runs", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("automation runs advanced", zap.Int("count", n))
	}
}

// RetryStatuses replays buffered status updates only. Processes that take
// webhooks but do not run automation use it so early statuses still land.
func (s *Scheduler) RetryStatuses(ctx context.Context) {
	if n := s.Tracker.RetryPending(ctx); n > 0 {
		s.log.Info("replayed buffered status updates", zap.Int("count", n))
	}
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, s.Tick)
}

// StartStatusRetry runs RetryStatuses until ctx is cancelled.
func (s *Scheduler) StartStatusRetry(ctx context.Context) {
	s.loop(ctx, s.RetryStatuses)
}

func (s *Scheduler) loop(ctx context.Context, tick func(context.Context)) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}
