package service

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/teachermon/internal/logger"
)

// Scheduler runs the analysis poll on a fixed interval and the retention
// sweep once a day at a fixed hour, both in the background.
type Scheduler struct {
	orchestrator  *Orchestrator
	reaper        *Reaper
	interval      time.Duration
	retentionHour int
	logger        *logger.Logger
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(orchestrator *Orchestrator, reaper *Reaper, interval time.Duration, retentionHour int, log *logger.Logger) *Scheduler {
	return &Scheduler{
		orchestrator:  orchestrator,
		reaper:        reaper,
		interval:      interval,
		retentionHour: retentionHour,
		logger:        log,
		now:           time.Now,
	}
}

func (s *Scheduler) Name() string { return "analysis-scheduler" }

// Start launches both loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.retentionLoop(ctx)
	}()

	s.logger.WithFields(logger.Fields{
		"poll_interval":  s.interval.String(),
		"retention_hour": s.retentionHour,
	}).Info("Scheduler started")
	return nil
}

// Stop cancels both loops and waits for a running tick to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.orchestrator.RunPendingAnalysis(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("Analysis tick failed")
			}
		}
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) {
	for {
		now := s.now()
		timer := time.NewTimer(nextDailyRun(now, s.retentionHour).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.reaper.CleanupExpiredFrames(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("Retention sweep failed")
			}
		}
	}
}

// nextDailyRun returns the first time after now at hour:00 local time.
func nextDailyRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
