// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultRunTimeout = time.Minute

// Sweeper marks overdue pending approvals as expired.
type Sweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron       *cron.Cron
	sweeper    Sweeper
	log        logrus.FieldLogger
	runTimeout time.Duration
}

// NewScheduler registers the expiry sweep under spec. Overlapping runs are
// skipped rather than queued.
func NewScheduler(spec string, sweeper Sweeper, log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		sweeper:    sweeper,
		log:        log.WithField("component", "expiry_sweep"),
		runTimeout: defaultRunTimeout,
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule expiry sweep %q: %w", spec, err)
	}
	return s, nil
}

// RunOnce performs a single sweep and returns how many records expired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()
	started := time.Now()
	n, err := s.sweeper.ExpireStale(ctx)
	entry := s.log.WithFields(logrus.Fields{"expired": n, "took_ms": time.Since(started).Milliseconds()})
	if err != nil {
		entry.WithError(err).Error("expiry sweep failed")
		return n
	}
	if n > 0 {
		entry.Info("expired stale approvals")
	} else {
		entry.Debug("expiry sweep found nothing")
	}
	return n
}

func (s *Scheduler) Start() {
	s.log.Info("starting expiry sweep")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("expiry sweep stopped")
	case <-ctx.Done():
		s.log.Warn("expiry sweep still running at shutdown")
	}
}
