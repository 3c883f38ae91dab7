package service

import (
	"context"
	"errors"

	"teenlancer/internal/metrics"
	"teenlancer/internal/models"
	"teenlancer/internal/store"
)

const sweepBatch = 200

// ExpireStale persists the expired status for pending records past their
// expiry. Reads already report them as expired; the write bumps the version
// and tells live subscribers.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	recs, err := s.store.ListExpiredPending(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		updated, err := s.store.ExpireApproval(ctx, rec.ID, now)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			s.log.WithError(err).WithField("approval_id", rec.ID).Warn("expire approval failed")
			continue
		}
		n++
		s.publish(ctx, models.StatusPending, updated)
	}
	if n > 0 {
		metrics.AddExpired(n)
		s.log.WithField("count", n).Info("expired stale approvals")
	}
	return n, ctx.Err()
}
