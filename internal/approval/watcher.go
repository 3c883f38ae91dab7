package approval

import (
	"context"
	"errors"
	"time"

	"teenlancer/internal/models"
	"teenlancer/internal/realtime"
)

var errSubscribeTimeout = errors.New("realtime subscribe timed out")

// realtimeWatcher forwards change events for one record. Events whose old
// and new status match are noise and dropped. Any transport failure makes
// sure the poller is running.
type realtimeWatcher struct {
	c       *Controller
	sub     realtime.Subscriber
	filter  models.ChangeFilter
	timeout time.Duration
}

func (w *realtimeWatcher) run(ctx context.Context) {
	stream, err := w.subscribe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.c.log.WithError(err).Warn("realtime subscribe failed, relying on polling")
			w.c.ensurePolling()
		}
		return
	}
	defer stream.Close()

	events := stream.Events()
	errs := stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			w.c.log.WithError(err).Warn("realtime stream error")
			w.c.ensurePolling()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					w.c.log.Warn("realtime stream ended, relying on polling")
					w.c.ensurePolling()
				}
				return
			}
			if !ev.IsStatusChange() {
				continue
			}
			w.c.accept(models.StatusSnapshot{
				ID:        ev.RecordID,
				Status:    ev.NewStatus,
				Version:   ev.Version,
				UpdatedAt: ev.At,
			}, "realtime")
		}
	}
}

// subscribe bounds the subscription handshake so a hung transport counts
// as a failure.
func (w *realtimeWatcher) subscribe(ctx context.Context) (realtime.Stream, error) {
	type result struct {
		s   realtime.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := w.sub.Subscribe(ctx, w.filter)
		ch <- result{s: s, err: err}
	}()
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-timer.C:
		go func() {
			if r := <-ch; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, errSubscribeTimeout
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// poller re-reads the status on a fixed cadence with the same fetcher used
// for the initial read. Fetch errors are retried on the next tick.
type poller struct {
	c        *Controller
	interval time.Duration
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		snap, err := p.c.cfg.Fetcher.FetchStatus(ctx, p.c.cfg.Session, p.c.pollKey())
		if err != nil {
			if ctx.Err() == nil {
				p.c.log.WithError(err).Debug("status poll failed")
			}
			continue
		}
		p.c.accept(snap, "poll")
	}
}

// pollKey prefers the record id once it is known.
func (c *Controller) pollKey() models.LookupKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.cfg.Key
	if key.ID == "" && c.current.ID != "" && key.Token == "" {
		key.ID = c.current.ID
	}
	return key
}
