package realtime

import (
	"context"
	"sync"

	"teenlancer/internal/models"
)

// MemoryBroker fans events out inside one process. Sends never block the
// publisher; a full subscriber gets ErrSlowConsumer instead.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[*memoryStream]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[*memoryStream]struct{}{}}
}

func (b *MemoryBroker) Publish(_ context.Context, ev models.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		if !s.filter.Matches(ev) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			notifyErr(s.errs, ErrSlowConsumer)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, filter models.ChangeFilter) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memoryStream{
		broker: b,
		filter: filter,
		events: make(chan models.ChangeEvent, streamBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (b *MemoryBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	subs := make([]*memoryStream, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

type memoryStream struct {
	broker *MemoryBroker
	filter models.ChangeFilter
	events chan models.ChangeEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *memoryStream) Events() <-chan models.ChangeEvent { return s.events }
func (s *memoryStream) Errors() <-chan error              { return s.errs }

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		close(s.done)
		close(s.events)
		s.broker.mu.Unlock()
	})
	return nil
}
