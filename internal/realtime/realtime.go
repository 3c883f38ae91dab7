// Package realtime carries approval status changes from the process that
// writes them to whoever is waiting on them.
package realtime

import (
	"context"
	"errors"

	"teenlancer/internal/models"
)

var (
	ErrClosed       = errors.New("realtime: stream closed")
	ErrSlowConsumer = errors.New("realtime: subscriber fell behind, events dropped")
)

type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, filter models.ChangeFilter) (Stream, error)
}

// Stream delivers events matching one filter. Errors reports transport
// trouble; the stream may keep delivering afterwards. Close is idempotent.
type Stream interface {
	Events() <-chan models.ChangeEvent
	Errors() <-chan error
	Close() error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

const streamBuffer = 16

// notifyErr hands err to the stream's error channel without blocking. Only
// the first unread error is kept.
func notifyErr(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
