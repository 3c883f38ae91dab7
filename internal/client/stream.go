package client

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/models"
)

type wsStream struct {
	conn   *websocket.Conn
	filter models.ChangeFilter
	events chan models.ChangeEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *wsStream) run(ctx context.Context, log logrus.FieldLogger) {
	defer close(s.events)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	for {
		var ev models.ChangeEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case s.errs <- err:
				default:
				}
			}
			return
		}
		if !s.filter.Matches(ev) {
			log.WithField("record_id", ev.RecordID).Debug("client: dropping event for another record")
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) Events() <-chan models.ChangeEvent { return s.events }
func (s *wsStream) Errors() <-chan error              { return s.errs }

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
