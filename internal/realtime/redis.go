package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/models"
)

const DefaultChannel = "approvals:changes"

// RedisBroker shares change events between server replicas over a Redis
// pub/sub channel. Filtering happens on the receiving side.
type RedisBroker struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
	owned   bool
}

func NewRedisBroker(redisURL string, log logrus.FieldLogger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	b := NewRedisBrokerWithClient(client, log)
	b.owned = true
	return b, nil
}

func NewRedisBrokerWithClient(client *redis.Client, log logrus.FieldLogger) *RedisBroker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisBroker{client: client, channel: DefaultChannel, log: log}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Publish(ctx context.Context, ev models.ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, body).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, filter models.ChangeFilter) (Stream, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	s := &redisStream{
		ps:     ps,
		filter: filter,
		events: make(chan models.ChangeEvent, streamBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.run(ctx, b.log)
	return s, nil
}

func (b *RedisBroker) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

type redisStream struct {
	ps     *redis.PubSub
	filter models.ChangeFilter
	events chan models.ChangeEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *redisStream) run(ctx context.Context, log logrus.FieldLogger) {
	defer close(s.events)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				select {
				case <-s.done:
				default:
					notifyErr(s.errs, ErrClosed)
				}
				return
			}
			var ev models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.WithError(err).Warn("realtime: dropping malformed change event")
				continue
			}
			if !s.filter.Matches(ev) {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}

func (s *redisStream) Events() <-chan models.ChangeEvent { return s.events }
func (s *redisStream) Errors() <-chan error              { return s.errs }

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
