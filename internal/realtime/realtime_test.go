package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"teenlancer/internal/logger"
	"teenlancer/internal/models"
)

func change(id string, from, to models.ApprovalStatus, version int64) models.ChangeEvent {
	return models.ChangeEvent{RecordID: id, OwnerContact: "parent@example.com", OldStatus: from, NewStatus: to, Version: version, At: time.Now().UTC()}
}

func expectEvent(t *testing.T, s Stream, wantID string) models.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("stream closed before event %s", wantID)
		}
		if ev.RecordID != wantID {
			t.Fatalf("expected event for %s, got %+v", wantID, ev)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %s", wantID)
	}
	return models.ChangeEvent{}
}

func expectNoEvent(t *testing.T, s Stream) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBrokerFiltersByRecordAndContact(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	byID, err := b.Subscribe(ctx, models.ChangeFilter{RecordID: "a1"})
	if err != nil {
		t.Fatalf("subscribe by id: %v", err)
	}
	byContact, err := b.Subscribe(ctx, models.ChangeFilter{OwnerContact: "PARENT@example.com"})
	if err != nil {
		t.Fatalf("subscribe by contact: %v", err)
	}

	if err := b.Publish(ctx, change("a2", models.StatusPending, models.StatusApproved, 2)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectEvent(t, byContact, "a2")
	expectNoEvent(t, byID)

	if err := b.Publish(ctx, change("a1", models.StatusPending, models.StatusRejected, 2)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectEvent(t, byID, "a1")
	expectEvent(t, byContact, "a1")
}

func TestMemoryBrokerCloseUnsubscribes(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := b.Subscribe(ctx, models.ChangeFilter{RecordID: "a1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if b.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", b.Subscribers())
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for b.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Subscribers() != 0 {
		t.Fatalf("context cancel should unsubscribe")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if err := b.Publish(context.Background(), change("a1", models.StatusPending, models.StatusApproved, 2)); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	_ = b.Close()
	if _, err := b.Subscribe(context.Background(), models.ChangeFilter{RecordID: "a1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed broker error, got %v", err)
	}
}

func TestMemoryBrokerSignalsSlowConsumer(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	s, err := b.Subscribe(context.Background(), models.ChangeFilter{RecordID: "a1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < streamBuffer+1; i++ {
		_ = b.Publish(context.Background(), change("a1", models.StatusPending, models.StatusApproved, int64(i+2)))
	}
	select {
	case err := <-s.Errors():
		if !errors.Is(err, ErrSlowConsumer) {
			t.Fatalf("expected slow consumer error, got %v", err)
		}
	default:
		t.Fatalf("expected an error signal once the buffer overflowed")
	}
}

func TestRedisBrokerDeliversAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := NewRedisBroker("redis://"+mr.Addr(), logger.Discard())
	if err != nil {
		t.Fatalf("publisher broker: %v", err)
	}
	defer pub.Close()
	sub, err := NewRedisBroker("redis://"+mr.Addr(), logger.Discard())
	if err != nil {
		t.Fatalf("subscriber broker: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	s, err := sub.Subscribe(ctx, models.ChangeFilter{RecordID: "a1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	if err := pub.Publish(ctx, change("other", models.StatusPending, models.StatusApproved, 2)); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if err := pub.Publish(ctx, change("a1", models.StatusPending, models.StatusApproved, 2)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := expectEvent(t, s, "a1")
	if ev.NewStatus != models.StatusApproved || ev.Version != 2 {
		t.Fatalf("unexpected event payload: %+v", ev)
	}
}

func TestNewRedisBrokerFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisBroker("redis://"+addr, logger.Discard()); err == nil {
		t.Fatalf("expected connection error")
	}
}
