package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"teenlancer/internal/approval"
	"teenlancer/internal/logger"
	"teenlancer/internal/models"
)

func TestFetchStatusSendsKeyAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/approvals/status" {
			http.NotFound(w, r)
			return
		}
		switch {
		case r.URL.Query().Get("id") == "missing":
			w.WriteHeader(http.StatusNotFound)
			return
		case r.URL.Query().Get("email") != "":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" || !strings.HasPrefix(r.Header.Get("User-Agent"), "teenlancer-client/") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(models.StatusSnapshot{ID: r.URL.Query().Get("id"), Status: models.StatusPending, Version: 1})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", srv.Client(), logger.Discard())
	ctx := context.Background()
	sess := approval.Session{AccessToken: "tok-1"}

	snap, err := c.FetchStatus(ctx, sess, models.LookupKey{ID: "a1"})
	if err != nil || snap.ID != "a1" || snap.Status != models.StatusPending {
		t.Fatalf("unexpected snapshot %+v err=%v", snap, err)
	}
	if _, err := c.FetchStatus(ctx, sess, models.LookupKey{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = c.FetchStatus(ctx, sess, models.LookupKey{OwnerContact: "teen@example.com", Birthdate: "2010-01-01"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests || httpErr.Code != "rate_limited" {
		t.Fatalf("expected decoded 429, got %v", err)
	}
	if _, err := c.FetchStatus(ctx, sess, models.LookupKey{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSubscribeFiltersAndEndsCleanly(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/approvals/a1/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		now := time.Now().UTC()
		_ = conn.WriteJSON(models.ChangeEvent{RecordID: "other", OldStatus: models.StatusPending, NewStatus: models.StatusApproved, Version: 2, At: now})
		_ = conn.WriteJSON(models.ChangeEvent{RecordID: "a1", OldStatus: models.StatusPending, NewStatus: models.StatusRejected, Version: 2, At: now})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Subscribe(ctx, models.ChangeFilter{OwnerContact: "teen@example.com"}); !errors.Is(err, ErrNeedsRecord) {
		t.Fatalf("expected ErrNeedsRecord, got %v", err)
	}

	stream, err := c.Subscribe(ctx, models.ChangeFilter{RecordID: "a1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	var got []models.ChangeEvent
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].RecordID != "a1" || got[0].NewStatus != models.StatusRejected {
		t.Fatalf("unexpected events %+v", got)
	}
	select {
	case err := <-stream.Errors():
		t.Fatalf("normal close must not surface an error, got %v", err)
	default:
	}
}

func TestSubscribeReportsHandshakeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"approval not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), logger.Discard())
	_, err := c.Subscribe(context.Background(), models.ChangeFilter{RecordID: "nope"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake error, got %v", err)
	}
}
