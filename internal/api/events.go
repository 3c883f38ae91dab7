package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"teenlancer/internal/metrics"
	"teenlancer/internal/middleware"
	"teenlancer/internal/models"
	"teenlancer/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Native clients send no Origin; browsers are held to the CORS list.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ApprovalEvents streams status changes for one record over a websocket.
// The subscription is opened before the upgrade, so a client that finished
// the handshake cannot miss a later change.
func (h *Handlers) ApprovalEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if h.sub == nil {
		util.WriteError(w, http.StatusServiceUnavailable, "realtime_unavailable", "realtime feed disabled", middleware.RequestID(r.Context()))
		return
	}
	if _, err := h.svc.CheckStatus(r.Context(), models.LookupKey{ID: id}); err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	if !h.originAllowed(r) {
		util.WriteError(w, http.StatusForbidden, "forbidden", "origin not allowed", middleware.RequestID(r.Context()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := h.sub.Subscribe(ctx, models.ChangeFilter{RecordID: id})
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	defer stream.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	metrics.SubscriberOpened()
	defer metrics.SubscriberClosed()
	log := h.log.WithField("approval_id", id)

	// Reads only serve pongs and close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case err := <-stream.Errors():
			log.WithError(err).Warn("realtime stream error, closing socket")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream error"), time.Now().Add(wsWriteWait))
			return
		case ev, ok := <-stream.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.NewStatus.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal"), time.Now().Add(wsWriteWait))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.CORSAllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.CORSAllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return strings.EqualFold(origin, h.cfg.PublicBaseURL)
}
