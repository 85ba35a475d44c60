package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kiranshivaraju/docbatch/internal/batch"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// EventSource streams coordinator events.
type EventSource interface {
	Subscribe() <-chan batch.Event
	Unsubscribe(ch <-chan batch.Event)
}

// EventsHandler pushes the owner's job events over a WebSocket.
type EventsHandler struct {
	src      EventSource
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler creates the handler. An empty allowedOrigins accepts only
// same-host and origin-less clients.
func NewEventsHandler(src EventSource, allowedOrigins []string, logger *slog.Logger) *EventsHandler {
	h := &EventsHandler{src: src, logger: orDefault(logger).With("component", "events_handler")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// Stream handles GET /api/v1/batches/events.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	// Subscribe before the handshake completes so no event is missed
	// between the client's dial and its first request.
	events := h.src.Subscribe()
	defer h.src.Unsubscribe(events)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	h.logger.Info("event stream opened", "owner_id", ownerID)
	for {
		select {
		case <-closed:
			h.logger.Info("event stream closed", "owner_id", ownerID)
			return
		case e, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if e.OwnerID != ownerID {
				continue
			}
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Warn("event write failed", "owner_id", ownerID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *EventsHandler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("event stream read error", "error", err)
			}
			return
		}
	}
}
