package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// eventWriteTimeout bounds how long a single frame write may block before
// the client is considered gone and dropped.
const eventWriteTimeout = 5 * time.Second

// eventFrame is the wire shape pushed to every connected client: the event
// sink's (type, body) pair as one JSON document.
type eventFrame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// EventSocket pushes Event Sink deliveries to remote UI processes over a
// websocket, the out-of-process counterpart of the in-process FFI callback.
// It implements eventsink.Sink; HTTPTransport mounts it at GET /events when
// the bridge runs remote.
type EventSocket struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]context.CancelFunc

	// writeMu serializes fan-outs: the websocket library permits only one
	// concurrent writer per connection, and the Async sink delivers each
	// event on its own goroutine.
	writeMu sync.Mutex
}

// NewEventSocket constructs an EventSocket with no clients yet.
func NewEventSocket(logger *slog.Logger) *EventSocket {
	return &EventSocket{logger: logger, conns: make(map[*websocket.Conn]context.CancelFunc)}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the client closes it.
func (s *EventSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The RPC transport already binds to a loopback/priv listener
		// (rpc.listen); origin enforcement belongs to whatever fronts it.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("event socket upgrade failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s.mu.Lock()
	s.conns[conn] = cancel
	live := len(s.conns)
	s.mu.Unlock()
	s.logger.Info("event socket client connected", slog.Int("clients", live))

	// Drain incoming frames; the channel is one-way, so the only read we
	// care about is the close.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	s.drop(conn, websocket.StatusNormalClosure, "client disconnected")
}

// Event implements eventsink.Sink: marshal once, fan out to every client,
// dropping any whose write fails or times out.
func (s *EventSocket) Event(eventType string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("event socket body marshal failed", slog.String("event", eventType), slog.String("error", err.Error()))
		return
	}
	frame, err := json.Marshal(eventFrame{Type: eventType, Body: raw})
	if err != nil {
		return
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			s.logger.Warn("event socket write failed, dropping client", slog.String("error", err.Error()))
			s.drop(conn, websocket.StatusInternalError, "write failed")
		}
	}
}

// Close disconnects every client, used at transport shutdown.
func (s *EventSocket) Close() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.drop(conn, websocket.StatusGoingAway, "bridge shutting down")
	}
}

func (s *EventSocket) drop(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	cancel, ok := s.conns[conn]
	if ok {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	_ = conn.Close(code, reason)
}
