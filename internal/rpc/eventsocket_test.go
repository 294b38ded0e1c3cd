package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventSocketDeliversFrames(t *testing.T) {
	es := NewEventSocket(testLogger())
	srv := httptest.NewServer(es)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// The server registers the connection during the upgrade handler; the
	// dial returning means the handshake completed, so the write below can
	// race only with the handler's bookkeeping, not the handshake itself.
	deadline := time.Now().Add(5 * time.Second)
	delivered := false
	for time.Now().Before(deadline) {
		es.Event("deviceRegistration", map[string]string{"status": "Success"})

		readCtx, readCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		_, raw, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			continue
		}

		var frame struct {
			Type string          `json:"type"`
			Body json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("malformed frame %q: %v", raw, err)
		}
		if frame.Type != "deviceRegistration" {
			t.Fatalf("frame type = %q", frame.Type)
		}
		var body map[string]string
		if err := json.Unmarshal(frame.Body, &body); err != nil {
			t.Fatalf("malformed body: %v", err)
		}
		if body["status"] != "Success" {
			t.Fatalf("body = %v", body)
		}
		delivered = true
		break
	}
	if !delivered {
		t.Fatal("no frame delivered before deadline")
	}
}

func TestEventSocketSurvivesNoClients(t *testing.T) {
	es := NewEventSocket(testLogger())
	// Must not panic or block with zero connected clients.
	es.Event("balance", map[string]int{"msat": 42})
	es.Close()
}
