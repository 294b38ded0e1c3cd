package rpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HTTPTransport exposes a Dispatcher over POST /rpc/{method}. Only
// constructed when FEDI_BRIDGE_REMOTE is set.
type HTTPTransport struct {
	Router *chi.Mux
	dsp    *Dispatcher
	logger *slog.Logger
	listen string
	server *http.Server
	events *EventSocket
}

// NewHTTPTransport builds the router for dsp, listening on listen once
// Start is called.
func NewHTTPTransport(dsp *Dispatcher, listen string, logger *slog.Logger) *HTTPTransport {
	t := &HTTPTransport{
		Router: chi.NewRouter(),
		dsp:    dsp,
		logger: logger,
		listen: listen,
	}
	t.registerMiddleware()
	t.registerRoutes()
	return t
}

func (t *HTTPTransport) registerMiddleware() {
	t.Router.Use(middleware.RequestID)
	t.Router.Use(middleware.RealIP)
	t.Router.Use(middleware.Recoverer)
	t.Router.Use(middleware.Timeout(90 * time.Second))
}

func (t *HTTPTransport) registerRoutes() {
	t.Router.Post("/rpc/{method}", t.handleRPC)
	t.Router.Get("/healthz", t.handleHealth)
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"badRequest","detail":"failed to read request body"}`, http.StatusBadRequest)
		return
	}

	body := t.dsp.Dispatch(r.Context(), method, payload)
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// MountEventSocket exposes es at GET /events, the push half of the remote
// transport: RPC calls go over POST /rpc/{method}, sink events stream back
// over the socket.
func (t *HTTPTransport) MountEventSocket(es *EventSocket) {
	t.events = es
	t.Router.Get("/events", es.ServeHTTP)
}

// Start begins listening for HTTP requests on the configured address.
func (t *HTTPTransport) Start() error {
	t.server = &http.Server{
		Addr:         t.listen,
		Handler:      t.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	t.logger.Info("RPC HTTP transport starting", slog.String("listen", t.listen))
	if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("RPC HTTP transport error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP transport.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	t.logger.Info("RPC HTTP transport shutting down")
	if t.events != nil {
		t.events.Close()
	}
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}
