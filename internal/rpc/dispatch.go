// Package rpc implements the bridge's external surface: a method name plus
// a JSON-encoded payload, returning a JSON document whose `error` field, if
// present, is the apperror envelope. The dispatch table keeps this literal;
// an optional HTTP transport (httptransport.go) exposes it over chi when
// the host process runs the bridge out-of-process (FEDI_BRIDGE_REMOTE).
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
)

// Handler serves one RPC method: decode payload, do the work, return a value
// to be JSON-encoded back to the caller.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatcher is the method-name -> Handler table.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register adds a method. Registering the same name twice is a programmer
// error and panics at startup rather than silently shadowing a handler.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[method]; exists {
		panic(fmt.Sprintf("rpc: method %q already registered", method))
	}
	d.handlers[method] = h
}

// Dispatch decodes and invokes method with payload, recovering any handler
// panic into a Panic-coded apperror rather than letting it unwind the task.
// The returned []byte is always a complete JSON document: either the
// handler's JSON-encoded result or an apperror.Envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, payload json.RawMessage) []byte {
	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return apperror.MarshalRPCError(apperror.New(apperror.BadRequest, fmt.Sprintf("unknown method %q", method)))
	}

	result, err := d.invoke(ctx, h, payload)
	if err != nil {
		return apperror.MarshalRPCError(err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return apperror.MarshalRPCError(apperror.Wrap(apperror.InvalidJSON, err))
	}
	return body
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, payload json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperror.FromPanic(r)
		}
	}()
	return h(ctx, payload)
}

// Methods returns the registered method names, for diagnostics/tests.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}
