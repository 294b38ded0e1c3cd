// Package eventsink implements the one-way push channel from core to UI: a
// single polymorphic Sink.Event(type, body) method where body is a UTF-8
// JSON document, wrapped so a host sink that might block (an FFI call into
// the UI runtime) never blocks the caller.
package eventsink

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Sink is the push interface every component calls to notify the UI. Event
// names are the constants below; body must already be JSON-serializable.
type Sink interface {
	Event(eventType string, body any)
}

// The fixed set of event names.
const (
	EventBalance                        = "balance"
	EventFederation                     = "federation"
	EventTransaction                    = "transaction"
	EventLog                            = "log"
	EventPanic                          = "panic"
	EventSPv2Deposit                    = "spv2Deposit"
	EventSPv2Withdrawal                 = "spv2Withdrawal"
	EventSPv2Transfer                   = "spv2Transfer"
	EventStabilityPoolDeposit           = "stabilityPoolDeposit"
	EventStabilityPoolWithdrawal        = "stabilityPoolWithdrawal"
	EventRecoveryComplete               = "recoveryComplete"
	EventRecoveryProgress               = "recoveryProgress"
	EventStreamUpdate                   = "streamUpdate"
	EventDeviceRegistration             = "deviceRegistration"
	EventCommunityMetadataUpdated       = "communityMetadataUpdated"
	EventStabilityPoolUnfilledDepositSwept = "stabilityPoolUnfilledDepositSwept"
)

// FuncSink adapts a plain function to the Sink interface, matching the
// "polymorphic interface with one method" contract for in-process use (e.g.
// tests, or an RPC transport writing straight to an HTTP response stream).
type FuncSink func(eventType string, body []byte)

// Event marshals data to JSON and forwards it to the wrapped function.
func (f FuncSink) Event(eventType string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		body = []byte(`{}`)
	}
	f(eventType, body)
}

// Tee fans every event out to each of sinks in order; used when a remote
// bridge delivers both to the NATS transport and to directly-connected
// websocket clients.
type Tee []Sink

// Event forwards to every sink.
func (t Tee) Event(eventType string, body any) {
	for _, s := range t {
		s.Event(eventType, body)
	}
}

// Async wraps an inner Sink so every Event call returns immediately while a
// single delivery goroutine drains events in emission order — a host sink
// backed by a blocking FFI call never stalls a service loop, and two pushes
// for the same stream id can never reach the transport out of order.
type Async struct {
	inner  Sink
	logger *slog.Logger

	mu    sync.Mutex
	queue []queuedEvent
	wake  chan struct{}
}

type queuedEvent struct {
	eventType string
	body      any
}

// NewAsync wraps inner and starts the delivery goroutine, which lives for
// the rest of the process like the sink itself.
func NewAsync(inner Sink, logger *slog.Logger) *Async {
	a := &Async{inner: inner, logger: logger, wake: make(chan struct{}, 1)}
	go a.deliver()
	return a
}

// Event appends to the ordered queue and returns without blocking.
func (a *Async) Event(eventType string, body any) {
	a.mu.Lock()
	a.queue = append(a.queue, queuedEvent{eventType: eventType, body: body})
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Async) deliver() {
	for range a.wake {
		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			ev := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()

			a.deliverOne(ev)
		}
	}
}

func (a *Async) deliverOne(ev queuedEvent) {
	defer func() {
		if r := recover(); r != nil && a.logger != nil {
			a.logger.Error("event sink panicked", slog.String("event", ev.eventType), slog.Any("recover", r))
		}
	}()
	a.inner.Event(ev.eventType, ev.body)
}
