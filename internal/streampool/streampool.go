// Package streampool implements the typed server-push stream multiplexer
// between core and UI: frontend-assigned stream ids, async producer
// registration, ordered per-stream sequencing, and bounded cancellation.
// Ids are frontend-assigned so the first update can never race the
// registration reply.
package streampool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/taskgroup"
)

// warnThreshold is the live-stream count above which the pool warns that a
// consumer may be leaking streams.
const warnThreshold = 20

// cancelJoinTimeout bounds how long CancelStream waits for the producer task
// to observe cancellation before giving up.
const cancelJoinTimeout = 5 * time.Second

// Update is one push to a stream; StreamID identifies the logical channel and
// Sequence is strictly increasing per StreamID.
type Update struct {
	StreamID uint64 `json:"stream_id"`
	Sequence uint64 `json:"sequence"`
	Data     any    `json:"data"`
}

type entry struct {
	group    *taskgroup.Group
	sequence uint64
	done     chan struct{}
}

// Pool multiplexes ordered stream updates from many producers to the event
// sink under the "streamUpdate" event name.
type Pool struct {
	mu      sync.Mutex
	streams map[uint64]*entry

	parent *taskgroup.Group
	sink   eventsink.Sink
	logger *slog.Logger
}

// New creates a Pool whose producer tasks are spawned into children of
// parent and whose updates are pushed through sink.
func New(parent *taskgroup.Group, sink eventsink.Sink, logger *slog.Logger) *Pool {
	return &Pool{
		streams: make(map[uint64]*entry),
		parent:  parent,
		sink:    sink,
		logger:  logger,
	}
}

// Producer pushes successive values through emit until it returns; ctx is
// cancelled when the stream is cancelled.
type Producer func(ctx context.Context, emit func(data any))

// RegisterStream registers a frontend-provided id against producer. It fails
// with DuplicateObservableID if id is already registered.
func (p *Pool) RegisterStream(initial any, id uint64, producer Producer) error {
	p.mu.Lock()
	if _, exists := p.streams[id]; exists {
		p.mu.Unlock()
		return apperror.New(apperror.DuplicateObservableID, fmt.Sprintf("stream %d already registered", id)).
			WithPayload(map[string]any{"id": id})
	}

	group := p.parent.Sub()
	e := &entry{group: group, done: make(chan struct{})}
	p.streams[id] = e
	live := len(p.streams)
	p.mu.Unlock()

	if live > warnThreshold {
		p.logger.Warn("stream pool has more than the expected number of live streams",
			slog.Int("live", live), slog.Int("threshold", warnThreshold))
	}

	p.sink.Event("streamUpdate", map[string]any{"stream_id": id, "sequence": 0, "data": initial, "kind": "initial"})

	group.Go(func(ctx context.Context) {
		defer close(e.done)
		producer(ctx, func(data any) {
			p.mu.Lock()
			e.sequence++
			seq := e.sequence
			p.mu.Unlock()
			p.sink.Event("streamUpdate", Update{StreamID: id, Sequence: seq, Data: data})
		})
	})

	return nil
}

// CancelStream cancels the task subgroup hosting the stream's producer and
// waits up to cancelJoinTimeout for it to exit. A second call for the same
// id returns UnknownObservable, making cancellation idempotent.
func (p *Pool) CancelStream(id uint64) error {
	p.mu.Lock()
	e, ok := p.streams[id]
	if ok {
		delete(p.streams, id)
	}
	p.mu.Unlock()

	if !ok {
		return apperror.New(apperror.UnknownObservable, fmt.Sprintf("stream %d is not registered", id))
	}

	e.group.Shutdown(cancelJoinTimeout)
	return nil
}

// Reset cancels every registered stream; used when the bridge is
// re-initialized in development mode.
func (p *Pool) Reset() {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.CancelStream(id)
	}
}

// Len reports the number of currently registered streams.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}
