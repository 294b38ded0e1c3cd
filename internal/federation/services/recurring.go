package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/retry"
	"github.com/fedixyz/fedi-sub003/internal/taskgroup"
)

// recurringGracePeriod is the delay after startup before the first
// recurring-code check, giving the underlying client time to finish its own
// recovery/sync before this service starts issuing RPCs against it.
const recurringGracePeriod = 30 * time.Second

// recurringRecheckInterval is how often the operation-id list is re-polled
// for newly created recurring invoices.
const recurringRecheckInterval = 30 * time.Second

// RecurringService tracks every operation id behind the federation's
// lightning-via-URL recurring code and reports claim/cancel outcomes as
// transaction events.
type RecurringService struct {
	federationID string
	client       federation.UnderlyingClient
	sink         eventsink.Sink
	logger       *slog.Logger

	mu         sync.Mutex
	subscribed map[[32]byte]struct{}
}

// NewRecurringService constructs a RecurringService for f.
func NewRecurringService(f *federation.Federation, sink eventsink.Sink, logger *slog.Logger) *RecurringService {
	return &RecurringService{federationID: f.ID, client: f.Client, sink: sink, logger: logger, subscribed: map[[32]byte]struct{}{}}
}

// Run waits out the grace period, then re-polls recurringRecheckInterval
// until ctx is cancelled, spawning a child task per newly discovered op id.
func (r *RecurringService) Run(ctx context.Context, group *taskgroup.Group) {
	if err := retry.Sleep(ctx, recurringGracePeriod); err != nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		r.pollOnce(ctx, group)
		if err := retry.Sleep(ctx, recurringRecheckInterval); err != nil {
			return
		}
	}
}

func (r *RecurringService) pollOnce(ctx context.Context, group *taskgroup.Group) {
	code, ok, err := r.client.RecurringCode(ctx)
	if err != nil {
		r.logger.Warn("fetching recurring code", slog.String("federation_id", r.federationID), slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	opIDs, err := r.client.RecurringInvoices(ctx, code)
	if err != nil {
		r.logger.Warn("enumerating recurring invoices", slog.String("federation_id", r.federationID), slog.String("error", err.Error()))
		return
	}

	for _, opID := range opIDs {
		r.mu.Lock()
		_, already := r.subscribed[opID]
		if !already {
			r.subscribed[opID] = struct{}{}
		}
		r.mu.Unlock()
		if already {
			continue
		}

		opID := opID
		group.Sub().Go(func(ctx context.Context) {
			r.watch(ctx, opID)
		})
	}
}

func (r *RecurringService) watch(ctx context.Context, opID [32]byte) {
	outcomes, err := r.client.SubscribeRecurringInvoice(ctx, opID)
	if err != nil {
		r.logger.Warn("subscribing to recurring invoice", slog.String("federation_id", r.federationID), slog.String("error", err.Error()))
		r.forget(opID)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			switch outcome {
			case federation.RecurringPending:
				continue
			case federation.RecurringClaimed:
				r.sink.Event(eventsink.EventTransaction, map[string]any{
					"federation_id": r.federationID,
					"status":        "claimed",
				})
				return
			case federation.RecurringCanceled:
				r.sink.Event(eventsink.EventTransaction, map[string]any{
					"federation_id": r.federationID,
					"status":        "canceled",
				})
				return
			}
		}
	}
}

func (r *RecurringService) forget(opID [32]byte) {
	r.mu.Lock()
	delete(r.subscribed, opID)
	r.mu.Unlock()
}
