package multispend

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/matrix"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// rescanInterval is the background fallback cadence for both services when
// no bus trigger wakes them sooner; the periodic drain alone is always
// correctness-sufficient, the trigger only shortens latency.
const rescanInterval = 15 * time.Second

// FederationLookup is the subset of federation.Registry the withdrawal
// service needs, narrowed to avoid importing the whole registry surface.
type FederationLookup interface {
	GetFederation(id string) (*federation.Federation, error)
}

// WithdrawalService drains MultispendPendingApprovedWithdrawal entries,
// submitting each to its federation via SPv2TransferWithNonce.
type WithdrawalService struct {
	store  *storage.Store
	fedsFn FederationLookup
	logger *slog.Logger
	wake   <-chan struct{}
}

// NewWithdrawalService constructs a WithdrawalService. wake may be nil, in
// which case the service relies solely on rescanInterval.
func NewWithdrawalService(store *storage.Store, feds FederationLookup, wake <-chan struct{}, logger *slog.Logger) *WithdrawalService {
	return &WithdrawalService{store: store, fedsFn: feds, wake: wake, logger: logger}
}

// Run drains the queue on every wake signal and on rescanInterval, until ctx
// is cancelled.
func (w *WithdrawalService) Run(ctx context.Context) {
	for {
		w.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(rescanInterval):
		}
	}
}

func (w *WithdrawalService) drainOnce(ctx context.Context) {
	tx, err := w.store.BeginTransactionNC(ctx)
	if err != nil {
		return
	}
	next, closeFn := tx.FindByPrefix(ctx, storage.MultispendPendingApprovedWithdrawalPrefix())
	var pending []PendingApprovedWithdrawal
	for {
		_, v, ok, err := next()
		if err != nil || !ok {
			break
		}
		var p PendingApprovedWithdrawal
		if err := json.Unmarshal(v, &p); err == nil {
			pending = append(pending, p)
		}
	}
	closeFn()
	tx.Close(ctx)

	for _, p := range pending {
		if err := w.submit(ctx, p); err != nil {
			w.logger.Warn("multispend withdrawal submission failed, retrying next cycle",
				slog.String("room_id", p.RoomID), slog.String("request_id", p.RequestID), slog.String("error", err.Error()))
		}
	}
}

func (w *WithdrawalService) submit(ctx context.Context, p PendingApprovedWithdrawal) error {
	f, err := w.fedsFn.GetFederation(p.Request.FederationID)
	if err != nil {
		return err
	}

	nonce := nonceFromRequestID(p.RequestID)
	meta, err := json.Marshal(map[string]string{"room": p.RoomID, "request_id": p.RequestID})
	if err != nil {
		return err
	}

	// The op outcome is observed by the federation's SPv2 subscribe loop,
	// which enqueues the eventual completion notification; this call only
	// needs to succeed at submission.
	if _, err := f.Client.SPv2TransferWithNonce(ctx, nonce, p.Request.ToAccountID, uint64(p.Request.AmountCents), meta); err != nil {
		return err
	}

	tx, err := w.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, storage.MultispendPendingApprovedWithdrawalKey(p.RoomID, p.RequestID)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func nonceFromRequestID(requestID string) uint64 {
	sum := sha256.Sum256([]byte(requestID))
	return binary.BigEndian.Uint64(sum[:8])
}

// EnqueueCompletionNotification records a notification for the
// CompletionNotificationService to deliver. Called by the federation's SPv2
// subscribe loop when it observes a meta-tagged deposit or withdrawal
// outcome correlated to a multispend room/request.
func EnqueueCompletionNotification(ctx context.Context, store *storage.Store, n PendingCompletionNotification) error {
	tx, err := store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(n)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Set(ctx, storage.MultispendPendingCompletionNotificationKey(n.ID()), raw); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// CompletionNotificationService drains MultispendPendingCompletionNotification
// entries, posting the corresponding Matrix event into the room.
type CompletionNotificationService struct {
	store  *storage.Store
	client matrix.Client
	logger *slog.Logger
	wake   <-chan struct{}
}

// NewCompletionNotificationService constructs the service.
func NewCompletionNotificationService(store *storage.Store, client matrix.Client, wake <-chan struct{}, logger *slog.Logger) *CompletionNotificationService {
	return &CompletionNotificationService{store: store, client: client, wake: wake, logger: logger}
}

// Run drains the queue on every wake signal and on rescanInterval.
func (s *CompletionNotificationService) Run(ctx context.Context) {
	for {
		s.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(rescanInterval):
		}
	}
}

func (s *CompletionNotificationService) drainOnce(ctx context.Context) {
	tx, err := s.store.BeginTransactionNC(ctx)
	if err != nil {
		return
	}
	next, closeFn := tx.FindByPrefix(ctx, storage.MultispendPendingCompletionNotificationPrefix())
	var pending []PendingCompletionNotification
	for {
		_, v, ok, err := next()
		if err != nil || !ok {
			break
		}
		var p PendingCompletionNotification
		if err := json.Unmarshal(v, &p); err == nil {
			pending = append(pending, p)
		}
	}
	closeFn()
	tx.Close(ctx)

	for _, p := range pending {
		if err := s.notify(ctx, p); err != nil {
			s.logger.Warn("multispend completion notification failed, retrying next cycle",
				slog.String("room_id", p.RoomID), slog.String("error", err.Error()))
		}
	}
}

func (s *CompletionNotificationService) notify(ctx context.Context, p PendingCompletionNotification) error {
	var err error

	switch p.Kind {
	case CompletionWithdrawalSuccess:
		_, err = s.client.SendEvent(ctx, p.RoomID, EventType, Envelope{
			Kind: KindWithdrawalResponse,
			Payload: mustMarshal(WithdrawalResponse{RequestID: p.RequestID, Kind: ResponseComplete, TxID: p.TxID, AmountCents: p.AmountCents}),
		})
	case CompletionWithdrawalFailed:
		_, err = s.client.SendEvent(ctx, p.RoomID, EventType, Envelope{
			Kind: KindWithdrawalResponse,
			Payload: mustMarshal(WithdrawalResponse{RequestID: p.RequestID, Kind: ResponseTxRejected}),
		})
	case CompletionDeposit:
		_, err = s.client.SendEvent(ctx, p.RoomID, EventType, Envelope{
			Kind: KindDepositNotification,
			Payload: mustMarshal(DepositNotification{FiatAmountCents: p.AmountCents, TxID: p.TxID, Description: p.FiatDescription}),
		})
	}
	if err != nil {
		return err
	}

	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	key := storage.MultispendPendingCompletionNotificationKey(p.ID())
	if err := tx.Delete(ctx, key); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
