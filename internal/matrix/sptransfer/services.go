package sptransfer

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/matrix"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// transferMeta is the correlation token attached to the off-Matrix SPv2
// transfer request: a hash of the pending-start event id, which the
// receiver's federation-subscribe loop uses to tie an incoming transfer
// back to the Matrix conversation.
func transferMeta(startEventID string) []byte {
	sum := sha256.Sum256([]byte(startEventID))
	return sum[:]
}

// rescanInterval mirrors internal/matrix/multispend's fallback cadence: the
// bus trigger wakes a service sooner, but the periodic drain alone is always
// correctness-sufficient.
const rescanInterval = 15 * time.Second

// FederationLookup narrows federation.Registry to the one method these
// services need.
type FederationLookup interface {
	GetFederation(id string) (*federation.Federation, error)
}

// TransferSubmitter drains SPTransferAwaitingAnnounce entries once their
// receiver's account id is known, submitting the SPv2 transfer.
type TransferSubmitter struct {
	store  *storage.Store
	feds   FederationLookup
	logger *slog.Logger
	wake   <-chan struct{}
}

// NewTransferSubmitter constructs a TransferSubmitter. wake may be nil.
func NewTransferSubmitter(store *storage.Store, feds FederationLookup, wake <-chan struct{}, logger *slog.Logger) *TransferSubmitter {
	return &TransferSubmitter{store: store, feds: feds, wake: wake, logger: logger}
}

// Run drains the queue on every wake signal and on rescanInterval.
func (t *TransferSubmitter) Run(ctx context.Context) {
	for {
		t.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-time.After(rescanInterval):
		}
	}
}

func (t *TransferSubmitter) drainOnce(ctx context.Context) {
	tx, err := t.store.BeginTransactionNC(ctx)
	if err != nil {
		return
	}
	next, closeFn := tx.FindByPrefix(ctx, storage.SPTransferAwaitingAnnouncePrefix())
	var pending []*Record
	for {
		_, v, ok, err := next()
		if err != nil || !ok {
			break
		}
		var r Record
		if err := json.Unmarshal(v, &r); err == nil {
			pending = append(pending, &r)
		}
	}
	closeFn()
	tx.Close(ctx)

	now := time.Now().UTC()
	for _, r := range pending {
		if r.Resolve(now) != StatusPending {
			// Already resolved some other way (e.g. on restart after a
			// prior successful submission whose queue removal didn't
			// commit) — drop the stale queue entry without resubmitting.
			t.clearAwaiting(ctx, r)
			continue
		}
		if err := t.submit(ctx, r); err != nil {
			t.logger.Warn("sp-transfer submission failed, retrying next cycle",
				slog.String("room_id", r.RoomID), slog.String("pending_transfer_id", r.PendingTransferID), slog.String("error", err.Error()))
		}
	}
}

func (t *TransferSubmitter) submit(ctx context.Context, r *Record) error {
	tx, err := t.store.BeginTransactionNC(ctx)
	if err != nil {
		return err
	}
	accountID, ok, err := tx.Get(ctx, storage.SPTransferKnownReceiverAccountKey(r.RoomID, r.FederationID))
	tx.Close(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil // receiver hasn't announced an account yet
	}

	f, err := t.feds.GetFederation(r.FederationID)
	if err != nil {
		return err
	}
	meta := transferMeta(r.StartEventID)
	if _, err := f.Client.SPv2TransferWithNonce(ctx, r.Nonce, string(accountID), uint64(r.AmountCents), meta); err != nil {
		return err
	}

	t.clearAwaiting(ctx, r)
	return nil
}

func (t *TransferSubmitter) clearAwaiting(ctx context.Context, r *Record) {
	tx, err := t.store.BeginTransaction(ctx)
	if err != nil {
		return
	}
	if err := tx.Delete(ctx, storage.SPTransferAwaitingAnnounceKey(r.RoomID, r.PendingTransferID)); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	_ = tx.Commit(ctx)
}

// AccountIdResponder drains SPTransferPendingReceiverAccount entries,
// announcing this device's account id in the named federation back to the
// sender once it has one.
type AccountIdResponder struct {
	store  *storage.Store
	feds   FederationLookup
	client matrix.Client
	logger *slog.Logger
	wake   <-chan struct{}
}

// NewAccountIdResponder constructs an AccountIdResponder. wake may be nil.
func NewAccountIdResponder(store *storage.Store, feds FederationLookup, client matrix.Client, wake <-chan struct{}, logger *slog.Logger) *AccountIdResponder {
	return &AccountIdResponder{store: store, feds: feds, client: client, wake: wake, logger: logger}
}

// Run drains the queue on every wake signal and on rescanInterval.
func (a *AccountIdResponder) Run(ctx context.Context) {
	for {
		a.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case <-time.After(rescanInterval):
		}
	}
}

func (a *AccountIdResponder) drainOnce(ctx context.Context) {
	tx, err := a.store.BeginTransactionNC(ctx)
	if err != nil {
		return
	}
	next, closeFn := tx.FindByPrefix(ctx, storage.SPTransferPendingReceiverAccountPrefix())
	var pending []*Record
	for {
		_, v, ok, err := next()
		if err != nil || !ok {
			break
		}
		var r Record
		if err := json.Unmarshal(v, &r); err == nil {
			pending = append(pending, &r)
		}
	}
	closeFn()
	tx.Close(ctx)

	now := time.Now().UTC()
	for _, r := range pending {
		if r.Resolve(now) == StatusExpired {
			a.clearPending(ctx, r)
			continue
		}
		if err := a.respond(ctx, r); err != nil {
			a.logger.Warn("sp-transfer account announcement failed, retrying next cycle",
				slog.String("room_id", r.RoomID), slog.String("pending_transfer_id", r.PendingTransferID), slog.String("error", err.Error()))
		}
	}
}

func (a *AccountIdResponder) respond(ctx context.Context, r *Record) error {
	joined, err := a.client.IsJoined(ctx, r.RoomID)
	if err != nil {
		return err
	}
	if !joined {
		return nil
	}

	f, err := a.feds.GetFederation(r.FederationID)
	if err != nil {
		return err
	}
	accountID, err := f.Client.SPv2AccountID(ctx)
	if err != nil {
		return err
	}

	if _, err := a.client.SendEvent(ctx, r.RoomID, EventType, Envelope{
		Kind: KindAnnounceAccount,
		Payload: mustMarshal(AnnounceAccount{
			PendingTransferID: r.PendingTransferID,
			AccountID:         accountID,
			FederationID:      r.FederationID,
		}),
	}); err != nil {
		return err
	}

	a.clearPending(ctx, r)
	return nil
}

func (a *AccountIdResponder) clearPending(ctx context.Context, r *Record) {
	tx, err := a.store.BeginTransaction(ctx)
	if err != nil {
		return
	}
	if err := tx.Delete(ctx, storage.SPTransferPendingReceiverAccountKey(r.RoomID, r.PendingTransferID)); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	_ = tx.Commit(ctx)
}

// TransferCompleteNotifier drains SPTransferPendingCompletion entries,
// posting the TransferSentHint event once the sender's SPv2 subscribe loop
// has observed the transfer accepted on-chain.
type TransferCompleteNotifier struct {
	store  *storage.Store
	client matrix.Client
	logger *slog.Logger
	wake   <-chan struct{}
}

// NewTransferCompleteNotifier constructs a TransferCompleteNotifier. wake
// may be nil.
func NewTransferCompleteNotifier(store *storage.Store, client matrix.Client, wake <-chan struct{}, logger *slog.Logger) *TransferCompleteNotifier {
	return &TransferCompleteNotifier{store: store, client: client, wake: wake, logger: logger}
}

// Run drains the queue on every wake signal and on rescanInterval.
func (n *TransferCompleteNotifier) Run(ctx context.Context) {
	for {
		n.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		case <-time.After(rescanInterval):
		}
	}
}

func (n *TransferCompleteNotifier) drainOnce(ctx context.Context) {
	tx, err := n.store.BeginTransactionNC(ctx)
	if err != nil {
		return
	}
	next, closeFn := tx.FindByPrefix(ctx, storage.SPTransferPendingCompletionPrefix())
	var pending []SptPendingCompletionNotification
	for {
		_, v, ok, err := next()
		if err != nil || !ok {
			break
		}
		var p SptPendingCompletionNotification
		if err := json.Unmarshal(v, &p); err == nil {
			pending = append(pending, p)
		}
	}
	closeFn()
	tx.Close(ctx)

	for _, p := range pending {
		if err := n.notify(ctx, p); err != nil {
			n.logger.Warn("sp-transfer completion notification failed, retrying next cycle",
				slog.String("room_id", p.RoomID), slog.String("pending_transfer_id", p.PendingTransferID), slog.String("error", err.Error()))
		}
	}
}

func (n *TransferCompleteNotifier) notify(ctx context.Context, p SptPendingCompletionNotification) error {
	if _, err := n.client.SendEvent(ctx, p.RoomID, EventType, Envelope{
		Kind: KindTransferSentHint,
		Payload: mustMarshal(TransferSentHint{PendingTransferID: p.PendingTransferID, TxID: p.TxID}),
	}); err != nil {
		return err
	}

	tx, err := n.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, storage.SPTransferPendingCompletionKey(p.RoomID, p.PendingTransferID)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// EnqueueCompletion records that the sender's SPv2 subscribe loop observed
// this transfer land on-chain, for TransferCompleteNotifier to announce.
func EnqueueCompletion(ctx context.Context, store *storage.Store, roomID, pendingTransferID, txID string) error {
	tx, err := store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(SptPendingCompletionNotification{
		RoomID:            roomID,
		PendingTransferID: pendingTransferID,
		Kind:              SptCompletionSuccess,
		TxID:              txID,
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Set(ctx, storage.SPTransferPendingCompletionKey(roomID, pendingTransferID), raw); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
