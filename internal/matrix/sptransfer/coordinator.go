package sptransfer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/matrix"
	"github.com/fedixyz/fedi-sub003/internal/storage"
	"github.com/oklog/ulid/v2"
)

// Coordinator scans sp-transfer rooms and maintains each side's
// independent, per-pending-transfer-id record.
type Coordinator struct {
	store       *storage.Store
	client      matrix.Client
	localUserID string
	logger      *slog.Logger
}

// New constructs a Coordinator. localUserID distinguishes sender-side from
// receiver-side bookkeeping for events this device itself originates.
func New(store *storage.Store, client matrix.Client, localUserID string, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, client: client, localUserID: localUserID, logger: logger}
}

// ApplyRoomEvents processes every sp-transfer event in events in order,
// each inside its own transaction (there is no per-room cursor to advance
// atomically alongside state here, unlike C8, because sp-transfer records
// are looked up by pending-transfer-id carried in the event itself rather
// than accumulated sequentially).
func (c *Coordinator) ApplyRoomEvents(ctx context.Context, roomID string, events []matrix.Event) {
	for _, ev := range events {
		if err := c.applyEvent(ctx, roomID, ev); err != nil {
			c.logger.Warn("sp-transfer event application failed",
				slog.String("room_id", roomID), slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) applyEvent(ctx context.Context, roomID string, ev matrix.Event) error {
	var env Envelope
	if err := json.Unmarshal(ev.Body, &env); err != nil {
		return fmt.Errorf("malformed sp-transfer envelope: %w", err)
	}

	switch env.Kind {
	case KindPendingTransferStart:
		var start PendingTransferStart
		if err := json.Unmarshal(env.Payload, &start); err != nil {
			return err
		}
		return c.applyPendingTransferStart(ctx, roomID, ev, start)

	case KindAnnounceAccount:
		if ev.SenderID == c.localUserID {
			return nil // our own announcement, already recorded when sent
		}
		var ann AnnounceAccount
		if err := json.Unmarshal(env.Payload, &ann); err != nil {
			return err
		}
		return c.applyAnnounceAccount(ctx, roomID, ann)

	case KindTransferSentHint:
		var hint TransferSentHint
		if err := json.Unmarshal(env.Payload, &hint); err != nil {
			return err
		}
		return c.applySentHint(ctx, roomID, hint)

	default:
		return fmt.Errorf("unknown sp-transfer event kind %q", env.Kind)
	}
}

func (c *Coordinator) applyPendingTransferStart(ctx context.Context, roomID string, ev matrix.Event, start PendingTransferStart) error {
	senderID := ev.SenderID
	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	existing, err := loadRecord(ctx, tx, roomID, start.PendingTransferID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if existing != nil {
		return tx.Rollback(ctx) // already recorded, idempotent replay
	}

	record := &Record{
		PendingTransferID: start.PendingTransferID,
		RoomID:            roomID,
		AmountCents:       start.AmountCents,
		FederationID:      start.FederationID,
		Nonce:             start.Nonce,
		SentBy:            senderID,
		StartEventID:      ev.ID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := saveRecord(ctx, tx, record); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if senderID == c.localUserID {
		if err := tx.Set(ctx, storage.SPTransferAwaitingAnnounceKey(roomID, start.PendingTransferID), mustMarshal(record)); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	} else {
		if err := tx.Set(ctx, storage.SPTransferPendingReceiverAccountKey(roomID, start.PendingTransferID), mustMarshal(record)); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (c *Coordinator) applyAnnounceAccount(ctx context.Context, roomID string, ann AnnounceAccount) error {
	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, storage.SPTransferKnownReceiverAccountKey(roomID, ann.FederationID), []byte(ann.AccountID)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (c *Coordinator) applySentHint(ctx context.Context, roomID string, hint TransferSentHint) error {
	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	record, err := loadRecord(ctx, tx, roomID, hint.PendingTransferID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if record == nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("sent-hint for unknown pending transfer %s", hint.PendingTransferID)
	}
	record.SentHintTxID = hint.TxID
	if err := saveRecord(ctx, tx, record); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Send is the RPC entry point backing matrixSpTransferSend: the sender
// generates a pending-transfer-id and a stable nonce, emits
// PendingTransferStart into the room, and records its own sender-side
// queue entry. The receiver's matching Record is created independently,
// by its own ApplyRoomEvents call when it observes this same event.
func (c *Coordinator) Send(ctx context.Context, roomID, federationID string, amountCents int64) (pendingTransferID string, err error) {
	pid, err := randomID()
	if err != nil {
		return "", err
	}
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}

	start := PendingTransferStart{
		PendingTransferID: pid,
		AmountCents:       amountCents,
		FederationID:      federationID,
		Nonce:             nonce,
	}
	eventID, err := c.client.SendEvent(ctx, roomID, EventType, Envelope{
		Kind:    KindPendingTransferStart,
		Payload: mustMarshal(start),
	})
	if err != nil {
		return "", err
	}

	if err := c.applyPendingTransferStart(ctx, roomID, matrix.Event{ID: eventID, RoomID: roomID, SenderID: c.localUserID}, start); err != nil {
		return "", err
	}
	return pid, nil
}

// randomID returns a ULID so pending-transfer IDs sort in creation order.
func randomID() (string, error) {
	id, err := ulid.New(ulid.Now(), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Status resolves a transfer's current status for RPC callers.
func (c *Coordinator) Status(ctx context.Context, roomID, pendingTransferID string) (Status, error) {
	tx, err := c.store.BeginTransactionNC(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Close(ctx)
	raw, ok, err := tx.Get(ctx, storage.SPTransferKey(roomID, pendingTransferID))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("unknown pending transfer %s", pendingTransferID)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	return r.Resolve(time.Now().UTC()), nil
}
