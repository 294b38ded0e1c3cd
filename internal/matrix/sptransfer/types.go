// Package sptransfer implements a three-step, pairwise, at-most-once fiat
// transfer between two stability-pool accounts whose federations may
// differ, coordinated by custom Matrix events with both sides persisting
// progress independently.
package sptransfer

import (
	"encoding/json"
	"time"
)

// EventType is the Matrix custom message type carrying all three steps.
const EventType = "xyz.fedi.sp-transfer"

// TransferExpirySeconds bounds how long a transfer may sit without
// completing before both sides treat it as Expired.
const TransferExpirySeconds = 24 * 60 * 60

// Kind discriminates the three Matrix event payloads.
type Kind string

const (
	KindPendingTransferStart Kind = "pendingTransferStart"
	KindAnnounceAccount      Kind = "announceAccount"
	KindTransferSentHint     Kind = "transferSentHint"
)

// Envelope is the wire shape of every sp-transfer event.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// PendingTransferStart is step 1, sent by the sender.
type PendingTransferStart struct {
	PendingTransferID string `json:"pending_transfer_id"`
	AmountCents       int64  `json:"amount_cents"`
	FederationID      string `json:"federation_id"`
	Nonce             uint64 `json:"nonce"`
}

// AnnounceAccount is step 2, sent by the receiver once it holds an account
// in the named federation.
type AnnounceAccount struct {
	PendingTransferID string `json:"pending_transfer_id"`
	AccountID         string `json:"account_id"`
	FederationID      string `json:"federation_id"`
}

// TransferSentHint is step 4, sent by the sender once the SPv2 transfer is
// accepted by the federation.
type TransferSentHint struct {
	PendingTransferID string `json:"pending_transfer_id"`
	TxID              string `json:"txid"`
}

// Status is the externally-observable resolution of a transfer's DB state.
type Status string

const (
	StatusPending                Status = "pending"
	StatusSentHint                Status = "sentHint"
	StatusFailed                  Status = "failed"
	StatusFederationInviteDenied  Status = "federationInviteDenied"
	StatusExpired                  Status = "expired"
)

// Record is the per-side, per-pending-transfer-id persisted state. Sender
// and receiver share one shape: only which queue entry accompanies the
// record differs by side.
type Record struct {
	PendingTransferID string    `json:"pending_transfer_id"`
	RoomID            string    `json:"room_id"`
	AmountCents       int64     `json:"amount_cents"`
	FederationID      string    `json:"federation_id"`
	Nonce             uint64    `json:"nonce"`
	SentBy            string    `json:"sent_by"`
	StartEventID      string    `json:"start_event_id"`
	CreatedAt         time.Time `json:"created_at"`

	Failed                 bool   `json:"failed,omitempty"`
	FederationInviteDenied bool   `json:"federation_invite_denied,omitempty"`
	SentHintTxID           string `json:"sent_hint_txid,omitempty"`
}

// Resolve computes Status from the record's flags in priority order:
// Failed, SentHint, FederationInviteDenied, age-expiry, else Pending.
func (r *Record) Resolve(now time.Time) Status {
	switch {
	case r.Failed:
		return StatusFailed
	case r.SentHintTxID != "":
		return StatusSentHint
	case r.FederationInviteDenied:
		return StatusFederationInviteDenied
	case now.Sub(r.CreatedAt) > TransferExpirySeconds*time.Second:
		return StatusExpired
	default:
		return StatusPending
	}
}

// DisplayStatus maps the internal SentHint resolution to the UI-facing
// "complete" label — the protocol's only terminal-success signal is the
// sent-hint event itself, so "sentHint-with-txid" and "complete" are the
// same state under two names.
func (r *Record) DisplayStatus(now time.Time) string {
	if r.Resolve(now) == StatusSentHint {
		return "complete"
	}
	return string(r.Resolve(now))
}

// SptPendingCompletionKind tags completion-notifier queue entries; a
// successful transfer is the only kind.
type SptPendingCompletionKind string

const (
	SptCompletionSuccess SptPendingCompletionKind = "success"
)

// SptPendingCompletionNotification is step 4's queue entry: observed once
// the SPv2 subscribe loop reports acceptance tagged with our meta.
type SptPendingCompletionNotification struct {
	RoomID            string                   `json:"room_id"`
	PendingTransferID string                   `json:"pending_transfer_id"`
	Kind              SptPendingCompletionKind `json:"kind"`
	TxID              string                   `json:"txid"`
}
