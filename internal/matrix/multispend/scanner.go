package multispend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/matrix"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// Coordinator scans multispend rooms, maintains their durable state, and
// exposes the two queues the background services drain.
type Coordinator struct {
	store       *storage.Store
	client      matrix.Client
	localUserID string
	sink        eventsink.Sink
	logger      *slog.Logger

	mu        sync.Mutex
	needsScan map[string]struct{}
}

// New constructs a Coordinator. localUserID is this device's own Matrix user
// id, needed by the sender-side methods in sender.go to apply a just-sent
// event's local state transition the same way a later Scan of the same room
// would, mirroring sptransfer.Coordinator's localUserID.
func New(store *storage.Store, client matrix.Client, localUserID string, sink eventsink.Sink, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, client: client, localUserID: localUserID, sink: sink, logger: logger, needsScan: map[string]struct{}{}}
}

// MarkNeedsScan flags room for the next Scan call, e.g. when the UI reports
// a new timeline event or a chronological-counter gap.
func (c *Coordinator) MarkNeedsScan(roomID string) {
	c.mu.Lock()
	c.needsScan[roomID] = struct{}{}
	c.mu.Unlock()
}

// ForceRescan clears the room's cursor and flags it for a full rescan. The
// cursor only ever advances, so when pagination delivers an older event
// after a newer one the only way to reconcile is to replay the room from
// the start; the UI triggers this when it detects a gap in the
// chronological counter it consumes.
func (c *Coordinator) ForceRescan(ctx context.Context, roomID string) error {
	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, storage.MultispendScannerCursorKey(roomID)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	c.MarkNeedsScan(roomID)
	return nil
}

// PendingRooms drains and returns the set of rooms flagged for scanning.
func (c *Coordinator) PendingRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.needsScan))
	for room := range c.needsScan {
		rooms = append(rooms, room)
	}
	c.needsScan = map[string]struct{}{}
	return rooms
}

// Scan reads every event in roomID after its persisted cursor, applies each
// in order, and commits the updated state plus the advanced cursor in a
// single transaction.
func (c *Coordinator) Scan(ctx context.Context, roomID string) error {
	cursor := c.cursor(ctx, roomID)

	events, err := c.client.EventsAfter(ctx, roomID, cursor, EventType)
	if err != nil {
		return fmt.Errorf("reading multispend timeline for room %s: %w", roomID, err)
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	group, err := loadGroup(ctx, tx, roomID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	lastEventID := cursor
	for _, ev := range events {
		if err := c.applyEvent(ctx, tx, roomID, group, ev); err != nil {
			c.logger.Warn("recording invalid multispend event",
				slog.String("room_id", roomID), slog.String("event_id", ev.ID), slog.String("error", err.Error()))
			if err := tx.Set(ctx, storage.MultispendInvalidEventKey(roomID, ev.ID), []byte(err.Error())); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		lastEventID = ev.ID
	}

	if err := saveGroup(ctx, tx, roomID, group); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Set(ctx, storage.MultispendScannerCursorKey(roomID), []byte(lastEventID)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (c *Coordinator) cursor(ctx context.Context, roomID string) string {
	tx, err := c.store.BeginTransactionNC(ctx)
	if err != nil {
		return ""
	}
	defer tx.Close(ctx)
	raw, ok, err := tx.Get(ctx, storage.MultispendScannerCursorKey(roomID))
	if err != nil || !ok {
		return ""
	}
	return string(raw)
}

// applyEvent updates group status, a withdrawal record, or the chronological
// log. A withdrawal completion updates its record and also appends a
// chronological entry; an approval reaching the threshold also enqueues the
// withdrawal for submission.
func (c *Coordinator) applyEvent(ctx context.Context, tx *storage.Txn, roomID string, group *GroupState, ev matrix.Event) error {
	var env Envelope
	if err := json.Unmarshal(ev.Body, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Kind {
	case KindGroupInvitation:
		var inv GroupInvitation
		if err := json.Unmarshal(env.Payload, &inv); err != nil {
			return err
		}
		group.Status = GroupActiveInvitation
		group.InviteEventID = ev.ID
		group.Invitation = &inv
		group.Proposer = ev.SenderID
		group.AcceptedPubkeys = map[string]string{}
		group.Rejected = nil
		return nil

	case KindGroupInvitationVote:
		var vote GroupInvitationVote
		if err := json.Unmarshal(env.Payload, &vote); err != nil {
			return err
		}
		if !group.active() || vote.InvitationEventID != group.InviteEventID {
			return fmt.Errorf("vote for non-active or stale invitation %s", vote.InvitationEventID)
		}
		if vote.Decision.Reject {
			group.Status = GroupInactive
			return nil
		}
		if vote.Decision.Accept == nil {
			return fmt.Errorf("vote carries neither accept nor reject")
		}
		group.AcceptedPubkeys[ev.SenderID] = vote.Decision.Accept.MemberPubkey
		if allAccepted(group) {
			accountID, err := DeriveMultisigAccountID(pubkeysOf(group))
			if err != nil {
				return err
			}
			group.Status = GroupFinalized
			group.FinalizedAccountID = accountID
		}
		return nil

	case KindGroupInvitationCancel:
		var cancel GroupInvitationCancel
		if err := json.Unmarshal(env.Payload, &cancel); err != nil {
			return err
		}
		if group.active() && group.InviteEventID == cancel.InvitationEventID && ev.SenderID == group.Proposer {
			group.Status = GroupInactive
		}
		return nil

	case KindGroupReannounce:
		// Informational re-broadcast; the local state is already
		// authoritative once scanned, so this is a no-op for state purposes.
		return nil

	case KindDepositNotification:
		var dep DepositNotification
		if err := json.Unmarshal(env.Payload, &dep); err != nil {
			return err
		}
		return appendChronological(ctx, tx, roomID, map[string]any{
			"kind":         "deposit",
			"txid":         dep.TxID,
			"fiat_amount":  dep.FiatAmountCents,
			"description":  dep.Description,
			"event_id":     ev.ID,
		})

	case KindWithdrawalRequest:
		var req WithdrawalRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		threshold := 1
		if group.Invitation != nil {
			threshold = group.Invitation.Threshold
		}
		record := &WithdrawalRecord{
			RequestID:   ev.ID,
			Request:     req.Request,
			Description: req.Description,
			Threshold:   threshold,
			Approvals:   map[string]ApprovalState{},
			State:       SubmissionAwaitingApprovals,
		}
		return saveWithdrawal(ctx, tx, roomID, record)

	case KindWithdrawalResponse:
		var resp WithdrawalResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return err
		}
		return c.applyWithdrawalResponse(ctx, tx, roomID, ev.SenderID, resp)

	default:
		return fmt.Errorf("unknown multispend event kind %q", env.Kind)
	}
}

func (c *Coordinator) applyWithdrawalResponse(ctx context.Context, tx *storage.Txn, roomID, senderID string, resp WithdrawalResponse) error {
	record, err := loadWithdrawal(ctx, tx, roomID, resp.RequestID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("response for unknown withdrawal request %s", resp.RequestID)
	}

	switch resp.Kind {
	case ResponseApprove:
		record.Approvals[senderID] = ApprovalApproved
		if record.Signatures == nil {
			record.Signatures = map[string]string{}
		}
		record.Signatures[senderID] = resp.Signature
		if record.State == SubmissionAwaitingApprovals && record.approvalCount() >= record.Threshold {
			record.State = SubmissionApprovedPending
			if err := tx.Set(ctx, storage.MultispendPendingApprovedWithdrawalKey(roomID, record.RequestID),
				mustMarshal(PendingApprovedWithdrawal{RoomID: roomID, RequestID: record.RequestID, Request: record.Request})); err != nil {
				return err
			}
		}
	case ResponseReject:
		record.Approvals[senderID] = ApprovalRejected
		if record.State == SubmissionAwaitingApprovals {
			record.State = SubmissionRejected
		}
	case ResponseComplete:
		record.State = SubmissionComplete
		record.TxID = resp.TxID
		if err := appendChronological(ctx, tx, roomID, map[string]any{
			"kind":         "withdrawal",
			"request_id":   record.RequestID,
			"txid":         resp.TxID,
			"amount_cents": record.Request.AmountCents,
		}); err != nil {
			return err
		}
	case ResponseTxRejected:
		record.State = SubmissionTxRejected
	default:
		return fmt.Errorf("unknown withdrawal response kind %q", resp.Kind)
	}

	return saveWithdrawal(ctx, tx, roomID, record)
}

func allAccepted(g *GroupState) bool {
	if g.Invitation == nil {
		return false
	}
	if len(g.AcceptedPubkeys) < len(g.Invitation.Signers) {
		return false
	}
	for _, signer := range g.Invitation.Signers {
		if _, ok := g.AcceptedPubkeys[signer]; !ok {
			return false
		}
	}
	return true
}

func pubkeysOf(g *GroupState) []string {
	pubkeys := make([]string, 0, len(g.AcceptedPubkeys))
	for _, pk := range g.AcceptedPubkeys {
		pubkeys = append(pubkeys, pk)
	}
	return pubkeys
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
