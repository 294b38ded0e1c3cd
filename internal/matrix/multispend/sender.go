package multispend

import (
	"context"
	"fmt"

	"github.com/fedixyz/fedi-sub003/internal/matrix"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// applyLocal sends an already-built envelope having originated locally,
// then applies it to this room's state the same way a later Scan of eventID
// would, and advances the cursor past it so that Scan never replays it.
func (c *Coordinator) applyLocal(ctx context.Context, roomID string, env Envelope) (eventID string, err error) {
	eventID, err = c.client.SendEvent(ctx, roomID, EventType, env)
	if err != nil {
		return "", err
	}

	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return "", err
	}
	group, err := loadGroup(ctx, tx, roomID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return "", err
	}
	ev := matrix.Event{ID: eventID, RoomID: roomID, SenderID: c.localUserID, Type: EventType, Body: mustMarshal(env)}
	if err := c.applyEvent(ctx, tx, roomID, group, ev); err != nil {
		_ = tx.Rollback(ctx)
		return "", fmt.Errorf("applying our own %s event locally: %w", env.Kind, err)
	}
	if err := saveGroup(ctx, tx, roomID, group); err != nil {
		_ = tx.Rollback(ctx)
		return "", err
	}
	if err := tx.Set(ctx, storage.MultispendScannerCursorKey(roomID), []byte(eventID)); err != nil {
		_ = tx.Rollback(ctx)
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return eventID, nil
}

// CreateInvite is the RPC entry point backing multispendCreateInvite: the
// proposer opens a new group invitation in roomID. A room with an already
// active invitation rejects a second one, mirroring applyEvent's
// GroupInvitation handling having no such guard only because the Matrix room
// itself is the single append point; RPC callers get the check explicitly so
// a stale UI can't open a second vote mid-flight.
func (c *Coordinator) CreateInvite(ctx context.Context, roomID string, inv GroupInvitation) (inviteEventID string, err error) {
	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return "", err
	}
	group, err := loadGroup(ctx, tx, roomID)
	_ = tx.Rollback(ctx)
	if err != nil {
		return "", err
	}
	if group.active() {
		return "", fmt.Errorf("room %s already has an active invitation", roomID)
	}

	return c.applyLocal(ctx, roomID, Envelope{Kind: KindGroupInvitation, Payload: mustMarshal(inv)})
}

// VoteInvitation is the RPC entry point backing multispendVoteInvitation:
// this device casts its Accept or Reject vote on the room's active
// invitation.
func (c *Coordinator) VoteInvitation(ctx context.Context, roomID, invitationEventID string, decision VoteDecision) (string, error) {
	return c.applyLocal(ctx, roomID, Envelope{
		Kind: KindGroupInvitationVote,
		Payload: mustMarshal(GroupInvitationVote{
			InvitationEventID: invitationEventID,
			Decision:          decision,
		}),
	})
}

// CancelInvite is the proposer-only withdrawal of their own still-open
// invitation.
func (c *Coordinator) CancelInvite(ctx context.Context, roomID, invitationEventID string) (string, error) {
	return c.applyLocal(ctx, roomID, Envelope{
		Kind:    KindGroupInvitationCancel,
		Payload: mustMarshal(GroupInvitationCancel{InvitationEventID: invitationEventID}),
	})
}

// CreateWithdrawalRequest opens a withdrawal proposal needing Threshold
// approvals from the finalized group's signers.
func (c *Coordinator) CreateWithdrawalRequest(ctx context.Context, roomID string, req WithdrawalRequestBody, description string) (requestID string, err error) {
	return c.applyLocal(ctx, roomID, Envelope{
		Kind: KindWithdrawalRequest,
		Payload: mustMarshal(WithdrawalRequest{
			Request:     req,
			Description: description,
		}),
	})
}

// RespondToWithdrawal is the RPC entry point backing multispendApproveWithdraw:
// this device casts an Approve or Reject vote on an open withdrawal request.
// signature is this device's signature over the request, opaque to the
// coordinator and forwarded to the room as-is; the underlying wallet module
// that produces it is out of scope here.
func (c *Coordinator) RespondToWithdrawal(ctx context.Context, roomID, requestID string, approve bool, signature string) (string, error) {
	kind := ResponseReject
	if approve {
		kind = ResponseApprove
	}
	return c.applyLocal(ctx, roomID, Envelope{
		Kind: KindWithdrawalResponse,
		Payload: mustMarshal(WithdrawalResponse{
			RequestID: requestID,
			Kind:      kind,
			Signature: signature,
		}),
	})
}
