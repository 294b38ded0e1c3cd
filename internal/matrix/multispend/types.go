// Package multispend implements threshold-approved group spending over a
// Matrix room: the room is scanned as an append-only log of custom events,
// producing a durable per-room group/withdrawal state, plus two background
// services that submit approved withdrawals and notify the room of their
// outcome.
package multispend

import "encoding/json"

// EventType is the Matrix custom message type carrying every multispend
// event kind.
const EventType = "xyz.fedi.multispend"

// Kind discriminates the event payloads below, carried as a "kind" field in
// the JSON wire form.
type Kind string

const (
	KindGroupInvitation       Kind = "groupInvitation"
	KindGroupInvitationVote   Kind = "groupInvitationVote"
	KindGroupInvitationCancel Kind = "groupInvitationCancel"
	KindGroupReannounce       Kind = "groupReannounce"
	KindDepositNotification   Kind = "depositNotification"
	KindWithdrawalRequest     Kind = "withdrawalRequest"
	KindWithdrawalResponse    Kind = "withdrawalResponse"
)

// Envelope is the wire shape of every multispend event: a kind tag plus the
// kind-specific JSON payload, deferred-unmarshaled by the scanner.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// GroupInvitation opens an invite; all named signers must Accept for it to
// finalize.
type GroupInvitation struct {
	Signers              []string `json:"signers"`
	Threshold            int      `json:"threshold"`
	FederationInviteCode string   `json:"federation_invite_code"`
	FederationName       string   `json:"federation_name"`
	ProposerPubkey       string   `json:"proposer_pubkey"`
}

// VoteDecision is the Accept/Reject sum type a signer casts once.
type VoteDecision struct {
	Accept *VoteAccept `json:"accept,omitempty"`
	Reject bool        `json:"reject,omitempty"`
}

// VoteAccept carries the accepting signer's pubkey, the input to the
// deterministic multisig derivation.
type VoteAccept struct {
	MemberPubkey string `json:"member_pubkey"`
}

// GroupInvitationVote is one signer's response to the active invitation.
type GroupInvitationVote struct {
	InvitationEventID string       `json:"invitation_event_id"`
	Decision          VoteDecision `json:"decision"`
}

// GroupInvitationCancel withdraws an active invitation, proposer-only.
type GroupInvitationCancel struct {
	InvitationEventID string `json:"invitation_event_id"`
}

// GroupReannounce re-broadcasts the current invitation state for members
// who join the room after it was opened.
type GroupReannounce struct {
	InvitationID string           `json:"invitation_id"`
	Invitation   GroupInvitation  `json:"invitation"`
	Proposer     string           `json:"proposer"`
	Pubkeys      map[string]string `json:"pubkeys"`
	Rejections   []string         `json:"rejections"`
}

// DepositNotification is an informational chronological entry.
type DepositNotification struct {
	FiatAmountCents int64  `json:"fiat_amount_cents"`
	TxID            string `json:"txid"`
	Description     string `json:"description"`
}

// WithdrawalRequestBody is the signed transfer request a withdrawal
// proposes.
type WithdrawalRequestBody struct {
	ToAccountID     string `json:"to_account_id"`
	AmountCents     int64  `json:"amount_cents"`
	FederationID    string `json:"federation_id"`
}

// WithdrawalRequest opens a withdrawal proposal needing Threshold approvals.
type WithdrawalRequest struct {
	Request     WithdrawalRequestBody `json:"request"`
	Description string                `json:"description"`
}

// ResponseKind discriminates WithdrawalResponse's sum-type payload.
type ResponseKind string

const (
	ResponseApprove    ResponseKind = "approve"
	ResponseReject     ResponseKind = "reject"
	ResponseComplete   ResponseKind = "complete"
	ResponseTxRejected ResponseKind = "txRejected"
)

// WithdrawalResponse is one signer's vote, or (from the completion service)
// the terminal outcome closing the request.
type WithdrawalResponse struct {
	RequestID string       `json:"request_id"`
	Kind      ResponseKind `json:"kind"`
	Signature string       `json:"signature,omitempty"`
	TxID      string       `json:"txid,omitempty"`
	AmountCents int64      `json:"amount_cents,omitempty"`
}

// GroupStatus is the per-room finalization state.
type GroupStatus string

const (
	GroupInactive         GroupStatus = "inactive"
	GroupActiveInvitation GroupStatus = "activeInvitation"
	GroupFinalized        GroupStatus = "finalized"
)

// GroupState is the persisted per-room record.
type GroupState struct {
	Status            GroupStatus       `json:"status"`
	InviteEventID     string            `json:"invite_event_id,omitempty"`
	Invitation        *GroupInvitation  `json:"invitation,omitempty"`
	Proposer          string            `json:"proposer,omitempty"`
	AcceptedPubkeys   map[string]string `json:"accepted_pubkeys,omitempty"`
	Rejected          []string          `json:"rejected,omitempty"`
	FinalizedAccountID string          `json:"finalized_account_id,omitempty"`
}

// active reports whether status is ActiveInvitation.
func (g *GroupState) active() bool { return g.Status == GroupActiveInvitation }

// ApprovalState tracks one signer's vote on a withdrawal request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// SubmissionState is the withdrawal record's lifecycle after reaching
// threshold approvals.
type SubmissionState string

const (
	SubmissionAwaitingApprovals SubmissionState = "awaitingApprovals"
	SubmissionApprovedPending   SubmissionState = "approvedPending"
	SubmissionSubmitted         SubmissionState = "submitted"
	SubmissionComplete          SubmissionState = "complete"
	SubmissionTxRejected        SubmissionState = "txRejected"
	SubmissionRejected          SubmissionState = "rejected"
)

// WithdrawalRecord is the persisted per-request state: who has voted which
// way, and how far submission has progressed.
type WithdrawalRecord struct {
	RequestID   string                   `json:"request_id"`
	Request     WithdrawalRequestBody    `json:"request"`
	Description string                   `json:"description"`
	Threshold   int                      `json:"threshold"`
	Approvals   map[string]ApprovalState `json:"approvals"`
	Signatures  map[string]string        `json:"signatures,omitempty"`
	State       SubmissionState          `json:"state"`
	TxID        string                   `json:"txid,omitempty"`
}

func (w *WithdrawalRecord) approvalCount() int {
	n := 0
	for _, a := range w.Approvals {
		if a == ApprovalApproved {
			n++
		}
	}
	return n
}

// PendingApprovedWithdrawal is the queue entry the WithdrawalService drains.
type PendingApprovedWithdrawal struct {
	RoomID    string                `json:"room_id"`
	RequestID string                `json:"request_id"`
	Request   WithdrawalRequestBody `json:"request"`
}

// PendingCompletionKind discriminates the CompletionNotificationService's
// queue entries between a withdrawal outcome and a plain deposit.
type PendingCompletionKind string

const (
	CompletionWithdrawalSuccess PendingCompletionKind = "withdrawalSuccess"
	CompletionWithdrawalFailed  PendingCompletionKind = "withdrawalFailed"
	CompletionDeposit           PendingCompletionKind = "deposit"
)

// PendingCompletionNotification is one queued room notification.
type PendingCompletionNotification struct {
	RoomID          string                `json:"room_id"`
	RequestID       string                `json:"request_id,omitempty"`
	Kind            PendingCompletionKind `json:"kind"`
	TxID            string                `json:"txid,omitempty"`
	AmountCents     int64                 `json:"amount_cents,omitempty"`
	FiatDescription string                `json:"description,omitempty"`
}

// ID is the stable queue key for this notification: a withdrawal outcome is
// keyed by its request id, a plain deposit by its txid, both scoped by room
// so two rooms never collide.
func (p PendingCompletionNotification) ID() string {
	if p.RequestID != "" {
		return p.RoomID + "/" + p.RequestID
	}
	return p.RoomID + "/" + p.TxID
}
