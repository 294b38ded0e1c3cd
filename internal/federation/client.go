// Package federation implements the Federation entity, its state machine,
// and the process-wide registry. This file declares the narrow interfaces
// the bridge consumes from collaborators it does not implement: the
// underlying Fedimint client (mint/ln/wallet/stability-pool modules) and
// the federation's own invite-code/config parsing. Only the methods the
// bridge actually calls are modeled; everything else about those modules is
// a black box.
package federation

import (
	"context"
	"time"
)

// InviteCode is a parsed federation invite code; decoding/validation of its
// wire format belongs to the out-of-scope e-cash/federation-client layer.
type InviteCode struct {
	FederationID string
	Url          string
	ApiSecret    string
}

// Gateway is one lightning-gateway entry from the underlying client's cache.
type Gateway struct {
	ID      string
	TTL     time.Duration
	Vetted  bool
}

// SPAccountInfo is the stability-pool account snapshot the sweeper reacts to.
type SPAccountInfo struct {
	CurrentCycleIndex uint64
	StagedBalanceMsat uint64
	LockedBalanceMsat uint64
}

// SPWithdrawOutcome classifies a stability-pool withdraw operation's
// terminal state.
type SPWithdrawOutcome int

const (
	SPWithdrawPending SPWithdrawOutcome = iota
	SPWithdrawCompleted
	SPWithdrawUnlockTxRejected
	SPWithdrawUnlockProcessingError
	SPWithdrawWithdrawalTxRejected
	SPWithdrawPrimaryOutputError
)

// RecurringInvoiceOutcome classifies a recurring-receive operation.
type RecurringInvoiceOutcome int

const (
	RecurringPending RecurringInvoiceOutcome = iota
	RecurringClaimed
	RecurringCanceled
)

// UnderlyingClient is the per-federation Fedimint client: mint, lightning,
// wallet, and stability-pool modules, plus lifecycle operations. The
// implementation is supplied by the host; this is the consumption contract
// only.
type UnderlyingClient interface {
	FederationID() string

	// Meta returns a federation meta value by key (e.g. "vetted_gateways").
	Meta(ctx context.Context, key string) (string, bool, error)

	// SPv2AccountID returns this device's stability-pool v2 account id,
	// derived and cached by the underlying client.
	SPv2AccountID(ctx context.Context) (string, error)

	// Gateways returns the current lightning-gateway cache snapshot.
	Gateways(ctx context.Context) ([]Gateway, error)

	// SubscribeSPAccountInfo streams account-info updates (SPv2); closing ctx
	// ends the subscription.
	SubscribeSPAccountInfo(ctx context.Context, accountID string) (<-chan SPAccountInfo, error)

	// SPWithdrawAll withdraws the account's unlocked staged balance, returning
	// an operation id to subscribe to for the terminal outcome.
	SPWithdrawAll(ctx context.Context, accountID string) (opID [32]byte, err error)

	// SubscribeSPWithdraw streams outcome updates for a previously-issued
	// withdraw operation id (used both for a fresh withdraw and to resume
	// tracking an op recorded before a crash).
	SubscribeSPWithdraw(ctx context.Context, opID [32]byte) (<-chan SPWithdrawOutcome, error)

	// SPv2TransferWithNonce submits a pairwise SPv2 transfer, replay-guarded
	// by nonce, tagged with opaque meta for later correlation.
	SPv2TransferWithNonce(ctx context.Context, nonce uint64, toAccountID string, amountCents uint64, meta []byte) (opID [32]byte, err error)

	// RecurringCode returns the lightning-via-URL recurring code generated
	// against the federation's recurringd API, if one exists.
	RecurringCode(ctx context.Context) (string, bool, error)

	// RecurringInvoices enumerates the operation ids behind a recurring code.
	RecurringInvoices(ctx context.Context, code string) ([][32]byte, error)

	// SubscribeRecurringInvoice streams the outcome of one recurring invoice.
	SubscribeRecurringInvoice(ctx context.Context, opID [32]byte) (<-chan RecurringInvoiceOutcome, error)

	// CheckBlindNonceReuse verifies no locally stored blind nonce has been
	// marked reused by the federation's servers.
	CheckBlindNonceReuse(ctx context.Context) (reused bool, err error)

	// SubmitBackup uploads a signed metadata backup.
	SubmitBackup(ctx context.Context, signed []byte) error

	// Forget instructs the client to drop the federation, best-effort.
	Forget(ctx context.Context) error
}

// ClientFactory constructs an UnderlyingClient for a join or a load.
type ClientFactory interface {
	Join(ctx context.Context, invite InviteCode) (UnderlyingClient, error)
	Load(ctx context.Context, federationID string) (UnderlyingClient, error)
}

// FeeSchedule is the per-module/per-direction fee bookkeeping a federation
// accrues: outstanding, pending, and total accrued amounts.
type FeeSchedule struct {
	OutstandingAggregate uint64            `json:"outstanding_aggregate"`
	OutstandingByModule  map[string]uint64 `json:"outstanding_by_module"`
	PendingAggregate     uint64            `json:"pending_aggregate"`
	PendingByModule      map[string]uint64 `json:"pending_by_module"`
	AccruedByModule      map[string]uint64 `json:"accrued_by_module"`
}

// RemoteFeeFetcher fetches the fee schedule for a set of networks from the
// remote fee-remittance server; the implementation is supplied by the host.
type RemoteFeeFetcher interface {
	FetchFeeSchedules(ctx context.Context, networks []string) (map[string]FeeSchedule, error)
}
