package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/matrix"
)

// fakeMatrixClient is an in-memory room timeline: SendEvent appends and
// mints an event id, EventsAfter replays from a cursor, exactly the contract
// the coordinators consume from the real SDK.
type fakeMatrixClient struct {
	mu     sync.Mutex
	rooms  map[string][]matrix.Event
	joined map[string]bool
	// sender stamped onto events sent through this client.
	localUserID string
}

func newFakeMatrixClient(localUserID string) *fakeMatrixClient {
	return &fakeMatrixClient{
		rooms:       make(map[string][]matrix.Event),
		joined:      make(map[string]bool),
		localUserID: localUserID,
	}
}

func (f *fakeMatrixClient) SendEvent(ctx context.Context, roomID, eventType string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := matrix.Event{
		ID:       "$" + uuid.NewString(),
		RoomID:   roomID,
		SenderID: f.localUserID,
		Type:     eventType,
		Body:     raw,
	}
	f.rooms[roomID] = append(f.rooms[roomID], ev)
	return ev.ID, nil
}

// inject appends an event authored by another user, as if it arrived over
// federation.
func (f *fakeMatrixClient) inject(roomID, senderID string, body any) matrix.Event {
	raw, _ := json.Marshal(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := matrix.Event{
		ID:       "$" + uuid.NewString(),
		RoomID:   roomID,
		SenderID: senderID,
		Type:     "injected",
		Body:     raw,
	}
	f.rooms[roomID] = append(f.rooms[roomID], ev)
	return ev
}

func (f *fakeMatrixClient) EventsAfter(ctx context.Context, roomID, afterEventID, eventType string) ([]matrix.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.rooms[roomID]
	if afterEventID == "" {
		return append([]matrix.Event{}, events...), nil
	}
	for i, ev := range events {
		if ev.ID == afterEventID {
			return append([]matrix.Event{}, events[i+1:]...), nil
		}
	}
	return append([]matrix.Event{}, events...), nil
}

func (f *fakeMatrixClient) IsJoined(ctx context.Context, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[roomID], nil
}

func (f *fakeMatrixClient) setJoined(roomID string, joined bool) {
	f.mu.Lock()
	f.joined[roomID] = joined
	f.mu.Unlock()
}

// eventsIn snapshots roomID's timeline for asserting on protocol side
// effects.
func (f *fakeMatrixClient) eventsIn(roomID string) []matrix.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]matrix.Event{}, f.rooms[roomID]...)
}

// transferCall records one SPv2TransferWithNonce invocation.
type transferCall struct {
	Nonce       uint64
	ToAccountID string
	AmountCents uint64
	Meta        []byte
}

// fakeUnderlyingClient implements federation.UnderlyingClient with
// recordable stability-pool behavior.
type fakeUnderlyingClient struct {
	mu sync.Mutex

	id        string
	accountID string

	transfers     []transferCall
	withdrawAlls  int
	subscribedOps [][32]byte

	accountInfoCh chan federation.SPAccountInfo
	withdrawCh    chan federation.SPWithdrawOutcome
}

func newFakeUnderlyingClient(id string) *fakeUnderlyingClient {
	return &fakeUnderlyingClient{
		id:            id,
		accountID:     "acct-" + id,
		accountInfoCh: make(chan federation.SPAccountInfo),
		withdrawCh:    make(chan federation.SPWithdrawOutcome, 8),
	}
}

func (f *fakeUnderlyingClient) FederationID() string { return f.id }
func (f *fakeUnderlyingClient) Meta(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeUnderlyingClient) SPv2AccountID(ctx context.Context) (string, error) {
	return f.accountID, nil
}
func (f *fakeUnderlyingClient) Gateways(ctx context.Context) ([]federation.Gateway, error) {
	return nil, nil
}
func (f *fakeUnderlyingClient) SubscribeSPAccountInfo(ctx context.Context, accountID string) (<-chan federation.SPAccountInfo, error) {
	return f.accountInfoCh, nil
}
func (f *fakeUnderlyingClient) SPWithdrawAll(ctx context.Context, accountID string) ([32]byte, error) {
	f.mu.Lock()
	f.withdrawAlls++
	n := f.withdrawAlls
	f.mu.Unlock()
	var op [32]byte
	op[0] = byte(n)
	return op, nil
}
func (f *fakeUnderlyingClient) SubscribeSPWithdraw(ctx context.Context, opID [32]byte) (<-chan federation.SPWithdrawOutcome, error) {
	f.mu.Lock()
	f.subscribedOps = append(f.subscribedOps, opID)
	f.mu.Unlock()
	return f.withdrawCh, nil
}
func (f *fakeUnderlyingClient) SPv2TransferWithNonce(ctx context.Context, nonce uint64, to string, amount uint64, meta []byte) ([32]byte, error) {
	f.mu.Lock()
	f.transfers = append(f.transfers, transferCall{Nonce: nonce, ToAccountID: to, AmountCents: amount, Meta: meta})
	f.mu.Unlock()
	return [32]byte{0xaa}, nil
}
func (f *fakeUnderlyingClient) RecurringCode(ctx context.Context) (string, bool, error) {
	return "", false, nil
}
func (f *fakeUnderlyingClient) RecurringInvoices(ctx context.Context, code string) ([][32]byte, error) {
	return nil, nil
}
func (f *fakeUnderlyingClient) SubscribeRecurringInvoice(ctx context.Context, opID [32]byte) (<-chan federation.RecurringInvoiceOutcome, error) {
	ch := make(chan federation.RecurringInvoiceOutcome)
	return ch, nil
}
func (f *fakeUnderlyingClient) CheckBlindNonceReuse(ctx context.Context) (bool, error) {
	return false, nil
}
func (f *fakeUnderlyingClient) SubmitBackup(ctx context.Context, signed []byte) error { return nil }
func (f *fakeUnderlyingClient) Forget(ctx context.Context) error                      { return nil }

func (f *fakeUnderlyingClient) transferCalls() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferCall{}, f.transfers...)
}

func (f *fakeUnderlyingClient) withdrawAllCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withdrawAlls
}

func (f *fakeUnderlyingClient) subscribedOpIDs() [][32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][32]byte{}, f.subscribedOps...)
}

// fakeFeds satisfies both multispend.FederationLookup and
// sptransfer.FederationLookup (identical method sets).
type fakeFeds struct {
	feds map[string]*federation.Federation
}

func (f *fakeFeds) GetFederation(id string) (*federation.Federation, error) {
	fed, ok := f.feds[id]
	if !ok {
		return nil, fmt.Errorf("unknown federation %s", id)
	}
	return fed, nil
}
