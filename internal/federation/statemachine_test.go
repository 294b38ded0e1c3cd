package federation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/taskgroup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient satisfies UnderlyingClient with inert behavior; individual
// tests override the few fields they exercise.
type fakeClient struct {
	id          string
	nonceReused bool
	forgotten   atomic.Bool
}

func (f *fakeClient) FederationID() string { return f.id }
func (f *fakeClient) Meta(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeClient) SPv2AccountID(ctx context.Context) (string, error) { return "acct-" + f.id, nil }
func (f *fakeClient) Gateways(ctx context.Context) ([]Gateway, error)   { return nil, nil }
func (f *fakeClient) SubscribeSPAccountInfo(ctx context.Context, accountID string) (<-chan SPAccountInfo, error) {
	ch := make(chan SPAccountInfo)
	return ch, nil
}
func (f *fakeClient) SPWithdrawAll(ctx context.Context, accountID string) ([32]byte, error) {
	return [32]byte{}, nil
}
func (f *fakeClient) SubscribeSPWithdraw(ctx context.Context, opID [32]byte) (<-chan SPWithdrawOutcome, error) {
	ch := make(chan SPWithdrawOutcome)
	return ch, nil
}
func (f *fakeClient) SPv2TransferWithNonce(ctx context.Context, nonce uint64, to string, amount uint64, meta []byte) ([32]byte, error) {
	return [32]byte{}, nil
}
func (f *fakeClient) RecurringCode(ctx context.Context) (string, bool, error) { return "", false, nil }
func (f *fakeClient) RecurringInvoices(ctx context.Context, code string) ([][32]byte, error) {
	return nil, nil
}
func (f *fakeClient) SubscribeRecurringInvoice(ctx context.Context, opID [32]byte) (<-chan RecurringInvoiceOutcome, error) {
	ch := make(chan RecurringInvoiceOutcome)
	return ch, nil
}
func (f *fakeClient) CheckBlindNonceReuse(ctx context.Context) (bool, error) {
	return f.nonceReused, nil
}
func (f *fakeClient) SubmitBackup(ctx context.Context, signed []byte) error { return nil }
func (f *fakeClient) Forget(ctx context.Context) error {
	f.forgotten.Store(true)
	return nil
}

// fakeFactory counts constructions, the measurement behind testable
// property 3.
type fakeFactory struct {
	mu          sync.Mutex
	joins       int
	loads       int
	nonceReused bool
	joinErr     error
	joinDelay   time.Duration
}

func (f *fakeFactory) Join(ctx context.Context, invite InviteCode) (UnderlyingClient, error) {
	f.mu.Lock()
	f.joins++
	f.mu.Unlock()
	if f.joinDelay > 0 {
		time.Sleep(f.joinDelay)
	}
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	return &fakeClient{id: invite.FederationID}, nil
}

func (f *fakeFactory) Load(ctx context.Context, federationID string) (UnderlyingClient, error) {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	return &fakeClient{id: federationID, nonceReused: f.nonceReused}, nil
}

func (f *fakeFactory) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

func newTestRegistry(t *testing.T, factory ClientFactory) (*Registry, *taskgroup.Group) {
	t.Helper()
	root := taskgroup.New(context.Background())
	t.Cleanup(func() { root.Shutdown(time.Second) })
	r := NewRegistry(RegistryConfig{
		Factory: factory,
		Root:    root,
		Sink:    eventsink.FuncSink(func(string, []byte) {}),
		Logger:  testLogger(),
	})
	return r, root
}

func TestConcurrentJoinConstructsOneClient(t *testing.T) {
	factory := &fakeFactory{joinDelay: 20 * time.Millisecond}
	r, _ := newTestRegistry(t, factory)

	invite := InviteCode{FederationID: "fed1abc"}
	var wg sync.WaitGroup
	results := make([]*Federation, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.JoinFederation(context.Background(), invite, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("join %d: %v", i, errs[i])
		}
	}
	if results[0] != results[1] {
		t.Fatal("concurrent joins must observe the same Federation entity")
	}
	if n := factory.joinCount(); n != 1 {
		t.Fatalf("underlying client constructed %d times, want 1", n)
	}
}

func TestJoinFailureMarksStateFailed(t *testing.T) {
	factory := &fakeFactory{joinErr: errors.New("network down")}
	r, _ := newTestRegistry(t, factory)

	if _, err := r.JoinFederation(context.Background(), InviteCode{FederationID: "fed2"}, nil); err == nil {
		t.Fatal("expected the join to fail")
	}

	state, _, failureErr, ok := r.GetFederationState("fed2")
	if !ok {
		t.Fatal("failed federation must keep a state entry")
	}
	if state != StateFailed {
		t.Fatalf("state = %s, want Failed", state)
	}
	if failureErr == "" {
		t.Fatal("failure error string must be recorded")
	}
	if _, err := r.GetFederation("fed2"); err == nil {
		t.Fatal("GetFederation must reject a Failed federation")
	}
}

func TestLoadDetectsBlindNonceReuse(t *testing.T) {
	factory := &fakeFactory{nonceReused: true}
	r, _ := newTestRegistry(t, factory)

	_, needsRejoin, _ := r.LoadFederation(context.Background(), "fed3", false)
	if !needsRejoin {
		t.Fatal("blind-nonce reuse must flag the federation for a scratch rejoin")
	}
	state, _, _, ok := r.GetFederationState("fed3")
	if !ok || state != StateFailed {
		t.Fatalf("state after auto-leave = %v, want Failed", state)
	}
}

func TestRecoveringTransitionsToReady(t *testing.T) {
	factory := &fakeFactory{}
	r, _ := newTestRegistry(t, factory)

	if _, _, err := r.LoadFederation(context.Background(), "fed4", true); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := r.GetFederation("fed4"); err == nil {
		t.Fatal("GetFederation must reject a Recovering federation")
	}
	if _, err := r.GetFederationMaybeRecovering("fed4"); err != nil {
		t.Fatalf("GetFederationMaybeRecovering: %v", err)
	}

	r.CompleteRecovery("fed4")
	if _, err := r.GetFederation("fed4"); err != nil {
		t.Fatalf("GetFederation after recovery: %v", err)
	}
}

func TestLeaveUnknownFederationIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeFactory{})
	if err := r.LeaveFederation(context.Background(), "never-joined"); err != nil {
		t.Fatalf("leaving an unknown federation must be a no-op, got %v", err)
	}
}

func TestJoinAfterLoadReturnsExistingFederation(t *testing.T) {
	factory := &fakeFactory{}
	r, _ := newTestRegistry(t, factory)

	loaded, _, err := r.LoadFederation(context.Background(), "fed5", false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	joined, err := r.JoinFederation(context.Background(), InviteCode{FederationID: "fed5"}, nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined != loaded {
		t.Fatal("join of an already-loaded federation must return the existing entity")
	}
	if factory.joinCount() != 0 {
		t.Fatal("no second client may be constructed for an already-Ready federation")
	}
}
