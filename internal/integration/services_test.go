package integration

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/appstate"
	"github.com/fedixyz/fedi-sub003/internal/deviceregistration"
	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/federation/services"
	"github.com/fedixyz/fedi-sub003/internal/seed"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// recordedEvent captures one sink delivery.
type recordedEvent struct {
	Type string
	Body map[string]any
}

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) Event(eventType string, body any) {
	raw, _ := json.Marshal(body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{Type: eventType, Body: decoded})
	r.mu.Unlock()
}

func (r *recordingSink) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recordingSink) lastStatus(eventType string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			if s, ok := r.events[i].Body["status"].(string); ok {
				return s
			}
			return ""
		}
	}
	return ""
}

func TestSweeperResumesInFlightWithdrawalAfterRestart(t *testing.T) {
	ctx := context.Background()
	fedID := "fed-sweep-resume"

	// The previous run crashed after submitting this withdraw but before
	// recording its outcome.
	var crashedOp [32]byte
	crashedOp[0] = 0x42
	tx, err := testStore.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Set(ctx, storage.LastSPv2SweeperWithdrawalKey(fedID), crashedOp[:]); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	client := newFakeUnderlyingClient(fedID)
	client.withdrawCh <- federation.SPWithdrawCompleted

	sink := &recordingSink{}
	fed := &federation.Federation{ID: fedID, Client: client, Store: testStore}
	svc := services.NewSweeperService(fed, sink, testLogger)

	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(svcCtx)
	}()

	waitFor(t, "resumed op subscription", func() bool {
		for _, op := range client.subscribedOpIDs() {
			if bytes.Equal(op[:], crashedOp[:]) {
				return true
			}
		}
		return false
	})
	waitFor(t, "pending withdrawal cleared", func() bool {
		return !keyExists(t, storage.LastSPv2SweeperWithdrawalKey(fedID))
	})
	if n := client.withdrawAllCount(); n != 0 {
		t.Fatalf("resume must not issue a second withdraw, got %d", n)
	}
	waitFor(t, "swept event", func() bool {
		return sink.count(eventsink.EventStabilityPoolUnfilledDepositSwept) == 1
	})

	// A fresh cycle with staged balance now triggers a normal sweep.
	client.withdrawCh <- federation.SPWithdrawCompleted
	client.accountInfoCh <- federation.SPAccountInfo{CurrentCycleIndex: 5, StagedBalanceMsat: 100_000}

	waitFor(t, "new withdraw issued", func() bool {
		return client.withdrawAllCount() == 1
	})
	waitFor(t, "second swept event", func() bool {
		return sink.count(eventsink.EventStabilityPoolUnfilledDepositSwept) == 2
	})

	// The watermark records the cycle index observed at the sweep, not a
	// one-step increment, so a repeat update for cycle 5 cannot re-trigger.
	waitFor(t, "cycle watermark at 5", func() bool {
		ro, err := testStore.BeginTransactionNC(ctx)
		if err != nil {
			return false
		}
		defer ro.Close(ctx)
		raw, ok, err := ro.Get(ctx, storage.LastSPDepositCycleKey(fedID, true))
		if err != nil || !ok || len(raw) < 8 {
			return false
		}
		return binary.BigEndian.Uint64(raw) == 5
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}

// fakeRegistry models the remote device registry's ownership rules: an
// index is owned by exactly one encrypted identifier; non-forced writes by
// anyone else conflict, forced writes transfer ownership.
type fakeRegistry struct {
	mu    sync.Mutex
	sd    *seed.Seed
	owner string // decrypted identifier currently holding the lease
	calls int
}

func (f *fakeRegistry) RegisterDeviceForSeed(ctx context.Context, req deviceregistration.RegisterRequest, signature string) (deviceregistration.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	padded, err := f.sd.DecryptDeviceIdentifier(req.EncryptedIdentifier)
	if err != nil {
		return deviceregistration.OutcomeTransientFailure, err
	}
	id := string(bytes.TrimRight(padded[:], "\x00"))

	if req.ForceOverwrite {
		f.owner = id
		return deviceregistration.OutcomeSuccess, nil
	}
	if id == f.owner {
		return deviceregistration.OutcomeSuccess, nil
	}
	return deviceregistration.OutcomeAnotherDeviceOwnsIndex, nil
}

func onboardedAppState(t *testing.T, identifierV2 string) (*appstate.AppState, *seed.Seed) {
	t.Helper()
	ctx := context.Background()
	s, mnemonic, err := seed.Generate()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	as := appstate.New(testStore)
	if err := as.AdvanceToDeviceIndexSelection(mnemonic, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := as.CompleteOnboarding(ctx, s, 0, identifierV2); err != nil {
		t.Fatalf("complete onboarding: %v", err)
	}
	return as, s
}

func TestDeviceRegistrationConflictStopsTheLoop(t *testing.T) {
	as, s := onboardedAppState(t, "device-b-v2")
	registry := &fakeRegistry{sd: s, owner: "someone-else-entirely"}
	sink := &recordingSink{}
	svc := deviceregistration.New(as, registry, sink, testLogger)

	svcCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(svcCtx)
	}()

	// Another device owns the index and there is no legacy identifier to
	// upgrade from: the loop must emit Conflict and terminate.
	select {
	case <-done:
	case <-svcCtx.Done():
		t.Fatal("registration loop did not terminate on conflict")
	}
	if got := sink.lastStatus(eventsink.EventDeviceRegistration); got != "Conflict" {
		t.Fatalf("last deviceRegistration status = %q, want Conflict", got)
	}
}

func TestDeviceRegistrationSilentV1Upgrade(t *testing.T) {
	ctx := context.Background()
	as, s := onboardedAppState(t, "upgraded-device-v2")
	if err := as.SetLegacyDeviceIdentifierV1(ctx, "legacy-device-v1"); err != nil {
		t.Fatalf("set v1: %v", err)
	}

	// The registry still holds the v1 lease, the state a pre-upgrade install
	// leaves behind.
	registry := &fakeRegistry{sd: s, owner: "legacy-device-v1"}
	sink := &recordingSink{}
	svc := deviceregistration.New(as, registry, sink, testLogger)

	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(svcCtx)
	}()

	waitFor(t, "v1 identifier cleared after silent upgrade", func() bool {
		_, ok := as.DeviceIdentifierV1()
		return !ok
	})
	waitFor(t, "registry lease transferred to v2", func() bool {
		registry.mu.Lock()
		defer registry.mu.Unlock()
		return registry.owner == "upgraded-device-v2"
	})
	if got := sink.lastStatus(eventsink.EventDeviceRegistration); got != "Success" {
		t.Fatalf("last deviceRegistration status = %q, want Success", got)
	}
	// No Conflict event may have surfaced: the upgrade is silent.
	sink.mu.Lock()
	for _, e := range sink.events {
		if e.Type == eventsink.EventDeviceRegistration && e.Body["status"] == "Conflict" {
			sink.mu.Unlock()
			t.Fatal("silent upgrade leaked a Conflict event")
		}
	}
	sink.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registration loop did not stop on cancellation")
	}
}
