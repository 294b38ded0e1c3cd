package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/matrix"
	"github.com/fedixyz/fedi-sub003/internal/matrix/multispend"
	"github.com/fedixyz/fedi-sub003/internal/matrix/sptransfer"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readGroupState(t *testing.T, roomID string) multispend.GroupState {
	t.Helper()
	ctx := context.Background()
	tx, err := testStore.BeginTransactionNC(ctx)
	if err != nil {
		t.Fatalf("begin nc: %v", err)
	}
	defer tx.Close(ctx)
	raw, ok, err := tx.Get(ctx, storage.MultispendGroupKey(roomID))
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if !ok {
		return multispend.GroupState{Status: multispend.GroupInactive}
	}
	var g multispend.GroupState
	if err := json.Unmarshal(raw, &g); err != nil {
		t.Fatalf("decode group: %v", err)
	}
	return g
}

func keyExists(t *testing.T, key []byte) bool {
	t.Helper()
	ctx := context.Background()
	tx, err := testStore.BeginTransactionNC(ctx)
	if err != nil {
		t.Fatalf("begin nc: %v", err)
	}
	defer tx.Close(ctx)
	_, ok, err := tx.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return ok
}

func countPrefix(t *testing.T, prefix []byte) int {
	t.Helper()
	ctx := context.Background()
	tx, err := testStore.BeginTransactionNC(ctx)
	if err != nil {
		t.Fatalf("begin nc: %v", err)
	}
	defer tx.Close(ctx)
	next, closeFn := tx.FindByPrefix(ctx, prefix)
	defer closeFn()
	n := 0
	for {
		_, _, ok, err := next()
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if !ok {
			return n
		}
		n++
	}
}

func TestMultispendInvitationFinalizes(t *testing.T) {
	ctx := context.Background()
	room := "!ms-finalize:test"
	client := newFakeMatrixClient("@a:test")
	sink := eventsink.FuncSink(func(string, []byte) {})
	coord := multispend.New(testStore, client, "@a:test", sink, testLogger)

	inviteID, err := coord.CreateInvite(ctx, room, multispend.GroupInvitation{
		Signers:        []string{"@a:test", "@b:test", "@c:test"},
		Threshold:      2,
		FederationName: "MS Fed",
		ProposerPubkey: "pk-a",
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if g := readGroupState(t, room); g.Status != multispend.GroupActiveInvitation {
		t.Fatalf("status after invite = %q", g.Status)
	}

	if _, err := coord.VoteInvitation(ctx, room, inviteID, multispend.VoteDecision{Accept: &multispend.VoteAccept{MemberPubkey: "pk-a"}}); err != nil {
		t.Fatalf("vote a: %v", err)
	}

	for _, m := range []struct{ user, pk string }{{"@b:test", "pk-b"}, {"@c:test", "pk-c"}} {
		client.inject(room, m.user, multispend.Envelope{
			Kind: multispend.KindGroupInvitationVote,
			Payload: mustJSON(t, multispend.GroupInvitationVote{
				InvitationEventID: inviteID,
				Decision:          multispend.VoteDecision{Accept: &multispend.VoteAccept{MemberPubkey: m.pk}},
			}),
		})
	}
	if err := coord.Scan(ctx, room); err != nil {
		t.Fatalf("scan: %v", err)
	}

	g := readGroupState(t, room)
	if g.Status != multispend.GroupFinalized {
		t.Fatalf("status after all accepts = %q", g.Status)
	}
	want, err := multispend.DeriveMultisigAccountID([]string{"pk-a", "pk-b", "pk-c"})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if g.FinalizedAccountID != want {
		t.Fatalf("finalized account id = %q, want %q", g.FinalizedAccountID, want)
	}
}

func TestMultispendRejectionDeactivatesGroup(t *testing.T) {
	ctx := context.Background()
	room := "!ms-reject:test"
	client := newFakeMatrixClient("@a:test")
	coord := multispend.New(testStore, client, "@a:test", eventsink.FuncSink(func(string, []byte) {}), testLogger)

	inviteID, err := coord.CreateInvite(ctx, room, multispend.GroupInvitation{
		Signers: []string{"@a:test", "@b:test"}, Threshold: 2,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	client.inject(room, "@b:test", multispend.Envelope{
		Kind: multispend.KindGroupInvitationVote,
		Payload: mustJSON(t, multispend.GroupInvitationVote{
			InvitationEventID: inviteID,
			Decision:          multispend.VoteDecision{Reject: true},
		}),
	})
	if err := coord.Scan(ctx, room); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if g := readGroupState(t, room); g.Status != multispend.GroupInactive {
		t.Fatalf("status after reject = %q", g.Status)
	}
}

func TestMultispendInvalidEventIsRecordedNotFatal(t *testing.T) {
	ctx := context.Background()
	room := "!ms-invalid:test"
	client := newFakeMatrixClient("@a:test")
	coord := multispend.New(testStore, client, "@a:test", eventsink.FuncSink(func(string, []byte) {}), testLogger)

	bad := client.inject(room, "@mallory:test", map[string]string{"kind": "noSuchKind"})
	good := client.inject(room, "@a:test", multispend.Envelope{
		Kind: multispend.KindDepositNotification,
		Payload: mustJSON(t, multispend.DepositNotification{
			FiatAmountCents: 500, TxID: "tx-dep-1", Description: "topup",
		}),
	})
	_ = good
	if err := coord.Scan(ctx, room); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if !keyExists(t, storage.MultispendInvalidEventKey(room, bad.ID)) {
		t.Fatal("invalid event must be recorded under MultispendInvalidEvent")
	}
	// The deposit behind the invalid event must still have been applied as a
	// chronological entry (scanner progress is not blocked).
	if n := countPrefix(t, storage.MultispendChronologicalPrefix(room)); n != 1 {
		t.Fatalf("chronological entries = %d, want 1", n)
	}
}

func TestMultispendWithdrawalApprovalAndSubmission(t *testing.T) {
	ctx := context.Background()
	room := "!ms-withdraw:test"
	fedID := "fed-ms-withdraw"
	client := newFakeMatrixClient("@a:test")
	coord := multispend.New(testStore, client, "@a:test", eventsink.FuncSink(func(string, []byte) {}), testLogger)

	inviteID, err := coord.CreateInvite(ctx, room, multispend.GroupInvitation{
		Signers: []string{"@a:test", "@b:test", "@c:test"}, Threshold: 2,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	_ = inviteID

	reqID, err := coord.CreateWithdrawalRequest(ctx, room, multispend.WithdrawalRequestBody{
		ToAccountID: "acct-dest", AmountCents: 5000, FederationID: fedID,
	}, "rent share")
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}

	if _, err := coord.RespondToWithdrawal(ctx, room, reqID, true, "sig-a"); err != nil {
		t.Fatalf("approve a: %v", err)
	}
	if keyExists(t, storage.MultispendPendingApprovedWithdrawalKey(room, reqID)) {
		t.Fatal("one approval below threshold must not enqueue a submission")
	}

	client.inject(room, "@b:test", multispend.Envelope{
		Kind: multispend.KindWithdrawalResponse,
		Payload: mustJSON(t, multispend.WithdrawalResponse{
			RequestID: reqID, Kind: multispend.ResponseApprove, Signature: "sig-b",
		}),
	})
	if err := coord.Scan(ctx, room); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !keyExists(t, storage.MultispendPendingApprovedWithdrawalKey(room, reqID)) {
		t.Fatal("reaching the threshold must enqueue the approved withdrawal")
	}

	// The withdrawal service drains the queue into an SPv2 transfer.
	fedClient := newFakeUnderlyingClient(fedID)
	feds := &fakeFeds{feds: map[string]*federation.Federation{
		fedID: {ID: fedID, Client: fedClient, Store: testStore},
	}}
	wake := make(chan struct{}, 1)
	svc := multispend.NewWithdrawalService(testStore, feds, wake, testLogger)

	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go svc.Run(svcCtx)

	waitFor(t, "withdrawal submission", func() bool {
		return len(fedClient.transferCalls()) > 0 && !keyExists(t, storage.MultispendPendingApprovedWithdrawalKey(room, reqID))
	})
	call := fedClient.transferCalls()[0]
	if call.ToAccountID != "acct-dest" || call.AmountCents != 5000 {
		t.Fatalf("submitted transfer = %+v", call)
	}

	// Completion flows back into the room and closes the record.
	if err := multispend.EnqueueCompletionNotification(ctx, testStore, multispend.PendingCompletionNotification{
		RoomID: room, RequestID: reqID, Kind: multispend.CompletionWithdrawalSuccess,
		TxID: "tx-ms-1", AmountCents: 5000,
	}); err != nil {
		t.Fatalf("enqueue completion: %v", err)
	}
	compSvc := multispend.NewCompletionNotificationService(testStore, client, nil, testLogger)
	go compSvc.Run(svcCtx)

	waitFor(t, "completion event in room", func() bool {
		for _, ev := range client.eventsIn(room) {
			var env multispend.Envelope
			if json.Unmarshal(ev.Body, &env) != nil || env.Kind != multispend.KindWithdrawalResponse {
				continue
			}
			var resp multispend.WithdrawalResponse
			if json.Unmarshal(env.Payload, &resp) == nil && resp.Kind == multispend.ResponseComplete && resp.TxID == "tx-ms-1" {
				return true
			}
		}
		return false
	})

	if err := coord.Scan(ctx, room); err != nil {
		t.Fatalf("final scan: %v", err)
	}
	if n := countPrefix(t, storage.MultispendChronologicalPrefix(room)); n != 1 {
		t.Fatalf("chronological entries after completion = %d, want 1", n)
	}
}

func TestSPTransferSenderFlow(t *testing.T) {
	ctx := context.Background()
	room := "!spt-sender:test"
	fedID := "fed-spt-sender"
	client := newFakeMatrixClient("@sender:test")
	coord := sptransfer.New(testStore, client, "@sender:test", testLogger)

	pid, err := coord.Send(ctx, room, fedID, 1000)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !keyExists(t, storage.SPTransferAwaitingAnnounceKey(room, pid)) {
		t.Fatal("sender must queue an awaiting-announce entry")
	}
	status, err := coord.Status(ctx, room, pid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != sptransfer.StatusPending {
		t.Fatalf("status = %q, want pending", status)
	}

	// The receiver announces its account; the submitter then moves the funds.
	announce := client.inject(room, "@receiver:test", sptransfer.Envelope{
		Kind: sptransfer.KindAnnounceAccount,
		Payload: mustJSON(t, sptransfer.AnnounceAccount{
			PendingTransferID: pid, AccountID: "acct-receiver", FederationID: fedID,
		}),
	})
	coord.ApplyRoomEvents(ctx, room, eventByID(t, client, room, announce.ID))

	fedClient := newFakeUnderlyingClient(fedID)
	feds := &fakeFeds{feds: map[string]*federation.Federation{
		fedID: {ID: fedID, Client: fedClient, Store: testStore},
	}}
	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	submitter := sptransfer.NewTransferSubmitter(testStore, feds, nil, testLogger)
	go submitter.Run(svcCtx)

	waitFor(t, "transfer submission", func() bool {
		return len(fedClient.transferCalls()) > 0 && !keyExists(t, storage.SPTransferAwaitingAnnounceKey(room, pid))
	})
	call := fedClient.transferCalls()[0]
	if call.ToAccountID != "acct-receiver" || call.AmountCents != 1000 {
		t.Fatalf("submitted transfer = %+v", call)
	}
	if len(call.Meta) != 32 {
		t.Fatalf("transfer meta is %d bytes, want a 32-byte event-id hash", len(call.Meta))
	}

	// The SPv2 subscribe loop reports acceptance; the notifier posts the hint.
	if err := sptransfer.EnqueueCompletion(ctx, testStore, room, pid, "txid-spt-1"); err != nil {
		t.Fatalf("enqueue completion: %v", err)
	}
	notifier := sptransfer.NewTransferCompleteNotifier(testStore, client, nil, testLogger)
	go notifier.Run(svcCtx)

	var hintEventID string
	waitFor(t, "sent-hint event in room", func() bool {
		for _, ev := range client.eventsIn(room) {
			var env sptransfer.Envelope
			if json.Unmarshal(ev.Body, &env) != nil || env.Kind != sptransfer.KindTransferSentHint {
				continue
			}
			hintEventID = ev.ID
			return true
		}
		return false
	})

	coord.ApplyRoomEvents(ctx, room, eventByID(t, client, room, hintEventID))
	status, err = coord.Status(ctx, room, pid)
	if err != nil {
		t.Fatalf("status after hint: %v", err)
	}
	if status != sptransfer.StatusSentHint {
		t.Fatalf("status = %q, want sentHint", status)
	}
}

func TestSPTransferReceiverAnnouncesAfterJoin(t *testing.T) {
	ctx := context.Background()
	room := "!spt-receiver:test"
	fedID := "fed-spt-receiver"
	client := newFakeMatrixClient("@rcv:test")
	coord := sptransfer.New(testStore, client, "@rcv:test", testLogger)

	start := client.inject(room, "@other-sender:test", sptransfer.Envelope{
		Kind: sptransfer.KindPendingTransferStart,
		Payload: mustJSON(t, sptransfer.PendingTransferStart{
			PendingTransferID: "pid-rcv-1", AmountCents: 2500, FederationID: fedID, Nonce: 77,
		}),
	})
	coord.ApplyRoomEvents(ctx, room, eventByID(t, client, room, start.ID))

	if !keyExists(t, storage.SPTransferPendingReceiverAccountKey(room, "pid-rcv-1")) {
		t.Fatal("receiver must queue a pending-account entry")
	}

	fedClient := newFakeUnderlyingClient(fedID)
	feds := &fakeFeds{feds: map[string]*federation.Federation{
		fedID: {ID: fedID, Client: fedClient, Store: testStore},
	}}
	wake := make(chan struct{}, 1)
	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	responder := sptransfer.NewAccountIdResponder(testStore, feds, client, wake, testLogger)
	go responder.Run(svcCtx)

	// Not joined yet: the entry must survive the first drain.
	time.Sleep(200 * time.Millisecond)
	if !keyExists(t, storage.SPTransferPendingReceiverAccountKey(room, "pid-rcv-1")) {
		t.Fatal("entry must persist until the room is joined")
	}

	client.setJoined(room, true)
	wake <- struct{}{}

	waitFor(t, "account announcement", func() bool {
		for _, ev := range client.eventsIn(room) {
			var env sptransfer.Envelope
			if json.Unmarshal(ev.Body, &env) != nil || env.Kind != sptransfer.KindAnnounceAccount {
				continue
			}
			var ann sptransfer.AnnounceAccount
			if json.Unmarshal(env.Payload, &ann) == nil && ann.AccountID == "acct-"+fedID {
				return true
			}
		}
		return false
	})
	waitFor(t, "pending entry cleared", func() bool {
		return !keyExists(t, storage.SPTransferPendingReceiverAccountKey(room, "pid-rcv-1"))
	})
}

// eventByID pulls one event out of the fake room timeline by id.
func eventByID(t *testing.T, client *fakeMatrixClient, roomID, eventID string) []matrix.Event {
	t.Helper()
	for _, ev := range client.eventsIn(roomID) {
		if ev.ID == eventID {
			return []matrix.Event{ev}
		}
	}
	t.Fatalf("event %s not found in room %s", eventID, roomID)
	return nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
