package multispend

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	inv := GroupInvitation{
		Signers:              []string{"@a:x", "@b:x", "@c:x"},
		Threshold:            2,
		FederationInviteCode: "fed1invite",
		FederationName:       "Test Federation",
		ProposerPubkey:       "pk-proposer",
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		t.Fatalf("marshal invitation: %v", err)
	}

	raw, err := json.Marshal(Envelope{Kind: KindGroupInvitation, Payload: payload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Kind != KindGroupInvitation {
		t.Fatalf("kind = %q", env.Kind)
	}
	var back GroupInvitation
	if err := json.Unmarshal(env.Payload, &back); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if back.Threshold != 2 || len(back.Signers) != 3 || back.FederationName != "Test Federation" {
		t.Fatalf("payload round trip mismatch: %+v", back)
	}
}

func TestWithdrawalRecordApprovalCount(t *testing.T) {
	w := &WithdrawalRecord{
		Approvals: map[string]ApprovalState{
			"@a:x": ApprovalApproved,
			"@b:x": ApprovalRejected,
			"@c:x": ApprovalApproved,
			"@d:x": ApprovalPending,
		},
	}
	if got := w.approvalCount(); got != 2 {
		t.Fatalf("approvalCount = %d, want 2", got)
	}
}

func TestPendingCompletionNotificationID(t *testing.T) {
	withdrawal := PendingCompletionNotification{RoomID: "!r:x", RequestID: "$req", Kind: CompletionWithdrawalSuccess}
	deposit := PendingCompletionNotification{RoomID: "!r:x", TxID: "tx1", Kind: CompletionDeposit}

	if withdrawal.ID() == deposit.ID() {
		t.Fatal("withdrawal and deposit notifications in the same room must have distinct queue keys")
	}
	other := PendingCompletionNotification{RoomID: "!other:x", RequestID: "$req", Kind: CompletionWithdrawalSuccess}
	if withdrawal.ID() == other.ID() {
		t.Fatal("identical request ids in different rooms must not collide")
	}
}

func TestVoteDecisionWireShape(t *testing.T) {
	accept := VoteDecision{Accept: &VoteAccept{MemberPubkey: "pk-1"}}
	raw, _ := json.Marshal(accept)
	var back VoteDecision
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Accept == nil || back.Accept.MemberPubkey != "pk-1" || back.Reject {
		t.Fatalf("accept round trip mismatch: %+v", back)
	}

	reject := VoteDecision{Reject: true}
	raw, _ = json.Marshal(reject)
	back = VoteDecision{}
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Reject || back.Accept != nil {
		t.Fatalf("reject round trip mismatch: %+v", back)
	}
}
