package bech32codec

import "testing"

func TestCommunityInviteV1_RoundTrip(t *testing.T) {
	want := CommunityInviteV1{CommunityMetaURL: "https://meta.example.com/community.json"}

	code, err := EncodeCommunityInviteV1(want)
	if err != nil {
		t.Fatalf("EncodeCommunityInviteV1: %v", err)
	}

	got, err := DecodeCommunityInviteV1(code)
	if err != nil {
		t.Fatalf("DecodeCommunityInviteV1: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestCommunityInviteV2_RoundTrip(t *testing.T) {
	want := CommunityInviteV2{
		AuthorPubkeyNpubHex: "deadbeef",
		CommunityUUIDHex:    "00112233445566778899aabbccddeeff",
		DecryptionKeyB64:    "c3VwZXJzZWNyZXRrZXk=",
	}

	code, err := EncodeCommunityInviteV2(want)
	if err != nil {
		t.Fatalf("EncodeCommunityInviteV2: %v", err)
	}

	got, err := DecodeCommunityInviteV2(code)
	if err != nil {
		t.Fatalf("DecodeCommunityInviteV2: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestCommunityInvite_WrongVersionRejected(t *testing.T) {
	code, err := EncodeCommunityInviteV1(CommunityInviteV1{CommunityMetaURL: "https://example.com"})
	if err != nil {
		t.Fatalf("EncodeCommunityInviteV1: %v", err)
	}
	if _, err := DecodeCommunityInviteV2(code); err == nil {
		t.Fatal("expected error decoding a V1 code as V2")
	}
}

func TestSPv2Address_RoundTrip(t *testing.T) {
	addr := NewAddress([]byte("account-id-bytes"), []byte("fed-prefix"), []byte("invite-code-bytes"))

	code, err := EncodeSPv2Address(addr)
	if err != nil {
		t.Fatalf("EncodeSPv2Address: %v", err)
	}

	got, err := DecodeSPv2Address(code)
	if err != nil {
		t.Fatalf("DecodeSPv2Address: %v", err)
	}

	accountID, ok := got.AccountID()
	if !ok || string(accountID) != "account-id-bytes" {
		t.Errorf("account id = %q, ok=%v", accountID, ok)
	}
	prefix, ok := got.FederationIDPrefix()
	if !ok || string(prefix) != "fed-prefix" {
		t.Errorf("federation id prefix = %q, ok=%v", prefix, ok)
	}
	invite, ok := got.FederationInvite()
	if !ok || string(invite) != "invite-code-bytes" {
		t.Errorf("federation invite = %q, ok=%v", invite, ok)
	}
}

func TestSPv2Address_NoInvite(t *testing.T) {
	addr := NewAddress([]byte("acct"), []byte("fed"), nil)

	code, err := EncodeSPv2Address(addr)
	if err != nil {
		t.Fatalf("EncodeSPv2Address: %v", err)
	}
	got, err := DecodeSPv2Address(code)
	if err != nil {
		t.Fatalf("DecodeSPv2Address: %v", err)
	}
	if _, ok := got.FederationInvite(); ok {
		t.Error("expected no federation invite component")
	}
}

// TestSPv2Address_UnknownTagRoundTrips: an address containing a component
// tag this package doesn't interpret still decodes and re-encodes
// byte-for-byte.
func TestSPv2Address_UnknownTagRoundTrips(t *testing.T) {
	const unknownTag uint64 = 99

	addr := &Address{Components: []Component{
		{Tag: TagAccountID, Bytes: []byte("acct")},
		{Tag: TagFederationIDPrefix, Bytes: []byte("fed")},
		{Tag: unknownTag, Bytes: []byte("opaque-future-field")},
	}}

	code, err := EncodeSPv2Address(addr)
	if err != nil {
		t.Fatalf("EncodeSPv2Address: %v", err)
	}

	got, err := DecodeSPv2Address(code)
	if err != nil {
		t.Fatalf("DecodeSPv2Address: %v", err)
	}

	unknown, ok := got.Find(unknownTag)
	if !ok || string(unknown) != "opaque-future-field" {
		t.Errorf("unknown component = %q, ok=%v", unknown, ok)
	}

	reencoded, err := EncodeSPv2Address(got)
	if err != nil {
		t.Fatalf("re-encoding: %v", err)
	}
	if reencoded != code {
		t.Errorf("re-encoded = %q, want %q", reencoded, code)
	}
}
