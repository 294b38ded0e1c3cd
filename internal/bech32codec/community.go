package bech32codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	hrpCommunityV1 = "fedi:community"
	hrpCommunityV2 = "fedi:communityV2"
)

// CommunityInviteV1 is the payload of a V1 community invite code.
type CommunityInviteV1 struct {
	CommunityMetaURL string `json:"community_meta_url"`
}

// EncodeCommunityInviteV1 bech32m-encodes v with HRP "fedi:community".
func EncodeCommunityInviteV1(v CommunityInviteV1) (string, error) {
	return encodeJSON(hrpCommunityV1, v)
}

// DecodeCommunityInviteV1 decodes a V1 community invite code.
func DecodeCommunityInviteV1(code string) (CommunityInviteV1, error) {
	var v CommunityInviteV1
	err := decodeJSON(code, hrpCommunityV1, &v)
	return v, err
}

// CommunityInviteV2 is the payload of a V2 community invite code, which
// carries author-signature and decryption material absent from V1.
type CommunityInviteV2 struct {
	AuthorPubkeyNpubHex string `json:"author_pubkey"`
	CommunityUUIDHex    string `json:"community_uuid_hex"`
	DecryptionKeyB64    string `json:"decryption_key"`
}

// EncodeCommunityInviteV2 bech32m-encodes v with HRP "fedi:communityV2".
func EncodeCommunityInviteV2(v CommunityInviteV2) (string, error) {
	return encodeJSON(hrpCommunityV2, v)
}

// DecodeCommunityInviteV2 decodes a V2 community invite code.
func DecodeCommunityInviteV2(code string) (CommunityInviteV2, error) {
	var v CommunityInviteV2
	err := decodeJSON(code, hrpCommunityV2, &v)
	return v, err
}

func encodeJSON(hrp string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return encodeBech32m(hrp, raw)
}

func decodeJSON(code, wantHRP string, out any) error {
	hrp, raw, err := decodeBech32m(code)
	if err != nil {
		return err
	}
	// bech32 strings carry their hrp in lowercase.
	if hrp != strings.ToLower(wantHRP) {
		return fmt.Errorf("bech32codec: unexpected hrp %q, want %q", hrp, wantHRP)
	}
	return json.Unmarshal(raw, out)
}
