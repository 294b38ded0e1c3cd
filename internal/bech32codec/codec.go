// Package bech32codec implements the bridge's two bech32m wire formats:
// community invite codes (V1/V2) and the SPv2 payment address's
// tagged-component encoding, on top of btcutil's checksum/5-bit-group
// machinery.
package bech32codec

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func encodeBech32m(hrp string, payload []byte) (string, error) {
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("bech32codec: converting bits: %w", err)
	}
	s, err := bech32.EncodeM(hrp, converted)
	if err != nil {
		return "", fmt.Errorf("bech32codec: encoding: %w", err)
	}
	return s, nil
}

func decodeBech32m(s string) (hrp string, payload []byte, err error) {
	// DecodeNoLimit skips the 90-character cap that codes carrying a JSON
	// payload exceed; re-encoding confirms the checksum is the bech32m one.
	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return "", nil, fmt.Errorf("bech32codec: decoding: %w", err)
	}
	if reencoded, encErr := bech32.EncodeM(hrp, data); encErr != nil || reencoded != strings.ToLower(s) {
		return "", nil, fmt.Errorf("bech32codec: %q is not bech32m-encoded", s)
	}
	payload, err = bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("bech32codec: converting bits: %w", err)
	}
	return hrp, payload, nil
}
