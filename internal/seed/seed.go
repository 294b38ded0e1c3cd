// Package seed implements the 12-word root mnemonic and its per-purpose
// child-secret derivation. Child secrets hang off the master key by
// HMAC-SHA512 chaining under a flat numeric child-id namespace rather than
// full BIP-32 paths, since the bridge only ever derives one level of
// per-purpose secrets.
package seed

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// Child ids, fixed and stable across versions.
const (
	ChildXMPP               uint32 = 10
	ChildLNURL              uint32 = 11
	ChildNostr              uint32 = 12
	ChildMatrix             uint32 = 13
	ChildDeviceRegistration uint32 = 14
	ChildFediGift           uint32 = 15
)

const masterHMACKey = "fedi bridge seed"

// Seed holds the decrypted root key material. It never leaves memory after
// load.
type Seed struct {
	mnemonic string
	entropy  []byte // BIP-39 seed bytes (mnemonic + empty passphrase)
	masterKey, masterChain []byte
}

// Generate creates a fresh 12-word mnemonic (128 bits of entropy) and derives
// the master key from it.
func Generate() (*Seed, string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, "", fmt.Errorf("generating entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("generating mnemonic: %w", err)
	}
	s, err := FromMnemonic(mnemonic)
	return s, mnemonic, err
}

// FromMnemonic validates and loads an existing 12-word mnemonic.
func FromMnemonic(mnemonic string) (*Seed, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	entropy := bip39.NewSeed(mnemonic, "")
	masterI := hmacSHA512([]byte(masterHMACKey), entropy)
	return &Seed{
		mnemonic:    mnemonic,
		entropy:     entropy,
		masterKey:   masterI[:32],
		masterChain: masterI[32:],
	}, nil
}

// Mnemonic returns the 12-word phrase; callers must never persist it outside
// of the one-time onboarding write.
func (s *Seed) Mnemonic() string { return s.mnemonic }

// DeriveChild derives a 32-byte secret for the given numeric child id. The
// derivation is deterministic: same seed and child id always produce the
// same secret.
func (s *Seed) DeriveChild(childID uint32) []byte {
	data := append([]byte{byte(childID >> 24), byte(childID >> 16), byte(childID >> 8), byte(childID)}, s.masterChain...)
	I := hmacSHA512(s.masterKey, data)
	return I[:32]
}

// DeriveFederationChild derives a secret scoped to both a child purpose and
// a specific federation, used wherever a per-federation AccountId or address
// must be deterministic from seed+federation.
func (s *Seed) DeriveFederationChild(childID uint32, federationID string) []byte {
	base := s.DeriveChild(childID)
	I := hmacSHA512(base, []byte(federationID))
	return I[:32]
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
