package seed

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// DeviceIdentifierSize is the fixed padded length required before
// encryption; the registry stores ciphertexts of exactly this size.
const DeviceIdentifierSize = 128

// PadDeviceIdentifier pads a UTF-8 device identifier to exactly
// DeviceIdentifierSize bytes. It fails loudly rather than truncating, since a
// truncated identifier would silently corrupt the registry lease key.
func PadDeviceIdentifier(id string) ([DeviceIdentifierSize]byte, error) {
	var out [DeviceIdentifierSize]byte
	b := []byte(id)
	if len(b) > DeviceIdentifierSize {
		return out, fmt.Errorf("device identifier %d bytes exceeds %d-byte limit", len(b), DeviceIdentifierSize)
	}
	copy(out[:], b)
	return out, nil
}

// deviceBoxNonceSize matches secretbox's required nonce length.
const deviceBoxNonceSize = 24

// EncryptDeviceIdentifier symmetric-encrypts the 128-byte padded identifier
// under a key derived from the seed's DeviceRegistration child secret. The
// output is nonce || ciphertext, ready to send to the remote registry.
func (s *Seed) EncryptDeviceIdentifier(padded [DeviceIdentifierSize]byte) ([]byte, error) {
	var key [32]byte
	copy(key[:], s.DeriveChild(ChildDeviceRegistration))

	var nonce [deviceBoxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := secretbox.Seal(nonce[:], padded[:], &nonce, &key)
	return out, nil
}

// DecryptDeviceIdentifier reverses EncryptDeviceIdentifier; only tests call
// it.
func (s *Seed) DecryptDeviceIdentifier(ciphertext []byte) ([DeviceIdentifierSize]byte, error) {
	var out [DeviceIdentifierSize]byte
	if len(ciphertext) < deviceBoxNonceSize {
		return out, fmt.Errorf("ciphertext too short")
	}
	var key [32]byte
	copy(key[:], s.DeriveChild(ChildDeviceRegistration))

	var nonce [deviceBoxNonceSize]byte
	copy(nonce[:], ciphertext[:deviceBoxNonceSize])

	plain, ok := secretbox.Open(nil, ciphertext[deviceBoxNonceSize:], &nonce, &key)
	if !ok {
		return out, fmt.Errorf("decryption failed: authentication mismatch")
	}
	if len(plain) != DeviceIdentifierSize {
		return out, fmt.Errorf("decrypted identifier has unexpected length %d", len(plain))
	}
	copy(out[:], plain)
	return out, nil
}
