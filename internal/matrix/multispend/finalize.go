package multispend

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// multisigDomainSeparator binds the derivation to this protocol; it must
// stay stable across versions or existing groups would derive different
// account ids.
const multisigDomainSeparator = "fedi-multispend-account-v1"

// DeriveMultisigAccountID computes the order-independent account id every
// member's device must agree on once a group finalizes: sort the accepted
// pubkeys lexicographically, hash the domain separator and the sorted
// concatenation, and hex-encode the digest as the account id.
func DeriveMultisigAccountID(pubkeys []string) (string, error) {
	if len(pubkeys) == 0 {
		return "", fmt.Errorf("cannot derive a multisig account id from zero pubkeys")
	}
	sorted := append([]string{}, pubkeys...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(multisigDomainSeparator))
	for _, pk := range sorted {
		h.Write([]byte{0}) // length-independent separator between entries
		h.Write([]byte(pk))
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
