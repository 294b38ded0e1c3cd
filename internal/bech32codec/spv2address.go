package bech32codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const hrpSPv2Address = "spt"

// Known SPv2 address component tags. Any other tag value decodes into a
// Component an encoder never constructed directly, and must round-trip
// unchanged so newer address versions survive passing through this code.
const (
	TagAccountID          uint64 = 1
	TagFederationIDPrefix uint64 = 2
	TagFederationInvite   uint64 = 3
)

// Component is one tagged element of an SPv2 address, opaque unless its tag
// is recognized.
type Component struct {
	Tag   uint64
	Bytes []byte
}

// Address is an ordered list of components. AccountID and
// FederationIDPrefix are mandatory; FederationInvite is optional; any
// further components are preserved verbatim even though this package
// doesn't interpret them.
type Address struct {
	Components []Component
}

// NewAddress builds an address from the two mandatory components plus an
// optional invite, in canonical order.
func NewAddress(accountID, federationIDPrefix, federationInvite []byte) *Address {
	comps := []Component{
		{Tag: TagAccountID, Bytes: accountID},
		{Tag: TagFederationIDPrefix, Bytes: federationIDPrefix},
	}
	if federationInvite != nil {
		comps = append(comps, Component{Tag: TagFederationInvite, Bytes: federationInvite})
	}
	return &Address{Components: comps}
}

// Find returns the bytes of the first component with the given tag.
func (a *Address) Find(tag uint64) ([]byte, bool) {
	for _, c := range a.Components {
		if c.Tag == tag {
			return c.Bytes, true
		}
	}
	return nil, false
}

// AccountID returns the mandatory account-id component.
func (a *Address) AccountID() ([]byte, bool) { return a.Find(TagAccountID) }

// FederationIDPrefix returns the mandatory federation-id-prefix component.
func (a *Address) FederationIDPrefix() ([]byte, bool) { return a.Find(TagFederationIDPrefix) }

// FederationInvite returns the optional federation-invite component.
func (a *Address) FederationInvite() ([]byte, bool) { return a.Find(TagFederationInvite) }

// EncodeSPv2Address bech32m-encodes addr with HRP "spt". Each component is
// serialized as uvarint(tag) || uvarint(len) || bytes, concatenated in
// Components order.
func EncodeSPv2Address(addr *Address) (string, error) {
	var buf bytes.Buffer
	var v [binary.MaxVarintLen64]byte
	for _, c := range addr.Components {
		n := binary.PutUvarint(v[:], c.Tag)
		buf.Write(v[:n])
		n = binary.PutUvarint(v[:], uint64(len(c.Bytes)))
		buf.Write(v[:n])
		buf.Write(c.Bytes)
	}
	return encodeBech32m(hrpSPv2Address, buf.Bytes())
}

// DecodeSPv2Address decodes an SPv2 address, preserving every component —
// known or not — in its original order and bytes.
func DecodeSPv2Address(s string) (*Address, error) {
	hrp, payload, err := decodeBech32m(s)
	if err != nil {
		return nil, err
	}
	if hrp != hrpSPv2Address {
		return nil, fmt.Errorf("bech32codec: unexpected hrp %q, want %q", hrp, hrpSPv2Address)
	}

	r := bytes.NewReader(payload)
	var comps []Component
	for r.Len() > 0 {
		tag, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("bech32codec: reading component tag: %w", err)
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("bech32codec: reading component length: %w", err)
		}
		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("bech32codec: reading component bytes: %w", err)
		}
		comps = append(comps, Component{Tag: tag, Bytes: b})
	}
	return &Address{Components: comps}, nil
}
