package storage

import "encoding/binary"

// Namespace byte prefixes: bridge-global keys live under
// GlobalPrefix; per-federation keys occupy FederationPrefixLo..FederationPrefixHi;
// everything at or above ClientReservedPrefix belongs to the underlying
// federation client and the bridge never writes there.
const (
	GlobalPrefix         byte = 0x03
	FederationPrefixLo   byte = 0xb0
	FederationPrefixHi   byte = 0xcf
	ClientReservedPrefix byte = 0xd0
)

// Second-byte sub-namespaces under GlobalPrefix.
const (
	subJoinedFederations byte = 0x01
	subPendingRejoin     byte = 0x02
	subMultispend        byte = 0x03
	subSPTransfer        byte = 0x04
	subFileStorage       byte = 0x05
	subAppStateV1        byte = 0x06
	subAppStateV2        byte = 0x07
	subJoinedCommunities byte = 0x08
)

// Sub-namespaces within a federation's keys: the byte that follows
// FederationPrefix(federationID).
const (
	fedSubClientConfig        byte = 0x01
	fedSubInviteCode          byte = 0x02
	fedSubLastBackup          byte = 0x03
	fedSubTxNotes             byte = 0x04
	fedSubOutstandingFees     byte = 0x05
	fedSubPendingFees         byte = 0x06
	fedSubAccruedFees         byte = 0x07
	fedSubLastGatewayOverride byte = 0x08
	fedSubLastSPDepositCycle  byte = 0x09
	fedSubLastSPv2Sweeper     byte = 0x0a
	fedSubFiatAtTimeOfTx      byte = 0x0b
)

// lenPrefixed encodes a byte string as a 2-byte big-endian length followed
// by the bytes, the fixed binary encoding every composite key uses.
func lenPrefixed(b []byte) []byte {
	out := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(out, uint16(len(b)))
	copy(out[2:], b)
	return out
}

// GlobalKey builds a key under GlobalPrefix/sub with a caller-supplied
// fixed-encoding suffix.
func globalKey(sub byte, suffix ...[]byte) []byte {
	key := []byte{GlobalPrefix, sub}
	for _, s := range suffix {
		key = append(key, lenPrefixed(s)...)
	}
	return key
}

// JoinedFederationsPrefix is the scan prefix for the joined-federation
// summary namespace.
func JoinedFederationsPrefix() []byte { return []byte{GlobalPrefix, subJoinedFederations} }

// JoinedFederationKey builds the key for a single federation's summary.
func JoinedFederationKey(federationID string) []byte {
	return globalKey(subJoinedFederations, []byte(federationID))
}

// JoinedCommunitiesPrefix is the scan prefix for joined-community metadata.
func JoinedCommunitiesPrefix() []byte { return []byte{GlobalPrefix, subJoinedCommunities} }

// JoinedCommunityKey builds the key for a single joined community.
func JoinedCommunityKey(communityID string) []byte {
	return globalKey(subJoinedCommunities, []byte(communityID))
}

// PendingRejoinPrefix scans the FederationPendingRejoinFromScratch list.
func PendingRejoinPrefix() []byte { return []byte{GlobalPrefix, subPendingRejoin} }

// PendingRejoinKey builds the key recording that a federation needs a
// scratch rejoin after a blind-nonce reuse was detected.
func PendingRejoinKey(federationID string) []byte {
	return globalKey(subPendingRejoin, []byte(federationID))
}

// MultispendPrefix scopes the entire multispend namespace.
func MultispendPrefix() []byte { return []byte{GlobalPrefix, subMultispend} }

// MultispendRoomPrefix is subMultispend followed by the length-prefixed
// room id. Multispend keys put their own sub-byte before the room, so no
// key built in this file falls under it.
func MultispendRoomPrefix(roomID string) []byte {
	return globalKey(subMultispend, []byte(roomID))
}

// SPTransferPrefix scopes the entire SP-transfer namespace.
func SPTransferPrefix() []byte { return []byte{GlobalPrefix, subSPTransfer} }

// FileStoragePrefix scopes the wasm-only file storage namespace.
func FileStoragePrefix() []byte { return []byte{GlobalPrefix, subFileStorage} }

// AppStateDeviceIdentifierV1Key / V2Key store the device identifier.
func AppStateDeviceIdentifierV1Key() []byte { return []byte{GlobalPrefix, subAppStateV1} }
func AppStateDeviceIdentifierV2Key() []byte { return []byte{GlobalPrefix, subAppStateV2} }

// federationSlot deterministically maps a FederationId to a one-byte offset
// within [FederationPrefixLo, FederationPrefixHi], used only to physically
// shard keys across the reserved range; the definitive scoping is always by
// the full FederationId embedded in the suffix, so collisions within a slot
// are harmless — they just mean two federations' keys interleave under the
// same top byte.
func federationSlot(federationID string) byte {
	var h byte = 0
	for i := 0; i < len(federationID); i++ {
		h = h*31 + federationID[i]
	}
	span := FederationPrefixHi - FederationPrefixLo + 1
	return FederationPrefixLo + (h % span)
}

func federationKey(federationID string, sub byte, suffix ...[]byte) []byte {
	key := append(FederationPrefix(federationID), sub)
	for _, s := range suffix {
		key = append(key, lenPrefixed(s)...)
	}
	return key
}

// FederationPrefix is the scan prefix for every key belonging to federationID
// within the reserved federation range.
func FederationPrefix(federationID string) []byte {
	return append([]byte{federationSlot(federationID)}, lenPrefixed([]byte(federationID))...)
}

func ClientConfigKey(federationID string) []byte    { return federationKey(federationID, fedSubClientConfig) }
func InviteCodeKey(federationID string) []byte      { return federationKey(federationID, fedSubInviteCode) }
func LastBackupKey(federationID string) []byte      { return federationKey(federationID, fedSubLastBackup) }
func TxNoteKey(federationID, opID string) []byte {
	return federationKey(federationID, fedSubTxNotes, []byte(opID))
}
func OutstandingFeesKey(federationID string) []byte { return federationKey(federationID, fedSubOutstandingFees) }
func PendingFeesKey(federationID string) []byte     { return federationKey(federationID, fedSubPendingFees) }
func AccruedFeesKey(federationID string) []byte     { return federationKey(federationID, fedSubAccruedFees) }
func LastGatewayOverrideKey(federationID string) []byte {
	return federationKey(federationID, fedSubLastGatewayOverride)
}
func LastSPDepositCycleKey(federationID string, v2 bool) []byte {
	suffix := []byte{0}
	if v2 {
		suffix[0] = 1
	}
	return federationKey(federationID, fedSubLastSPDepositCycle, suffix)
}
func LastSPv2SweeperWithdrawalKey(federationID string) []byte {
	return federationKey(federationID, fedSubLastSPv2Sweeper)
}
func FiatAtTimeOfTxKey(federationID, opID string) []byte {
	return federationKey(federationID, fedSubFiatAtTimeOfTx, []byte(opID))
}

// Multispend sub-namespaces, nested under subMultispend. Every key starts
// with its sub-byte rather than with the room — the
// pending-approved-withdrawal and pending-completion-notification queues
// are scanned across every room by the two background services, so room is
// carried as part of each entry's value/suffix rather than the scan root.
const (
	msSubGroup             byte = 0x01
	msSubCursor            byte = 0x02
	msSubInvalidEvent      byte = 0x03
	msSubWithdrawalRecord  byte = 0x04
	msSubPendingApproved   byte = 0x05
	msSubPendingCompletion byte = 0x06
	msSubChronoEvent       byte = 0x07
	msSubChronoCounter     byte = 0x08
)

func multispendKey(subsub byte, suffix ...[]byte) []byte {
	key := []byte{GlobalPrefix, subMultispend, subsub}
	for _, s := range suffix {
		key = append(key, lenPrefixed(s)...)
	}
	return key
}

func multispendSubPrefix(subsub byte) []byte { return []byte{GlobalPrefix, subMultispend, subsub} }

func MultispendGroupKey(roomID string) []byte { return multispendKey(msSubGroup, []byte(roomID)) }

func MultispendScannerCursorKey(roomID string) []byte {
	return multispendKey(msSubCursor, []byte(roomID))
}

func MultispendInvalidEventKey(roomID, eventID string) []byte {
	return multispendKey(msSubInvalidEvent, []byte(roomID), []byte(eventID))
}

func MultispendWithdrawalKey(roomID, requestID string) []byte {
	return multispendKey(msSubWithdrawalRecord, []byte(roomID), []byte(requestID))
}

func MultispendWithdrawalPrefix(roomID string) []byte {
	return multispendKey(msSubWithdrawalRecord, []byte(roomID))
}

// MultispendPendingApprovedWithdrawalKey keys the cross-room queue the
// WithdrawalService drains; the room/requestID pair is also embedded in the
// stored value so the service doesn't need to parse the key.
func MultispendPendingApprovedWithdrawalKey(roomID, requestID string) []byte {
	return multispendKey(msSubPendingApproved, []byte(roomID), []byte(requestID))
}

func MultispendPendingApprovedWithdrawalPrefix() []byte {
	return multispendSubPrefix(msSubPendingApproved)
}

func MultispendPendingCompletionNotificationKey(notificationID string) []byte {
	return multispendKey(msSubPendingCompletion, []byte(notificationID))
}

func MultispendPendingCompletionNotificationPrefix() []byte {
	return multispendSubPrefix(msSubPendingCompletion)
}

func MultispendChronologicalEventKey(roomID string, counter uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, counter)
	return multispendKey(msSubChronoEvent, []byte(roomID), buf)
}

func MultispendChronologicalPrefix(roomID string) []byte {
	return multispendKey(msSubChronoEvent, []byte(roomID))
}

func MultispendChronoCounterKey(roomID string) []byte {
	return multispendKey(msSubChronoCounter, []byte(roomID))
}

// SP transfer sub-namespaces, nested under subSPTransfer. As with
// multispend, the three background-scanned queues (awaiting-announce,
// pending-receiver-account, pending-completion) are rooted directly under
// their sub-byte so a single prefix scan covers every room.
const (
	sptSubTransfer            byte = 0x01
	sptSubAwaitingAnnounce    byte = 0x02
	sptSubKnownReceiverAcct   byte = 0x03
	sptSubPendingReceiverAcct byte = 0x04
	sptSubPendingCompletion   byte = 0x05
)

func sptKey(subsub byte, suffix ...[]byte) []byte {
	key := []byte{GlobalPrefix, subSPTransfer, subsub}
	for _, s := range suffix {
		key = append(key, lenPrefixed(s)...)
	}
	return key
}

func sptSubPrefix(subsub byte) []byte { return []byte{GlobalPrefix, subSPTransfer, subsub} }

func SPTransferKey(roomID, pendingTransferID string) []byte {
	return sptKey(sptSubTransfer, []byte(roomID), []byte(pendingTransferID))
}

func SPTransferAwaitingAnnounceKey(roomID, pendingTransferID string) []byte {
	return sptKey(sptSubAwaitingAnnounce, []byte(roomID), []byte(pendingTransferID))
}

func SPTransferAwaitingAnnouncePrefix() []byte {
	return sptSubPrefix(sptSubAwaitingAnnounce)
}

func SPTransferKnownReceiverAccountKey(roomID, federationID string) []byte {
	return sptKey(sptSubKnownReceiverAcct, []byte(roomID), []byte(federationID))
}

func SPTransferPendingReceiverAccountKey(roomID, pendingTransferID string) []byte {
	return sptKey(sptSubPendingReceiverAcct, []byte(roomID), []byte(pendingTransferID))
}

func SPTransferPendingReceiverAccountPrefix() []byte {
	return sptSubPrefix(sptSubPendingReceiverAcct)
}

func SPTransferPendingCompletionKey(roomID, pendingTransferID string) []byte {
	return sptKey(sptSubPendingCompletion, []byte(roomID), []byte(pendingTransferID))
}

func SPTransferPendingCompletionPrefix() []byte {
	return sptSubPrefix(sptSubPendingCompletion)
}
