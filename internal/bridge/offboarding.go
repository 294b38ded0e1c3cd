package bridge

import "fmt"

// OffboardingReason enumerates the boot-fatal conditions that end a bridge
// process entirely rather than surfacing as an ordinary RPC error; the RPC
// errorCode enum (internal/apperror) answers individual calls, this set
// ends the process.
type OffboardingReason string

const (
	// DeviceIdentifierMismatch fires when the host's device identifier for
	// this boot disagrees with the one already persisted for this seed,
	// meaning the on-disk state belongs to a different physical device than
	// the one currently running (a restored backup, a cloned disk image).
	DeviceIdentifierMismatch OffboardingReason = "deviceIdentifierMismatch"
	// InternalBridgeExport fires when the host explicitly requests that this
	// process's on-disk state be handed off to another device, ending this
	// instance's ownership of it.
	InternalBridgeExport OffboardingReason = "internalBridgeExport"
)

// OffboardingError reports one of the reasons above. A host process
// receiving this from New should treat the on-disk state as no longer
// usable by this device rather than retrying the boot.
type OffboardingError struct {
	Reason OffboardingReason
	Detail string
}

func (e *OffboardingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}
