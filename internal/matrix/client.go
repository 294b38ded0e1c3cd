// Package matrix declares the narrow contract the multispend and
// sp-transfer coordinators consume from the Matrix client SDK the host
// links in. Only room-timeline append/scan and membership checks are
// modeled; everything else about the SDK (E2EE, sync, pagination mechanics)
// is a black box.
package matrix

import "context"

// Event is one append-only-log entry in a room's timeline: an opaque
// event id, the custom message type, and its JSON body. Kind-specific
// payloads (GroupInvitation, PendingTransferStart, ...) are unmarshaled by
// the consuming coordinator from Body.
type Event struct {
	ID       string
	RoomID   string
	SenderID string
	Type     string
	Body     []byte
}

// Client is the timeline read/write surface both coordinators need.
type Client interface {
	// EventsAfter returns events appended to room after afterEventID (empty
	// string meaning "from the start of the timeline"), oldest first.
	// Pagination/backfill is handled by the SDK; the caller sees them in
	// timeline order, which is not guaranteed to equal arrival order.
	EventsAfter(ctx context.Context, roomID, afterEventID string, eventType string) ([]Event, error)

	// SendEvent appends a new custom event to room and returns its id.
	SendEvent(ctx context.Context, roomID, eventType string, body any) (eventID string, err error)

	// IsJoined reports whether the local user has joined room.
	IsJoined(ctx context.Context, roomID string) (bool, error)
}
