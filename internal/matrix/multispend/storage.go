package multispend

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/fedixyz/fedi-sub003/internal/storage"
)

func loadGroup(ctx context.Context, tx *storage.Txn, roomID string) (*GroupState, error) {
	raw, ok, err := tx.Get(ctx, storage.MultispendGroupKey(roomID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &GroupState{Status: GroupInactive}, nil
	}
	var g GroupState
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func saveGroup(ctx context.Context, tx *storage.Txn, roomID string, g *GroupState) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return tx.Set(ctx, storage.MultispendGroupKey(roomID), raw)
}

func loadWithdrawal(ctx context.Context, tx *storage.Txn, roomID, requestID string) (*WithdrawalRecord, error) {
	raw, ok, err := tx.Get(ctx, storage.MultispendWithdrawalKey(roomID, requestID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var w WithdrawalRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func saveWithdrawal(ctx context.Context, tx *storage.Txn, roomID string, w *WithdrawalRecord) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return tx.Set(ctx, storage.MultispendWithdrawalKey(roomID, w.RequestID), raw)
}

// appendChronological assigns the room's next monotonic counter value to
// entry and persists both, so the UI can paginate the room's history.
func appendChronological(ctx context.Context, tx *storage.Txn, roomID string, entry map[string]any) error {
	counter := uint64(0)
	raw, ok, err := tx.Get(ctx, storage.MultispendChronoCounterKey(roomID))
	if err != nil {
		return err
	}
	if ok && len(raw) == 8 {
		counter = binary.BigEndian.Uint64(raw)
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, storage.MultispendChronologicalEventKey(roomID, counter), body); err != nil {
		return err
	}

	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, counter+1)
	return tx.Set(ctx, storage.MultispendChronoCounterKey(roomID), next)
}
