package sptransfer

import (
	"context"
	"encoding/json"

	"github.com/fedixyz/fedi-sub003/internal/storage"
)

func loadRecord(ctx context.Context, tx *storage.Txn, roomID, pid string) (*Record, error) {
	raw, ok, err := tx.Get(ctx, storage.SPTransferKey(roomID, pid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func saveRecord(ctx context.Context, tx *storage.Txn, r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.Set(ctx, storage.SPTransferKey(r.RoomID, r.PendingTransferID), raw)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
