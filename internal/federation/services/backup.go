// Package services implements the per-federation background tasks: backup,
// lightning-gateway cache/selector, stability-pool sweeper, and
// recurring-receive subscriber. Each is a task spawned into the owning
// Federation's task subgroup; cancelling that subgroup is the only shutdown
// mechanism.
package services

import (
	"log/slog"
	"sync"
	"time"

	"context"

	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/retry"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// BackupFrequency is the cadence at which a fresh backup is uploaded.
const BackupFrequency = 12 * time.Hour

// Renewer is the subset of the Device Registration Service the backup
// service depends on, to avoid an import cycle between the two packages.
type Renewer interface {
	WaitForRecentlyRenewed(ctx context.Context) error
}

// Signer produces the signed backup payload; out of scope collaborator
// (the underlying client/social-recovery subsystem owns the actual backup
// bundle format).
type Signer interface {
	SignBackup(ctx context.Context, federationID string) ([]byte, error)
}

// BackupService uploads a signed metadata backup on a 12h cadence, guarded
// so at most one upload is in flight per federation.
type BackupService struct {
	federationID string
	client       federation.UnderlyingClient
	db           storage.SubDB
	store        *storage.Store
	renewer      Renewer
	signer       Signer
	logger       *slog.Logger

	mu       sync.Mutex
	inflight chan struct{}
}

// NewBackupService constructs a BackupService for f.
func NewBackupService(f *federation.Federation, renewer Renewer, signer Signer, logger *slog.Logger) *BackupService {
	return &BackupService{federationID: f.ID, client: f.Client, db: f.DB, store: f.Store, renewer: renewer, signer: signer, logger: logger}
}

// Run executes the backup loop until ctx is cancelled.
func (b *BackupService) Run(ctx context.Context) {
	for {
		lastTS := b.lastBackupTime(ctx)
		wait := time.Until(lastTS.Add(BackupFrequency))
		if wait < 0 {
			wait = 0
		}
		if err := retry.Sleep(ctx, wait); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if err := b.renewer.WaitForRecentlyRenewed(ctx); err != nil {
			return
		}

		if err := b.uploadOnce(ctx); err != nil {
			b.logger.Error("backup upload failed", slog.String("federation_id", b.federationID), slog.String("error", err.Error()))
		}
	}
}

// uploadOnce submits a backup under the shared backup retry policy, with an
// UpdateMerge-style guard so concurrent callers await the in-flight upload
// instead of racing a second one.
func (b *BackupService) uploadOnce(ctx context.Context) error {
	b.mu.Lock()
	if b.inflight != nil {
		wait := b.inflight
		b.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	b.inflight = done
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inflight = nil
		b.mu.Unlock()
		close(done)
	}()

	return retry.Do(ctx, "federation-backup", retry.BackupPolicy, b.logger, func(ctx context.Context) error {
		signed, err := b.signer.SignBackup(ctx, b.federationID)
		if err != nil {
			return err
		}
		if err := b.client.SubmitBackup(ctx, signed); err != nil {
			return err
		}
		b.persistLastBackup(ctx)
		return nil
	})
}

func (b *BackupService) lastBackupTime(ctx context.Context) time.Time {
	tx, err := b.store.BeginTransactionNC(ctx)
	if err != nil {
		return time.Time{}
	}
	defer tx.Close(ctx)
	raw, ok, err := tx.Get(ctx, storage.LastBackupKey(b.federationID))
	if err != nil || !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (b *BackupService) persistLastBackup(ctx context.Context) {
	tx, err := b.store.BeginTransaction(ctx)
	if err != nil {
		b.logger.Error("persisting last backup timestamp", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := tx.Set(ctx, storage.LastBackupKey(b.federationID), []byte(now)); err != nil {
		_ = tx.Rollback(ctx)
		b.logger.Warn("commit conflict persisting last backup timestamp, not retrying", slog.String("error", err.Error()))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		b.logger.Warn("commit conflict persisting last backup timestamp, not retrying", slog.String("error", err.Error()))
	}
}
