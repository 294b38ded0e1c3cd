package services

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// SweeperService withdraws a stability-pool account's staged balance to the
// mint as soon as a new cycle has rolled over and the deposit from the prior
// cycle wasn't fully absorbed. Progress (the last cycle
// already swept, and any withdraw op still in flight across a restart) is
// persisted so a crash mid-withdraw doesn't issue a duplicate one.
type SweeperService struct {
	federationID string
	client       federation.UnderlyingClient
	store        *storage.Store
	sink         eventsink.Sink
	logger       *slog.Logger

	accountID string
}

// NewSweeperService constructs a SweeperService for f.
func NewSweeperService(f *federation.Federation, sink eventsink.Sink, logger *slog.Logger) *SweeperService {
	return &SweeperService{federationID: f.ID, client: f.Client, store: f.Store, sink: sink, logger: logger}
}

// Run resumes any in-flight withdrawal, then reacts to account-info updates
// until ctx is cancelled.
func (s *SweeperService) Run(ctx context.Context) {
	accountID, err := s.client.SPv2AccountID(ctx)
	if err != nil {
		s.logger.Error("resolving stability pool account id", slog.String("federation_id", s.federationID), slog.String("error", err.Error()))
		return
	}
	s.accountID = accountID

	if opID, cycle, ok := s.pendingWithdrawal(ctx); ok {
		s.awaitOutcome(ctx, opID, cycle)
	}

	updates, err := s.client.SubscribeSPAccountInfo(ctx, s.accountID)
	if err != nil {
		s.logger.Error("subscribing to stability pool account info", slog.String("federation_id", s.federationID), slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case info, ok := <-updates:
			if !ok {
				return
			}
			s.onAccountInfo(ctx, info)
		}
	}
}

func (s *SweeperService) onAccountInfo(ctx context.Context, info federation.SPAccountInfo) {
	if info.StagedBalanceMsat == 0 {
		return
	}
	last := s.lastRecordedDepositCycle(ctx)
	if info.CurrentCycleIndex <= last {
		return
	}
	if _, _, ok := s.pendingWithdrawal(ctx); ok {
		return
	}

	opID, err := s.client.SPWithdrawAll(ctx, s.accountID)
	if err != nil {
		s.logger.Error("stability pool sweep withdraw failed to submit", slog.String("federation_id", s.federationID), slog.String("error", err.Error()))
		return
	}
	s.persistPendingWithdrawal(ctx, opID, info.CurrentCycleIndex)
	s.awaitOutcome(ctx, opID, info.CurrentCycleIndex)
}

func (s *SweeperService) awaitOutcome(ctx context.Context, opID [32]byte, cycle uint64) {
	outcomes, err := s.client.SubscribeSPWithdraw(ctx, opID)
	if err != nil {
		s.logger.Error("subscribing to sweep withdraw outcome", slog.String("federation_id", s.federationID), slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			switch outcome {
			case federation.SPWithdrawPending:
				continue
			case federation.SPWithdrawCompleted:
				s.recordSweptCycle(ctx, cycle)
				s.clearPendingWithdrawal(ctx)
				s.sink.Event(eventsink.EventStabilityPoolUnfilledDepositSwept, map[string]any{
					"federation_id": s.federationID,
					"account_id":    s.accountID,
				})
				return
			case federation.SPWithdrawUnlockTxRejected, federation.SPWithdrawUnlockProcessingError,
				federation.SPWithdrawWithdrawalTxRejected, federation.SPWithdrawPrimaryOutputError:
				s.logger.Warn("stability pool sweep withdraw failed", slog.String("federation_id", s.federationID), slog.Int("outcome", int(outcome)))
				s.clearPendingWithdrawal(ctx)
				return
			}
		}
	}
}

func (s *SweeperService) lastRecordedDepositCycle(ctx context.Context) uint64 {
	tx, err := s.store.BeginTransactionNC(ctx)
	if err != nil {
		return 0
	}
	defer tx.Close(ctx)
	raw, ok, err := tx.Get(ctx, storage.LastSPDepositCycleKey(s.federationID, true))
	if err != nil || !ok || len(raw) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// recordSweptCycle advances the watermark to the cycle index observed when
// the withdraw was issued. The index may have jumped by more than one since
// the last sweep, so the stored value tracks what was actually seen rather
// than incrementing.
func (s *SweeperService) recordSweptCycle(ctx context.Context, cycle uint64) {
	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		s.logger.Error("persisting swept cycle index", slog.String("error", err.Error()))
		return
	}
	raw, _, _ := tx.Get(ctx, storage.LastSPDepositCycleKey(s.federationID, true))
	if len(raw) >= 8 && binary.BigEndian.Uint64(raw) >= cycle {
		_ = tx.Rollback(ctx)
		return
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cycle)
	if err := tx.Set(ctx, storage.LastSPDepositCycleKey(s.federationID, true), buf); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	_ = tx.Commit(ctx)
}

// pendingWithdrawal reads the in-flight withdraw op and the cycle index it
// was issued for. Entries written before the cycle was recorded alongside
// the op id are 32 bytes and report cycle 0.
func (s *SweeperService) pendingWithdrawal(ctx context.Context) ([32]byte, uint64, bool) {
	tx, err := s.store.BeginTransactionNC(ctx)
	if err != nil {
		return [32]byte{}, 0, false
	}
	defer tx.Close(ctx)
	raw, ok, err := tx.Get(ctx, storage.LastSPv2SweeperWithdrawalKey(s.federationID))
	if err != nil || !ok || len(raw) < 32 {
		return [32]byte{}, 0, false
	}
	var opID [32]byte
	copy(opID[:], raw)
	cycle := uint64(0)
	if len(raw) >= 40 {
		cycle = binary.BigEndian.Uint64(raw[32:40])
	}
	return opID, cycle, true
}

func (s *SweeperService) persistPendingWithdrawal(ctx context.Context, opID [32]byte, cycle uint64) {
	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		s.logger.Error("persisting pending sweep withdrawal", slog.String("error", err.Error()))
		return
	}
	raw := make([]byte, 40)
	copy(raw, opID[:])
	binary.BigEndian.PutUint64(raw[32:], cycle)
	if err := tx.Set(ctx, storage.LastSPv2SweeperWithdrawalKey(s.federationID), raw); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	_ = tx.Commit(ctx)
}

func (s *SweeperService) clearPendingWithdrawal(ctx context.Context) {
	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return
	}
	if err := tx.Delete(ctx, storage.LastSPv2SweeperWithdrawalKey(s.federationID)); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	_ = tx.Commit(ctx)
}
