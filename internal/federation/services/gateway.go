package services

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/retry"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// gatewayRefreshInterval is how often the cache snapshot is rebuilt.
const gatewayRefreshInterval = 60 * time.Second

// gatewayAboutToExpire is the TTL floor below which a gateway is dropped
// from the usable set.
const gatewayAboutToExpire = 30 * time.Second

// vettedGatewaysMetaKey is the federation meta key listing vetted gateways.
const vettedGatewaysMetaKey = "vetted_gateways"

// GatewayService selects a lightning gateway for invoice payment,
// continuously refreshing its view of the federation's gateway cache and
// filtering by the vetted-gateways meta key.
type GatewayService struct {
	federationID string
	client       federation.UnderlyingClient
	store        *storage.Store
	logger       *slog.Logger

	mu       sync.Mutex
	snapshot []federation.Gateway
}

// NewGatewayService constructs a GatewayService for f.
func NewGatewayService(f *federation.Federation, logger *slog.Logger) *GatewayService {
	return &GatewayService{federationID: f.ID, client: f.Client, store: f.Store, logger: logger}
}

// Run refreshes the cache on gatewayRefreshInterval until ctx is cancelled.
func (g *GatewayService) Run(ctx context.Context) {
	for {
		if err := g.refresh(ctx); err != nil {
			g.logger.Warn("gateway cache refresh failed", slog.String("federation_id", g.federationID), slog.String("error", err.Error()))
		}
		if err := retry.Sleep(ctx, gatewayRefreshInterval); err != nil {
			return
		}
	}
}

func (g *GatewayService) refresh(ctx context.Context) error {
	gateways, err := g.client.Gateways(ctx)
	if err != nil {
		return err
	}

	vetted := make([]federation.Gateway, 0, len(gateways))
	for _, gw := range gateways {
		if gw.Vetted {
			vetted = append(vetted, gw)
		}
	}
	usable := gateways
	if len(vetted) > 0 {
		usable = vetted
	}

	filtered := make([]federation.Gateway, 0, len(usable))
	for _, gw := range usable {
		if gw.TTL > gatewayAboutToExpire {
			filtered = append(filtered, gw)
		}
	}

	g.mu.Lock()
	g.snapshot = filtered
	g.mu.Unlock()
	return nil
}

// SelectGateway returns the active gateway, preferring the last-persisted
// choice if it's still present in the snapshot, otherwise picking uniformly
// at random and persisting the new choice. Safe under concurrent callers.
func (g *GatewayService) SelectGateway(ctx context.Context) (federation.Gateway, error) {
	g.mu.Lock()
	snapshot := append([]federation.Gateway{}, g.snapshot...)
	g.mu.Unlock()

	if len(snapshot) == 0 {
		return federation.Gateway{}, apperror.New(apperror.NoLnGatewayAvailable, fmt.Sprintf("no usable gateways for federation %s", g.federationID))
	}

	if lastID, ok := g.lastActiveGatewayID(ctx); ok {
		for _, gw := range snapshot {
			if gw.ID == lastID {
				return gw, nil
			}
		}
	}

	chosen := snapshot[rand.Intn(len(snapshot))]
	g.persistActiveGateway(ctx, chosen.ID)
	return chosen, nil
}

func (g *GatewayService) lastActiveGatewayID(ctx context.Context) (string, bool) {
	tx, err := g.store.BeginTransactionNC(ctx)
	if err != nil {
		return "", false
	}
	defer tx.Close(ctx)
	raw, ok, err := tx.Get(ctx, storage.LastGatewayOverrideKey(g.federationID))
	if err != nil || !ok {
		return "", false
	}
	return string(raw), true
}

func (g *GatewayService) persistActiveGateway(ctx context.Context, id string) {
	tx, err := g.store.BeginTransaction(ctx)
	if err != nil {
		g.logger.Error("persisting active gateway", slog.String("error", err.Error()))
		return
	}
	if err := tx.Set(ctx, storage.LastGatewayOverrideKey(g.federationID), []byte(id)); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	_ = tx.Commit(ctx)
}
