package services

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/federation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatewayClient stubs just the gateway surface of the underlying client.
type gatewayClient struct {
	federation.UnderlyingClient
	gateways []federation.Gateway
}

func (g *gatewayClient) Gateways(ctx context.Context) ([]federation.Gateway, error) {
	return g.gateways, nil
}

func refreshWith(t *testing.T, gateways []federation.Gateway) *GatewayService {
	t.Helper()
	svc := &GatewayService{
		federationID: "fed1",
		client:       &gatewayClient{gateways: gateways},
		logger:       testLogger(),
	}
	if err := svc.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return svc
}

func TestRefreshKeepsOnlyVettedWhenAnyVettedExist(t *testing.T) {
	svc := refreshWith(t, []federation.Gateway{
		{ID: "gw-vetted", TTL: time.Hour, Vetted: true},
		{ID: "gw-unvetted", TTL: time.Hour, Vetted: false},
	})
	if len(svc.snapshot) != 1 || svc.snapshot[0].ID != "gw-vetted" {
		t.Fatalf("snapshot = %v, want only the vetted gateway", svc.snapshot)
	}
}

func TestRefreshKeepsAllWhenNoneVetted(t *testing.T) {
	svc := refreshWith(t, []federation.Gateway{
		{ID: "gw-a", TTL: time.Hour},
		{ID: "gw-b", TTL: time.Hour},
	})
	if len(svc.snapshot) != 2 {
		t.Fatalf("snapshot has %d gateways, want 2", len(svc.snapshot))
	}
}

func TestRefreshDropsAboutToExpireGateways(t *testing.T) {
	svc := refreshWith(t, []federation.Gateway{
		{ID: "gw-fresh", TTL: time.Hour},
		{ID: "gw-exactly-floor", TTL: gatewayAboutToExpire},
		{ID: "gw-stale", TTL: 10 * time.Second},
	})
	if len(svc.snapshot) != 1 || svc.snapshot[0].ID != "gw-fresh" {
		t.Fatalf("snapshot = %v, want only gw-fresh", svc.snapshot)
	}
}
