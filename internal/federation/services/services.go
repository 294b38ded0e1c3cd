package services

import (
	"context"
	"log/slog"

	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/taskgroup"
)

// Bundle holds the collaborators every federation's ServiceSet needs but
// that don't belong to the Federation entity itself (the device-registration
// renewer is process-wide; the backup signer is the social-recovery
// subsystem). It is constructed once at bridge assembly and handed to
// NewServiceSet per federation.
type Bundle struct {
	Renewer Renewer
	Signer  Signer
	Sink    eventsink.Sink
	Logger  *slog.Logger
}

// Set bundles the four per-federation background services into a single
// federation.ServiceSet.
type Set struct {
	backup    *BackupService
	gateway   *GatewayService
	sweeper   *SweeperService
	recurring *RecurringService
}

// NewServiceSet builds the Set for f; it is the callback wired into
// federation.RegistryConfig.NewServices.
func (b *Bundle) NewServiceSet(f *federation.Federation) federation.ServiceSet {
	return &Set{
		backup:    NewBackupService(f, b.Renewer, b.Signer, b.Logger),
		gateway:   NewGatewayService(f, b.Logger),
		sweeper:   NewSweeperService(f, b.Sink, b.Logger),
		recurring: NewRecurringService(f, b.Sink, b.Logger),
	}
}

// Start spawns all four services into group, each as its own task so one of
// them exiting its loop early doesn't take the others down with it.
func (s *Set) Start(ctx context.Context, group *taskgroup.Group) {
	group.Go(func(ctx context.Context) { s.backup.Run(ctx) })
	group.Go(func(ctx context.Context) { s.gateway.Run(ctx) })
	group.Go(func(ctx context.Context) { s.sweeper.Run(ctx) })
	group.Go(func(ctx context.Context) { s.recurring.Run(ctx, group) })
}

// SelectGateway exposes the running gateway selection to callers paying a
// lightning invoice (RPC layer), without requiring them to hold a
// *GatewayService directly.
func (s *Set) SelectGateway(ctx context.Context) (federation.Gateway, error) {
	return s.gateway.SelectGateway(ctx)
}
