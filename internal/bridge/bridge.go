// Package bridge assembles the runtime: storage, then the event sink and
// task group, then the per-federation registry and Matrix coordinators,
// then the background services riding on top of all of it — and hands back
// a Dispatcher ready for an RPC transport to sit in front of.
//
// The underlying Fedimint client modules, the Matrix client library, and
// the RPC transport/FFI binding are supplied by the host process; Bindings
// is where their concrete implementations plug in. Bridge only ever sees
// them through the narrow interfaces declared by internal/federation,
// internal/matrix, and internal/federation/services.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/appstate"
	"github.com/fedixyz/fedi-sub003/internal/bus"
	"github.com/fedixyz/fedi-sub003/internal/cache"
	"github.com/fedixyz/fedi-sub003/internal/config"
	"github.com/fedixyz/fedi-sub003/internal/deviceregistration"
	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/filestore"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	fedservices "github.com/fedixyz/fedi-sub003/internal/federation/services"
	"github.com/fedixyz/fedi-sub003/internal/matrix"
	"github.com/fedixyz/fedi-sub003/internal/matrix/multispend"
	"github.com/fedixyz/fedi-sub003/internal/matrix/sptransfer"
	"github.com/fedixyz/fedi-sub003/internal/rpc"
	"github.com/fedixyz/fedi-sub003/internal/seed"
	"github.com/fedixyz/fedi-sub003/internal/storage"
	"github.com/fedixyz/fedi-sub003/internal/streampool"
	"github.com/fedixyz/fedi-sub003/internal/taskgroup"
)

// Bindings carries every collaborator Bridge needs that this repo
// deliberately doesn't implement, plus the per-boot identity values only
// the host process can supply.
type Bindings struct {
	// MatrixClient is the homeserver session backing C8/C9. Required.
	MatrixClient matrix.Client
	// LocalMatrixUserID is this device's own Matrix user id, needed to tell
	// a locally originated multispend/sp-transfer event apart from one
	// observed on scan. Required.
	LocalMatrixUserID string

	// ClientFactory constructs the per-federation Fedimint client. Required.
	ClientFactory federation.ClientFactory
	// RemoteFee fetches the remote fee schedule; optional, the registry is
	// nil-safe without it (fee lookups then just stay zero).
	RemoteFee federation.RemoteFeeFetcher
	// Signer produces a federation's signed backup bundle; optional, a
	// missing Signer just fails SubmitBackup calls with a plain error
	// rather than panicking (see nullSigner below).
	Signer fedservices.Signer

	// LocalSink receives events when the bridge is running in-process
	// (Remote is false in config) — the host's FFI callback into its own
	// runtime. Ignored when Remote is true, where the NATS-backed sink is
	// used instead. Optional; a nil LocalSink in a non-remote bridge falls
	// back to logging events rather than delivering them anywhere, which is
	// only useful for standalone runs and tests.
	LocalSink eventsink.Sink

	// Mnemonic is the 12-word root mnemonic the host already holds for an
	// onboarded install, supplied again on every restart since the seed
	// itself is never persisted in plaintext — the KV store is the only
	// thing that survives a restart on its own. Empty for a never-onboarded
	// install.
	Mnemonic string
	// DeviceIdentifierV2 is the host-computed per-install device identifier
	// for this boot, compared against the persisted one to detect a cloned
	// install.
	DeviceIdentifierV2 string
}

// Bridge is the fully wired runtime: every component constructed and,
// where applicable, already running in the background.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *storage.Store
	bus    *bus.Bus
	shared *cache.Cache
	files  *filestore.Store
	sink   eventsink.Sink
	root   *taskgroup.Group
	pool   *streampool.Pool

	appState  *appstate.AppState
	devicereg *deviceregistration.Service

	federations *federation.Registry
	multispend  *multispend.Coordinator
	sptransfer  *sptransfer.Coordinator

	Dispatcher *rpc.Dispatcher
	transport  *rpc.HTTPTransport
}

// nullSigner is the Signer fallback when no host Signer is bound: every
// SubmitBackup call downstream fails cleanly instead of the bridge assembly
// itself needing the social-recovery subsystem to exist.
type nullSigner struct{}

func (nullSigner) SignBackup(ctx context.Context, federationID string) ([]byte, error) {
	return nil, fmt.Errorf("no backup signer is configured for this bridge instance")
}

// New wires the entire runtime in dependency order: storage, event sink,
// app state (with the boot-time device-identifier check), task group,
// stream pool, device registration, the federation registry and its
// per-federation services, the Matrix coordinators and their background
// services, and finally the RPC dispatch table.
func New(ctx context.Context, cfg *config.Config, bindings Bindings, logger *slog.Logger) (*Bridge, error) {
	if bindings.MatrixClient == nil {
		return nil, fmt.Errorf("bridge: a matrix.Client binding is required")
	}
	if bindings.ClientFactory == nil {
		return nil, fmt.Errorf("bridge: a federation.ClientFactory binding is required")
	}

	if err := storage.Migrate(cfg.Storage.URL); err != nil {
		return nil, fmt.Errorf("running storage migrations: %w", err)
	}
	store, err := storage.New(ctx, cfg.Storage.URL, cfg.Storage.MaxConnections, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to storage: %w", err)
	}

	var natsBus *bus.Bus
	var shared *cache.Cache
	var eventSocket *rpc.EventSocket
	if cfg.Remote {
		natsBus, err = bus.Connect(cfg.NATS.URL, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connecting to bus: %w", err)
		}
		if cfg.Cache.URL != "" {
			// The cache only mirrors signals the bridge also keeps in
			// memory, so a missing cache degrades rather than fails the boot.
			shared, err = cache.New(cfg.Cache.URL, logger)
			if err != nil {
				logger.Warn("shared cache unavailable, continuing without it", slog.String("error", err.Error()))
				shared = nil
			}
		}
		eventSocket = rpc.NewEventSocket(logger)
	}

	var files *filestore.Store
	if cfg.FileStore.Enabled() {
		files, err = filestore.New(ctx, filestore.Config{
			Endpoint:  cfg.FileStore.Endpoint,
			AccessKey: cfg.FileStore.AccessKey,
			SecretKey: cfg.FileStore.SecretKey,
			Bucket:    cfg.FileStore.Bucket,
			UseSSL:    cfg.FileStore.UseSSL,
		}, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connecting to file store: %w", err)
		}
	}

	sink := buildSink(natsBus, eventSocket, bindings.LocalSink, logger)

	var sd *seed.Seed
	if bindings.Mnemonic != "" {
		sd, err = seed.FromMnemonic(bindings.Mnemonic)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("deriving seed from host-supplied mnemonic: %w", err)
		}
	}
	as, err := appstate.Load(ctx, store, sd)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading app state: %w", err)
	}
	if existing := as.DeviceIdentifierV2(); existing != "" && bindings.DeviceIdentifierV2 != "" && existing != bindings.DeviceIdentifierV2 {
		store.Close()
		return nil, &OffboardingError{Reason: DeviceIdentifierMismatch, Detail: "persisted device identifier does not match this boot's identifier"}
	}

	root := taskgroup.New(ctx)
	pool := streampool.New(root, sink, logger)

	devregSvc := deviceregistration.New(as, &deviceregistration.HTTPRegistry{
		BaseURL: cfg.DeviceRegistry.BaseURL,
		Client:  http.DefaultClient,
	}, sink, logger)
	if shared != nil {
		devregSvc.UseSharedCache(shared)
	}
	root.Go(devregSvc.Run)

	signer := bindings.Signer
	if signer == nil {
		signer = nullSigner{}
	}
	svcBundle := &fedservices.Bundle{Renewer: devregSvc, Signer: signer, Sink: sink, Logger: logger}

	fedRegistry := federation.NewRegistry(federation.RegistryConfig{
		Store:       store,
		Factory:     bindings.ClientFactory,
		Fees:        bindings.RemoteFee,
		Root:        root,
		Sink:        sink,
		Logger:      logger,
		NewServices: svcBundle.NewServiceSet,
	})

	msWithdrawalWake := wakeChannel(root, natsBus, bus.SubjectMultispendWithdrawal, "bridge-multispend-withdrawal", logger)
	msCompletionWake := wakeChannel(root, natsBus, bus.SubjectMultispendCompletion, "bridge-multispend-completion", logger)
	sptSubmitWake := wakeChannel(root, natsBus, bus.SubjectSPTransferSubmit, "bridge-sptransfer-submit", logger)
	sptAnnounceWake := wakeChannel(root, natsBus, bus.SubjectSPTransferAnnounce, "bridge-sptransfer-announce", logger)
	sptCompleteWake := wakeChannel(root, natsBus, bus.SubjectSPTransferComplete, "bridge-sptransfer-complete", logger)

	msCoordinator := multispend.New(store, bindings.MatrixClient, bindings.LocalMatrixUserID, sink, logger)
	msWithdrawal := multispend.NewWithdrawalService(store, fedRegistry, msWithdrawalWake, logger)
	msCompletionSvc := multispend.NewCompletionNotificationService(store, bindings.MatrixClient, msCompletionWake, logger)
	root.Go(msWithdrawal.Run)
	root.Go(msCompletionSvc.Run)

	sptCoordinator := sptransfer.New(store, bindings.MatrixClient, bindings.LocalMatrixUserID, logger)
	sptSubmitter := sptransfer.NewTransferSubmitter(store, fedRegistry, sptSubmitWake, logger)
	sptResponder := sptransfer.NewAccountIdResponder(store, fedRegistry, bindings.MatrixClient, sptAnnounceWake, logger)
	sptNotifier := sptransfer.NewTransferCompleteNotifier(store, bindings.MatrixClient, sptCompleteWake, logger)
	root.Go(sptSubmitter.Run)
	root.Go(sptResponder.Run)
	root.Go(sptNotifier.Run)

	b := &Bridge{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		bus:         natsBus,
		shared:      shared,
		files:       files,
		sink:        sink,
		root:        root,
		pool:        pool,
		appState:    as,
		devicereg:   devregSvc,
		federations: fedRegistry,
		multispend:  msCoordinator,
		sptransfer:  sptCoordinator,
	}

	b.Dispatcher = rpc.NewDispatcher()
	b.registerRPCMethods()

	if cfg.Remote {
		b.transport = rpc.NewHTTPTransport(b.Dispatcher, cfg.RPC.Listen, logger)
		b.transport.MountEventSocket(eventSocket)
	}

	joined := as.JoinedFederations()
	ids := make([]string, 0, len(joined))
	for id := range joined {
		ids = append(ids, id)
	}
	fedRegistry.LoadJoinedFederationsInBackground(ids, func(loaded []string) []string {
		seen := map[string]struct{}{}
		var nets []string
		for _, id := range loaded {
			summary, ok := joined[id]
			if !ok || summary.Network == "" {
				continue
			}
			if _, dup := seen[summary.Network]; dup {
				continue
			}
			seen[summary.Network] = struct{}{}
			nets = append(nets, summary.Network)
		}
		return nets
	})

	return b, nil
}

// buildSink picks the inner transport for the event sink: NATS plus the
// websocket push when remote, the host's in-process sink otherwise, falling
// back to a logging sink if neither is available (standalone runs, tests).
func buildSink(natsBus *bus.Bus, eventSocket *rpc.EventSocket, localSink eventsink.Sink, logger *slog.Logger) eventsink.Sink {
	if natsBus != nil {
		return eventsink.NewAsync(eventsink.Tee{bus.NewSink(natsBus), eventSocket}, logger)
	}
	if localSink != nil {
		return eventsink.NewAsync(localSink, logger)
	}
	return eventsink.NewAsync(eventsink.FuncSink(func(eventType string, body []byte) {
		logger.Debug("event sink (no transport bound)", slog.String("event", eventType), slog.String("body", string(body)))
	}), logger)
}

// wakeChannel subscribes a durable consumer on subject and forwards every
// delivery as a non-blocking signal, for the coordinator background
// services' optional wake parameter. Returns nil when b is nil (non-remote bridges
// rely solely on each service's periodic rescan floor).
func wakeChannel(root *taskgroup.Group, b *bus.Bus, subject, durable string, logger *slog.Logger) <-chan struct{} {
	if b == nil {
		return nil
	}
	ch := make(chan struct{}, 1)
	err := b.Consume(root.Context(), subject, durable, func(ctx context.Context, env bus.Envelope) error {
		select {
		case ch <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to subscribe wake consumer, falling back to periodic rescan only",
			slog.String("subject", subject), slog.String("error", err.Error()))
		return nil
	}
	return ch
}

// AppState exposes the app state for the RPC layer and for a host's
// onboarding flow, which runs before Bridge itself can be fully constructed
// (CompleteOnboarding needs the store but not the rest of the runtime).
func (b *Bridge) AppState() *appstate.AppState { return b.appState }

// StreamPool exposes the stream registry for RPC handlers that start a
// server-push subscription.
func (b *Bridge) StreamPool() *streampool.Pool { return b.pool }

// Start begins serving the optional HTTP RPC transport; only meaningful
// when cfg.Remote is set. Blocks until Shutdown stops it.
func (b *Bridge) Start() error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Start()
}

// shutdownTimeout bounds how long Shutdown waits for background tasks to
// exit before moving on.
const shutdownTimeout = 10 * time.Second

// Shutdown stops the optional HTTP transport, cancels every background task
// and waits up to shutdownTimeout for them to exit, then closes the bus and
// storage connections.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.transport != nil {
		if err := b.transport.Shutdown(ctx); err != nil {
			b.logger.Error("shutting down RPC HTTP transport", slog.String("error", err.Error()))
		}
	}

	if clean := b.root.Shutdown(shutdownTimeout); !clean {
		b.logger.Warn("bridge shutdown timed out waiting for background tasks")
	}

	if b.bus != nil {
		b.bus.Close()
	}
	if b.shared != nil {
		b.shared.Close()
	}
	b.store.Close()
	return nil
}
