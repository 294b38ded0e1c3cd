package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/storage"
	"github.com/fedixyz/fedi-sub003/internal/taskgroup"
)

// State is a federation's lifecycle stage.
type State int

const (
	StateLoading State = iota
	StateReady
	StateRecovering
	StateFailed
)

// serviceStopTimeout bounds how long a leave or an aborted join waits for
// the federation's service goroutines before touching its database; a zero
// wait could start deleting keys while a service is still mid-write.
const serviceStopTimeout = 5 * time.Second

func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateRecovering:
		return "Recovering"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ServiceSet is the bundle of per-federation background services, started
// on transition to Ready and stopped when the task subgroup hosting them is
// cancelled. Concrete services live in internal/federation/services; this
// package only needs their lifecycle hook to avoid an import cycle.
type ServiceSet interface {
	Start(ctx context.Context, group *taskgroup.Group)
}

// Federation is one joined federation: an underlying client, a prefixed
// database handle, a task subgroup, and the per-federation service
// singletons.
type Federation struct {
	ID       string
	Client   UnderlyingClient
	DB       storage.SubDB
	Store    *storage.Store
	Group    *taskgroup.Group
	Fees     FeeSchedule
	services ServiceSet
}

// FederationStateMachine is a per-federation handle, cloneable to callers;
// all clones share the same state cell.
type FederationStateMachine struct {
	id string

	mu          sync.RWMutex
	state       State
	federation  *Federation
	failureErr  string
}

func newStateMachine(id string) *FederationStateMachine {
	return &FederationStateMachine{id: id, state: StateLoading}
}

// State returns the current state and, if Ready or Recovering, the
// Federation entity.
func (sm *FederationStateMachine) State() (State, *Federation, string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state, sm.federation, sm.failureErr
}

func (sm *FederationStateMachine) transitionToReady(f *Federation) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = StateReady
	sm.federation = f
}

func (sm *FederationStateMachine) transitionToRecovering(f *Federation) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = StateRecovering
	sm.federation = f
}

func (sm *FederationStateMachine) transitionRecoveringToReady() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state == StateRecovering {
		sm.state = StateReady
	}
}

func (sm *FederationStateMachine) transitionToFailed(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = StateFailed
	sm.failureErr = err.Error()
}

// FederationsLocker guarantees at most one join/load is in flight per
// FederationId across the process, via a lazily-populated map of per-id
// locks.
type FederationsLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFederationsLocker constructs an empty locker.
func NewFederationsLocker() *FederationsLocker {
	return &FederationsLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *FederationsLocker) lockFor(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// WithLock runs f while holding the per-id lock, blocking concurrent
// callers for the same id until f returns.
func (l *FederationsLocker) WithLock(id string, f func()) {
	m := l.lockFor(id)
	m.Lock()
	defer m.Unlock()
	f()
}

// Registry holds every known federation's state machine behind a lock, plus
// the dependencies needed to join/load/leave.
type Registry struct {
	mu           sync.RWMutex
	machines     map[string]*FederationStateMachine
	locker       *FederationsLocker
	store        *storage.Store
	factory      ClientFactory
	fees         RemoteFeeFetcher
	root         *taskgroup.Group
	sink         eventsink.Sink
	logger       *slog.Logger
	newServices  func(f *Federation) ServiceSet
}

// RegistryConfig bundles Registry's dependencies.
type RegistryConfig struct {
	Store       *storage.Store
	Factory     ClientFactory
	Fees        RemoteFeeFetcher
	Root        *taskgroup.Group
	Sink        eventsink.Sink
	Logger      *slog.Logger
	NewServices func(f *Federation) ServiceSet
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		machines:    make(map[string]*FederationStateMachine),
		locker:      NewFederationsLocker(),
		store:       cfg.Store,
		factory:     cfg.Factory,
		fees:        cfg.Fees,
		root:        cfg.Root,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
		newServices: cfg.NewServices,
	}
}

func (r *Registry) machineFor(id string) *FederationStateMachine {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm, ok := r.machines[id]
	if !ok {
		sm = newStateMachine(id)
		r.machines[id] = sm
	}
	return sm
}

// GetFederation requires Ready.
func (r *Registry) GetFederation(id string) (*Federation, error) {
	r.mu.RLock()
	sm, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperror.New(apperror.UnknownFederation, id)
	}
	state, f, _ := sm.State()
	if state != StateReady {
		return nil, apperror.New(apperror.UnknownFederation, fmt.Sprintf("%s is not ready (state=%s)", id, state))
	}
	return f, nil
}

// GetFederationMaybeRecovering allows Ready or Recovering.
func (r *Registry) GetFederationMaybeRecovering(id string) (*Federation, error) {
	r.mu.RLock()
	sm, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperror.New(apperror.UnknownFederation, id)
	}
	state, f, _ := sm.State()
	if state != StateReady && state != StateRecovering {
		return nil, apperror.New(apperror.UnknownFederation, fmt.Sprintf("%s is not ready or recovering (state=%s)", id, state))
	}
	return f, nil
}

// GetFederationState returns any state, including Loading/Failed.
func (r *Registry) GetFederationState(id string) (State, *Federation, string, bool) {
	r.mu.RLock()
	sm, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return 0, nil, "", false
	}
	state, f, failErr := sm.State()
	return state, f, failErr, true
}

// JoinFederation validates the invite, creates the federation's prefixed
// database, initializes the underlying client, installs per-federation
// services, commits the join to app state, and emits a federation event.
// Concurrent callers for the same id are serialized by the locker and
// observe the same resulting state; only one underlying client is ever
// constructed per id.
func (r *Registry) JoinFederation(ctx context.Context, invite InviteCode, onCommit func(ctx context.Context, f *Federation) error) (*Federation, error) {
	var result *Federation
	var resultErr error

	r.locker.WithLock(invite.FederationID, func() {
		sm := r.machineFor(invite.FederationID)
		if state, f, _ := sm.State(); state == StateReady || state == StateRecovering {
			result, resultErr = f, nil
			return
		}

		client, err := r.factory.Join(ctx, invite)
		if err != nil {
			sm.transitionToFailed(err)
			resultErr = fmt.Errorf("joining federation %s: %w", invite.FederationID, err)
			return
		}

		sub := storage.WithPrefix(storage.FederationPrefix(invite.FederationID))
		group := r.root.Sub()
		f := &Federation{ID: invite.FederationID, Client: client, DB: sub, Store: r.store, Group: group}

		if r.newServices != nil {
			f.services = r.newServices(f)
			f.services.Start(group.Context(), group)
		}

		if onCommit != nil {
			if err := onCommit(ctx, f); err != nil {
				_ = client.Forget(ctx)
				group.Shutdown(serviceStopTimeout)
				sm.transitionToFailed(err)
				resultErr = fmt.Errorf("committing join for %s: %w", invite.FederationID, err)
				return
			}
		}

		sm.transitionToReady(f)
		r.sink.Event(eventsink.EventFederation, map[string]any{"federation_id": f.ID, "status": "Ready"})
		result, resultErr = f, nil
	})

	return result, resultErr
}

// LoadFederation constructs the client, performs the blind-nonce reuse check, and either proceeds to Ready (or
// Recovering), or reports that the federation must be auto-left and
// recorded for a from-scratch rejoin.
func (r *Registry) LoadFederation(ctx context.Context, id string, recovering bool) (*Federation, bool, error) {
	var result *Federation
	var needsPendingRejoin bool
	var resultErr error

	r.locker.WithLock(id, func() {
		sm := r.machineFor(id)
		if state, f, _ := sm.State(); state == StateReady || state == StateRecovering {
			result, resultErr = f, nil
			return
		}

		client, err := r.factory.Load(ctx, id)
		if err != nil {
			sm.transitionToFailed(err)
			resultErr = fmt.Errorf("loading federation %s: %w", id, err)
			return
		}

		reused, err := client.CheckBlindNonceReuse(ctx)
		if err != nil {
			sm.transitionToFailed(err)
			resultErr = fmt.Errorf("checking blind-nonce reuse for %s: %w", id, err)
			return
		}
		if reused {
			_ = client.Forget(ctx)
			sm.transitionToFailed(fmt.Errorf("blind nonce reuse detected"))
			needsPendingRejoin = true
			return
		}

		sub := storage.WithPrefix(storage.FederationPrefix(id))
		group := r.root.Sub()
		f := &Federation{ID: id, Client: client, DB: sub, Store: r.store, Group: group}
		if r.newServices != nil {
			f.services = r.newServices(f)
			f.services.Start(group.Context(), group)
		}

		if recovering {
			sm.transitionToRecovering(f)
		} else {
			sm.transitionToReady(f)
		}
		loadedState, _, _ := sm.State()
		r.sink.Event(eventsink.EventFederation, map[string]any{"federation_id": f.ID, "status": loadedState.String()})
		result, resultErr = f, nil
	})

	return result, needsPendingRejoin, resultErr
}

// CompleteRecovery transitions a Recovering federation to Ready once the
// server-side recovery process finishes.
func (r *Registry) CompleteRecovery(id string) {
	r.mu.RLock()
	sm, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	sm.transitionRecoveringToReady()
	r.sink.Event(eventsink.EventRecoveryComplete, map[string]any{"federation_id": id})
}

// LeaveFederation cancels the federation's task subgroup, instructs the
// underlying client to forget it (best-effort), deletes its database, and
// removes the registry entry. Idempotent if interrupted after subgroup
// cancellation but before DB deletion.
func (r *Registry) LeaveFederation(ctx context.Context, id string) error {
	r.mu.Lock()
	sm, ok := r.machines[id]
	if ok {
		delete(r.machines, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	_, f, _ := sm.State()
	if f == nil {
		return nil
	}

	f.Group.Shutdown(serviceStopTimeout)
	_ = f.Client.Forget(ctx)

	tx, err := r.store.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("leaving federation %s: %w", id, err)
	}
	if err := tx.DeletePrefix(ctx, storage.FederationPrefix(id)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.sink.Event(eventsink.EventFederation, map[string]any{"federation_id": id, "status": "Left"})
	return nil
}

// LoadJoinedFederationsInBackground spawns a single task that loads every
// joined federation in parallel and, on completion, fetches the remote fee
// schedule for the union of their networks.
func (r *Registry) LoadJoinedFederationsInBackground(ids []string, networks func([]string) []string) {
	r.root.Go(func(ctx context.Context) {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, _, err := r.LoadFederation(ctx, id, false); err != nil {
					r.logger.Error("background federation load failed", slog.String("federation_id", id), slog.String("error", err.Error()))
				}
			}(id)
		}
		wg.Wait()

		if r.fees == nil {
			return
		}
		nets := networks(ids)
		if len(nets) == 0 {
			return
		}
		if _, err := r.fees.FetchFeeSchedules(ctx, nets); err != nil {
			r.logger.Error("fetching remote fee schedules failed", slog.String("error", err.Error()))
		}
	})
}
