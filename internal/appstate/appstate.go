// Package appstate holds the bridge's in-memory root state: the decrypted
// seed, device identifier lifecycle, onboarding stage, and
// per-federation/per-community summaries, guarded by a single read/write
// lock that persists writes before releasing.
package appstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
	"github.com/fedixyz/fedi-sub003/internal/seed"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// JoinedFederationSummary is the cached per-federation display state.
type JoinedFederationSummary struct {
	FederationID string            `json:"federation_id"`
	Network      string            `json:"network"`
	DisplayName  string            `json:"display_name"`
	FeeSchedule  map[string]uint64 `json:"fee_schedule"`
}

// JoinedCommunitySummary is cached joined-community metadata.
type JoinedCommunitySummary struct {
	CommunityID string `json:"community_id"`
	Name        string `json:"name"`
	MetaURL     string `json:"meta_url,omitempty"`
}

// OnboardingStage tracks how far onboarding has progressed.
type OnboardingStage int

const (
	OnboardingInit OnboardingStage = iota
	OnboardingSocialRecovery
	OnboardingDeviceIndexSelection
	OnboardingComplete
)

// OnboardingState carries the payload for the current stage.
type OnboardingState struct {
	Stage                      OnboardingStage
	SocialRecovery             *SocialRecoveryState
	Mnemonic                   string
	EncryptedDeviceIdentifierV2 []byte
}

// SocialRecoveryState is an opaque placeholder for the in-progress social
// recovery handshake; its internal shape belongs to the recovery subsystem,
// which this package only tracks by session.
type SocialRecoveryState struct {
	SessionID string
}

// AppState holds the committed post-onboarding state.
type AppState struct {
	mu sync.RWMutex

	store *storage.Store

	seed                 *seed.Seed
	deviceIdentifierV2   string
	deviceIdentifierV1   *string
	deviceIndex          uint8
	lastDeviceRegistration time.Time

	joinedFederations  map[string]JoinedFederationSummary
	joinedCommunities  map[string]JoinedCommunitySummary

	onboarding OnboardingState
}

// New creates an AppState bound to store but not yet onboarded.
func New(store *storage.Store) *AppState {
	return &AppState{
		store:             store,
		joinedFederations: make(map[string]JoinedFederationSummary),
		joinedCommunities: make(map[string]JoinedCommunitySummary),
		onboarding:        OnboardingState{Stage: OnboardingInit},
	}
}

// persisted mirrors the fields that survive a process restart.
type persisted struct {
	DeviceIdentifierV2     string                              `json:"device_identifier_v2"`
	DeviceIdentifierV1     *string                             `json:"device_identifier_v1,omitempty"`
	DeviceIndex            uint8                               `json:"device_index"`
	LastDeviceRegistration time.Time                            `json:"last_device_registration"`
	JoinedFederations      map[string]JoinedFederationSummary   `json:"joined_federations"`
	JoinedCommunities      map[string]JoinedCommunitySummary    `json:"joined_communities"`
}

// Load reads the committed AppState from storage after the seed has been
// supplied by the caller (the seed itself is never persisted in plaintext
// outside the host's secure enclave — recreating it is out of scope here).
func Load(ctx context.Context, store *storage.Store, s *seed.Seed) (*AppState, error) {
	as := New(store)
	as.seed = s

	tx, err := store.BeginTransactionNC(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading app state: %w", err)
	}
	defer tx.Close(ctx)

	raw, ok, err := tx.Get(ctx, storage.AppStateDeviceIdentifierV2Key())
	if err != nil {
		return nil, fmt.Errorf("loading app state: %w", err)
	}
	if !ok {
		as.onboarding = OnboardingState{Stage: OnboardingInit}
		return as, nil
	}

	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding app state: %w", err)
	}
	as.deviceIdentifierV2 = p.DeviceIdentifierV2
	as.deviceIdentifierV1 = p.DeviceIdentifierV1
	as.deviceIndex = p.DeviceIndex
	as.lastDeviceRegistration = p.LastDeviceRegistration
	if p.JoinedFederations != nil {
		as.joinedFederations = p.JoinedFederations
	}
	if p.JoinedCommunities != nil {
		as.joinedCommunities = p.JoinedCommunities
	}
	as.onboarding = OnboardingState{Stage: OnboardingComplete}
	return as, nil
}

func (as *AppState) persistLocked(ctx context.Context) error {
	p := persisted{
		DeviceIdentifierV2:     as.deviceIdentifierV2,
		DeviceIdentifierV1:     as.deviceIdentifierV1,
		DeviceIndex:            as.deviceIndex,
		LastDeviceRegistration: as.lastDeviceRegistration,
		JoinedFederations:      as.joinedFederations,
		JoinedCommunities:      as.joinedCommunities,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding app state: %w", err)
	}

	tx, err := as.store.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("persisting app state: %w", err)
	}
	if err := tx.Set(ctx, storage.AppStateDeviceIdentifierV2Key(), raw); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// WithReadLock runs f holding the read lock.
func (as *AppState) WithReadLock(f func(*AppState)) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	f(as)
}

// WithWriteLock runs f holding the write lock and persists before
// returning, so no caller ever observes a write that isn't durable yet.
func (as *AppState) WithWriteLock(ctx context.Context, f func(*AppState)) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	f(as)
	return as.persistLocked(ctx)
}

// RootMnemonic returns the seed's mnemonic. Always succeeds after onboarding.
func (as *AppState) RootMnemonic() (string, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.seed == nil {
		return "", apperror.New(apperror.NotInitialized, "onboarding has not completed")
	}
	return as.seed.Mnemonic(), nil
}

// Seed returns the decrypted seed for derivation by other components.
func (as *AppState) Seed() (*seed.Seed, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.seed == nil {
		return nil, apperror.New(apperror.NotInitialized, "onboarding has not completed")
	}
	return as.seed, nil
}

// DeviceIdentifierV2 returns the committed v2 identifier; infallible
// post-onboarding.
func (as *AppState) DeviceIdentifierV2() string {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.deviceIdentifierV2
}

// DeviceIdentifierV1 returns the legacy identifier if one still exists.
func (as *AppState) DeviceIdentifierV1() (string, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.deviceIdentifierV1 == nil {
		return "", false
	}
	return *as.deviceIdentifierV1, true
}

// SetLegacyDeviceIdentifierV1 records a v1 identifier carried over from an
// upgraded install, the input to the silent v1->v2 registry migration.
func (as *AppState) SetLegacyDeviceIdentifierV1(ctx context.Context, id string) error {
	return as.WithWriteLock(ctx, func(s *AppState) {
		s.deviceIdentifierV1 = &id
	})
}

// ClearDeviceIdentifierV1 permanently removes the legacy identifier after a
// successful silent upgrade.
func (as *AppState) ClearDeviceIdentifierV1(ctx context.Context) error {
	return as.WithWriteLock(ctx, func(s *AppState) {
		s.deviceIdentifierV1 = nil
	})
}

// DeviceIndex returns the chosen device index (0..255).
func (as *AppState) DeviceIndex() uint8 {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.deviceIndex
}

// EncryptedDeviceIdentifier computes the ciphertext sent to the remote
// registry.
func (as *AppState) EncryptedDeviceIdentifier() ([]byte, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.seed == nil {
		return nil, apperror.New(apperror.NotInitialized, "onboarding has not completed")
	}
	padded, err := seed.PadDeviceIdentifier(as.deviceIdentifierV2)
	if err != nil {
		return nil, err
	}
	return as.seed.EncryptDeviceIdentifier(padded)
}

// RecordDeviceRegistrationSuccess persists the timestamp of a successful
// registry renewal, backing the "recently renewed" waiter.
func (as *AppState) RecordDeviceRegistrationSuccess(ctx context.Context, at time.Time) error {
	return as.WithWriteLock(ctx, func(s *AppState) {
		s.lastDeviceRegistration = at
	})
}

// LastDeviceRegistration returns the last successful registration time.
func (as *AppState) LastDeviceRegistration() time.Time {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.lastDeviceRegistration
}

// UpsertJoinedFederation records or updates a federation's summary.
func (as *AppState) UpsertJoinedFederation(ctx context.Context, summary JoinedFederationSummary) error {
	return as.WithWriteLock(ctx, func(s *AppState) {
		s.joinedFederations[summary.FederationID] = summary
	})
}

// RemoveJoinedFederation deletes a federation's summary (on leave).
func (as *AppState) RemoveJoinedFederation(ctx context.Context, federationID string) error {
	return as.WithWriteLock(ctx, func(s *AppState) {
		delete(s.joinedFederations, federationID)
	})
}

// JoinedFederations returns a snapshot of the current joined-federation map.
func (as *AppState) JoinedFederations() map[string]JoinedFederationSummary {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make(map[string]JoinedFederationSummary, len(as.joinedFederations))
	for k, v := range as.joinedFederations {
		out[k] = v
	}
	return out
}

// Onboarding returns the current onboarding stage snapshot.
func (as *AppState) Onboarding() OnboardingState {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.onboarding
}

// StartSocialRecovery moves a fresh install into the social-recovery stage.
func (as *AppState) StartSocialRecovery(state SocialRecoveryState) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.onboarding.Stage != OnboardingInit {
		return apperror.New(apperror.BadRequest, "social recovery can only start from the initial onboarding stage")
	}
	as.onboarding = OnboardingState{Stage: OnboardingSocialRecovery, SocialRecovery: &state}
	return nil
}

// AdvanceToDeviceIndexSelection records the mnemonic (new, imported, or
// recovered) and the encrypted identifier, leaving only the device-index
// choice before onboarding can commit.
func (as *AppState) AdvanceToDeviceIndexSelection(mnemonic string, encryptedIdentifierV2 []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.onboarding.Stage != OnboardingInit && as.onboarding.Stage != OnboardingSocialRecovery {
		return apperror.New(apperror.BadRequest, "onboarding has already advanced past seed entry")
	}
	as.onboarding = OnboardingState{
		Stage:                       OnboardingDeviceIndexSelection,
		Mnemonic:                    mnemonic,
		EncryptedDeviceIdentifierV2: encryptedIdentifierV2,
	}
	return nil
}

// CompleteOnboarding transitions from DeviceIndexSelection to a committed
// AppState. Failure leaves the onboarding state untouched so the UI can
// retry.
func (as *AppState) CompleteOnboarding(ctx context.Context, s *seed.Seed, deviceIndex uint8, identifierV2 string) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.onboarding.Stage != OnboardingDeviceIndexSelection {
		return apperror.New(apperror.BadRequest, "onboarding is not in device-index-selection stage")
	}

	as.seed = s
	as.deviceIndex = deviceIndex
	as.deviceIdentifierV2 = identifierV2
	if err := as.persistLocked(ctx); err != nil {
		return err
	}
	as.onboarding = OnboardingState{Stage: OnboardingComplete}
	return nil
}
