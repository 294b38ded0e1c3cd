// Package deviceregistration implements the background lease-renewal loop
// that keeps (seed_commitment, device_index) -> encrypted_identifier_v2
// fresh against the remote device registry, detects cloned-install
// conflicts, and silently migrates a legacy v1 identifier to v2.
package deviceregistration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
	"github.com/fedixyz/fedi-sub003/internal/appstate"
	"github.com/fedixyz/fedi-sub003/internal/cache"
	"github.com/fedixyz/fedi-sub003/internal/eventsink"
	"github.com/fedixyz/fedi-sub003/internal/retry"
	"github.com/fedixyz/fedi-sub003/internal/seed"
)

// RegistrationFrequency is how often a successful lease is renewed.
const RegistrationFrequency = 15 * time.Minute

// OverdueThreshold is how long since the last success before an Overdue
// event is emitted on a transient failure.
const OverdueThreshold = 12 * time.Hour

// RecentlyRenewedWindow bounds wait_for_recently_renewed's freshness check.
const RecentlyRenewedWindow = 60 * time.Second

// Outcome classifies the remote registry's response to a registration call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAnotherDeviceOwnsIndex
	OutcomeTransientFailure
)

// SignedPayload is the Ed25519-signed envelope the registry accepts.
type SignedPayload struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Timestamp time.Time       `json:"timestamp"`
}

// RegisterRequest is the body signed and sent to the remote registry.
type RegisterRequest struct {
	SeedCommitment       string `json:"seed_commitment"`
	DeviceIndex          uint8  `json:"device_index"`
	EncryptedIdentifier  []byte `json:"encrypted_identifier"`
	ForceOverwrite       bool   `json:"force_overwrite"`
}

// Registry is the remote device-registration service consumed by this
// component; only the contract is modeled here.
type Registry interface {
	RegisterDeviceForSeed(ctx context.Context, req RegisterRequest, signature string) (Outcome, error)
}

// HTTPRegistry is a Registry backed by an HTTP POST of an Ed25519-signed
// payload.
type HTTPRegistry struct {
	BaseURL string
	Client  *http.Client
}

// RegisterDeviceForSeed implements Registry.
func (r *HTTPRegistry) RegisterDeviceForSeed(ctx context.Context, req RegisterRequest, signature string) (Outcome, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return OutcomeTransientFailure, fmt.Errorf("marshaling registration request: %w", err)
	}
	body, err := json.Marshal(SignedPayload{Payload: payload, Signature: signature, Timestamp: time.Now().UTC()})
	if err != nil {
		return OutcomeTransientFailure, fmt.Errorf("marshaling signed envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/v1/devices/register", bytes.NewReader(body))
	if err != nil {
		return OutcomeTransientFailure, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return OutcomeTransientFailure, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return OutcomeSuccess, nil
	case http.StatusConflict:
		return OutcomeAnotherDeviceOwnsIndex, nil
	default:
		b, _ := io.ReadAll(resp.Body)
		return OutcomeTransientFailure, fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(b))
	}
}

// Service runs the renewal loop.
type Service struct {
	appState *appstate.AppState
	registry Registry
	sink     eventsink.Sink
	shared   *cache.Cache
	logger   *slog.Logger

	mu                 sync.Mutex
	lastSuccess        time.Time
	recentWaiters      []chan struct{}
	upgradeAttemptedAt time.Time // per-cycle guard for the v1 open question
}

// New constructs a Service.
func New(appState *appstate.AppState, registry Registry, sink eventsink.Sink, logger *slog.Logger) *Service {
	return &Service{appState: appState, registry: registry, sink: sink, logger: logger}
}

// UseSharedCache mirrors each renewal into shared so a companion process
// (the UI half of a remote deployment) can observe lease freshness without
// this process's waiter state. Optional; nil-safe without it.
func (s *Service) UseSharedCache(c *cache.Cache) { s.shared = c }

// Run executes the renewal loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	policy := retry.DeviceRegistrationPolicy
	for {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.attempt(ctx, false)
		if err != nil {
			s.logger.Error("device registration attempt failed", slog.String("error", err.Error()))
		}

		switch outcome {
		case OutcomeSuccess:
			s.recordSuccess(ctx)
			if err := retry.Sleep(ctx, RegistrationFrequency); err != nil {
				return
			}
			continue

		case OutcomeAnotherDeviceOwnsIndex:
			if s.tryUpgrade(ctx) {
				continue
			}
			s.sink.Event(eventsink.EventDeviceRegistration, map[string]any{"status": "Conflict"})
			return

		case OutcomeTransientFailure:
			if time.Since(s.appState.LastDeviceRegistration()) > OverdueThreshold {
				s.sink.Event(eventsink.EventDeviceRegistration, map[string]any{"status": "Overdue"})
			}
			if slErr := retry.Do(ctx, "device-registration", policy, s.logger, func(ctx context.Context) error {
				outcome, err := s.attempt(ctx, false)
				if err != nil {
					return err
				}
				if outcome != OutcomeSuccess {
					return fmt.Errorf("registration outcome %v, retrying", outcome)
				}
				return nil
			}); slErr != nil {
				return
			}
			s.recordSuccess(ctx)
			if err := retry.Sleep(ctx, RegistrationFrequency); err != nil {
				return
			}
		}
	}
}

// attempt performs a single registration call using either the v1 or v2
// encrypted identifier.
func (s *Service) attempt(ctx context.Context, useV1 bool) (Outcome, error) {
	sd, err := s.appState.Seed()
	if err != nil {
		return OutcomeTransientFailure, err
	}

	var encrypted []byte
	forceOverwrite := false
	if useV1 {
		v1, ok := s.appState.DeviceIdentifierV1()
		if !ok {
			return OutcomeTransientFailure, apperror.New(apperror.BadRequest, "no v1 identifier to upgrade from")
		}
		padded, err := seed.PadDeviceIdentifier(v1)
		if err != nil {
			return OutcomeTransientFailure, err
		}
		encrypted, err = sd.EncryptDeviceIdentifier(padded)
		if err != nil {
			return OutcomeTransientFailure, err
		}
	} else {
		encrypted, err = s.appState.EncryptedDeviceIdentifier()
		if err != nil {
			return OutcomeTransientFailure, err
		}
	}

	req := RegisterRequest{
		SeedCommitment:      commitment(sd),
		DeviceIndex:         s.appState.DeviceIndex(),
		EncryptedIdentifier: encrypted,
		ForceOverwrite:      forceOverwrite,
	}
	sig := signRequest(sd, req)
	return s.registry.RegisterDeviceForSeed(ctx, req, sig)
}

// attemptV2ForceOverwrite is step 2 of the silent upgrade.
func (s *Service) attemptV2ForceOverwrite(ctx context.Context) (Outcome, error) {
	sd, err := s.appState.Seed()
	if err != nil {
		return OutcomeTransientFailure, err
	}
	encrypted, err := s.appState.EncryptedDeviceIdentifier()
	if err != nil {
		return OutcomeTransientFailure, err
	}
	req := RegisterRequest{
		SeedCommitment:      commitment(sd),
		DeviceIndex:         s.appState.DeviceIndex(),
		EncryptedIdentifier: encrypted,
		ForceOverwrite:      true,
	}
	sig := signRequest(sd, req)
	return s.registry.RegisterDeviceForSeed(ctx, req, sig)
}

// tryUpgrade implements the silent v1->v2 upgrade on conflict. It is capped
// to a single attempt per registration cycle: if the registry flips
// ownership back and forth between steps, a second conflict in the same
// cycle surfaces as a regular Conflict instead of looping.
func (s *Service) tryUpgrade(ctx context.Context) bool {
	s.mu.Lock()
	if time.Since(s.upgradeAttemptedAt) < RegistrationFrequency {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.appState.DeviceIdentifierV1(); !ok {
		s.mu.Unlock()
		return false
	}
	s.upgradeAttemptedAt = time.Now()
	s.mu.Unlock()

	outcome, err := s.attempt(ctx, true)
	if err != nil || outcome != OutcomeSuccess {
		return false
	}

	outcome, err = s.attemptV2ForceOverwrite(ctx)
	if err != nil || outcome != OutcomeSuccess {
		return false
	}

	if err := s.appState.ClearDeviceIdentifierV1(ctx); err != nil {
		s.logger.Error("failed to clear v1 identifier after successful upgrade", slog.String("error", err.Error()))
	}
	s.recordSuccess(ctx)
	return true
}

func (s *Service) recordSuccess(ctx context.Context) {
	now := time.Now()
	if err := s.appState.RecordDeviceRegistrationSuccess(ctx, now); err != nil {
		s.logger.Error("failed to persist device registration success", slog.String("error", err.Error()))
	}
	s.sink.Event(eventsink.EventDeviceRegistration, map[string]any{"status": "Success"})

	if s.shared != nil {
		sd, err := s.appState.Seed()
		if err == nil {
			key := cache.PrefixDeviceRenewal + commitment(sd)
			if err := s.shared.Set(ctx, key, cache.RenewalMarker{RenewedAt: now}, RecentlyRenewedWindow); err != nil {
				s.logger.Warn("mirroring renewal marker to shared cache failed", slog.String("error", err.Error()))
			}
		}
	}

	s.mu.Lock()
	s.lastSuccess = now
	waiters := s.recentWaiters
	s.recentWaiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// WaitForRecentlyRenewed blocks until a registration success occurred within
// the last RecentlyRenewedWindow, used by the backup service to avoid
// racing an about-to-be-lost lease.
func (s *Service) WaitForRecentlyRenewed(ctx context.Context) error {
	s.mu.Lock()
	if time.Since(s.lastSuccess) < RecentlyRenewedWindow {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.recentWaiters = append(s.recentWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func commitment(sd *seed.Seed) string {
	return fmt.Sprintf("%x", sd.DeriveChild(seed.ChildDeviceRegistration))
}

func signRequest(sd *seed.Seed, req RegisterRequest) string {
	key := sd.DeriveChild(seed.ChildDeviceRegistration)
	priv := ed25519.NewKeyFromSeed(padTo32(key))
	payload, _ := json.Marshal(req)
	return fmt.Sprintf("%x", ed25519.Sign(priv, payload))
}

func padTo32(b []byte) []byte {
	out := make([]byte, ed25519.SeedSize)
	copy(out, b)
	return out
}
