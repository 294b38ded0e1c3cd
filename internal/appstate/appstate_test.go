package appstate

import (
	"testing"

	"github.com/fedixyz/fedi-sub003/internal/seed"
)

func TestFreshAppStateHasNoDeviceIdentifierV1(t *testing.T) {
	as := New(nil)
	if _, ok := as.DeviceIdentifierV1(); ok {
		t.Fatal("fresh app state must not have a v1 identifier")
	}
}

func TestOnboardingStartsAtInit(t *testing.T) {
	as := New(nil)
	if as.Onboarding().Stage != OnboardingInit {
		t.Fatalf("expected OnboardingInit, got %v", as.Onboarding().Stage)
	}
}

func TestSeedUnavailableBeforeOnboarding(t *testing.T) {
	as := New(nil)
	if _, err := as.Seed(); err == nil {
		t.Fatal("expected an error requesting the seed before onboarding completes")
	}
}

func TestJoinedFederationsSnapshotIsIndependentCopy(t *testing.T) {
	as := New(nil)
	as.joinedFederations["fed1"] = JoinedFederationSummary{FederationID: "fed1"}

	snap := as.JoinedFederations()
	snap["fed1"] = JoinedFederationSummary{FederationID: "mutated"}

	if as.joinedFederations["fed1"].FederationID != "fed1" {
		t.Fatal("mutating the snapshot must not affect internal state")
	}
}

func TestCompleteOnboardingRequiresDeviceIndexSelectionStage(t *testing.T) {
	as := New(nil)
	s, _, err := seed.Generate()
	if err != nil {
		t.Fatalf("seed.Generate: %v", err)
	}
	if err := as.CompleteOnboarding(nil, s, 0, "device-1"); err == nil {
		t.Fatal("expected CompleteOnboarding to reject an AppState still in OnboardingInit")
	}
}
