package licensing

import "testing"

func TestTierHasFeature(t *testing.T) {
	tests := []struct {
		name     string
		tier     Tier
		feature  string
		expected bool
	}{
		{"standard has search", TierStandard, FeatureSearch, true},
		{"standard has collections", TierStandard, FeatureCollections, true},
		{"standard has no models", TierStandard, FeatureModels, false},
		{"standard has no doc-index", TierStandard, FeatureDocIndex, false},
		{"premium has multi-mode", TierPremium, FeatureMultiMode, true},
		{"premium has models", TierPremium, FeatureModels, true},
		{"premium has no config", TierPremium, FeatureConfig, false},
		{"professional has config", TierProfessional, FeatureConfig, true},
		{"professional has doc-index", TierProfessional, FeatureDocIndex, true},
		{"professional has search", TierProfessional, FeatureSearch, true},
		{"unknown tier falls back to standard", Tier(9), FeatureSearch, true},
		{"unknown tier lacks premium features", Tier(9), FeatureModels, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TierHasFeature(tt.tier, tt.feature); got != tt.expected {
				t.Errorf("TierHasFeature(%v, %v) = %v, want %v", tt.tier, tt.feature, got, tt.expected)
			}
		})
	}
}

func TestTierMaxDevices(t *testing.T) {
	tests := []struct {
		tier Tier
		want int
	}{
		{TierStandard, 2},
		{TierPremium, 5},
		{TierProfessional, 10},
		{Tier(42), 2},
	}
	for _, tt := range tests {
		if got := tt.tier.MaxDevices(); got != tt.want {
			t.Errorf("Tier(%d).MaxDevices() = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestTierName(t *testing.T) {
	if TierStandard.Name() != "standard" {
		t.Errorf("unexpected name %q", TierStandard.Name())
	}
	if TierPremium.Name() != "premium" {
		t.Errorf("unexpected name %q", TierPremium.Name())
	}
	if TierProfessional.Name() != "professional" {
		t.Errorf("unexpected name %q", TierProfessional.Name())
	}
	if Tier(0).Name() != "standard" {
		t.Errorf("unknown tier should fall back to standard, got %q", Tier(0).Name())
	}
}

func TestStatusUsable(t *testing.T) {
	usable := []LicenseStatus{StatusTrial, StatusActive}
	for _, s := range usable {
		if !s.Usable() {
			t.Errorf("status %s should be usable", s)
		}
	}
	blocked := []LicenseStatus{StatusExpired, StatusSuspended, StatusCancelled}
	for _, s := range blocked {
		if s.Usable() {
			t.Errorf("status %s should not be usable", s)
		}
	}
}
