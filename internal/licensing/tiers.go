// Package licensing holds the license domain model: subscription tiers,
// token claims, the signing codec and the shared error taxonomy.
package licensing

// Tier is an ordered subscription level. Higher tiers include every
// feature of the tiers below them.
type Tier int

const (
	TierStandard     Tier = 1
	TierPremium      Tier = 2
	TierProfessional Tier = 3
)

// Feature constants embedded in license tokens and checked by the client.
const (
	FeatureSearch      = "search"
	FeatureCollections = "collections"
	FeatureMultiMode   = "multi-mode"
	FeatureModels      = "models"
	FeatureConfig      = "config"
	FeatureDocIndex    = "doc-index"
)

// TierFeatures maps each tier to its included features. Loaded once;
// never mutate at runtime.
var TierFeatures = map[Tier][]string{
	TierStandard:     {FeatureSearch, FeatureCollections},
	TierPremium:      {FeatureSearch, FeatureMultiMode, FeatureCollections, FeatureModels},
	TierProfessional: {FeatureSearch, FeatureMultiMode, FeatureCollections, FeatureModels, FeatureConfig, FeatureDocIndex},
}

// tierDeviceLimits maps each tier to its active-device quota.
var tierDeviceLimits = map[Tier]int{
	TierStandard:     2,
	TierPremium:      5,
	TierProfessional: 10,
}

var tierNames = map[Tier]string{
	TierStandard:     "standard",
	TierPremium:      "premium",
	TierProfessional: "professional",
}

// Name returns the lowercase display name for the tier.
// Unknown tiers fall back to standard.
func (t Tier) Name() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return tierNames[TierStandard]
}

// Features returns the feature list for the tier.
// Unknown tiers fall back to the standard feature set.
func (t Tier) Features() []string {
	if features, ok := TierFeatures[t]; ok {
		return features
	}
	return TierFeatures[TierStandard]
}

// MaxDevices returns the active-device quota for the tier.
func (t Tier) MaxDevices() int {
	if limit, ok := tierDeviceLimits[t]; ok {
		return limit
	}
	return tierDeviceLimits[TierStandard]
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// TierHasFeature checks if a tier includes a specific feature.
func TierHasFeature(tier Tier, feature string) bool {
	for _, f := range tier.Features() {
		if f == feature {
			return true
		}
	}
	return false
}

// LicenseStatus is the lifecycle state of a customer's license.
type LicenseStatus string

const (
	StatusTrial     LicenseStatus = "trial"
	StatusActive    LicenseStatus = "active"
	StatusExpired   LicenseStatus = "expired"
	StatusSuspended LicenseStatus = "suspended"
	StatusCancelled LicenseStatus = "cancelled"
)

// Usable reports whether the status permits new activations and refreshes.
func (s LicenseStatus) Usable() bool {
	return s == StatusTrial || s == StatusActive
}
