// Package engine orchestrates license activation, refresh, validation
// and revocation over the token codec, activation throttle, device
// registry and revocation ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/aiprivatesearch/licensord/internal/metrics"
	"github.com/aiprivatesearch/licensord/internal/registry"
	"github.com/aiprivatesearch/licensord/internal/revocation"
	"github.com/aiprivatesearch/licensord/internal/store"
	"github.com/aiprivatesearch/licensord/internal/throttle"
	"github.com/rs/zerolog/log"
)

// CustomerStore is the customer persistence needed by the engine.
type CustomerStore interface {
	GetCustomerByEmail(ctx context.Context, email string) (*store.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*store.Customer, error)
	CreateCustomer(ctx context.Context, email string) (*store.Customer, error)
	SetTier(ctx context.Context, customerID string, tier licensing.Tier) error
}

// Engine is the licensing orchestrator. All externally visible
// licensing behavior goes through it.
type Engine struct {
	customers CustomerStore
	codec     *licensing.Codec
	throttle  *throttle.Throttle
	registry  *registry.Registry
	ledger    *revocation.Ledger
	hwSalt    string
	now       func() time.Time
}

// New wires an engine from its collaborators.
func New(customers CustomerStore, codec *licensing.Codec, th *throttle.Throttle, reg *registry.Registry, ledger *revocation.Ledger, hwSalt string) *Engine {
	return &Engine{
		customers: customers,
		codec:     codec,
		throttle:  th,
		registry:  reg,
		ledger:    ledger,
		hwSalt:    hwSalt,
		now:       time.Now,
	}
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ActivateInput is an activation request.
type ActivateInput struct {
	Email      string
	HardwareID string
	AppVersion string
	Label      string
	Origin     string // network origin address of the caller
}

// ActivateResult is a successful activation.
type ActivateResult struct {
	Token        string
	RefreshToken string
	Tier         licensing.Tier
	TierName     string
	Features     []string
	DeviceLimit  int
	DevicesUsed  int
	Existing     bool
	ExpiresIn    int64 // access token lifetime in seconds
}

// Activate issues an access/refresh token pair bound to the customer's
// hardware. Re-activating known hardware is idempotent and consumes no
// quota slot. Every outcome after the throttle gate is recorded against
// the (email, hardware, origin) triple, so failed attempts for unknown
// emails are throttled exactly like failed attempts for known ones.
func (e *Engine) Activate(ctx context.Context, in ActivateInput) (*ActivateResult, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return nil, fmt.Errorf("%w: email is required", licensing.ErrValidation)
	}
	if strings.TrimSpace(in.HardwareID) == "" {
		return nil, fmt.Errorf("%w: hardwareId is required", licensing.ErrValidation)
	}

	hwHash := licensing.HashHardwareID(e.hwSalt, in.HardwareID)

	if err := e.throttle.CheckAllowed(ctx, in.Email, hwHash, in.Origin); err != nil {
		// The rejection itself is not recorded as another attempt.
		metrics.ActivationsTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		return nil, err
	}

	result, err := e.activate(ctx, in, hwHash)
	if err != nil {
		if recErr := e.throttle.Record(ctx, in.Email, hwHash, in.Origin, false); recErr != nil {
			log.Warn().Err(recErr).Msg("failed to record activation attempt")
		}
		metrics.ActivationsTotal.WithLabelValues(activationOutcome(err)).Inc()
		return nil, err
	}

	if recErr := e.throttle.Record(ctx, in.Email, hwHash, in.Origin, true); recErr != nil {
		log.Warn().Err(recErr).Msg("failed to record activation attempt")
	}
	metrics.ActivationsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return result, nil
}

func (e *Engine) activate(ctx context.Context, in ActivateInput, hwHash string) (*ActivateResult, error) {
	customer, err := e.customers.GetCustomerByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if !customer.EmailVerified {
		return nil, fmt.Errorf("email not verified: %w", licensing.ErrCustomerNotFound)
	}
	if !customer.LicenseUsable(e.now()) {
		return nil, fmt.Errorf("%w: status %s", licensing.ErrLicenseInactive, customer.LicenseStatus)
	}

	device, err := e.registry.FindActive(ctx, customer.ID, hwHash)
	existing := err == nil
	if err != nil && !errors.Is(err, licensing.ErrDeviceNotFound) {
		return nil, err
	}

	if !existing {
		device, err = e.registry.Register(ctx, customer.ID, hwHash, in.Label, customer.Tier)
		if errors.Is(err, licensing.ErrDeviceNotFound) {
			// Concurrent activation of the same hardware won the insert;
			// fall back to its binding and treat ours as idempotent.
			device, err = e.registry.FindActive(ctx, customer.ID, hwHash)
			existing = err == nil
		}
		if err != nil {
			return nil, err
		}
	} else if err := e.registry.Touch(ctx, device.ID); err != nil {
		log.Warn().Err(err).Str("device", device.ID).Msg("failed to update device last-seen")
	}

	used, err := e.registry.Count(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	mint := licensing.MintInput{
		CustomerID:     customer.ID,
		Email:          customer.Email,
		Tier:           customer.Tier,
		Status:         customer.LicenseStatus,
		HardwareHash:   hwHash,
		DeviceID:       device.ID,
		CurrentDevices: used,
		AppVersion:     in.AppVersion,
	}
	access, err := e.codec.Mint(mint, licensing.TokenKindAccess)
	if err != nil {
		e.unwindRegistration(ctx, device.ID, existing)
		return nil, err
	}
	refresh, err := e.codec.Mint(mint, licensing.TokenKindRefresh)
	if err != nil {
		e.unwindRegistration(ctx, device.ID, existing)
		return nil, err
	}

	log.Info().
		Str("customer", customer.ID).
		Str("device", device.ID).
		Bool("existing", existing).
		Int("devicesUsed", used).
		Msg("license activated")

	return &ActivateResult{
		Token:        access,
		RefreshToken: refresh,
		Tier:         customer.Tier,
		TierName:     customer.Tier.Name(),
		Features:     customer.Tier.Features(),
		DeviceLimit:  customer.Tier.MaxDevices(),
		DevicesUsed:  used,
		Existing:     existing,
		ExpiresIn:    int64(licensing.AccessTokenTTL / time.Second),
	}, nil
}

// unwindRegistration removes a freshly registered device whose token
// mint failed, so no quota slot is consumed without a usable token.
// Pre-existing bindings are left alone.
func (e *Engine) unwindRegistration(ctx context.Context, deviceID string, existing bool) {
	if existing {
		return
	}
	if err := e.registry.Unregister(ctx, deviceID); err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("failed to unwind device registration")
	}
}

// Refresh mints a new access token from a valid, non-revoked refresh
// token whose device binding is still active. The new token carries the
// customer's current tier, so a mid-cycle tier change takes effect here
// without re-activation.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (string, error) {
	access, err := e.refresh(ctx, refreshToken)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues(refreshOutcome(err)).Inc()
		return "", err
	}
	metrics.RefreshesTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return access, nil
}

func (e *Engine) refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := e.codec.Verify(refreshToken)
	if err != nil {
		return "", err
	}
	if !claims.IsRefresh() {
		return "", fmt.Errorf("%w: refresh requires a refresh token", licensing.ErrValidation)
	}

	revoked, err := e.ledger.IsRevoked(ctx, licensing.HashToken(refreshToken))
	if err != nil {
		return "", err
	}
	if revoked {
		return "", licensing.ErrTokenRevoked
	}

	device, err := e.registry.Get(ctx, claims.DeviceID)
	if err != nil {
		return "", err
	}
	if device.Status != store.DeviceActive || device.CustomerID != claims.CustomerID {
		return "", fmt.Errorf("device binding no longer active: %w", licensing.ErrDeviceNotFound)
	}

	customer, err := e.customers.GetCustomerByID(ctx, claims.CustomerID)
	if err != nil {
		return "", err
	}
	if !customer.LicenseUsable(e.now()) {
		return "", fmt.Errorf("%w: status %s", licensing.ErrLicenseInactive, customer.LicenseStatus)
	}

	if err := e.registry.Touch(ctx, device.ID); err != nil {
		log.Warn().Err(err).Str("device", device.ID).Msg("failed to update device last-seen")
	}

	used, err := e.registry.Count(ctx, customer.ID)
	if err != nil {
		return "", err
	}

	// Tier is re-read from the customer record, not copied from the old
	// token, so upgrades and downgrades apply on the next refresh.
	return e.codec.Mint(licensing.MintInput{
		CustomerID:     customer.ID,
		Email:          customer.Email,
		Tier:           customer.Tier,
		Status:         customer.LicenseStatus,
		HardwareHash:   device.HardwareHash,
		DeviceID:       device.ID,
		CurrentDevices: used,
		AppVersion:     claims.AppVersion,
	}, licensing.TokenKindAccess)
}

// ValidationResult is the outcome of a token validation. Business-state
// failures set Valid=false with a stable reason; only malformed or
// corrupt input surfaces as an error.
type ValidationResult struct {
	Valid     bool
	Reason    licensing.Reason
	Email     string
	Tier      licensing.Tier
	Features  []string
	ExpiresAt time.Time
}

// Validate checks a bearer token end to end: signature and expiry,
// revocation ledger, device binding, and the customer's current license
// state.
func (e *Engine) Validate(ctx context.Context, token string) (*ValidationResult, error) {
	res, err := e.validate(ctx, token)
	switch {
	case err != nil:
		metrics.ValidationsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
	case !res.Valid:
		metrics.ValidationsTotal.WithLabelValues(string(res.Reason)).Inc()
	default:
		metrics.ValidationsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	}
	return res, err
}

func (e *Engine) validate(ctx context.Context, token string) (*ValidationResult, error) {
	claims, err := e.codec.Verify(token)
	if errors.Is(err, licensing.ErrTokenExpired) {
		return &ValidationResult{Valid: false, Reason: licensing.ReasonTokenExpired}, nil
	}
	if err != nil {
		return nil, err
	}

	revoked, err := e.ledger.IsRevoked(ctx, licensing.HashToken(token))
	if err != nil {
		return nil, err
	}
	if revoked {
		return &ValidationResult{Valid: false, Reason: licensing.ReasonRevoked}, nil
	}

	device, err := e.registry.Get(ctx, claims.DeviceID)
	if errors.Is(err, licensing.ErrDeviceNotFound) {
		return &ValidationResult{Valid: false, Reason: licensing.ReasonDeviceNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if device.Status != store.DeviceActive || device.CustomerID != claims.CustomerID {
		return &ValidationResult{Valid: false, Reason: licensing.ReasonDeviceNotFound}, nil
	}

	customer, err := e.customers.GetCustomerByID(ctx, claims.CustomerID)
	if errors.Is(err, licensing.ErrCustomerNotFound) {
		return &ValidationResult{Valid: false, Reason: licensing.ReasonCustomerNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	switch customer.LicenseStatus {
	case licensing.StatusSuspended:
		return &ValidationResult{Valid: false, Reason: licensing.ReasonLicenseSuspended}, nil
	case licensing.StatusCancelled:
		return &ValidationResult{Valid: false, Reason: licensing.ReasonLicenseInactive}, nil
	case licensing.StatusExpired:
		return &ValidationResult{Valid: false, Reason: licensing.ReasonLicenseExpired}, nil
	}
	if customer.ExpiresAt != nil && e.now().After(*customer.ExpiresAt) {
		return &ValidationResult{Valid: false, Reason: licensing.ReasonLicenseExpired}, nil
	}

	return &ValidationResult{
		Valid:     true,
		Email:     claims.Email,
		Tier:      customer.Tier,
		Features:  claims.Features,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke places a token on the deny-list and revokes its device
// binding. Expired tokens are accepted: revocation must work even after
// expiry.
func (e *Engine) Revoke(ctx context.Context, token, reason string) error {
	claims, err := e.codec.VerifyAllowExpired(token)
	if err != nil {
		return err
	}

	if err := e.ledger.Revoke(ctx, licensing.HashToken(token), claims.CustomerID, reason); err != nil {
		return err
	}

	if err := e.registry.Revoke(ctx, claims.CustomerID, claims.HardwareHash); err != nil &&
		!errors.Is(err, licensing.ErrDeviceNotFound) {
		return err
	}

	metrics.RevocationsTotal.Inc()
	log.Info().
		Str("customer", claims.CustomerID).
		Str("device", claims.DeviceID).
		Str("reason", reason).
		Msg("license token revoked")
	return nil
}

// DeviceInfo is one entry of the check-limits device list.
type DeviceInfo struct {
	DeviceID  string
	Label     string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Limits is the read-only quota projection returned by CheckLimits.
type Limits struct {
	Exists         bool
	Tier           licensing.Tier
	TierName       string
	Features       []string
	MaxDevices     int
	CurrentDevices int
	AvailableSlots int
	CanActivate    bool
	Devices        []DeviceInfo
}

// CheckLimits reports tier, quota and device usage for a customer so
// clients can explain "upgrade needed" before attempting an activation.
func (e *Engine) CheckLimits(ctx context.Context, email string) (*Limits, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", licensing.ErrValidation)
	}

	customer, err := e.customers.GetCustomerByEmail(ctx, email)
	if errors.Is(err, licensing.ErrCustomerNotFound) {
		return &Limits{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}

	devices, err := e.registry.List(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, DeviceInfo{
			DeviceID:  d.ID,
			Label:     d.Label,
			FirstSeen: d.FirstSeen,
			LastSeen:  d.LastSeen,
		})
	}

	max := customer.Tier.MaxDevices()
	used := len(devices)
	return &Limits{
		Exists:         true,
		Tier:           customer.Tier,
		TierName:       customer.Tier.Name(),
		Features:       customer.Tier.Features(),
		MaxDevices:     max,
		CurrentDevices: used,
		AvailableSlots: max - used,
		CanActivate:    used < max,
		Devices:        infos,
	}, nil
}

// RegisterCustomer creates a customer with a verified email and starts
// the trial. Called by the email-verification boundary.
func (e *Engine) RegisterCustomer(ctx context.Context, email string) (*store.Customer, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is required", licensing.ErrValidation)
	}
	return e.customers.CreateCustomer(ctx, email)
}

// ChangeTier is the administrative tier change hook. Outstanding tokens
// keep their frozen tier until the next refresh.
func (e *Engine) ChangeTier(ctx context.Context, customerID string, tier licensing.Tier) error {
	return e.customers.SetTier(ctx, customerID, tier)
}

// PublicKey returns the base64 verification key for offline validation.
func (e *Engine) PublicKey() string {
	return licensing.EncodePublicKey(e.codec.PublicKey())
}

func activationOutcome(err error) string {
	switch {
	case errors.Is(err, licensing.ErrQuotaExceeded):
		return metrics.OutcomeQuota
	case errors.Is(err, licensing.ErrLicenseInactive):
		return metrics.OutcomeInactive
	case errors.Is(err, licensing.ErrCustomerNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeError
	}
}

func refreshOutcome(err error) string {
	switch {
	case errors.Is(err, licensing.ErrTokenRevoked):
		return metrics.OutcomeRevoked
	case errors.Is(err, licensing.ErrDeviceNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, licensing.ErrLicenseInactive):
		return metrics.OutcomeInactive
	case errors.Is(err, licensing.ErrTokenExpired),
		errors.Is(err, licensing.ErrTokenSignature),
		errors.Is(err, licensing.ErrTokenMalformed):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
