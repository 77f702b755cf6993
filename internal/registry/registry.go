// Package registry enforces the per-customer active-device quota and
// provides idempotent re-activation of known hardware.
package registry

import (
	"context"

	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/aiprivatesearch/licensord/internal/store"
	"github.com/google/uuid"
)

// DeviceStore is the persistence needed by the registry.
type DeviceStore interface {
	FindActiveDevice(ctx context.Context, customerID, hwHash string) (*store.Device, error)
	GetDeviceByID(ctx context.Context, deviceID string) (*store.Device, error)
	CountActiveDevices(ctx context.Context, customerID string) (int, error)
	RegisterDevice(ctx context.Context, dev *store.Device, quota int) error
	RemoveDevice(ctx context.Context, deviceID string) error
	RevokeDevice(ctx context.Context, customerID, hwHash string) error
	TouchDevice(ctx context.Context, deviceID string) error
	ListActiveDevices(ctx context.Context, customerID string) ([]*store.Device, error)
}

// Registry mediates hardware bindings for the engine.
type Registry struct {
	devices DeviceStore
}

// New creates a device registry.
func New(devices DeviceStore) *Registry {
	return &Registry{devices: devices}
}

// FindActive returns the existing active binding for the hardware, or
// licensing.ErrDeviceNotFound. Existing bindings make activation
// idempotent: re-activation reuses the same device id and consumes no
// quota slot.
func (r *Registry) FindActive(ctx context.Context, customerID, hwHash string) (*store.Device, error) {
	return r.devices.FindActiveDevice(ctx, customerID, hwHash)
}

// Get returns a binding by device id regardless of status.
func (r *Registry) Get(ctx context.Context, deviceID string) (*store.Device, error) {
	return r.devices.GetDeviceByID(ctx, deviceID)
}

// Count returns the number of active bindings for a customer.
func (r *Registry) Count(ctx context.Context, customerID string) (int, error) {
	return r.devices.CountActiveDevices(ctx, customerID)
}

// Register admits a new binding under the tier quota. Fails with
// ErrQuotaExceeded when the customer's active-device count has reached
// the quota. The quota check and insert are serialized in the store.
func (r *Registry) Register(ctx context.Context, customerID, hwHash, label string, tier licensing.Tier) (*store.Device, error) {
	if label == "" {
		label = "Unknown Device"
	}
	dev := &store.Device{
		ID:           uuid.NewString(),
		CustomerID:   customerID,
		HardwareHash: hwHash,
		Label:        label,
	}
	if err := r.devices.RegisterDevice(ctx, dev, tier.MaxDevices()); err != nil {
		return nil, err
	}
	return dev, nil
}

// Unregister removes a binding outright. Used only to unwind a
// registration whose token mint failed so no quota slot leaks.
func (r *Registry) Unregister(ctx context.Context, deviceID string) error {
	return r.devices.RemoveDevice(ctx, deviceID)
}

// Revoke flips the binding for (customer, hardware) to revoked, freeing
// its quota slot. Combine with a revocation ledger entry to invalidate
// a still-unexpired token.
func (r *Registry) Revoke(ctx context.Context, customerID, hwHash string) error {
	return r.devices.RevokeDevice(ctx, customerID, hwHash)
}

// Touch refreshes the binding's last-seen timestamp on refresh.
func (r *Registry) Touch(ctx context.Context, deviceID string) error {
	return r.devices.TouchDevice(ctx, deviceID)
}

// List returns the customer's active bindings, most recently seen first.
func (r *Registry) List(ctx context.Context, customerID string) ([]*store.Device, error) {
	return r.devices.ListActiveDevices(ctx, customerID)
}
