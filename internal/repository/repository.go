package repository

import (
	"context"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
)

// DeviceState couples a device's last-seen time with its latest stored
// position, as read in one query for the status endpoint.
type DeviceState struct {
	DeviceID  string
	LastSeen  time.Time
	Latitude  float64
	Longitude float64
}

// LocationRepository persists location samples and device liveness.
type LocationRepository interface {
	// StoreLocation persists a sample with idempotent upsert semantics and
	// updates the owning device's last-seen time in the same transaction.
	// It reports whether a new row was written.
	StoreLocation(ctx context.Context, sample *domain.LocationSample, seenAt time.Time) (bool, error)
	// LatestLocation returns the most recent stored sample for one device,
	// or ErrNotFound when the device has no samples.
	LatestLocation(ctx context.Context, owner, deviceID string) (*domain.LocationSample, error)
	// LatestLocations returns the latest-per-device projection for an owner.
	LatestLocations(ctx context.Context, owner string) ([]domain.LocationSample, error)
	// LocationHistory returns up to limit samples for a device (or all
	// devices when deviceID is empty), newest first unless oldestFirst.
	LocationHistory(ctx context.Context, owner, deviceID string, limit int, oldestFirst bool) ([]domain.LocationSample, error)
	// ListDeviceStates returns last-seen and latest position per device.
	ListDeviceStates(ctx context.Context, owner string) ([]DeviceState, error)
}
