package domain

import (
	"errors"
	"math"
	"strings"
	"time"
)

// LocationSample is a single timestamped position reading for a tracked
// device. Samples are immutable once stored; the persistence identity is
// (owner, device id, recorded-at).
type LocationSample struct {
	DeviceID   string    `json:"deviceId"`
	Owner      string    `json:"-"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"timestamp"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
}

// SampleKey is the dedup/idempotency key shared by ingest and viewers.
type SampleKey struct {
	DeviceID   string
	RecordedAt time.Time
}

// Key returns the sample's dedup key with the timestamp normalised to UTC.
func (s LocationSample) Key() SampleKey {
	return SampleKey{DeviceID: s.DeviceID, RecordedAt: s.RecordedAt.UTC()}
}

// Validation failures for ingest candidates.
var (
	ErrMissingDeviceID   = errors.New("deviceId is required")
	ErrInvalidCoordinate = errors.New("latitude and longitude must be finite coordinates")
	ErrMissingTimestamp  = errors.New("timestamp is required")
)

// Validate checks the fields required before a sample may be persisted.
func (s LocationSample) Validate() error {
	if strings.TrimSpace(s.DeviceID) == "" {
		return ErrMissingDeviceID
	}
	if math.IsNaN(s.Latitude) || math.IsInf(s.Latitude, 0) ||
		math.IsNaN(s.Longitude) || math.IsInf(s.Longitude, 0) {
		return ErrInvalidCoordinate
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		return ErrInvalidCoordinate
	}
	if s.RecordedAt.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// DeviceStatus is the derived per-device liveness view. It is computed from
// the device's last-seen time and latest stored position, never stored.
type DeviceStatus struct {
	DeviceID  string    `json:"deviceId"`
	LastSeen  time.Time `json:"lastSeen"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Online    bool      `json:"online"`
}

// timestampLayouts accepted on the wire. The Find My cache client emits bare
// ISO-8601 without a zone, so RFC3339 alone is not enough.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an ISO-8601 wire timestamp. Zone-less values are
// interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
