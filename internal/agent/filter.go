package agent

import (
	"log/slog"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
	"github.com/tallgreen-machine/FindMyCat/pkg/geo"
)

// Thresholds tune the upload-worthiness heuristics.
type Thresholds struct {
	// DistanceMeters is the movement gate; a poor-accuracy fix must move
	// twice this far to qualify.
	DistanceMeters     float64
	PoorAccuracyMeters float64
	// AccuracyGain is the fractional accuracy improvement that justifies an
	// upload without movement (0.4 = 40% better).
	AccuracyGain float64
	MinInterval  time.Duration
	Heartbeat    time.Duration
}

// DefaultThresholds returns the production filter tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DistanceMeters:     20,
		PoorAccuracyMeters: 150,
		AccuracyGain:       0.4,
		MinInterval:        5 * time.Second,
		Heartbeat:          10 * time.Minute,
	}
}

// Upload decision reasons, recorded in logs and useful in tests.
const (
	ReasonColdStart        = "cold_start"
	ReasonPoorAccuracy     = "poor_accuracy"
	ReasonLargeMove        = "large_move_poor_accuracy"
	ReasonRateLimited      = "rate_limited"
	ReasonMoved            = "moved"
	ReasonAccuracyImproved = "accuracy_improved"
	ReasonHeartbeat        = "heartbeat"
	ReasonUnchanged        = "unchanged"
)

// UploadFilter decides whether a candidate sample differs enough from the
// last transmitted one to justify sending it. State advances only through
// MarkUploaded, which callers invoke strictly after the server acknowledged
// the transmission; a failed send therefore leaves the filter ready to retry
// the same candidate (at-least-once delivery).
type UploadFilter struct {
	store Store
	cfg   Thresholds
	log   *slog.Logger
	now   func() time.Time
}

// NewUploadFilter builds a filter over the given state store.
func NewUploadFilter(store Store, cfg Thresholds, logger *slog.Logger) *UploadFilter {
	if cfg.DistanceMeters <= 0 {
		cfg = DefaultThresholds()
	}
	if logger != nil {
		logger = logger.With("component", "upload_filter")
	}
	return &UploadFilter{store: store, cfg: cfg, log: logger, now: time.Now}
}

// ShouldUpload applies the decision ladder and returns the verdict with the
// rule that produced it.
func (f *UploadFilter) ShouldUpload(deviceID string, candidate domain.LocationSample) (bool, string) {
	state, ok, err := f.store.Get(deviceID)
	if err != nil {
		// A broken store degrades to redundant uploads, never to missed ones.
		if f.log != nil {
			f.log.Warn("filter store read failed", "device_id", deviceID, "error", err)
		}
		return true, ReasonColdStart
	}
	if !ok {
		return true, ReasonColdStart
	}

	last := state.LastSample
	dist := geo.DistanceMeters(last.Latitude, last.Longitude, candidate.Latitude, candidate.Longitude)

	if candidate.Accuracy != nil && *candidate.Accuracy > f.cfg.PoorAccuracyMeters {
		if dist > 2*f.cfg.DistanceMeters {
			return true, ReasonLargeMove
		}
		return false, ReasonPoorAccuracy
	}

	elapsed := f.now().Sub(state.LastUploadAt)
	if elapsed < f.cfg.MinInterval {
		return false, ReasonRateLimited
	}
	if dist >= f.cfg.DistanceMeters {
		return true, ReasonMoved
	}
	if candidate.Accuracy != nil && last.Accuracy != nil &&
		*candidate.Accuracy < *last.Accuracy*(1-f.cfg.AccuracyGain) {
		return true, ReasonAccuracyImproved
	}
	if elapsed >= f.cfg.Heartbeat {
		return true, ReasonHeartbeat
	}
	return false, ReasonUnchanged
}

// MarkUploaded records a confirmed transmission. The confirmation time, not
// the sample's own timestamp, drives the rate limiter so that repeated
// identical source timestamps cannot wedge it.
func (f *UploadFilter) MarkUploaded(deviceID string, sample domain.LocationSample, at time.Time) error {
	return f.store.Put(deviceID, State{LastSample: sample, LastUploadAt: at.UTC()})
}
