package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func sampleAt(lat, lon float64, ts time.Time, accuracy *float64) domain.LocationSample {
	return domain.LocationSample{
		DeviceID:   "airtag-1",
		Latitude:   lat,
		Longitude:  lon,
		RecordedAt: ts,
		Accuracy:   accuracy,
	}
}

func newTestFilter(t *testing.T, store Store) (*UploadFilter, *time.Time) {
	t.Helper()
	f := NewUploadFilter(store, DefaultThresholds(), nil)
	now := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	return f, &now
}

func TestFilterColdStartAlwaysUploads(t *testing.T) {
	f, now := newTestFilter(t, NewMemoryStore())

	candidate := sampleAt(37.0, -122.0, *now, ptr(900))
	ok, reason := f.ShouldUpload("airtag-1", candidate)
	if !ok || reason != ReasonColdStart {
		t.Fatalf("expected cold start upload, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterStoreFailureDegradesToUpload(t *testing.T) {
	f, now := newTestFilter(t, failingStore{})

	ok, reason := f.ShouldUpload("airtag-1", sampleAt(37.0, -122.0, *now, nil))
	if !ok || reason != ReasonColdStart {
		t.Fatalf("expected upload on store failure, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterRateLimitsSmallMoves(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	base := sampleAt(37.00000, -122.00000, now.Add(-4*time.Second), ptr(10))
	if err := f.MarkUploaded("airtag-1", base, now.Add(-4*time.Second)); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	// Roughly 7 m away, 4 s after the last confirmed upload.
	candidate := sampleAt(37.00005, -122.00005, *now, ptr(10))
	ok, reason := f.ShouldUpload("airtag-1", candidate)
	if ok || reason != ReasonRateLimited {
		t.Fatalf("expected rate-limited rejection, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterAcceptsGenuineMovement(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	base := sampleAt(37.00000, -122.00000, now.Add(-100*time.Second), ptr(10))
	if err := f.MarkUploaded("airtag-1", base, now.Add(-100*time.Second)); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	// Roughly 1.4 km away.
	candidate := sampleAt(37.01000, -122.01000, *now, ptr(10))
	ok, reason := f.ShouldUpload("airtag-1", candidate)
	if !ok || reason != ReasonMoved {
		t.Fatalf("expected movement upload, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterRejectsStationaryWithinHeartbeat(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	base := sampleAt(37.0, -122.0, now.Add(-time.Minute), ptr(10))
	if err := f.MarkUploaded("airtag-1", base, now.Add(-time.Minute)); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	ok, reason := f.ShouldUpload("airtag-1", sampleAt(37.0, -122.0, *now, ptr(10)))
	if ok || reason != ReasonUnchanged {
		t.Fatalf("expected unchanged rejection, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterHeartbeatAfterTenMinutes(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	base := sampleAt(37.0, -122.0, now.Add(-600*time.Second), ptr(10))
	if err := f.MarkUploaded("airtag-1", base, now.Add(-600*time.Second)); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	ok, reason := f.ShouldUpload("airtag-1", sampleAt(37.0, -122.0, *now, ptr(10)))
	if !ok || reason != ReasonHeartbeat {
		t.Fatalf("expected heartbeat upload, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterAccuracyImprovement(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	base := sampleAt(37.0, -122.0, now.Add(-time.Minute), ptr(100))
	if err := f.MarkUploaded("airtag-1", base, now.Add(-time.Minute)); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	ok, reason := f.ShouldUpload("airtag-1", sampleAt(37.0, -122.0, *now, ptr(50)))
	if !ok || reason != ReasonAccuracyImproved {
		t.Fatalf("expected accuracy upload, got ok=%v reason=%q", ok, reason)
	}

	// 30% better does not clear the 40% bar.
	ok, reason = f.ShouldUpload("airtag-1", sampleAt(37.0, -122.0, *now, ptr(70)))
	if ok || reason != ReasonUnchanged {
		t.Fatalf("expected rejection below improvement bar, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterPoorAccuracyGate(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	base := sampleAt(37.00000, -122.00000, now.Add(-time.Hour), ptr(10))
	if err := f.MarkUploaded("airtag-1", base, now.Add(-time.Hour)); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	// Noisy fix near the last position: rejected even though the heartbeat
	// interval has long passed.
	ok, reason := f.ShouldUpload("airtag-1", sampleAt(37.00010, -122.00010, *now, ptr(500)))
	if ok || reason != ReasonPoorAccuracy {
		t.Fatalf("expected poor-accuracy rejection, got ok=%v reason=%q", ok, reason)
	}

	// Noisy fix far away: the movement is too large to ignore.
	ok, reason = f.ShouldUpload("airtag-1", sampleAt(37.01000, -122.01000, *now, ptr(500)))
	if !ok || reason != ReasonLargeMove {
		t.Fatalf("expected large-move upload, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterRateLimitKeyedOnConfirmationTime(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	// The source re-emits the same stale timestamp; confirmation time must
	// drive the rate limiter, not the sample's own clock.
	stale := now.Add(-time.Hour)
	if err := f.MarkUploaded("airtag-1", sampleAt(37.0, -122.0, stale, ptr(10)), now.Add(-2*time.Second)); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	ok, reason := f.ShouldUpload("airtag-1", sampleAt(37.01, -122.01, stale, ptr(10)))
	if ok || reason != ReasonRateLimited {
		t.Fatalf("expected rate limit from confirmation time, got ok=%v reason=%q", ok, reason)
	}
}

func TestFilterStateUntouchedWithoutMark(t *testing.T) {
	store := NewMemoryStore()
	f, now := newTestFilter(t, store)

	candidate := sampleAt(37.0, -122.0, *now, ptr(10))
	if ok, _ := f.ShouldUpload("airtag-1", candidate); !ok {
		t.Fatal("expected cold start upload")
	}
	// The transmission failed, so MarkUploaded was never called; the next
	// cycle must still consider the sample upload-worthy.
	if ok, reason := f.ShouldUpload("airtag-1", candidate); !ok || reason != ReasonColdStart {
		t.Fatalf("expected retry to stay upload-worthy, got ok=%v reason=%q", ok, reason)
	}
}

type failingStore struct{}

func (failingStore) Get(string) (State, bool, error) { return State{}, false, errors.New("boom") }
func (failingStore) Put(string, State) error         { return errors.New("boom") }
