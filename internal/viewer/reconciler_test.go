package viewer

import (
	"testing"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
)

func rsample(deviceID string, ts time.Time) domain.LocationSample {
	return domain.LocationSample{
		DeviceID:   deviceID,
		Latitude:   37.0,
		Longitude:  -122.0,
		RecordedAt: ts,
	}
}

func TestReconcilerConvergesUnderReordering(t *testing.T) {
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	samples := []domain.LocationSample{
		rsample("airtag-1", base),
		rsample("airtag-1", base.Add(time.Minute)),
		rsample("airtag-1", base.Add(2*time.Minute)),
		rsample("airtag-1", base.Add(3*time.Minute)),
	}

	permutations := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}
	for _, perm := range permutations {
		rec := NewReconciler(0)
		for _, i := range perm {
			rec.Merge(samples[i])
		}
		latest, ok := rec.LatestFor("airtag-1")
		if !ok {
			t.Fatalf("permutation %v: no latest sample", perm)
		}
		if !latest.RecordedAt.Equal(base.Add(3 * time.Minute)) {
			t.Fatalf("permutation %v: latest is %v, want %v", perm, latest.RecordedAt, base.Add(3*time.Minute))
		}
		history := rec.History()
		if len(history) != len(samples) {
			t.Fatalf("permutation %v: history has %d entries, want %d", perm, len(history), len(samples))
		}
		for i := 1; i < len(history); i++ {
			if history[i].RecordedAt.Before(history[i-1].RecordedAt) {
				t.Fatalf("permutation %v: history out of order at %d", perm, i)
			}
		}
	}
}

func TestReconcilerMergeIsIdempotent(t *testing.T) {
	rec := NewReconciler(0)
	ts := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	sample := rsample("airtag-1", ts)

	if !rec.Merge(sample) {
		t.Fatal("expected first merge to report new")
	}
	if rec.Merge(sample) {
		t.Fatal("expected duplicate merge to be a no-op")
	}
	if got := len(rec.History()); got != 1 {
		t.Fatalf("expected single history entry, got %d", got)
	}
}

func TestReconcilerLatestNeverRegressesByArrivalOrder(t *testing.T) {
	rec := NewReconciler(0)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	rec.Merge(rsample("airtag-1", base.Add(time.Hour)))
	rec.Merge(rsample("airtag-1", base))

	latest, _ := rec.LatestFor("airtag-1")
	if !latest.RecordedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("latest regressed to %v", latest.RecordedAt)
	}
}

func TestReconcilerHistoryCap(t *testing.T) {
	rec := NewReconciler(3)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec.Merge(rsample("airtag-1", base.Add(time.Duration(i)*time.Minute)))
	}
	history := rec.History()
	if len(history) != 3 {
		t.Fatalf("expected capped history of 3, got %d", len(history))
	}
	if !history[0].RecordedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("expected oldest entries evicted, oldest is %v", history[0].RecordedAt)
	}

	// An evicted key can re-enter; the cap evicts data, not identity.
	if !rec.Merge(rsample("airtag-1", base)) {
		t.Fatal("expected evicted sample to merge again")
	}
}

func TestReconcilerResetRebuildsProjections(t *testing.T) {
	rec := NewReconciler(0)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	rec.Merge(rsample("airtag-1", base))
	rec.Merge(rsample("airtag-2", base))

	snapshot := []domain.LocationSample{
		rsample("airtag-3", base.Add(time.Minute)),
	}
	rec.Reset(snapshot)

	if _, ok := rec.LatestFor("airtag-1"); ok {
		t.Fatal("expected stale device to vanish after reset")
	}
	latest := rec.Latest()
	if len(latest) != 1 || latest[0].DeviceID != "airtag-3" {
		t.Fatalf("unexpected latest projection after reset: %+v", latest)
	}
}

func TestReconcilerSnapshotDeltaOverlap(t *testing.T) {
	rec := NewReconciler(0)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	overlap := rsample("airtag-1", base)
	rec.Reset([]domain.LocationSample{overlap})

	// The same sample races in through the delta stream.
	if rec.Merge(overlap) {
		t.Fatal("expected overlapping delta to deduplicate")
	}
	if got := len(rec.History()); got != 1 {
		t.Fatalf("expected single history entry, got %d", got)
	}
}
