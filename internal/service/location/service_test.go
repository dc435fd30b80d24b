package location

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
	"github.com/tallgreen-machine/FindMyCat/internal/repository"
	"github.com/tallgreen-machine/FindMyCat/internal/ws"
)

type stubRepo struct {
	mu       sync.Mutex
	stored   []domain.LocationSample
	storeErr error
	fetchErr error
}

func (r *stubRepo) StoreLocation(ctx context.Context, sample *domain.LocationSample, seenAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storeErr != nil {
		return false, r.storeErr
	}
	for _, existing := range r.stored {
		if existing.DeviceID == sample.DeviceID && existing.RecordedAt.Equal(sample.RecordedAt) {
			return false, nil
		}
	}
	r.stored = append(r.stored, *sample)
	return true, nil
}

func (r *stubRepo) LatestLocation(ctx context.Context, owner, deviceID string) (*domain.LocationSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	var latest *domain.LocationSample
	for i := range r.stored {
		s := r.stored[i]
		if s.DeviceID != deviceID {
			continue
		}
		if latest == nil || s.RecordedAt.After(latest.RecordedAt) {
			latest = &r.stored[i]
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (r *stubRepo) LatestLocations(ctx context.Context, owner string) ([]domain.LocationSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[string]domain.LocationSample)
	for _, s := range r.stored {
		if cur, ok := latest[s.DeviceID]; !ok || s.RecordedAt.After(cur.RecordedAt) {
			latest[s.DeviceID] = s
		}
	}
	out := make([]domain.LocationSample, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	return out, nil
}

func (r *stubRepo) LocationHistory(ctx context.Context, owner, deviceID string, limit int, oldestFirst bool) ([]domain.LocationSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LocationSample, 0, len(r.stored))
	for _, s := range r.stored {
		if deviceID == "" || s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *stubRepo) ListDeviceStates(ctx context.Context, owner string) ([]repository.DeviceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[string]domain.LocationSample)
	for _, s := range r.stored {
		if cur, ok := latest[s.DeviceID]; !ok || s.RecordedAt.After(cur.RecordedAt) {
			latest[s.DeviceID] = s
		}
	}
	out := make([]repository.DeviceState, 0, len(latest))
	for _, s := range latest {
		out = append(out, repository.DeviceState{
			DeviceID:  s.DeviceID,
			LastSeen:  s.RecordedAt,
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
		})
	}
	return out, nil
}

func (r *stubRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stored)
}

type testSubscriber struct {
	ch chan []byte
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{ch: make(chan []byte, 16)}
}

func (s *testSubscriber) Send(payload []byte) error {
	s.ch <- payload
	return nil
}

func (s *testSubscriber) Close() {}

func makeSample(deviceID string, ts time.Time) domain.LocationSample {
	return domain.LocationSample{
		DeviceID:   deviceID,
		Latitude:   37.0,
		Longitude:  -122.0,
		RecordedAt: ts,
	}
}

func TestIngestIdempotence(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil, "default", 0)
	ts := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	_, isNew, err := svc.Ingest(context.Background(), makeSample("airtag-1", ts))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if !isNew {
		t.Fatal("expected first submission to be new")
	}

	stored, isNew, err := svc.Ingest(context.Background(), makeSample("airtag-1", ts))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if isNew {
		t.Fatal("expected duplicate submission to report isNew=false")
	}
	if stored == nil || !stored.RecordedAt.Equal(ts) {
		t.Fatalf("expected canonical stored sample back, got %+v", stored)
	}
	if repo.count() != 1 {
		t.Fatalf("expected exactly one stored row, got %d", repo.count())
	}
}

func TestIngestBroadcastsAfterStore(t *testing.T) {
	repo := &stubRepo{}
	hub := ws.NewHub()
	defer hub.Close()
	svc := New(repo, hub, nil, "default", 0)

	sub := newTestSubscriber()
	hub.Register(sub)

	ts := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	if _, _, err := svc.Ingest(context.Background(), makeSample("airtag-1", ts)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	select {
	case payload := <-sub.ch:
		var event ws.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if event.Type != ws.EventLocationUpdate {
			t.Fatalf("expected location_update event, got %q", event.Type)
		}
		if event.Location == nil || event.Location.DeviceID != "airtag-1" {
			t.Fatalf("unexpected broadcast payload %+v", event)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a broadcast after persistence")
	}
}

func TestIngestDuplicateDoesNotBroadcast(t *testing.T) {
	repo := &stubRepo{}
	hub := ws.NewHub()
	defer hub.Close()
	svc := New(repo, hub, nil, "default", 0)

	ts := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	if _, _, err := svc.Ingest(context.Background(), makeSample("airtag-1", ts)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	sub := newTestSubscriber()
	hub.Register(sub)

	if _, isNew, err := svc.Ingest(context.Background(), makeSample("airtag-1", ts)); err != nil || isNew {
		t.Fatalf("duplicate ingest: isNew=%v err=%v", isNew, err)
	}

	select {
	case payload := <-sub.ch:
		t.Fatalf("expected no broadcast for duplicate, got %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIngestValidationRejectsWithoutPartialEffect(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil, "default", 0)

	bad := domain.LocationSample{
		Latitude:   37.0,
		Longitude:  -122.0,
		RecordedAt: time.Now(),
	}
	if _, _, err := svc.Ingest(context.Background(), bad); !errors.Is(err, domain.ErrMissingDeviceID) {
		t.Fatalf("expected missing device id error, got %v", err)
	}
	if repo.count() != 0 {
		t.Fatal("validation failure must not write")
	}
}

func TestIngestSurfacesPersistenceError(t *testing.T) {
	repo := &stubRepo{storeErr: errors.New("deadlock detected")}
	hub := ws.NewHub()
	defer hub.Close()
	svc := New(repo, hub, nil, "default", 0)

	sub := newTestSubscriber()
	hub.Register(sub)

	ts := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	if _, _, err := svc.Ingest(context.Background(), makeSample("airtag-1", ts)); err == nil {
		t.Fatal("expected persistence error to surface")
	}
	select {
	case <-sub.ch:
		t.Fatal("expected no broadcast on persistence failure")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIngestBatchPartialSuccess(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil, "default", 0)
	ts := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	candidates := []domain.LocationSample{
		makeSample("airtag-1", ts),
		{Latitude: 37, Longitude: -122, RecordedAt: ts}, // missing device id
		makeSample("airtag-1", ts),                      // duplicate of the first
		makeSample("airtag-2", ts),
	}
	result := svc.IngestBatch(context.Background(), candidates)
	if result.Processed != 3 {
		t.Fatalf("expected 3 processed entries, got %d", result.Processed)
	}
	if result.NewLocations != 2 {
		t.Fatalf("expected 2 new locations, got %d", result.NewLocations)
	}
	if repo.count() != 2 {
		t.Fatalf("expected 2 stored rows, got %d", repo.count())
	}
}

func TestDeviceStatusesFreshnessWindow(t *testing.T) {
	repo := &stubRepo{}
	svc := New(repo, nil, nil, "default", 5*time.Minute)
	now := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	fresh := makeSample("fresh", now.Add(-time.Minute))
	stale := makeSample("stale", now.Add(-10*time.Minute))
	for _, s := range []domain.LocationSample{fresh, stale} {
		if _, _, err := svc.Ingest(context.Background(), s); err != nil {
			t.Fatalf("ingest %s: %v", s.DeviceID, err)
		}
	}

	statuses, err := svc.DeviceStatuses(context.Background())
	if err != nil {
		t.Fatalf("device statuses: %v", err)
	}
	byID := make(map[string]domain.DeviceStatus)
	for _, st := range statuses {
		byID[st.DeviceID] = st
	}
	if !byID["fresh"].Online {
		t.Fatal("expected device seen a minute ago to be online")
	}
	if byID["stale"].Online {
		t.Fatal("expected device seen ten minutes ago to be offline")
	}
}
