package location

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
	"github.com/tallgreen-machine/FindMyCat/internal/repository"
	"github.com/tallgreen-machine/FindMyCat/internal/ws"
)

const defaultFreshnessWindow = 5 * time.Minute

// Service implements the ingest, snapshot, and device-status operations of
// the location pipeline. Broadcasts happen strictly after the persistence
// transaction commits.
type Service struct {
	repo      repository.LocationRepository
	hub       *ws.Hub
	logger    *slog.Logger
	owner     string
	freshness time.Duration
	now       func() time.Time
}

// New constructs a Service scoped to one owner.
func New(repo repository.LocationRepository, hub *ws.Hub, logger *slog.Logger, owner string, freshness time.Duration) *Service {
	if freshness <= 0 {
		freshness = defaultFreshnessWindow
	}
	if owner == "" {
		owner = "default"
	}
	if logger != nil {
		logger = logger.With("component", "location_service")
	}
	return &Service{
		repo:      repo,
		hub:       hub,
		logger:    logger,
		owner:     owner,
		freshness: freshness,
		now:       time.Now,
	}
}

// BatchResult summarises a batch ingest.
type BatchResult struct {
	Processed    int `json:"processed"`
	NewLocations int `json:"newLocations"`
}

// Ingest validates, deduplicates, and persists one sample. It returns the
// canonical stored sample and whether a new row was written. A timestamp
// equal to the device's current latest row is the defined duplicate
// condition: the call succeeds with isNew=false and nothing is written or
// broadcast. Matches against older rows are absorbed by the storage-level
// upsert instead.
func (s *Service) Ingest(ctx context.Context, sample domain.LocationSample) (*domain.LocationSample, bool, error) {
	sample.DeviceID = strings.TrimSpace(sample.DeviceID)
	sample.Owner = s.owner
	sample.RecordedAt = sample.RecordedAt.UTC()
	if err := sample.Validate(); err != nil {
		return nil, false, err
	}

	latest, err := s.repo.LatestLocation(ctx, s.owner, sample.DeviceID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}
	if latest != nil && latest.RecordedAt.Equal(sample.RecordedAt) {
		return latest, false, nil
	}

	inserted, err := s.repo.StoreLocation(ctx, &sample, s.now().UTC())
	if err != nil {
		return nil, false, err
	}
	if inserted {
		s.broadcast(sample)
	}
	return &sample, inserted, nil
}

// IngestBatch processes candidates independently: invalid entries are skipped
// without failing the batch, and persistence errors on one entry do not stop
// the rest.
func (s *Service) IngestBatch(ctx context.Context, candidates []domain.LocationSample) BatchResult {
	var result BatchResult
	for _, candidate := range candidates {
		_, isNew, err := s.Ingest(ctx, candidate)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("batch entry skipped", "device_id", candidate.DeviceID, "error", err)
			}
			continue
		}
		result.Processed++
		if isNew {
			result.NewLocations++
		}
	}
	return result
}

// Latest returns the latest-per-device projection.
func (s *Service) Latest(ctx context.Context) ([]domain.LocationSample, error) {
	return s.repo.LatestLocations(ctx, s.owner)
}

// History returns stored samples, newest first unless oldestFirst, optionally
// scoped to one device.
func (s *Service) History(ctx context.Context, deviceID string, limit int, oldestFirst bool) ([]domain.LocationSample, error) {
	return s.repo.LocationHistory(ctx, s.owner, strings.TrimSpace(deviceID), limit, oldestFirst)
}

// DeviceStatuses derives the online flag from last-seen against the
// freshness window. Statuses are computed, never stored.
func (s *Service) DeviceStatuses(ctx context.Context) ([]domain.DeviceStatus, error) {
	states, err := s.repo.ListDeviceStates(ctx, s.owner)
	if err != nil {
		return nil, err
	}
	now := s.now()
	statuses := make([]domain.DeviceStatus, 0, len(states))
	for _, st := range states {
		statuses = append(statuses, domain.DeviceStatus{
			DeviceID:  st.DeviceID,
			LastSeen:  st.LastSeen,
			Latitude:  st.Latitude,
			Longitude: st.Longitude,
			Online:    now.Sub(st.LastSeen) < s.freshness,
		})
	}
	return statuses, nil
}

// SnapshotEvent encodes the initial_locations event sent to a (re)connecting
// viewer session.
func (s *Service) SnapshotEvent(ctx context.Context) ([]byte, error) {
	latest, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return ws.MarshalInitialLocations(latest)
}

// Hub exposes the live channel hub for stream handlers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

func (s *Service) broadcast(sample domain.LocationSample) {
	if s.hub == nil {
		return
	}
	payload, err := ws.MarshalLocationUpdate(sample)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal location update", "error", err)
		}
		return
	}
	s.hub.Broadcast(payload)
}
