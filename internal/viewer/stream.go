package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
	"github.com/tallgreen-machine/FindMyCat/internal/ws"
	"github.com/tallgreen-machine/FindMyCat/pkg/api/client"
)

// SnapshotFetcher is the slice of the API client the stream uses for
// snapshot refetch and for polling while the live channel is down.
type SnapshotFetcher interface {
	LatestLocations(ctx context.Context) ([]client.Location, error)
}

// StreamConfig tunes the live subscription.
type StreamConfig struct {
	// WSURL is the ws:// or wss:// endpoint of the live channel.
	WSURL string
	// PollInterval paces snapshot polling while disconnected.
	PollInterval time.Duration
	// ReconnectDelay spaces reconnection attempts.
	ReconnectDelay time.Duration
	// SnapshotTimeout bounds a single snapshot fetch.
	SnapshotTimeout time.Duration
}

// Stream keeps a Reconciler fed from the live channel, falling back to
// periodic snapshot polling whenever the channel is down. Disconnects are
// non-fatal: the viewer keeps displaying the last known state, flagged stale,
// until a reconnect rebuilds the projections from a fresh snapshot.
type Stream struct {
	cfg      StreamConfig
	api      SnapshotFetcher
	rec      *Reconciler
	log      *slog.Logger
	onChange func()

	stale atomic.Bool

	// mu guards the in-flight snapshot fetch: a new refresh cancels the
	// previous one, and the generation counter lets the superseded call tell
	// that its result no longer matters.
	mu          sync.Mutex
	cancelFetch context.CancelFunc
	fetchGen    uint64
}

// NewStream wires a stream over its collaborators. onChange fires after every
// projection change and may be nil.
func NewStream(cfg StreamConfig, api SnapshotFetcher, rec *Reconciler, logger *slog.Logger, onChange func()) *Stream {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		cfg:      cfg,
		api:      api,
		rec:      rec,
		log:      logger.With("component", "viewer_stream"),
		onChange: onChange,
	}
}

// Stale reports whether the displayed state may lag the server.
func (s *Stream) Stale() bool {
	return s.stale.Load()
}

// Run maintains the live subscription until the context is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.stale.Store(true)
			s.log.Warn("live channel lost, polling snapshots", "error", err)
		}
		if err := s.pollUntilReconnect(ctx); err != nil {
			return err
		}
	}
}

// consume dials the live channel and applies events until it breaks.
func (s *Stream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial live channel: %w", err)
	}
	defer conn.Close()

	// Drop the connection promptly on cancellation instead of blocking in
	// ReadMessage.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read live channel: %w", err)
		}
		var event ws.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			s.log.Warn("undecodable live event", "error", err)
			continue
		}
		s.apply(event)
	}
}

func (s *Stream) apply(event ws.Event) {
	switch event.Type {
	case ws.EventInitialLocations:
		s.rec.Reset(event.Locations)
		s.stale.Store(false)
		s.notify()
	case ws.EventLocationUpdate:
		if event.Location == nil {
			return
		}
		if s.rec.Merge(*event.Location) {
			s.notify()
		}
	case ws.EventError:
		s.log.Warn("live channel error event", "message", event.Message)
	default:
		s.log.Debug("unknown live event type", "type", event.Type)
	}
}

// pollUntilReconnect keeps projections roughly current from snapshots while
// the live channel is down, waiting one ReconnectDelay before returning so
// reconnect attempts stay paced.
func (s *Stream) pollUntilReconnect(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("snapshot poll failed", "error", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.ReconnectDelay):
		return nil
	}
}

// Refresh rebuilds the projections from a fresh snapshot. Starting a new
// refresh aborts any in-flight fetch, so at most one is ever outstanding; the
// superseded call returns nil and leaves result and stale handling to its
// successor.
func (s *Stream) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
	defer cancel()

	s.mu.Lock()
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	s.cancelFetch = cancel
	s.fetchGen++
	gen := s.fetchGen
	s.mu.Unlock()

	locations, err := s.api.LatestLocations(fetchCtx)

	s.mu.Lock()
	current := gen == s.fetchGen
	if current {
		s.cancelFetch = nil
	}
	s.mu.Unlock()
	if !current {
		return nil
	}
	if err != nil {
		s.stale.Store(true)
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	s.rec.Reset(fromWire(locations))
	s.stale.Store(false)
	s.notify()
	return nil
}

func (s *Stream) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// fromWire converts API payloads to domain samples, skipping entries whose
// timestamps do not parse.
func fromWire(locations []client.Location) []domain.LocationSample {
	samples := make([]domain.LocationSample, 0, len(locations))
	for _, loc := range locations {
		ts, err := domain.ParseTimestamp(loc.Timestamp)
		if err != nil {
			continue
		}
		samples = append(samples, domain.LocationSample{
			DeviceID:   loc.DeviceID,
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
			RecordedAt: ts,
			Accuracy:   loc.Accuracy,
			Altitude:   loc.Altitude,
			Speed:      loc.Speed,
			Heading:    loc.Heading,
		})
	}
	return samples
}
