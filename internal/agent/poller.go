package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
	"github.com/tallgreen-machine/FindMyCat/pkg/api/client"
)

// Uploader is the slice of the API client the poller needs.
type Uploader interface {
	Health(ctx context.Context) error
	UpdateLocation(ctx context.Context, loc client.Location) (client.UpdateResult, error)
	BatchUpdate(ctx context.Context, locs []client.Location) (client.BatchResult, error)
}

// PollerConfig tunes the polling loop.
type PollerConfig struct {
	Interval        time.Duration
	BatchSize       int
	MaxSendAttempts int
	// MaxPollErrors stops the loop after this many consecutive failed cycles.
	MaxPollErrors int
}

// Poller drives the source-to-server pipeline: read candidates, gate them
// through the upload filter, send, and only then advance filter state.
// Accepted candidates stay queued until the server acknowledges them, so a
// transport failure leaves the sample to be retried on a later cycle even
// when the source reports no change; the server's dedup makes the blind
// re-send safe (at-least-once delivery). Cycles never overlap; a slow upload
// makes the next tick a no-op rather than a concurrent reader.
type Poller struct {
	source   Source
	uploader Uploader
	filter   *UploadFilter
	cfg      PollerConfig
	log      *slog.Logger
	now      func() time.Time

	running atomic.Bool
	// lastSeen holds the newest acknowledged timestamp per device; pending
	// holds accepted candidates awaiting a confirmed send.
	lastSeen map[string]time.Time
	pending  map[string]domain.LocationSample
}

// NewPoller wires a poller over its collaborators.
func NewPoller(source Source, uploader Uploader, filter *UploadFilter, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = 3
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		uploader: uploader,
		filter:   filter,
		cfg:      cfg,
		log:      logger.With("component", "poller"),
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		pending:  make(map[string]domain.LocationSample),
	}
}

// Run polls until the context is cancelled, the consecutive-error budget is
// spent, or the server invalidates our credentials.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.uploader.Health(ctx); err != nil {
		return fmt.Errorf("server health check: %w", err)
	}
	p.log.Info("polling started", "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		if err := p.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, client.ErrSessionExpired) {
				return err
			}
			consecutive++
			p.log.Error("poll cycle failed", "error", err, "consecutive", consecutive)
			if consecutive >= p.cfg.MaxPollErrors {
				return fmt.Errorf("giving up after %d consecutive poll failures: %w", consecutive, err)
			}
		} else {
			consecutive = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single poll cycle. A cycle already in flight makes this
// call return immediately.
func (p *Poller) RunOnce(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug("previous cycle still running, skipping")
		return nil
	}
	defer p.running.Store(false)

	samples, changed, err := p.source.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll source: %w", err)
	}
	if changed {
		p.enqueue(samples)
	}
	if len(p.pending) == 0 {
		return nil
	}

	candidates := make([]domain.LocationSample, 0, len(p.pending))
	for _, sample := range p.pending {
		candidates = append(candidates, sample)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DeviceID < candidates[j].DeviceID })

	sent, err := p.send(ctx, candidates)
	if sent > 0 {
		p.log.Info("uploaded samples", "count", sent)
	}
	return err
}

// enqueue folds freshly polled samples into the pending queue. A candidate
// must be newer than both the last acknowledged upload and anything already
// queued for its device, and must pass the upload filter.
func (p *Poller) enqueue(samples []domain.LocationSample) {
	for _, sample := range samples {
		if seen, ok := p.lastSeen[sample.DeviceID]; ok && !sample.RecordedAt.After(seen) {
			continue
		}
		if queued, ok := p.pending[sample.DeviceID]; ok && !sample.RecordedAt.After(queued.RecordedAt) {
			continue
		}
		ok, reason := p.filter.ShouldUpload(sample.DeviceID, sample)
		if !ok {
			p.log.Debug("sample filtered", "device_id", sample.DeviceID, "reason", reason)
			continue
		}
		p.log.Debug("sample accepted", "device_id", sample.DeviceID, "reason", reason)
		p.pending[sample.DeviceID] = sample
	}
}

// send transmits the candidates, one request for a single sample and batch
// requests otherwise, retrying transient failures with backoff. Each request
// is acknowledged on success, so a failure mid-way keeps only the unsent
// remainder pending. Returns how many samples were acknowledged.
func (p *Poller) send(ctx context.Context, candidates []domain.LocationSample) (int, error) {
	if len(candidates) == 1 {
		err := p.withRetry(ctx, func(ctx context.Context) error {
			_, err := p.uploader.UpdateLocation(ctx, toWire(candidates[0]))
			return err
		})
		if err != nil {
			return 0, err
		}
		p.acknowledge(candidates)
		return 1, nil
	}
	sent := 0
	for start := 0; start < len(candidates); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(candidates))
		chunk := make([]client.Location, 0, end-start)
		for _, sample := range candidates[start:end] {
			chunk = append(chunk, toWire(sample))
		}
		err := p.withRetry(ctx, func(ctx context.Context) error {
			_, err := p.uploader.BatchUpdate(ctx, chunk)
			return err
		})
		if err != nil {
			return sent, err
		}
		p.acknowledge(candidates[start:end])
		sent += end - start
	}
	return sent, nil
}

// acknowledge records a confirmed transmission: filter state and the
// per-device seen map advance, and the samples leave the pending queue.
func (p *Poller) acknowledge(samples []domain.LocationSample) {
	ackAt := p.now()
	for _, sample := range samples {
		if err := p.filter.MarkUploaded(sample.DeviceID, sample, ackAt); err != nil {
			p.log.Warn("filter state write failed", "device_id", sample.DeviceID, "error", err)
		}
		p.lastSeen[sample.DeviceID] = sample.RecordedAt
		if queued, ok := p.pending[sample.DeviceID]; ok && !queued.RecordedAt.After(sample.RecordedAt) {
			delete(p.pending, sample.DeviceID)
		}
	}
}

func (p *Poller) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(p.cfg.MaxSendAttempts-1), retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var apiErr client.APIError
		if errors.Is(err, client.ErrSessionExpired) || (errors.As(err, &apiErr) && apiErr.Status < 500) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func toWire(sample domain.LocationSample) client.Location {
	return client.Location{
		DeviceID:  sample.DeviceID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Timestamp: sample.RecordedAt.UTC().Format(time.RFC3339Nano),
		Accuracy:  sample.Accuracy,
		Altitude:  sample.Altitude,
		Speed:     sample.Speed,
		Heading:   sample.Heading,
	}
}
