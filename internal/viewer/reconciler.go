package viewer

import (
	"sort"
	"sync"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
)

// Reconciler folds an initial snapshot and a live delta stream into two
// projections: a bounded timestamp-ordered history and a latest-per-device
// view. Merging is idempotent on (deviceID, timestamp), so a sample delivered
// through both the snapshot and an overlapping delta is counted once, and the
// latest view only advances on strictly newer timestamps, never on arrival
// order.
type Reconciler struct {
	mu      sync.RWMutex
	cap     int
	history []domain.LocationSample
	index   map[domain.SampleKey]struct{}
	latest  map[string]domain.LocationSample
}

// DefaultHistoryCap bounds the local history buffer.
const DefaultHistoryCap = 500

// NewReconciler builds an empty reconciler retaining at most cap samples.
func NewReconciler(cap int) *Reconciler {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	return &Reconciler{
		cap:    cap,
		index:  make(map[domain.SampleKey]struct{}),
		latest: make(map[string]domain.LocationSample),
	}
}

// Merge folds one sample into both projections. It reports whether the sample
// was new; duplicates are a no-op.
func (r *Reconciler) Merge(sample domain.LocationSample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergeLocked(sample)
}

// Reset rebuilds both projections from a fresh snapshot, discarding all
// previously merged state. Used on (re)connect so a missed delta window
// cannot leave the projections corrupted.
func (r *Reconciler) Reset(samples []domain.LocationSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = r.history[:0]
	r.index = make(map[domain.SampleKey]struct{})
	r.latest = make(map[string]domain.LocationSample)
	for _, sample := range samples {
		r.mergeLocked(sample)
	}
}

func (r *Reconciler) mergeLocked(sample domain.LocationSample) bool {
	key := sample.Key()
	if _, dup := r.index[key]; dup {
		return false
	}
	r.index[key] = struct{}{}

	// Insert keeping history sorted by timestamp. Appends dominate in
	// practice since deltas arrive roughly in order.
	pos := sort.Search(len(r.history), func(i int) bool {
		return r.history[i].RecordedAt.After(sample.RecordedAt)
	})
	r.history = append(r.history, domain.LocationSample{})
	copy(r.history[pos+1:], r.history[pos:])
	r.history[pos] = sample

	if len(r.history) > r.cap {
		evicted := r.history[0]
		delete(r.index, evicted.Key())
		r.history = append(r.history[:0], r.history[1:]...)
	}

	if current, ok := r.latest[sample.DeviceID]; !ok || sample.RecordedAt.After(current.RecordedAt) {
		r.latest[sample.DeviceID] = sample
	}
	return true
}

// History returns the bounded history ordered oldest first.
func (r *Reconciler) History() []domain.LocationSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.LocationSample, len(r.history))
	copy(out, r.history)
	return out
}

// Latest returns the latest-per-device projection.
func (r *Reconciler) Latest() []domain.LocationSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.LocationSample, 0, len(r.latest))
	for _, sample := range r.latest {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// LatestFor returns the newest sample for one device.
func (r *Reconciler) LatestFor(deviceID string) (domain.LocationSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sample, ok := r.latest[deviceID]
	return sample, ok
}
