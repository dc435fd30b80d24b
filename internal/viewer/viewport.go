package viewer

import (
	"sync"

	"github.com/tallgreen-machine/FindMyCat/pkg/geo"
)

// Map is the slice of a map widget the viewport controller drives.
type Map interface {
	FitBounds(b geo.Bounds)
	SetView(center geo.Point, zoom float64)
	Zoom() float64
}

// FitRequest asks the controller to frame a point set. Key is a one-shot
// counter: a request with a key newer than the last consumed one bypasses the
// jitter check, so an explicit user "fit" always moves the view even over
// unchanged data.
type FitRequest struct {
	Points []geo.Point
	Key    uint64
}

// ViewportController repositions the map to contain the current point set
// while suppressing jitter and staying out of the way once the user has
// navigated manually.
type ViewportController struct {
	mu        sync.Mutex
	m         Map
	eps       float64
	zoomFloor float64
	zoomCap   float64

	locked     bool
	lastKey    uint64
	lastBounds geo.Bounds
	lastCount  int
	hasFit     bool
}

const (
	defaultEpsilon   = 1e-6
	defaultZoomFloor = 15
	defaultZoomCap   = 17
)

// NewViewportController wraps a map widget with auto-fit behaviour.
func NewViewportController(m Map) *ViewportController {
	return &ViewportController{
		m:         m,
		eps:       defaultEpsilon,
		zoomFloor: defaultZoomFloor,
		zoomCap:   defaultZoomCap,
	}
}

// MarkInteracted records a manual pan or zoom. The lock is sticky for the
// session; only Reset releases it.
func (c *ViewportController) MarkInteracted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
}

// Locked reports whether auto-fit is suspended.
func (c *ViewportController) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// Reset releases the manual-navigation lock and forgets the last fit, as on
// an explicit refresh action.
func (c *ViewportController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = false
	c.hasFit = false
	c.lastCount = 0
}

// Apply processes one fit request and reports whether the view moved.
func (c *ViewportController) Apply(req FitRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return false
	}
	forced := req.Key > c.lastKey
	if req.Key > c.lastKey {
		c.lastKey = req.Key
	}
	bounds, ok := geo.BoundsOf(req.Points)
	if !ok {
		return false
	}
	if !forced && c.hasFit && len(req.Points) == c.lastCount && bounds.ApproxEqual(c.lastBounds, c.eps) {
		return false
	}

	if len(req.Points) == 1 {
		zoom := c.m.Zoom()
		if zoom < c.zoomFloor {
			zoom = c.zoomFloor
		}
		if zoom > c.zoomCap {
			zoom = c.zoomCap
		}
		c.m.SetView(req.Points[0], zoom)
	} else {
		c.m.FitBounds(bounds)
	}
	c.lastBounds = bounds
	c.lastCount = len(req.Points)
	c.hasFit = true
	return true
}
