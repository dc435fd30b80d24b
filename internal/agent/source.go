package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
)

// Source yields position candidates from a polling origin. The boolean
// reports whether the origin changed since the previous poll; an unchanged
// origin short-circuits the cycle.
type Source interface {
	Poll(ctx context.Context) ([]domain.LocationSample, bool, error)
}

// cacheItem mirrors the entries in Apple's Find My cache file.
type cacheItem struct {
	ID         string         `json:"id"`
	Identifier string         `json:"identifier"`
	Location   *cacheLocation `json:"location"`
}

type cacheLocation struct {
	TimeStamp          *int64   `json:"timeStamp"`
	Latitude           *float64 `json:"latitude"`
	Longitude          *float64 `json:"longitude"`
	HorizontalAccuracy *float64 `json:"horizontalAccuracy"`
	Altitude           *float64 `json:"altitude"`
	PositionType       string   `json:"positionType"`
	IsOld              bool     `json:"isOld"`
}

// CacheSource reads the Find My items cache (Items.data). The file's mtime
// gates re-reads, and safe-location or stale entries are dropped.
type CacheSource struct {
	path      string
	lastMtime time.Time
}

// NewCacheSource points a source at the cache file path.
func NewCacheSource(path string) *CacheSource {
	return &CacheSource{path: path}
}

func (s *CacheSource) Poll(ctx context.Context) ([]domain.LocationSample, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("stat cache file: %w", err)
	}
	if !s.lastMtime.IsZero() && !info.ModTime().After(s.lastMtime) {
		return nil, false, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("read cache file: %w", err)
	}
	items, err := decodeCacheItems(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode cache file: %w", err)
	}
	s.lastMtime = info.ModTime()

	samples := make([]domain.LocationSample, 0, len(items))
	for _, item := range items {
		loc := item.Location
		if loc == nil || loc.PositionType == "safeLocation" || loc.IsOld {
			continue
		}
		if loc.TimeStamp == nil || loc.Latitude == nil || loc.Longitude == nil {
			continue
		}
		deviceID := item.ID
		if deviceID == "" {
			deviceID = item.Identifier
		}
		if deviceID == "" {
			deviceID = "unknown"
		}
		samples = append(samples, domain.LocationSample{
			DeviceID:   deviceID,
			Latitude:   *loc.Latitude,
			Longitude:  *loc.Longitude,
			RecordedAt: time.UnixMilli(*loc.TimeStamp).UTC(),
			Accuracy:   loc.HorizontalAccuracy,
			Altitude:   loc.Altitude,
		})
	}
	return samples, true, nil
}

// decodeCacheItems accepts both shapes the cache has been observed to use:
// a bare array or an object wrapping an "items" array.
func decodeCacheItems(raw []byte) ([]cacheItem, error) {
	var items []cacheItem
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Items []cacheItem `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Items, nil
}
