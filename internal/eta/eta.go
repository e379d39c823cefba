// Package eta estimates how long a collector needs to reach a pickup.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/waste-pickup/internal/geo"
	"github.com/example/waste-pickup/internal/models"
)

// DefaultSpeedMps is ~28.8 km/h, a city driving average.
const DefaultSpeedMps = 8.0

// Client is the interface used by the matcher to get ETAs.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// StraightLine divides great-circle distance by a fixed speed. It never fails.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, s.SpeedMps), nil
}

// EstimateSeconds is distance / speedMps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// 4 decimals is ~11 m; collectors standing still share cache entries.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Estimator asks the routing engine first, caches answers and falls back
// to a straight-line estimate when routing fails or is not configured.
type Estimator struct {
	Route    Client
	Fallback Client
	Cache    *Cache
	Logger   *slog.Logger
}

func NewEstimator(route Client, cache *Cache, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{Route: route, Fallback: StraightLine{SpeedMps: DefaultSpeedMps}, Cache: cache, Logger: logger}
}

func (e *Estimator) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if e.Route != nil {
		v, err := e.Route.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v, nil
		}
		e.Logger.Debug("routing estimate failed, using straight line", "error", err)
	}
	fb := e.Fallback
	if fb == nil {
		fb = StraightLine{}
	}
	return fb.EstimateSeconds(ctx, from, to)
}
