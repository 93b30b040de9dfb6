// Package eta annotates ride candidates with the distance and travel time
// from the driver to the pickup. The values are for display only.
package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// Client is a routing engine.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

const defaultCacheSize = 1024

// Cache keeps recent routing answers so a burst of candidates around the
// same pickup costs one lookup.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	store map[string]cacheEntry
}

type cacheEntry struct {
	seconds float64
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, max: defaultCacheSize, now: time.Now, store: make(map[string]cacheEntry)}
}

// 4 decimals is ~11m, close enough to share lookups between nearby fixes
func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f>%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expires) {
		delete(c.store, k)
		return 0, false
	}
	return e.seconds, true
}

// Set stores v. A full cache first drops expired entries, then everything.
func (c *Cache) Set(a, b models.Coord, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.store) >= c.max {
		for k, e := range c.store {
			if !now.Before(e.expires) {
				delete(c.store, k)
			}
		}
		if len(c.store) >= c.max {
			c.store = make(map[string]cacheEntry)
		}
	}
	c.store[keyFor(a, b)] = cacheEntry{seconds: v, expires: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// EstimateSeconds is the straight-line fallback: distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed
	}
	return geo.Distance(from, to) * 1000 / speedMps
}

// Annotator fills the display-only distance and ETA fields of a candidate.
// Nothing in dispatch decisions reads these values.
type Annotator struct {
	Client          Client // optional
	Cache           *Cache // optional
	DefaultSpeedMps float64
	Timeout         time.Duration
}

func (a *Annotator) Annotate(from models.Coord, c *models.RideCandidate) {
	c.DistanceKm = geo.Distance(from, c.Pickup)
	c.ETASeconds = a.seconds(from, c.Pickup)
}

func (a *Annotator) seconds(from, to models.Coord) float64 {
	if a.Cache != nil {
		if v, ok := a.Cache.Get(from, to); ok {
			return v
		}
	}
	if a.Client == nil {
		return EstimateSeconds(from, to, a.DefaultSpeedMps)
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := a.Client.EstimateSeconds(ctx, from, to)
	if err != nil {
		return EstimateSeconds(from, to, a.DefaultSpeedMps)
	}
	if a.Cache != nil {
		a.Cache.Set(from, to, v)
	}
	return v
}
