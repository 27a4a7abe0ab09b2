// Package windcache holds recently fetched upper-air wind vectors, keyed by
// a quantized spatial/temporal bucket. 0.1 degrees is roughly 11 km on the
// ground, inside the tracker's horizontal error budget, so nearby lookups
// collapse onto one provider request.
package windcache

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratowatch/constellation/pkg/model"
)

const (
	// CurrentTTL bounds how long a current-hour entry stays fresh.
	CurrentTTL = 30 * time.Minute
	// MaxAge bounds total retention regardless of hour.
	MaxAge = 48 * time.Hour
)

// Key quantizes a location/hour into the cache bucket.
func Key(lat, lon, altKM float64, hour time.Time) string {
	return fmt.Sprintf("%.1f:%.1f:%.1f:%d",
		round1(lat), round1(lon), round1(altKM), model.HourFloor(hour).Unix())
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

type entry struct {
	vec      model.WindVector
	fetched  time.Time
	expireAt time.Time
}

// Cache is a bounded TTL cache of wind vectors. Safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time

	hits   prometheus.Counter
	misses prometheus.Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics registers hit/miss counters on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		c.hits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "windcache_hits_total",
			Help: "Wind cache lookups served without a provider request",
		})
		c.misses = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "windcache_misses_total",
			Help: "Wind cache lookups that fell through to the provider",
		})
		reg.MustRegister(c.hits, c.misses)
	}
}

// New returns a cache bounded to maxEntries. A non-positive bound defaults
// to 10000 entries.
func New(maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &Cache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached vector for the bucket, if present and fresh.
func (c *Cache) Get(lat, lon, altKM float64, hour time.Time) (model.WindVector, bool) {
	key := Key(lat, lon, altKM, hour)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expireAt) {
		if c.misses != nil {
			c.misses.Inc()
		}
		return model.WindVector{}, false
	}
	if c.hits != nil {
		c.hits.Inc()
	}
	return e.vec, true
}

// Put stores a vector under its bucket. Entries for the current hour expire
// after CurrentTTL so a fresher forecast can replace them; everything ages
// out at MaxAge.
func (c *Cache) Put(vec model.WindVector) {
	now := c.now()
	expire := now.Add(MaxAge)
	if model.HourFloor(vec.Hour).Equal(model.HourFloor(now)) {
		expire = now.Add(CurrentTTL)
	}

	key := Key(vec.Lat, vec.Lon, vec.AltKM, vec.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry{vec: vec, fetched: now, expireAt: expire}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the oldest fetches until a quarter
// of the capacity is free.
func (c *Cache) evictLocked(now time.Time) {
	for key, e := range c.entries {
		if now.After(e.expireAt) {
			delete(c.entries, key)
		}
	}

	target := c.maxEntries - c.maxEntries/4
	for len(c.entries) > target {
		var oldestKey string
		var oldest time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.fetched.Before(oldest) {
				oldestKey = key
				oldest = e.fetched
			}
		}
		delete(c.entries, oldestKey)
	}
}
