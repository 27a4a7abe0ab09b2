package windcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratowatch/constellation/pkg/model"
)

func TestKeyQuantization(t *testing.T) {
	hour := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	// Points inside the same 0.1 degree bucket share a key.
	assert.Equal(t, Key(45.12, -120.04, 15.01, hour), Key(45.08, -119.96, 14.99, hour))

	// Different hour, different key.
	assert.NotEqual(t, Key(45.1, -120.0, 15.0, hour), Key(45.1, -120.0, 15.0, hour.Add(time.Hour)))

	// Sub-hour timestamps collapse to the hour bucket.
	assert.Equal(t, Key(45.1, -120.0, 15.0, hour), Key(45.1, -120.0, 15.0, hour.Add(25*time.Minute)))
}

func TestGetPut(t *testing.T) {
	now := time.Date(2026, 8, 6, 13, 10, 0, 0, time.UTC)
	c := New(100, WithClock(func() time.Time { return now }))

	hour := time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC)
	_, ok := c.Get(45.1, -120.0, 15.0, hour)
	assert.False(t, ok)

	vec := model.WindVector{Lat: 45.1, Lon: -120.0, AltKM: 15.0, PressureHPa: 150,
		UMS: 12.5, VMS: -3.1, SpeedKMH: 46.3, DirectionDeg: 284, Hour: hour}
	c.Put(vec)

	got, ok := c.Get(45.13, -120.02, 15.04, hour.Add(10*time.Minute))
	require.True(t, ok, "lookup within the same bucket should hit")
	assert.Equal(t, vec, got)
}

func TestCurrentHourTTL(t *testing.T) {
	now := time.Date(2026, 8, 6, 13, 10, 0, 0, time.UTC)
	c := New(100, WithClock(func() time.Time { return now }))

	current := model.WindVector{Lat: 1, Lon: 2, AltKM: 15, Hour: now.Truncate(time.Hour)}
	c.Put(current)

	_, ok := c.Get(1, 2, 15, current.Hour)
	require.True(t, ok)

	// Past the 30 minute TTL the current-hour entry is stale.
	now = now.Add(31 * time.Minute)
	_, ok = c.Get(1, 2, 15, current.Hour)
	assert.False(t, ok)
}

func TestHistoricalRetention(t *testing.T) {
	now := time.Date(2026, 8, 6, 13, 10, 0, 0, time.UTC)
	c := New(100, WithClock(func() time.Time { return now }))

	past := model.WindVector{Lat: 1, Lon: 2, AltKM: 15, Hour: now.Add(-20 * time.Hour).Truncate(time.Hour)}
	c.Put(past)

	now = now.Add(2 * time.Hour)
	_, ok := c.Get(1, 2, 15, past.Hour)
	assert.True(t, ok, "historical entries survive well past 30 minutes")

	now = now.Add(MaxAge)
	_, ok = c.Get(1, 2, 15, past.Hour)
	assert.False(t, ok, "everything ages out at the absolute bound")
}

func TestBoundedEviction(t *testing.T) {
	now := time.Date(2026, 8, 6, 13, 10, 0, 0, time.UTC)
	c := New(8, WithClock(func() time.Time { return now }))

	hour := now.Add(-5 * time.Hour).Truncate(time.Hour)
	for i := 0; i < 20; i++ {
		c.Put(model.WindVector{Lat: float64(i), Lon: 0, AltKM: 15, Hour: hour})
		now = now.Add(time.Second)
	}

	assert.LessOrEqual(t, c.Len(), 8)

	// The most recent insert survives the eviction sweeps.
	_, ok := c.Get(19, 0, 15, hour)
	assert.True(t, ok)
}
