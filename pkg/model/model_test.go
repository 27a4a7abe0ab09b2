package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservationValid(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want bool
	}{
		{"typical stratospheric position", Observation{Lat: 45.2, Lon: -120.8, AltKM: 18.5}, true},
		{"boundary latitudes", Observation{Lat: 90, Lon: 0, AltKM: 15}, true},
		{"boundary longitudes", Observation{Lat: 0, Lon: -180, AltKM: 15}, true},
		{"latitude too far north", Observation{Lat: 90.001, Lon: 0, AltKM: 15}, false},
		{"longitude out of range", Observation{Lat: 0, Lon: 180.5, AltKM: 15}, false},
		{"grounded", Observation{Lat: 0, Lon: 0, AltKM: 0}, false},
		{"negative altitude", Observation{Lat: 0, Lon: 0, AltKM: -2}, false},
		{"altitude ceiling", Observation{Lat: 0, Lon: 0, AltKM: 50}, false},
		{"NaN latitude", Observation{Lat: math.NaN(), Lon: 0, AltKM: 15}, false},
		{"infinite longitude", Observation{Lat: 0, Lon: math.Inf(1), AltKM: 15}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.obs.Valid())
		})
	}
}

func TestBalloonIDRoundTrip(t *testing.T) {
	assert.Equal(t, "balloon_0000", FormatBalloonID(0))
	assert.Equal(t, "balloon_0042", FormatBalloonID(42))
	assert.Equal(t, "balloon_9999", FormatBalloonID(9999))
	assert.Equal(t, "balloon_12345", FormatBalloonID(12345), "wide suffixes keep natural width")

	for _, n := range []int64{0, 7, 9999, 12345} {
		got, err := ParseBalloonID(FormatBalloonID(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestParseBalloonIDRejectsGarbage(t *testing.T) {
	for _, id := range []string{"", "balloon_", "balloon_abc", "ball_0001", "0001", "balloon_-3"} {
		_, err := ParseBalloonID(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestHourFloor(t *testing.T) {
	ts := time.Date(2026, 8, 6, 14, 37, 22, 991, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 6, 14, 0, 0, 0, time.UTC), HourFloor(ts))

	// Non-UTC inputs floor on the UTC hour.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, time.Date(2026, 8, 6, 19, 0, 0, 0, time.UTC),
		HourFloor(time.Date(2026, 8, 6, 14, 30, 0, 0, est)))
}

func TestValidMethod(t *testing.T) {
	assert.True(t, ValidMethod(MethodPersistence))
	assert.True(t, ValidMethod(MethodWind))
	assert.True(t, ValidMethod(MethodHybrid))
	assert.False(t, ValidMethod("kalman"))
	assert.False(t, ValidMethod(""))
}

func TestSmoothedVelocityRequiresTwoPositions(t *testing.T) {
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	_, _, ok := SmoothedVelocity(nil)
	assert.False(t, ok)

	_, _, ok = SmoothedVelocity([]TrackedPosition{{Timestamp: base, Lat: 0, Lon: 0}})
	assert.False(t, ok)

	speed, heading, ok := SmoothedVelocity([]TrackedPosition{
		{Timestamp: base.Add(-time.Hour), Lat: 0, Lon: 0},
		{Timestamp: base, Lat: 0, Lon: 0.9},
	})
	require.True(t, ok)
	assert.InDelta(t, 100.0, speed, 1.0)
	assert.InDelta(t, 90.0, heading, 0.5)
}

func TestSmoothedVelocitySkipsNonAdvancingTime(t *testing.T) {
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	// Duplicate timestamps contribute no segment.
	_, _, ok := SmoothedVelocity([]TrackedPosition{
		{Timestamp: base, Lat: 0, Lon: 0},
		{Timestamp: base, Lat: 1, Lon: 1},
	})
	assert.False(t, ok)
}
