package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratowatch/constellation/pkg/geo"
	"github.com/stratowatch/constellation/pkg/model"
)

var baseHour = time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

// idSeq returns a deterministic allocator starting at the given suffix.
func idSeq(start int64) func() string {
	n := start
	return func() string {
		id := model.FormatBalloonID(n)
		n++
		return id
	}
}

func f64(v float64) *float64 { return &v }

func tracked(id string, ts time.Time, lat, lon, alt float64) model.TrackedPosition {
	return model.TrackedPosition{
		BalloonID: id, Timestamp: ts, Lat: lat, Lon: lon, AltKM: alt,
		Status: model.StatusActive, Confidence: 1,
	}
}

func byID(positions []model.TrackedPosition) map[string]model.TrackedPosition {
	out := make(map[string]model.TrackedPosition, len(positions))
	for _, p := range positions {
		out[p.BalloonID] = p
	}
	return out
}

func TestFirstHourMintsEverything(t *testing.T) {
	tr := New(DefaultConfig())
	obs := []model.Observation{
		{Lat: 10, Lon: 20, AltKM: 15},
		{Lat: -30, Lon: 140, AltKM: 18},
	}

	got := tr.Track(obs, nil, nil, baseHour, idSeq(0))
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Equal(t, model.StatusNew, p.Status)
		assert.Equal(t, 1.0, p.Confidence, "first hour ever is fully confident")
		assert.Nil(t, p.SpeedKMH)
	}
	assert.Equal(t, "balloon_0000", got[0].BalloonID)
	assert.Equal(t, "balloon_0001", got[1].BalloonID)
}

func TestContinuityKeepsID(t *testing.T) {
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)
	prev := []model.TrackedPosition{tracked("balloon_0042", prevHour, 40.0, -100.0, 16.0)}

	// Drift ~80 km east.
	lat, lon := geo.Destination(40.0, -100.0, 90, 80)
	got := tr.Track([]model.Observation{{Lat: lat, Lon: lon, AltKM: 16.2}}, prev, nil, baseHour, idSeq(100))

	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, "balloon_0042", p.BalloonID)
	assert.Equal(t, model.StatusActive, p.Status)
	require.NotNil(t, p.SpeedKMH)
	assert.InDelta(t, 80.0, *p.SpeedKMH, 0.5)
	require.NotNil(t, p.HeadingDeg)
	assert.InDelta(t, 90.0, *p.HeadingDeg, 1.5)
	assert.Greater(t, p.Confidence, 0.8, "a clean continuation scores near the exp(0) ceiling")
}

func TestDistanceGateMintsNewID(t *testing.T) {
	// Scenario: a balloon jumps 800 km in one hour. The previous id must
	// not follow it; the observation gets a fresh id.
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)
	prev := []model.TrackedPosition{tracked("balloon_0001", prevHour, 0, 0, 15)}

	lat, lon := geo.Destination(0, 0, 45, 800)
	got := tr.Track([]model.Observation{{Lat: lat, Lon: lon, AltKM: 15}}, prev, nil, baseHour, idSeq(500))

	require.Len(t, got, 1)
	assert.Equal(t, "balloon_0500", got[0].BalloonID)
	assert.Equal(t, model.StatusNew, got[0].Status)
	assert.Equal(t, 0.5, got[0].Confidence)
}

func TestAltitudeGateMintsNewID(t *testing.T) {
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)
	prev := []model.TrackedPosition{tracked("balloon_0001", prevHour, 0, 0, 5)}

	got := tr.Track([]model.Observation{{Lat: 0.1, Lon: 0.1, AltKM: 16}}, prev, nil, baseHour, idSeq(500))
	require.Len(t, got, 1)
	assert.Equal(t, model.StatusNew, got[0].Status)
}

func TestHeadingGateMintsNewID(t *testing.T) {
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)

	p := tracked("balloon_0001", prevHour, 0, 0, 15)
	p.SpeedKMH = f64(100)
	p.HeadingDeg = f64(90) // heading due east

	// Observation due west: a 180 degree reversal.
	lat, lon := geo.Destination(0, 0, 270, 100)
	got := tr.Track([]model.Observation{{Lat: lat, Lon: lon, AltKM: 15}},
		[]model.TrackedPosition{p}, nil, baseHour, idSeq(500))

	require.Len(t, got, 1)
	assert.Equal(t, model.StatusNew, got[0].Status)
}

func TestUnmatchedPreviousIsRetiredSilently(t *testing.T) {
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)
	prev := []model.TrackedPosition{
		tracked("balloon_0001", prevHour, 0, 0, 15),
		tracked("balloon_0002", prevHour, 50, 50, 15),
	}

	// Only balloon_0001 has a continuation.
	got := tr.Track([]model.Observation{{Lat: 0.2, Lon: 0.2, AltKM: 15}}, prev, nil, baseHour, idSeq(500))
	require.Len(t, got, 1)
	assert.Equal(t, "balloon_0001", got[0].BalloonID)
}

func TestSwapPrevention(t *testing.T) {
	// Two balloons approach head-on. The observations at hour t are each
	// about 100 km from both previous positions; heading continuity must
	// decide the pairing, not raw distance.
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)

	a := tracked("balloon_000A", prevHour, 0, 0, 15)
	a.SpeedKMH = f64(100)
	a.HeadingDeg = f64(90) // eastbound

	b := tracked("balloon_000B", prevHour, 0.1, 1.8, 15)
	b.SpeedKMH = f64(100)
	b.HeadingDeg = f64(270) // westbound

	// Continuations: A one hour further east, B one hour further west.
	aLat, aLon := geo.Destination(0, 0, 90, 100)
	bLat, bLon := geo.Destination(0.1, 1.8, 270, 100)

	hist := History{
		"balloon_000A": {tracked("balloon_000A", prevHour.Add(-time.Hour), 0, -0.9, 15), a},
		"balloon_000B": {tracked("balloon_000B", prevHour.Add(-time.Hour), 0.1, 2.7, 15), b},
	}

	got := tr.Track([]model.Observation{
		{Lat: bLat, Lon: bLon, AltKM: 15}, // B's continuation listed first
		{Lat: aLat, Lon: aLon, AltKM: 15},
	}, []model.TrackedPosition{a, b}, hist, baseHour, idSeq(500))

	require.Len(t, got, 2)
	m := byID(got)
	require.Contains(t, m, "balloon_000A")
	require.Contains(t, m, "balloon_000B")
	assert.InDelta(t, aLon, m["balloon_000A"].Lon, 1e-6, "A keeps its eastbound continuation")
	assert.InDelta(t, bLon, m["balloon_000B"].Lon, 1e-6, "B keeps its westbound continuation")
}

func TestContestedBestDefersToAssignment(t *testing.T) {
	// Both observations are closest to the same previous balloon; the
	// assignment phase must spread them across both balloons.
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)
	prev := []model.TrackedPosition{
		tracked("balloon_0001", prevHour, 0, 0, 15),
		tracked("balloon_0002", prevHour, 0, 0.9, 15), // ~100 km east
	}

	obs := []model.Observation{
		{Lat: 0, Lon: 0.09, AltKM: 15},  // ~10 km from balloon_0001
		{Lat: 0, Lon: 0.18, AltKM: 15}, // ~20 km from balloon_0001, ~80 km from balloon_0002
	}

	got := tr.Track(obs, prev, nil, baseHour, idSeq(500))
	require.Len(t, got, 2)
	m := byID(got)
	require.Contains(t, m, "balloon_0001")
	require.Contains(t, m, "balloon_0002")
	assert.InDelta(t, 0.09, m["balloon_0001"].Lon, 1e-6)
	assert.InDelta(t, 0.18, m["balloon_0002"].Lon, 1e-6)
}

func TestAssignmentRejectsExpensiveMatch(t *testing.T) {
	// A pair that passes every hard gate but accumulates cost beyond the
	// acceptance threshold must not be matched.
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)

	p := tracked("balloon_0001", prevHour, 0, 0, 0.5)
	p.SpeedKMH = f64(100)
	p.HeadingDeg = f64(0) // northbound

	// 44 degree turn (just under the gate), near-max altitude change.
	lat, lon := geo.Destination(0, 0, 44, 100)
	got := tr.Track([]model.Observation{{Lat: lat, Lon: lon, AltKM: 10.0}},
		[]model.TrackedPosition{p}, nil, baseHour, idSeq(500))

	require.Len(t, got, 1)
	assert.Equal(t, model.StatusNew, got[0].Status, "cost above the acceptance threshold mints a new id")
}

func TestHardGatesNeverViolated(t *testing.T) {
	// Property: for every matched pair, displacement <= 600 km, altitude
	// delta <= 10 km, and heading change <= 45 degrees when prev was moving.
	tr := New(DefaultConfig())
	cfg := DefaultConfig()
	prevHour := baseHour.Add(-time.Hour)

	var prev []model.TrackedPosition
	for i := 0; i < 40; i++ {
		p := tracked(model.FormatBalloonID(int64(i)), prevHour,
			float64(i%9)*7-30, float64(i)*8.5-160, 10+float64(i%8))
		if i%3 == 0 {
			p.SpeedKMH = f64(float64(20 + i*7%180))
			p.HeadingDeg = f64(float64(i * 37 % 360))
		}
		prev = append(prev, p)
	}

	var obs []model.Observation
	for i := 0; i < 40; i++ {
		// A spread of plausible and implausible continuations.
		bearing := float64(i * 53 % 360)
		dist := float64(i * 31 % 900)
		lat, lon := geo.Destination(prev[i%len(prev)].Lat, prev[i%len(prev)].Lon, bearing, dist)
		obs = append(obs, model.Observation{Lat: lat, Lon: lon, AltKM: 8 + float64(i%14)})
	}

	got := tr.Track(obs, prev, nil, baseHour, idSeq(1000))
	prevByID := byID(prev)
	for _, p := range got {
		if p.Status != model.StatusActive {
			continue
		}
		old, ok := prevByID[p.BalloonID]
		require.True(t, ok)

		dist := geo.Haversine(old.Lat, old.Lon, p.Lat, p.Lon)
		assert.LessOrEqual(t, dist, cfg.MaxDistancePerHourKM, "id %s", p.BalloonID)
		assert.LessOrEqual(t, absFloat(p.AltKM-old.AltKM), cfg.MaxAltDeltaKM, "id %s", p.BalloonID)

		if old.HasVelocity() && *old.SpeedKMH > cfg.MinGateSpeedKMH {
			seg := geo.InitialBearing(old.Lat, old.Lon, p.Lat, p.Lon)
			assert.LessOrEqual(t, geo.AngularDiff(*old.HeadingDeg, seg), cfg.MaxDirChangeDeg,
				"id %s", p.BalloonID)
		}
	}
}

func TestIdentityStabilityAcrossHours(t *testing.T) {
	// A balloon drifting steadily keeps one id across three hours when the
	// tracker is driven hour by hour with its own output as prev.
	tr := New(DefaultConfig())
	hist := History{}

	var prev []model.TrackedPosition
	lat, lon := 20.0, -60.0
	var firstID string
	for hour := 0; hour < 4; hour++ {
		ts := baseHour.Add(time.Duration(hour-3) * time.Hour)
		obs := []model.Observation{{Lat: lat, Lon: lon, AltKM: 17}}

		got := tr.Track(obs, prev, hist, ts, idSeq(int64(hour*10)))
		require.Len(t, got, 1)
		if hour == 0 {
			firstID = got[0].BalloonID
		} else {
			assert.Equal(t, firstID, got[0].BalloonID, "hour %d", hour)
		}

		id := got[0].BalloonID
		hist[id] = append(hist[id], got[0])
		prev = got
		lat, lon = geo.Destination(lat, lon, 80, 120) // steady 120 km/h drift
	}
}

func TestSmoothedVelocityWeighting(t *testing.T) {
	prevHour := baseHour.Add(-time.Hour)
	hist := []model.TrackedPosition{}
	lat, lon := 0.0, 0.0
	speeds := []float64{60, 90, 120} // accelerating eastbound
	for i, s := range speeds {
		hist = append(hist, tracked("balloon_0001", prevHour.Add(time.Duration(i-3)*time.Hour), lat, lon, 15))
		lat, lon = geo.Destination(lat, lon, 90, s)
	}
	last := tracked("balloon_0001", prevHour, lat, lon, 15)
	hist = append(hist, last)

	vel := smoothedVelocity(last, hist)
	require.NotNil(t, vel)
	// 1-2-3 weighting: (60*1 + 90*2 + 120*3) / 6 = 100
	assert.InDelta(t, 100.0, vel.speedKMH, 1.0)
	assert.InDelta(t, 90.0, vel.headingDeg, 1.0)
}

func TestSmoothedVelocityFallsBackToRecorded(t *testing.T) {
	p := tracked("balloon_0001", baseHour, 0, 0, 15)
	assert.Nil(t, smoothedVelocity(p, nil), "no history, no recorded velocity")

	p.SpeedKMH = f64(75)
	p.HeadingDeg = f64(123)
	vel := smoothedVelocity(p, nil)
	require.NotNil(t, vel)
	assert.Equal(t, 75.0, vel.speedKMH)
	assert.Equal(t, 123.0, vel.headingDeg)
}

func TestLargeSnapshotAllMatched(t *testing.T) {
	// Sanity at fleet scale: 500 well-separated balloons all keep ids.
	tr := New(DefaultConfig())
	prevHour := baseHour.Add(-time.Hour)

	var prev []model.TrackedPosition
	var obs []model.Observation
	for i := 0; i < 500; i++ {
		lat := float64(i/25)*6 - 60
		lon := float64(i%25)*12 - 150
		prev = append(prev, tracked(model.FormatBalloonID(int64(i)), prevHour, lat, lon, 15))
		dLat, dLon := geo.Destination(lat, lon, 90, 50)
		obs = append(obs, model.Observation{Lat: dLat, Lon: dLon, AltKM: 15.3})
	}

	got := tr.Track(obs, prev, nil, baseHour, idSeq(10000))
	require.Len(t, got, 500)
	for i, p := range got {
		assert.Equal(t, model.StatusActive, p.Status, fmt.Sprintf("index %d", i))
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
