package model

import "github.com/stratowatch/constellation/pkg/geo"

// SmoothedVelocity derives a (speed km/h, heading deg) pair from the trailing
// segments of a trajectory, oldest first. Up to three segments contribute,
// weighted 1-2-3 with the most recent heaviest; heading uses the circular
// mean. Returns ok=false when fewer than two positions are available.
func SmoothedVelocity(positions []TrackedPosition) (speedKMH, headingDeg float64, ok bool) {
	if len(positions) < 2 {
		return 0, 0, false
	}

	start := len(positions) - 4
	if start < 0 {
		start = 0
	}
	recent := positions[start:]

	var speeds, headings, weights []float64
	for i := 1; i < len(recent); i++ {
		a, b := recent[i-1], recent[i]
		dt := b.Timestamp.Sub(a.Timestamp).Hours()
		if dt <= 0 {
			continue
		}
		dist := geo.Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
		speeds = append(speeds, dist/dt)
		headings = append(headings, geo.InitialBearing(a.Lat, a.Lon, b.Lat, b.Lon))
	}
	if len(speeds) == 0 {
		return 0, 0, false
	}

	for i := range speeds {
		weights = append(weights, float64(i+1))
	}

	var speedSum, weightSum float64
	for i, s := range speeds {
		speedSum += s * weights[i]
		weightSum += weights[i]
	}
	return speedSum / weightSum, geo.CircularMean(headings, weights), true
}
