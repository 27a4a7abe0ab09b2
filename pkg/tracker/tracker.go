// Package tracker assigns persistent balloon identities across consecutive
// hourly snapshots. It is pure: no I/O, no clocks, no stored state beyond
// what the caller passes in.
package tracker

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"github.com/stratowatch/constellation/pkg/geo"
	"github.com/stratowatch/constellation/pkg/model"
)

// Config holds the matching gates and cost weights.
type Config struct {
	MaxDistancePerHourKM float64 // hard gate on hourly displacement
	MaxAltDeltaKM        float64 // hard gate on hourly altitude change
	MaxDirChangeDeg      float64 // hard gate on heading change when prev is moving
	MinGateSpeedKMH      float64 // heading gate only applies above this speed
	TypicalDriftKM       float64 // normalizes the distance cost term

	WeightDistance float64
	WeightHeading  float64
	WeightSpeed    float64
	WeightAltitude float64

	GreedyCostThreshold float64 // commit immediately below this cost
	GreedyMaxAltDeltaKM float64 // greedy also requires a tight altitude match
	AcceptCostThreshold float64 // assignments at or above this are rejected
}

// DefaultConfig returns the production matching parameters.
func DefaultConfig() Config {
	return Config{
		MaxDistancePerHourKM: 600,
		MaxAltDeltaKM:        10,
		MaxDirChangeDeg:      45,
		MinGateSpeedKMH:      10,
		TypicalDriftKM:       150,
		WeightDistance:       0.15,
		WeightHeading:        0.55,
		WeightSpeed:          0.10,
		WeightAltitude:       0.20,
		GreedyCostThreshold:  30,
		GreedyMaxAltDeltaKM:  5,
		AcceptCostThreshold:  70,
	}
}

// History maps a balloon id to its recent tracked positions, oldest first.
// Only the last few positions matter; the tracker uses up to three trailing
// segments for velocity smoothing.
type History map[string][]model.TrackedPosition

// Tracker matches observations to previously tracked balloons.
type Tracker struct {
	cfg Config
}

// New returns a tracker with the given configuration.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// velocity is a smoothed or instantaneous (speed km/h, heading deg) pair.
type velocity struct {
	speedKMH   float64
	headingDeg float64
}

// smoothedVelocity derives the velocity to project prev forward with,
// preferring the weighted history mean and falling back to prev's own
// recorded velocity. Returns nil when nothing is known.
func smoothedVelocity(prev model.TrackedPosition, hist []model.TrackedPosition) *velocity {
	if speed, heading, ok := model.SmoothedVelocity(hist); ok {
		return &velocity{speedKMH: speed, headingDeg: heading}
	}
	if prev.HasVelocity() {
		return &velocity{speedKMH: *prev.SpeedKMH, headingDeg: *prev.HeadingDeg}
	}
	return nil
}

// candidateCost scores matching obs against prev. Returns +Inf when a hard
// gate rejects the pair.
func (t *Tracker) candidateCost(obs model.Observation, prev model.TrackedPosition, vel *velocity, dtHours float64) float64 {
	cfg := t.cfg

	dist := geo.Haversine(prev.Lat, prev.Lon, obs.Lat, obs.Lon)
	if dist > cfg.MaxDistancePerHourKM {
		return math.Inf(1)
	}

	altDelta := math.Abs(obs.AltKM - prev.AltKM)
	if altDelta > cfg.MaxAltDeltaKM {
		return math.Inf(1)
	}

	segHeading := geo.InitialBearing(prev.Lat, prev.Lon, obs.Lat, obs.Lon)
	segSpeed := dist / dtHours

	prevMoving := vel != nil && vel.speedKMH > cfg.MinGateSpeedKMH
	var headingChange float64
	if prevMoving {
		headingChange = geo.AngularDiff(vel.headingDeg, segHeading)
		if headingChange > cfg.MaxDirChangeDeg {
			return math.Inf(1)
		}
	}

	// Distance is scored against the position predicted by projecting prev
	// forward along its smoothed velocity. With no known velocity the raw
	// displacement anchors the term instead.
	dPred := dist
	if vel != nil {
		predLat, predLon := geo.Destination(prev.Lat, prev.Lon, vel.headingDeg, vel.speedKMH*dtHours)
		dPred = geo.Haversine(predLat, predLon, obs.Lat, obs.Lon)
	}

	distTerm := clamp(dPred/cfg.TypicalDriftKM, 0, 1)
	cost := cfg.WeightDistance * distTerm * distTerm

	if prevMoving {
		h := headingChange / cfg.MaxDirChangeDeg
		cost += cfg.WeightHeading * h * h * h
	}

	if vel != nil && vel.speedKMH > 0 && segSpeed > 0 {
		ratio := math.Abs(math.Log(segSpeed/vel.speedKMH)) / math.Log(4)
		cost += cfg.WeightSpeed * math.Min(1, ratio)
	}

	a := altDelta / cfg.MaxAltDeltaKM
	cost += cfg.WeightAltitude * a * a

	return 100 * cost
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// prevPoint adapts a previous tracked position for the quadtree.
type prevPoint struct {
	idx int
	pt  orb.Point
}

func (p prevPoint) Point() orb.Point { return p.pt }

type candidate struct {
	prevIdx int
	cost    float64
}

// Track resolves identities for the observations at hour ts against the
// previous hour's tracked positions. nextID mints a fresh balloon id per
// call; hist feeds velocity smoothing. Unmatched previous balloons are
// retired implicitly by not being emitted.
func (t *Tracker) Track(obs []model.Observation, prev []model.TrackedPosition, hist History, ts time.Time, nextID func() string) []model.TrackedPosition {
	ts = model.HourFloor(ts)

	// First hour ever: everything is new at full confidence.
	if len(prev) == 0 {
		out := make([]model.TrackedPosition, 0, len(obs))
		for _, o := range obs {
			out = append(out, model.TrackedPosition{
				BalloonID:  nextID(),
				Timestamp:  ts,
				Lat:        o.Lat,
				Lon:        o.Lon,
				AltKM:      o.AltKM,
				Status:     model.StatusNew,
				Confidence: 1.0,
			})
		}
		return out
	}

	// Spatial pre-filter over the previous positions.
	qt := quadtree.New(orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}})
	velocities := make([]*velocity, len(prev))
	for i, p := range prev {
		qt.Add(prevPoint{idx: i, pt: orb.Point{p.Lon, p.Lat}})
		velocities[i] = smoothedVelocity(p, hist[p.BalloonID])
	}

	halfWidthDeg := 1.5 * t.cfg.MaxDistancePerHourKM / 111.0

	// Candidate costs per observation.
	candidates := make([][]candidate, len(obs))
	for i, o := range obs {
		bound := orb.Bound{
			Min: orb.Point{o.Lon - halfWidthDeg, math.Max(o.Lat-halfWidthDeg, -90)},
			Max: orb.Point{o.Lon + halfWidthDeg, math.Min(o.Lat+halfWidthDeg, 90)},
		}
		for _, ptr := range qt.InBound(nil, bound) {
			pp := ptr.(prevPoint)
			p := prev[pp.idx]
			dt := ts.Sub(p.Timestamp).Hours()
			if dt <= 0 {
				dt = 1
			}
			cost := t.candidateCost(o, p, velocities[pp.idx], dt)
			if !math.IsInf(cost, 1) {
				candidates[i] = append(candidates[i], candidate{prevIdx: pp.idx, cost: cost})
			}
		}
	}

	matchedObs := make(map[int]int)    // obs idx -> prev idx
	matchedPrev := make(map[int]bool)  // prev idx -> taken
	matchCost := make(map[int]float64) // obs idx -> accepted cost

	// Greedy phase: cheap, uncontested, altitude-tight best candidates
	// commit immediately; everything else defers to the assignment solver.
	best := make([]int, len(obs)) // obs idx -> best prev idx, -1 if none
	for i := range obs {
		best[i] = -1
		bestCost := math.Inf(1)
		for _, c := range candidates[i] {
			if c.cost < bestCost {
				bestCost = c.cost
				best[i] = c.prevIdx
			}
		}
	}
	bestClaims := make(map[int]int) // prev idx -> how many obs point at it
	for i := range obs {
		if best[i] >= 0 {
			bestClaims[best[i]]++
		}
	}
	for i, o := range obs {
		if best[i] < 0 || bestClaims[best[i]] > 1 {
			continue
		}
		var cost float64
		for _, c := range candidates[i] {
			if c.prevIdx == best[i] {
				cost = c.cost
				break
			}
		}
		if cost >= t.cfg.GreedyCostThreshold {
			continue
		}
		if math.Abs(o.AltKM-prev[best[i]].AltKM) >= t.cfg.GreedyMaxAltDeltaKM {
			continue
		}
		matchedObs[i] = best[i]
		matchedPrev[best[i]] = true
		matchCost[i] = cost
	}

	// Hungarian phase over the deferred observations and remaining balloons.
	var openObs, openPrev []int
	for i := range obs {
		if _, done := matchedObs[i]; !done && len(candidates[i]) > 0 {
			openObs = append(openObs, i)
		}
	}
	prevOpen := make(map[int]bool)
	for i := range obs {
		for _, c := range candidates[i] {
			if !matchedPrev[c.prevIdx] {
				prevOpen[c.prevIdx] = true
			}
		}
	}
	for idx := range prevOpen {
		openPrev = append(openPrev, idx)
	}

	if len(openObs) > 0 && len(openPrev) > 0 {
		const sentinel = 1e6 // pads infeasible pairs and the square fill

		n := len(openObs)
		if len(openPrev) > n {
			n = len(openPrev)
		}
		matrix := make([][]float64, n)
		for r := range matrix {
			matrix[r] = make([]float64, n)
			for c := range matrix[r] {
				matrix[r][c] = sentinel
			}
		}
		prevCol := make(map[int]int, len(openPrev))
		for c, idx := range openPrev {
			prevCol[idx] = c
		}
		for r, oi := range openObs {
			for _, c := range candidates[oi] {
				if col, ok := prevCol[c.prevIdx]; ok {
					matrix[r][col] = c.cost
				}
			}
		}

		assignment := solveAssignment(matrix)
		for r, oi := range openObs {
			col := assignment[r]
			if col >= len(openPrev) {
				continue // assigned to padding
			}
			cost := matrix[r][col]
			if cost >= t.cfg.AcceptCostThreshold || cost >= sentinel {
				continue
			}
			pi := openPrev[col]
			matchedObs[oi] = pi
			matchedPrev[pi] = true
			matchCost[oi] = cost
		}
	}

	// Emit: matched balloons keep their ids, the rest are minted fresh.
	out := make([]model.TrackedPosition, 0, len(obs))
	for i, o := range obs {
		pi, matched := matchedObs[i]
		if !matched {
			out = append(out, model.TrackedPosition{
				BalloonID:  nextID(),
				Timestamp:  ts,
				Lat:        o.Lat,
				Lon:        o.Lon,
				AltKM:      o.AltKM,
				Status:     model.StatusNew,
				Confidence: 0.5,
			})
			continue
		}

		p := prev[pi]
		dt := ts.Sub(p.Timestamp).Hours()
		if dt <= 0 {
			dt = 1
		}
		speed := geo.Haversine(p.Lat, p.Lon, o.Lat, o.Lon) / dt
		heading := geo.InitialBearing(p.Lat, p.Lon, o.Lat, o.Lon)

		out = append(out, model.TrackedPosition{
			BalloonID:  p.BalloonID,
			Timestamp:  ts,
			Lat:        o.Lat,
			Lon:        o.Lon,
			AltKM:      o.AltKM,
			SpeedKMH:   &speed,
			HeadingDeg: &heading,
			Status:     model.StatusActive,
			Confidence: math.Max(0.3, math.Exp(-2*matchCost[i]/100)),
		})
	}
	return out
}
