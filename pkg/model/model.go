// Package model defines the domain types shared across the constellation tracker
package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Position status values
const (
	StatusActive = "active" // matched to a previous hour's track
	StatusNew    = "new"    // first appearance, freshly minted id
	StatusLost   = "lost"   // retired; last row remains in storage
)

// Observation is a raw position report with no identity attached.
type Observation struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	AltKM float64 `json:"alt_km"`
}

// Valid reports whether the observation satisfies the numeric bounds
// the upstream feed is supposed to honor but frequently does not.
func (o Observation) Valid() bool {
	if math.IsNaN(o.Lat) || math.IsInf(o.Lat, 0) ||
		math.IsNaN(o.Lon) || math.IsInf(o.Lon, 0) ||
		math.IsNaN(o.AltKM) || math.IsInf(o.AltKM, 0) {
		return false
	}
	if o.Lat < -90 || o.Lat > 90 {
		return false
	}
	if o.Lon < -180 || o.Lon > 180 {
		return false
	}
	if o.AltKM <= 0 || o.AltKM >= 50 {
		return false
	}
	return true
}

// Snapshot is the full set of observations at one hour timestamp.
type Snapshot struct {
	Hour         time.Time     `json:"hour"` // UTC, truncated to the hour
	Observations []Observation `json:"observations"`
}

// TrackedPosition is an observation that has been assigned a persistent id.
type TrackedPosition struct {
	BalloonID  string    `json:"balloon_id"`
	Timestamp  time.Time `json:"timestamp"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltKM      float64   `json:"alt_km"`
	SpeedKMH   *float64  `json:"speed_kmh,omitempty"`   // derived from the preceding segment
	HeadingDeg *float64  `json:"heading_deg,omitempty"` // derived from the preceding segment
	Status     string    `json:"status"`
	Confidence float64   `json:"confidence"`
}

// HasVelocity reports whether both derived velocity components are present.
func (p TrackedPosition) HasVelocity() bool {
	return p.SpeedKMH != nil && p.HeadingDeg != nil
}

// WindVector is an upper-air wind reading bound to a location and hour.
type WindVector struct {
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	AltKM        float64   `json:"alt_km"`
	PressureHPa  float64   `json:"pressure_hpa"`
	UMS          float64   `json:"u_ms"` // east-positive, the direction the wind blows toward
	VMS          float64   `json:"v_ms"` // north-positive
	SpeedKMH     float64   `json:"speed_kmh"`
	DirectionDeg float64   `json:"direction_deg"` // meteorological "from" bearing
	Hour         time.Time `json:"hour"`
}

// Prediction methods
const (
	MethodPersistence = "persistence"
	MethodWind        = "wind"
	MethodHybrid      = "hybrid"
)

// ValidMethod reports whether m names a supported prediction method.
func ValidMethod(m string) bool {
	switch m {
	case MethodPersistence, MethodWind, MethodHybrid:
		return true
	}
	return false
}

// PredictedPosition is a forecast point. Never persisted; recomputed per request.
type PredictedPosition struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltKM      float64   `json:"alt_km"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
}

const balloonIDPrefix = "balloon_"

// FormatBalloonID renders a numeric suffix as a canonical balloon id,
// zero-padded to four digits. Suffixes past 9999 keep their natural width.
func FormatBalloonID(n int64) string {
	return fmt.Sprintf("%s%04d", balloonIDPrefix, n)
}

// ParseBalloonID extracts the numeric suffix from a balloon id.
// Returns an error for anything that is not balloon_<digits>.
func ParseBalloonID(id string) (int64, error) {
	suffix, ok := strings.CutPrefix(id, balloonIDPrefix)
	if !ok || suffix == "" {
		return 0, fmt.Errorf("malformed balloon id %q", id)
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed balloon id %q", id)
	}
	return n, nil
}

// HourFloor truncates t to the containing UTC hour.
func HourFloor(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
