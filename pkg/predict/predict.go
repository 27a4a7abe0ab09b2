// Package predict produces short-horizon balloon forecasts and scores them
// against held-out trajectory suffixes.
package predict

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/geo"
	"github.com/stratowatch/constellation/pkg/model"
	"github.com/stratowatch/constellation/pkg/wind"
	"github.com/stratowatch/constellation/pkg/windcache"
)

// MaxHorizonHours bounds a forecast request.
const MaxHorizonHours = 12

// WindSource resolves wind vectors for a set of locations, keyed by the wind
// cache bucket. Missing keys mean the provider could not serve the location.
type WindSource interface {
	WindFor(ctx context.Context, locations []wind.Location) map[string]model.WindVector
}

// Predictor fuses persistence and wind-drift models.
type Predictor struct {
	winds  WindSource
	logger zerolog.Logger
}

// New returns a predictor over the given wind source.
func New(winds WindSource, logger zerolog.Logger) *Predictor {
	return &Predictor{
		winds:  winds,
		logger: logger.With().Str("component", "predict").Logger(),
	}
}

// Predict forecasts up to horizon hourly positions ahead of current. The
// predicted point for hour k anchors the step for hour k+1. history is the
// balloon's retained trajectory, oldest first, used for velocity smoothing.
func (p *Predictor) Predict(ctx context.Context, current model.TrackedPosition, history []model.TrackedPosition, horizon int, method string) ([]model.PredictedPosition, error) {
	if horizon < 1 || horizon > MaxHorizonHours {
		return nil, fault.Invalidf("horizon %d outside [1,%d]", horizon, MaxHorizonHours)
	}
	if !model.ValidMethod(method) {
		return nil, fault.Invalidf("unknown method %q", method)
	}

	speed, heading, hasVel := model.SmoothedVelocity(history)
	if !hasVel && current.HasVelocity() {
		speed, heading, hasVel = *current.SpeedKMH, *current.HeadingDeg, true
	}

	out := make([]model.PredictedPosition, 0, horizon)
	anchorLat, anchorLon, anchorAlt := current.Lat, current.Lon, current.AltKM

	for k := 1; k <= horizon; k++ {
		ts := model.HourFloor(current.Timestamp).Add(time.Duration(k) * time.Hour)

		var windVec *model.WindVector
		if method == model.MethodWind || method == model.MethodHybrid {
			windVec = p.lookupWind(ctx, anchorLat, anchorLon, anchorAlt, ts)
		}

		lat, lon, conf := stepOnce(anchorLat, anchorLon, speed, heading, hasVel, windVec, method, k)

		out = append(out, model.PredictedPosition{
			Lat:        lat,
			Lon:        lon,
			AltKM:      anchorAlt,
			Timestamp:  ts,
			Confidence: conf,
			Method:     method,
		})
		anchorLat, anchorLon = lat, lon
	}
	return out, nil
}

func (p *Predictor) lookupWind(ctx context.Context, lat, lon, altKM float64, ts time.Time) *model.WindVector {
	got := p.winds.WindFor(ctx, []wind.Location{{Lat: lat, Lon: lon, AltKM: altKM, Timestamp: ts}})
	if vec, ok := got[windcache.Key(lat, lon, altKM, ts)]; ok {
		return &vec
	}
	return nil
}

// stepOnce advances one hour from the anchor under the chosen method and
// returns the new point with its confidence for hour k.
func stepOnce(lat, lon, speedKMH, headingDeg float64, hasVel bool, windVec *model.WindVector, method string, k int) (float64, float64, float64) {
	persistLat, persistLon := lat, lon
	if hasVel {
		persistLat, persistLon = geo.Destination(lat, lon, headingDeg, speedKMH)
	}

	windLat, windLon := lat, lon
	windKnown := windVec != nil
	if windKnown {
		// The vector's direction is where the wind comes from; drift goes
		// the opposite way.
		toward := math.Mod(windVec.DirectionDeg+180, 360)
		windLat, windLon = geo.Destination(lat, lon, toward, windVec.SpeedKMH)
	}

	switch method {
	case model.MethodPersistence:
		return persistLat, persistLon, math.Max(0.2, 0.8-0.15*float64(k))

	case model.MethodWind:
		if !windKnown {
			return lat, lon, 0.3
		}
		return windLat, windLon, math.Max(0.3, 0.9-0.12*float64(k))

	default: // hybrid
		hLat := 0.6*windLat + 0.4*persistLat
		hLon := 0.6*windLon + 0.4*persistLon
		return hLat, hLon, math.Max(0.4, 0.95-0.1*float64(k))
	}
}

// HourScore is one held-out comparison in a value-score report.
type HourScore struct {
	Hour      int                     `json:"hour"`
	Actual    model.TrackedPosition   `json:"actual"`
	Predicted model.PredictedPosition `json:"predicted"`
	ErrorKM   float64                 `json:"prediction_error_km"`
}

// ScoreReport is the result of scoring a trajectory. Lower overall is better.
type ScoreReport struct {
	Method       string      `json:"method"`
	Hours        []HourScore `json:"hours"`
	OverallScore float64     `json:"overall_value_score"`
}

// Score replays the first n hours of the trajectory, predicting one hour
// ahead from each position and comparing with the recorded next position.
// Wind is batch-requested up front; hours the provider cannot serve fall
// back to persistence so the report is always complete.
func (p *Predictor) Score(ctx context.Context, traj []model.TrackedPosition, hours int, method string) (*ScoreReport, error) {
	if hours < 1 || hours > 24 {
		return nil, fault.Invalidf("hours %d outside [1,24]", hours)
	}
	if !model.ValidMethod(method) {
		return nil, fault.Invalidf("unknown method %q", method)
	}
	if len(traj) < 2 {
		return nil, fault.Invalidf("trajectory needs at least 2 positions, have %d", len(traj))
	}

	n := hours
	if max := len(traj) - 1; n > max {
		n = max
	}

	// One batched wind request for every anchor this score will touch.
	var vectors map[string]model.WindVector
	if method == model.MethodWind || method == model.MethodHybrid {
		locs := make([]wind.Location, 0, n)
		for i := 0; i < n; i++ {
			locs = append(locs, wind.Location{
				Lat: traj[i].Lat, Lon: traj[i].Lon, AltKM: traj[i].AltKM,
				Timestamp: traj[i].Timestamp,
			})
		}
		vectors = p.winds.WindFor(ctx, locs)
	}

	report := &ScoreReport{Method: method, Hours: make([]HourScore, 0, n)}
	var errSum float64

	for i := 0; i < n; i++ {
		anchor := traj[i]
		next := traj[i+1]

		speed, heading, hasVel := model.SmoothedVelocity(traj[:i+1])
		if !hasVel && anchor.HasVelocity() {
			speed, heading, hasVel = *anchor.SpeedKMH, *anchor.HeadingDeg, true
		}

		stepMethod := method
		var windVec *model.WindVector
		if vectors != nil {
			key := windcache.Key(anchor.Lat, anchor.Lon, anchor.AltKM, anchor.Timestamp)
			if vec, ok := vectors[key]; ok {
				windVec = &vec
			} else {
				// Rate-limited or unserved anchor: persistence keeps the
				// hour scoreable.
				stepMethod = model.MethodPersistence
			}
		}

		lat, lon, conf := stepOnce(anchor.Lat, anchor.Lon, speed, heading, hasVel, windVec, stepMethod, 1)

		errKM := geo.Haversine(lat, lon, next.Lat, next.Lon)
		errSum += errKM

		report.Hours = append(report.Hours, HourScore{
			Hour:   i,
			Actual: next,
			Predicted: model.PredictedPosition{
				Lat: lat, Lon: lon, AltKM: anchor.AltKM,
				Timestamp:  model.HourFloor(anchor.Timestamp).Add(time.Hour),
				Confidence: conf,
				Method:     stepMethod,
			},
			ErrorKM: errKM,
		})
	}

	report.OverallScore = errSum / float64(n)
	return report, nil
}
