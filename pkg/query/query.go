// Package query is the read side: positions at an hour, per-balloon
// trajectories, and system health, all recomputed against the current
// wall-clock hour on every call.
package query

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/model"
	"github.com/stratowatch/constellation/pkg/store"
)

// Health classification thresholds, in minutes of data age.
const (
	healthyAgeMinutes  = 65
	degradedAgeMinutes = 90
)

// Service answers read queries from the store. It never writes.
type Service struct {
	store      store.Store
	logger     zerolog.Logger
	now        func() time.Time
	autoUpdate bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the read service. autoUpdate reports whether a scheduler is
// driving ingest, for the health endpoint.
func New(st store.Store, autoUpdate bool, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      st,
		logger:     logger.With().Str("component", "query").Logger(),
		now:        time.Now,
		autoUpdate: autoUpdate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) nowHour() time.Time {
	return model.HourFloor(s.now())
}

// PositionsAt returns every tracked position at now minus hourOffset hours.
// The offset resolves against the current wall clock, not against whatever
// hour the data was stored under.
func (s *Service) PositionsAt(ctx context.Context, hourOffset int) ([]model.TrackedPosition, time.Time, error) {
	if hourOffset < 0 || hourOffset > 23 {
		return nil, time.Time{}, fault.Invalidf("hour_offset %d outside [0,23]", hourOffset)
	}
	hour := s.nowHour().Add(-time.Duration(hourOffset) * time.Hour)
	positions, err := s.store.TrackedAt(ctx, hour)
	if err != nil {
		return nil, time.Time{}, err
	}
	return positions, hour, nil
}

// TrajectoryView partitions one balloon's trajectory around a reference
// hour. The position at the reference hour itself appears in both halves so
// a rendered line connects seamlessly.
type TrajectoryView struct {
	BalloonID           string                  `json:"balloon_id"`
	HistoricalPositions []model.TrackedPosition `json:"historical_positions"`
	FuturePositions     []model.TrackedPosition `json:"future_positions"`
	ReferenceHourOffset int                     `json:"reference_hour_offset"`
}

// Trajectory returns the balloon's retained history split around the
// caller's reference hour offset.
func (s *Service) Trajectory(ctx context.Context, balloonID string, refOffset int) (*TrajectoryView, error) {
	if refOffset < 0 || refOffset > 23 {
		return nil, fault.Invalidf("hour_offset %d outside [0,23]", refOffset)
	}

	traj, err := s.store.Trajectory(ctx, balloonID)
	if err != nil {
		return nil, err
	}
	if len(traj) == 0 {
		return nil, fault.NotFoundf("balloon %s", balloonID)
	}

	refHour := s.nowHour().Add(-time.Duration(refOffset) * time.Hour)
	view := &TrajectoryView{
		BalloonID:           balloonID,
		HistoricalPositions: []model.TrackedPosition{},
		FuturePositions:     []model.TrackedPosition{},
		ReferenceHourOffset: refOffset,
	}
	for _, p := range traj {
		if !p.Timestamp.After(refHour) {
			view.HistoricalPositions = append(view.HistoricalPositions, p)
		}
		if !p.Timestamp.Before(refHour) {
			view.FuturePositions = append(view.FuturePositions, p)
		}
	}
	return view, nil
}

// FullTrajectory returns the raw retained history for one balloon, oldest
// first, for the predictor and value scoring.
func (s *Service) FullTrajectory(ctx context.Context, balloonID string) ([]model.TrackedPosition, error) {
	traj, err := s.store.Trajectory(ctx, balloonID)
	if err != nil {
		return nil, err
	}
	if len(traj) == 0 {
		return nil, fault.NotFoundf("balloon %s", balloonID)
	}
	return traj, nil
}

// TrailPoint is one compact sample in a bulk history trail.
type TrailPoint struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	AltKM float64 `json:"alt_km"`
	Time  string  `json:"time"`
}

// BalloonTrail is one balloon's trail for time-slider scrubbing.
type BalloonTrail struct {
	ID    string       `json:"id"`
	Trail []TrailPoint `json:"trail"`
}

// History returns a lightweight trail per balloon, suitable for bulk
// time-slider scrubs.
func (s *Service) History(ctx context.Context) ([]BalloonTrail, error) {
	all, err := s.store.AllTrajectories(ctx)
	if err != nil {
		return nil, err
	}

	trails := make([]BalloonTrail, 0, len(all))
	for id, traj := range all {
		trail := make([]TrailPoint, 0, len(traj))
		for _, p := range traj {
			trail = append(trail, TrailPoint{
				Lat:   p.Lat,
				Lon:   p.Lon,
				AltKM: p.AltKM,
				Time:  p.Timestamp.UTC().Format(time.RFC3339),
			})
		}
		trails = append(trails, BalloonTrail{ID: id, Trail: trail})
	}
	return trails, nil
}

// HealthReport is the health endpoint payload. Classification rests solely
// on data age.
type HealthReport struct {
	Status         string     `json:"status"`
	UpdatedAt      *time.Time `json:"updated_at"`
	DataAgeMinutes float64    `json:"data_age_minutes"`
	BalloonCount   int        `json:"balloon_count"`
	AutoUpdate     bool       `json:"auto_update"`
}

// Health reports the last update time, data age, and current balloon count.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: "unhealthy", AutoUpdate: s.autoUpdate}

	latest, err := s.store.LatestSnapshotTime(ctx)
	if err != nil || latest == nil {
		return report
	}
	report.UpdatedAt = latest
	report.DataAgeMinutes = s.now().Sub(*latest).Minutes()

	if positions, err := s.store.TrackedAt(ctx, *latest); err == nil {
		report.BalloonCount = len(positions)
	}

	switch {
	case report.DataAgeMinutes < healthyAgeMinutes:
		report.Status = "healthy"
	case report.DataAgeMinutes <= degradedAgeMinutes:
		report.Status = "degraded"
	default:
		report.Status = "unhealthy"
	}
	return report
}
