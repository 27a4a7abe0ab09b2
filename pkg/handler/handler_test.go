package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratowatch/constellation/pkg/ingest"
	"github.com/stratowatch/constellation/pkg/model"
	"github.com/stratowatch/constellation/pkg/predict"
	"github.com/stratowatch/constellation/pkg/query"
	"github.com/stratowatch/constellation/pkg/store"
	"github.com/stratowatch/constellation/pkg/wind"
	"github.com/stratowatch/constellation/pkg/windcache"
)

var t0 = time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

type fakeWinds struct{}

func (fakeWinds) WindFor(_ context.Context, locs []wind.Location) map[string]model.WindVector {
	out := make(map[string]model.WindVector)
	for _, loc := range locs {
		hour := model.HourFloor(loc.Timestamp)
		if loc.Timestamp.IsZero() {
			hour = model.HourFloor(time.Now())
		}
		out[windcache.Key(loc.Lat, loc.Lon, loc.AltKM, hour)] = model.WindVector{
			Lat: loc.Lat, Lon: loc.Lon, AltKM: loc.AltKM,
			PressureHPa: 150, SpeedKMH: 40, DirectionDeg: 270, Hour: hour,
		}
	}
	return out
}

type fakeRefresher struct {
	result ingest.TickResult
	err    error
}

func (f *fakeRefresher) TriggerOnce(context.Context) (ingest.TickResult, error) {
	return f.result, f.err
}

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	speed, heading := 90.0, 90.0
	for h := 0; h < 6; h++ {
		ts := t0.Add(-time.Duration(5-h) * time.Hour)
		require.NoError(t, st.PutSnapshot(ctx, model.Snapshot{
			Hour:         ts,
			Observations: []model.Observation{{Lat: 10, Lon: float64(h), AltKM: 14}},
		}))
		pos := model.TrackedPosition{
			BalloonID: "balloon_0001", Timestamp: ts,
			Lat: 10, Lon: float64(h), AltKM: 14,
			Status: model.StatusActive, Confidence: 0.9,
		}
		if h > 0 {
			pos.SpeedKMH = &speed
			pos.HeadingDeg = &heading
		}
		require.NoError(t, st.PutTracked(ctx, []model.TrackedPosition{pos}))
	}
	return st
}

func newRouter(t *testing.T, st *store.Memory, refresher Refresher) chi.Router {
	t.Helper()
	logger := zerolog.Nop()
	q := query.New(st, true, logger, query.WithClock(func() time.Time { return t0.Add(5 * time.Minute) }))
	p := predict.New(fakeWinds{}, logger)

	r := chi.NewRouter()
	balloons := NewBalloonHandler(q, p, logger)
	r.Mount("/balloons", balloons.Routes())
	trajectories := NewTrajectoryHandler(q, p, fakeWinds{}, logger)
	r.Mount("/trajectory", trajectories.Routes())
	system := NewSystemHandler(q, refresher, logger)
	r.Get("/health", system.Health)
	r.Post("/refresh", system.Refresh)
	return r
}

func doRequest(t *testing.T, router chi.Router, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListBalloons(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/balloons?hour_offset=0")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalloonListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.BalloonCount)
	require.Len(t, resp.Balloons, 1)
	assert.Equal(t, "balloon_0001", resp.Balloons[0].BalloonID)
	require.NotNil(t, resp.UpdatedAt)
	assert.InDelta(t, 5.0, resp.DataAgeMinutes, 0.01)
}

func TestListBalloonsBadOffset(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	for _, target := range []string{"/balloons?hour_offset=24", "/balloons?hour_offset=abc"} {
		rec := doRequest(t, router, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "invalid_argument", resp.Error)
	}
}

func TestGetBalloonTrajectory(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/balloons/balloon_0001?hour_offset=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalloonDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "balloon_0001", resp.BalloonID)
	assert.Equal(t, 2, resp.ReferenceHourOffset)
	assert.Len(t, resp.Trajectory.HistoricalPositions, 4)
	assert.Len(t, resp.Trajectory.FuturePositions, 3)
}

func TestGetBalloonNotFound(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/balloons/balloon_9999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Error)
}

func TestGetValue(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/balloons/balloon_0001/value?hours=3&method=persistence")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ValueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Report)
	assert.Equal(t, model.MethodPersistence, resp.Report.Method)
	assert.Len(t, resp.Report.Hours, 3)
	for _, h := range resp.Report.Hours {
		assert.False(t, h.ErrorKM != h.ErrorKM, "error must be finite")
	}
}

func TestGetValueBadMethod(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})
	rec := doRequest(t, router, http.MethodGet, "/balloons/balloon_0001/value?hours=3&method=oracle")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/balloons/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Balloons, 1)
	assert.Len(t, resp.Balloons[0].Trail, 6)
}

func TestPredictionEndpoint(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/trajectory/balloon_0001?hours=4&method=persistence")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 4)
	for i := 1; i < len(resp.Predictions); i++ {
		assert.LessOrEqual(t, resp.Predictions[i].Confidence, resp.Predictions[i-1].Confidence)
	}
}

func TestPredictionHorizonBound(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})
	rec := doRequest(t, router, http.MethodGet, "/trajectory/balloon_0001?hours=13")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWindFieldEndpoint(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet,
		"/trajectory/wind-field?latMin=10&latMax=20&lngMin=-50&lngMax=-40&gridSize=5&altitude=14")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WindFieldResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Grid)
	assert.Equal(t, resp.Count, len(resp.Data))
	assert.NotEmpty(t, resp.Data)
}

func TestWindFieldValidation(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	tests := []string{
		"/trajectory/wind-field?latMax=20&lngMin=-50&lngMax=-40",            // missing latMin
		"/trajectory/wind-field?latMin=30&latMax=20&lngMin=-50&lngMax=-40",  // inverted bounds
		"/trajectory/wind-field?latMin=10&latMax=20&lngMin=-50&lngMax=-40&gridSize=40", // too many points
	}
	for _, target := range tests {
		rec := doRequest(t, router, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newRouter(t, seededStore(t), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.BalloonCount)
	assert.True(t, resp.AutoUpdate)
}

func TestHealthEndpointUnhealthyStatus(t *testing.T) {
	router := newRouter(t, store.NewMemory(), &fakeRefresher{})

	rec := doRequest(t, router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	refresher := &fakeRefresher{result: ingest.TickResult{
		Mode: ingest.ModeIncremental, State: ingest.StateSteady,
		Hour: t0, SnapshotCount: 10, TrackedCount: 9,
	}}
	router := newRouter(t, seededStore(t), refresher)

	rec := doRequest(t, router, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ingest.ModeIncremental, resp.Mode)
	assert.Equal(t, 9, resp.TrackedCount)
}
