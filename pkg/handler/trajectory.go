package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/model"
	"github.com/stratowatch/constellation/pkg/predict"
	"github.com/stratowatch/constellation/pkg/query"
	"github.com/stratowatch/constellation/pkg/wind"
	"github.com/stratowatch/constellation/pkg/windcache"
)

// maxWindFieldPoints caps one wind-field request.
const maxWindFieldPoints = 1000

// TrajectoryHandler serves predicted trajectories and wind-field grids
type TrajectoryHandler struct {
	query     *query.Service
	predictor *predict.Predictor
	winds     predict.WindSource
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewTrajectoryHandler creates a new TrajectoryHandler
func NewTrajectoryHandler(q *query.Service, p *predict.Predictor, winds predict.WindSource, logger zerolog.Logger) *TrajectoryHandler {
	return &TrajectoryHandler{
		query:     q,
		predictor: p,
		winds:     winds,
		validate:  validator.New(),
		logger:    logger.With().Str("handler", "trajectory").Logger(),
	}
}

// Routes returns the trajectory routes
func (h *TrajectoryHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/wind-field", h.GetWindField)
	r.Get("/{balloonId}", h.GetPrediction)

	return r
}

// PredictionResponse carries a predicted trajectory
type PredictionResponse struct {
	BalloonID     string                    `json:"balloon_id"`
	Method        string                    `json:"method"`
	Hours         int                       `json:"hours"`
	Predictions   []model.PredictedPosition `json:"predictions"`
	CorrelationID string                    `json:"correlation_id"`
}

// GetPrediction handles GET /trajectory/{balloonId}?hours=H&method=M
func (h *TrajectoryHandler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	balloonID := chi.URLParam(r, "balloonId")

	hours, err := parseIntParam(r, "hours", 6)
	if err != nil {
		WriteFault(w, err, correlationID)
		return
	}
	method := r.URL.Query().Get("method")
	if method == "" {
		method = model.MethodHybrid
	}

	traj, err := h.query.FullTrajectory(ctx, balloonID)
	if err != nil {
		WriteFault(w, err, correlationID)
		return
	}

	current := traj[len(traj)-1]
	predictions, err := h.predictor.Predict(ctx, current, traj, hours, method)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).
			Str("balloon_id", balloonID).Msg("Prediction failed")
		WriteFault(w, err, correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, PredictionResponse{
		BalloonID:     balloonID,
		Method:        method,
		Hours:         hours,
		Predictions:   predictions,
		CorrelationID: correlationID,
	})
}

// windFieldParams is the validated wind-field query
type windFieldParams struct {
	LatMin    float64 `validate:"gte=-90,lte=90"`
	LatMax    float64 `validate:"gte=-90,lte=90,gtfield=LatMin"`
	LngMin    float64 `validate:"gte=-180,lte=180"`
	LngMax    float64 `validate:"gte=-180,lte=180,gtfield=LngMin"`
	GridSize  int     `validate:"gte=2,lte=31"`
	AltKM     float64 `validate:"gte=0,lte=50"`
}

// WindFieldResponse is the wind-field grid payload
type WindFieldResponse struct {
	Grid          int                `json:"grid"`
	Count         int                `json:"count"`
	Data          []model.WindVector `json:"data"`
	CorrelationID string             `json:"correlation_id"`
}

// GetWindField handles GET /trajectory/wind-field
func (h *TrajectoryHandler) GetWindField(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	params, err := h.parseWindFieldParams(r)
	if err != nil {
		WriteFault(w, err, correlationID)
		return
	}

	if params.GridSize*params.GridSize > maxWindFieldPoints {
		WriteFault(w, fault.Invalidf("grid of %d points exceeds %d",
			params.GridSize*params.GridSize, maxWindFieldPoints), correlationID)
		return
	}

	vectors := h.fetchGrid(ctx, params)

	WriteJSON(w, http.StatusOK, WindFieldResponse{
		Grid:          params.GridSize,
		Count:         len(vectors),
		Data:          vectors,
		CorrelationID: correlationID,
	})
}

func (h *TrajectoryHandler) parseWindFieldParams(r *http.Request) (windFieldParams, error) {
	q := r.URL.Query()
	params := windFieldParams{GridSize: 10, AltKM: 15}

	var err error
	read := func(name string, into *float64) {
		if err != nil {
			return
		}
		raw := q.Get(name)
		if raw == "" {
			err = fault.Invalidf("missing %s", name)
			return
		}
		v, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			err = fault.Invalidf("%s=%q is not a number", name, raw)
			return
		}
		*into = v
	}

	read("latMin", &params.LatMin)
	read("latMax", &params.LatMax)
	read("lngMin", &params.LngMin)
	read("lngMax", &params.LngMax)
	if err != nil {
		return params, err
	}

	if raw := q.Get("gridSize"); raw != "" {
		v, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return params, fault.Invalidf("gridSize=%q is not an integer", raw)
		}
		params.GridSize = v
	}

	// Either an explicit altitude or a pressure level to invert.
	switch {
	case q.Get("altitude") != "":
		read("altitude", &params.AltKM)
	case q.Get("pressure") != "":
		var pressure float64
		read("pressure", &pressure)
		if err == nil {
			params.AltKM = pressureToAltitude(pressure)
		}
	}
	if err != nil {
		return params, err
	}

	if vErr := h.validate.Struct(params); vErr != nil {
		return params, fault.Invalidf("wind-field bounds: %v", vErr)
	}
	return params, nil
}

// pressureToAltitude inverts the barometric approximation used for the
// pressure ladder.
func pressureToAltitude(pressureHPa float64) float64 {
	const (
		p0 = 1013.25
		hs = 7.4
	)
	if pressureHPa <= 0 {
		return 0
	}
	alt := -hs * math.Log(pressureHPa/p0)
	if alt < 0 {
		return 0
	}
	return alt
}

// fetchGrid resolves wind for every grid point at the current hour.
func (h *TrajectoryHandler) fetchGrid(ctx context.Context, params windFieldParams) []model.WindVector {
	now := time.Now()
	latStep := (params.LatMax - params.LatMin) / float64(params.GridSize-1)
	lngStep := (params.LngMax - params.LngMin) / float64(params.GridSize-1)

	locs := make([]wind.Location, 0, params.GridSize*params.GridSize)
	for i := 0; i < params.GridSize; i++ {
		for j := 0; j < params.GridSize; j++ {
			locs = append(locs, wind.Location{
				Lat:       params.LatMin + float64(i)*latStep,
				Lon:       params.LngMin + float64(j)*lngStep,
				AltKM:     params.AltKM,
				Timestamp: now,
			})
		}
	}

	got := h.winds.WindFor(ctx, locs)
	vectors := make([]model.WindVector, 0, len(got))
	seen := make(map[string]bool, len(got))
	for _, loc := range locs {
		key := windcache.Key(loc.Lat, loc.Lon, loc.AltKM, model.HourFloor(now))
		if seen[key] {
			continue
		}
		if vec, ok := got[key]; ok {
			seen[key] = true
			vectors = append(vectors, vec)
		}
	}
	return vectors
}
