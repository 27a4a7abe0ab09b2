package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/model"
	"github.com/stratowatch/constellation/pkg/predict"
	"github.com/stratowatch/constellation/pkg/query"
)

// BalloonHandler handles balloon-related HTTP requests
type BalloonHandler struct {
	query     *query.Service
	predictor *predict.Predictor
	logger    zerolog.Logger
}

// NewBalloonHandler creates a new BalloonHandler
func NewBalloonHandler(q *query.Service, p *predict.Predictor, logger zerolog.Logger) *BalloonHandler {
	return &BalloonHandler{
		query:     q,
		predictor: p,
		logger:    logger.With().Str("handler", "balloons").Logger(),
	}
}

// Routes returns the balloon routes
func (h *BalloonHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListBalloons)
	r.Get("/history", h.GetHistory)
	r.Get("/{balloonId}", h.GetBalloon)
	r.Get("/{balloonId}/value", h.GetValue)

	return r
}

// BalloonListResponse represents the response for listing balloons at an hour
type BalloonListResponse struct {
	UpdatedAt      *time.Time              `json:"updated_at"`
	DataAgeMinutes float64                 `json:"data_age_minutes"`
	BalloonCount   int                     `json:"balloon_count"`
	Balloons       []model.TrackedPosition `json:"balloons"`
	CorrelationID  string                  `json:"correlation_id"`
}

// ListBalloons handles GET /balloons?hour_offset=N
func (h *BalloonHandler) ListBalloons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	offset, err := parseIntParam(r, "hour_offset", 0)
	if err != nil {
		WriteFault(w, err, correlationID)
		return
	}

	positions, _, err := h.query.PositionsAt(ctx, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to list balloons")
		WriteFault(w, err, correlationID)
		return
	}

	health := h.query.Health(ctx)
	if positions == nil {
		positions = []model.TrackedPosition{}
	}

	WriteJSON(w, http.StatusOK, BalloonListResponse{
		UpdatedAt:      health.UpdatedAt,
		DataAgeMinutes: health.DataAgeMinutes,
		BalloonCount:   len(positions),
		Balloons:       positions,
		CorrelationID:  correlationID,
	})
}

// BalloonDetailResponse represents the trajectory response for one balloon
type BalloonDetailResponse struct {
	BalloonID           string               `json:"balloon_id"`
	Trajectory          TrajectoryHalves     `json:"trajectory"`
	ReferenceHourOffset int                  `json:"reference_hour_offset"`
	CorrelationID       string               `json:"correlation_id"`
}

// TrajectoryHalves carries the partitioned trajectory
type TrajectoryHalves struct {
	HistoricalPositions []model.TrackedPosition `json:"historical_positions"`
	FuturePositions     []model.TrackedPosition `json:"future_positions"`
}

// GetBalloon handles GET /balloons/{balloonId}?hour_offset=N
func (h *BalloonHandler) GetBalloon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	balloonID := chi.URLParam(r, "balloonId")

	offset, err := parseIntParam(r, "hour_offset", 0)
	if err != nil {
		WriteFault(w, err, correlationID)
		return
	}

	view, err := h.query.Trajectory(ctx, balloonID, offset)
	if err != nil {
		WriteFault(w, err, correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, BalloonDetailResponse{
		BalloonID: view.BalloonID,
		Trajectory: TrajectoryHalves{
			HistoricalPositions: view.HistoricalPositions,
			FuturePositions:     view.FuturePositions,
		},
		ReferenceHourOffset: view.ReferenceHourOffset,
		CorrelationID:       correlationID,
	})
}

// ValueResponse wraps a score report
type ValueResponse struct {
	BalloonID     string               `json:"balloon_id"`
	Report        *predict.ScoreReport `json:"report"`
	CorrelationID string               `json:"correlation_id"`
}

// GetValue handles GET /balloons/{balloonId}/value?hours=H&method=M
func (h *BalloonHandler) GetValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	balloonID := chi.URLParam(r, "balloonId")

	hours, err := parseIntParam(r, "hours", 24)
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

	report, err := h.predictor.Score(ctx, traj, hours, method)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).
			Str("balloon_id", balloonID).Msg("Value scoring failed")
		WriteFault(w, err, correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, ValueResponse{
		BalloonID:     balloonID,
		Report:        report,
		CorrelationID: correlationID,
	})
}

// HistoryResponse is the bulk trail payload
type HistoryResponse struct {
	Balloons      []query.BalloonTrail `json:"balloons"`
	CorrelationID string               `json:"correlation_id"`
}

// GetHistory handles GET /balloons/history
func (h *BalloonHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	trails, err := h.query.History(ctx)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to load history")
		WriteFault(w, err, correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, HistoryResponse{Balloons: trails, CorrelationID: correlationID})
}

// parseIntParam reads an integer query parameter with a default.
func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Invalidf("%s=%q is not an integer", name, raw)
	}
	return v, nil
}
