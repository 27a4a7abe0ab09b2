package handler

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/stratowatch/constellation/pkg/ingest"
	"github.com/stratowatch/constellation/pkg/query"
)

// Refresher triggers one ingest pass on demand.
type Refresher interface {
	TriggerOnce(ctx context.Context) (ingest.TickResult, error)
}

// SystemHandler serves health and manual-refresh endpoints
type SystemHandler struct {
	query     *query.Service
	refresher Refresher
	logger    zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(q *query.Service, refresher Refresher, logger zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		query:     q,
		refresher: refresher,
		logger:    logger.With().Str("handler", "system").Logger(),
	}
}

// HealthResponse wraps the health report
type HealthResponse struct {
	query.HealthReport
	CorrelationID string `json:"correlation_id"`
}

// Health handles GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	report := h.query.Health(ctx)
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, HealthResponse{HealthReport: report, CorrelationID: correlationID})
}

// RefreshResponse reports the outcome of a manual ingest pass
type RefreshResponse struct {
	ingest.TickResult
	CorrelationID string `json:"correlation_id"`
}

// Refresh handles POST /refresh
func (h *SystemHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	result, err := h.refresher.TriggerOnce(ctx)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Manual refresh failed")
		WriteFault(w, err, correlationID)
		return
	}

	h.logger.Info().Str("correlation_id", correlationID).Str("mode", string(result.Mode)).
		Int("tracked", result.TrackedCount).Msg("Manual refresh complete")
	WriteJSON(w, http.StatusOK, RefreshResponse{TickResult: result, CorrelationID: correlationID})
}
