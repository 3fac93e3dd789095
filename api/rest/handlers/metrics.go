package handlers

import (
	"net/http"
	"strconv"

	"cluster-scheduler/core/autoscaler"
	"cluster-scheduler/core/models"
	"cluster-scheduler/core/monitoring"
)

// MetricsHandler serves snapshot queries
type MetricsHandler struct {
	aggregator *monitoring.Aggregator
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(agg *monitoring.Aggregator) *MetricsHandler {
	return &MetricsHandler{aggregator: agg}
}

// GetLatest handles GET /v1/metrics/latest
func (h *MetricsHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.aggregator.Latest()
	if !ok {
		http.Error(w, "No metrics collected yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetHistory handles GET /v1/metrics/history?limit=
func (h *MetricsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	history := h.aggregator.History(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": history, "count": len(history)})
}

// ScalingHandler serves scaling-decision queries
type ScalingHandler struct {
	decisions *autoscaler.DecisionLog
}

// NewScalingHandler creates a new scaling handler
func NewScalingHandler(decisions *autoscaler.DecisionLog) *ScalingHandler {
	return &ScalingHandler{decisions: decisions}
}

// ListDecisions handles GET /v1/scaling/decisions?type=&status=
func (h *ScalingHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := autoscaler.DecisionFilter{
		Type:   models.DecisionType(q.Get("type")),
		Status: models.DecisionStatus(q.Get("status")),
	}

	decisions := h.decisions.List(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions, "count": len(decisions)})
}
