package api

import (
	"net/http"

	"go.docrelay.tech/internal/common/metrics"
	"go.docrelay.tech/internal/task"
)

// StatsResponse combines the task counters with the outbox depths.
type StatsResponse struct {
	task.Stats
	Outbox OutboxDepths `json:"outbox"`
}

// OutboxDepths reports the outbox queue sizes.
type OutboxDepths struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
}

// OutboxStatus is the relay operational snapshot.
type OutboxStatus struct {
	Running bool  `json:"running"`
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
}

// HandleStats handles GET /api/v1/stats
// @Summary Get processing statistics
// @Description Returns global task counters, per-state queue depths and outbox depths
// @Tags Stats
// @Produce json
// @Success 200 {object} StatsResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/stats [get]
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get task stats", "error", err)
		WriteInternalError(w, "failed to get stats")
		return
	}

	// Keep the queue depth gauges in step with what we report
	for state, depth := range stats.QueueDepths {
		metrics.TaskQueueDepth.WithLabelValues(string(state)).Set(float64(depth))
	}

	resp := StatsResponse{Stats: stats}
	if resp.Outbox.Pending, err = s.outbox.PendingCount(r.Context()); err != nil {
		s.logger.Error("failed to get outbox pending count", "error", err)
		WriteInternalError(w, "failed to get stats")
		return
	}
	if resp.Outbox.Sent, err = s.outbox.SentCount(r.Context()); err != nil {
		s.logger.Error("failed to get outbox sent count", "error", err)
		WriteInternalError(w, "failed to get stats")
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}

// HandleOutboxStatus handles GET /outbox/status
func (s *Server) HandleOutboxStatus(w http.ResponseWriter, r *http.Request) {
	status := OutboxStatus{}
	if s.relay != nil {
		status.Running = s.relay.IsRunning()
	}

	var err error
	if status.Pending, err = s.outbox.PendingCount(r.Context()); err != nil {
		s.logger.Error("failed to get outbox pending count", "error", err)
		WriteInternalError(w, "failed to get outbox status")
		return
	}
	if status.Sent, err = s.outbox.SentCount(r.Context()); err != nil {
		s.logger.Error("failed to get outbox sent count", "error", err)
		WriteInternalError(w, "failed to get outbox status")
		return
	}

	WriteJSON(w, http.StatusOK, status)
}
