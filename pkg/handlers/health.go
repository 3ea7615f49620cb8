package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/config"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// CheckpointFunc reads the reader's committed checkpoint.
type CheckpointFunc func(ctx context.Context) (*models.Checkpoint, error)

// HealthResponse reports liveness and how far the reader has got.
type HealthResponse struct {
	Status     string          `json:"status"`
	Checkpoint *CheckpointInfo `json:"checkpoint,omitempty"`
}

// CheckpointInfo is the public view of the reader checkpoint.
type CheckpointInfo struct {
	LastProcessedSequenceID int64      `json:"last_processed_sequence_id"`
	LastProcessedEventIndex int        `json:"last_processed_event_index"`
	RecordComplete          bool       `json:"record_complete"`
	LastProcessedEventTime  *time.Time `json:"last_processed_event_time,omitempty"`
	LastProcessingEndTime   time.Time  `json:"last_processing_end_time"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg        *config.Config
	checkpoint CheckpointFunc
	logger     *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. checkpoint may be nil, in
// which case /health reports liveness only.
func NewHealthHandler(cfg *config.Config, checkpoint CheckpointFunc, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, checkpoint: checkpoint, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ping", h.Ping)
}

// Health handles GET /health requests.
// Returns 503 when the checkpoint cannot be read.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "ok"}

	if h.checkpoint != nil {
		cp, err := h.checkpoint(r.Context())
		if err != nil {
			h.logger.Warn("Health check could not read checkpoint", zap.Error(err))
			if err := ErrorResponse(w, http.StatusServiceUnavailable, "checkpoint_unavailable", err.Error()); err != nil {
				h.logger.Error("Failed to encode health response", zap.Error(err))
			}
			return
		}
		if cp != nil {
			response.Checkpoint = &CheckpointInfo{
				LastProcessedSequenceID: cp.LastProcessedSequenceID,
				LastProcessedEventIndex: cp.LastProcessedEventIndex,
				RecordComplete:          cp.RecordComplete,
				LastProcessedEventTime:  cp.LastProcessedEventTime,
				LastProcessingEndTime:   cp.LastProcessingEndTime,
			}
		}
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-clinical",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
