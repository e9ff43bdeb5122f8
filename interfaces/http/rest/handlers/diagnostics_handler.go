package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"servicekit/application/cache"
	"servicekit/application/container"
	"servicekit/application/prediction"
	"servicekit/infrastructure/signals"
	"servicekit/pkg/common"
)

// DiagnosticsHandler exposes the subsystem's read-only observability calls
// and the two inbound host signals.
type DiagnosticsHandler struct {
	container  *container.Container
	cache      *cache.TieredCache
	loader     *prediction.Loader
	dispatcher *signals.Dispatcher
	logger     *zap.Logger
}

// NewDiagnosticsHandler creates a new diagnostics handler
func NewDiagnosticsHandler(
	ctr *container.Container,
	tc *cache.TieredCache,
	loader *prediction.Loader,
	dispatcher *signals.Dispatcher,
	logger *zap.Logger,
) *DiagnosticsHandler {
	return &DiagnosticsHandler{
		container:  ctr,
		cache:      tc,
		loader:     loader,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Health handles GET /health
func (h *DiagnosticsHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.container.Health()
	status := http.StatusOK
	if report.Score < 0.5 {
		status = http.StatusServiceUnavailable
	}
	common.RespondJSON(w, status, report)
}

// Statistics handles GET /statistics
func (h *DiagnosticsHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	common.RespondJSON(w, http.StatusOK, h.cache.Statistics())
}

// Analytics handles GET /analytics
func (h *DiagnosticsHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	common.RespondJSON(w, http.StatusOK, h.loader.Analytics())
}

// MemoryPressure handles POST /admin/pressure, the manual entry point for
// the host's memory-pressure signal.
func (h *DiagnosticsHandler) MemoryPressure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		common.RespondError(w, http.StatusBadRequest, "INVALID_BODY", "expected {\"level\": \"warning|critical\"}")
		return
	}
	level := signals.PressureLevel(body.Level)
	if !level.Valid() {
		common.RespondError(w, http.StatusBadRequest, "INVALID_LEVEL", "level must be warning or critical")
		return
	}

	h.dispatcher.NotifyMemoryPressure(r.Context(), level)
	common.RespondJSON(w, http.StatusAccepted, map[string]string{"level": string(level)})
}

// RoleChange handles POST /admin/role
func (h *DiagnosticsHandler) RoleChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Role == "" {
		common.RespondError(w, http.StatusBadRequest, "INVALID_BODY", "expected {\"role\": \"...\"}")
		return
	}

	h.dispatcher.NotifyRoleChanged(r.Context(), body.Role)
	common.RespondJSON(w, http.StatusAccepted, map[string]string{"role": body.Role})
}

// Recover handles POST /admin/recover, re-attempting every recently-failed
// construction once.
func (h *DiagnosticsHandler) Recover(w http.ResponseWriter, r *http.Request) {
	results := h.cache.RecoverFromFailures(r.Context())
	h.logger.Info("failure recovery requested", zap.Int("names", len(results)))
	common.RespondJSON(w, http.StatusOK, results)
}
