package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/octylFractal/backup-secretary/internal/metrics"
)

type healthHandler struct {
	ping    func(ctx context.Context) error
	dataDir string
	logger  *zap.Logger
}

type healthResponse struct {
	Status   string             `json:"status"`
	Database string             `json:"database,omitempty"`
	Host     *metrics.HostUsage `json:"host,omitempty"`
}

// Get handles GET /healthz. A failed database ping answers 503; host usage
// is best effort.
func (h *healthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if h.ping != nil {
		if err := h.ping(ctx); err != nil {
			h.logger.Warn("database ping failed", zap.Error(err))
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	if h.dataDir != "" {
		if usage, err := metrics.SampleHost(ctx, h.dataDir); err == nil {
			resp.Host = &usage
		} else {
			h.logger.Debug("host sample failed", zap.Error(err))
		}
	}
	writeJSON(w, status, envelope{"data": resp})
}
