package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"gorm.io/gorm"

	"github.com/voxdub/voxdub/pkg/duration"
)

// HealthHandler handles the liveness endpoint.
type HealthHandler struct {
	db        *gorm.DB
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *gorm.DB, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		version:   version,
		startTime: time.Now(),
	}
}

// HealthOutput is the output for the health check.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/healthz",
		Summary:     "Health check",
		Description: "Liveness plus a database ping",
		Tags:        []string{"System"},
	}, h.Get)
}

// Get returns the health status. A failing database check degrades the
// status but still answers 200; orchestrators read the body.
func (h *HealthHandler) Get(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	checks := map[string]string{}
	status := "ok"

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if sqlDB, err := h.db.DB(); err != nil {
		checks["database"] = "error: " + err.Error()
		status = "degraded"
	} else if err := sqlDB.PingContext(pingCtx); err != nil {
		checks["database"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["database"] = "ok"
	}

	return &HealthOutput{Body: HealthResponse{
		Status:  status,
		Version: h.version,
		Uptime:  duration.Format(time.Since(h.startTime).Round(time.Second)),
		Checks:  checks,
	}}, nil
}
