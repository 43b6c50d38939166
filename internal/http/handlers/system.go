package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"
)

// SystemHandler handles the system status endpoint.
type SystemHandler struct {
	tasksRoot string
	db        *gorm.DB
	startTime time.Time
}

// NewSystemHandler creates a new system handler. tasksRoot is the directory
// whose disk usage is reported; db may be nil.
func NewSystemHandler(tasksRoot string, db *gorm.DB) *SystemHandler {
	return &SystemHandler{
		tasksRoot: tasksRoot,
		db:        db,
		startTime: time.Now(),
	}
}

// SystemStatusResponse reports process and host statistics.
type SystemStatusResponse struct {
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	Load1         float64 `json:"load_1,omitempty"`
	Load5         float64 `json:"load_5,omitempty"`
	Load15        float64 `json:"load_15,omitempty"`
	MemoryTotal   uint64  `json:"memory_total,omitempty"`
	MemoryUsed    uint64  `json:"memory_used,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskTotal     uint64  `json:"disk_total,omitempty"`
	DiskFree      uint64  `json:"disk_free,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
	ProcessRSS    uint64  `json:"process_rss,omitempty"`
	ProcessCPU    float64 `json:"process_cpu_percent,omitempty"`

	DBOpenConnections int `json:"db_open_connections"`
	DBInUse           int `json:"db_in_use"`
	DBIdle            int `json:"db_idle"`
}

// SystemStatusOutput is the output for the system status query.
type SystemStatusOutput struct {
	Body SystemStatusResponse
}

// Register registers the system route with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSystemStatus",
		Method:      "GET",
		Path:        "/api/system/status",
		Summary:     "Get system status",
		Description: "Process and host statistics: load, memory, disk, and process usage",
		Tags:        []string{"System"},
	}, h.Get)
}

// Get returns system statistics. Each probe is best-effort; a failing probe
// leaves its fields zero instead of failing the request.
func (h *SystemHandler) Get(ctx context.Context, _ *struct{}) (*SystemStatusOutput, error) {
	resp := SystemStatusResponse{
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		resp.Load1 = avg.Load1
		resp.Load5 = avg.Load5
		resp.Load15 = avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemoryTotal = vm.Total
		resp.MemoryUsed = vm.Used
		resp.MemoryPercent = vm.UsedPercent
	}

	if usage, err := disk.UsageWithContext(ctx, h.tasksRoot); err == nil {
		resp.DiskTotal = usage.Total
		resp.DiskFree = usage.Free
		resp.DiskPercent = usage.UsedPercent
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			resp.ProcessRSS = memInfo.RSS
		}
		if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
			resp.ProcessCPU = cpuPercent
		}
	}

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			stats := sqlDB.Stats()
			resp.DBOpenConnections = stats.OpenConnections
			resp.DBInUse = stats.InUse
			resp.DBIdle = stats.Idle
		}
	}

	return &SystemStatusOutput{Body: resp}, nil
}
