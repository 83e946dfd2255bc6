package httpserver

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/audiobridge/internal/logger"
)

// SystemInfo is the body of GET /api/v1/system.
type SystemInfo struct {
	PID           int     `json:"pid"`
	GoVersion     string  `json:"go_version"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ProcessRSS    uint64  `json:"process_rss_bytes"`
	ProcessCPU    float64 `json:"process_cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	MemoryUsage   float64 `json:"memory_used_percent"`
}

// getSystemInfo reports process and host resource usage. Probes that fail
// leave their fields zero.
func (s *Server) getSystemInfo(c echo.Context) error {
	info := SystemInfo{
		PID:           os.Getpid(),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}

	if proc, err := process.NewProcess(int32(info.PID)); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			info.ProcessRSS = memInfo.RSS
		}
		if cpuPercent, err := proc.CPUPercent(); err == nil {
			info.ProcessCPU = cpuPercent
		}
	} else {
		s.log.Debug("process info unavailable", logger.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsage = vm.UsedPercent
	}

	return c.JSON(http.StatusOK, info)
}
