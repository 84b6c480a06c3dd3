package api

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/pulsecheck/internal/datastore"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/quality"
)

const defaultSummaryWindow = 24 * time.Hour

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ModelResponse reports the classifier lifecycle.
type ModelResponse struct {
	State   string `json:"state"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// HistoryResponse wraps recent assessments.
type HistoryResponse struct {
	Count   int                          `json:"count"`
	Records []datastore.AssessmentRecord `json:"records"`
}

// SystemResponse reports host and process resource usage.
type SystemResponse struct {
	OS           string  `json:"os"`
	Architecture string  `json:"architecture"`
	Platform     string  `json:"platform"`
	NumCPU       int     `json:"num_cpu"`
	GoVersion    string  `json:"go_version"`
	CPUUsage     float64 `json:"cpu_usage_percent"`
	MemoryTotal  uint64  `json:"memory_total"`
	MemoryUsed   uint64  `json:"memory_used"`
	MemoryUsage  float64 `json:"memory_usage_percent"`
	ProcessMemMB float64 `json:"process_memory_mb"`
	AppUptime    int64   `json:"app_uptime_seconds"`
}

func (s *Server) errorJSON(c echo.Context, code int, message string, err error) error {
	resp := ErrorResponse{Message: message, Code: code}
	if err != nil {
		resp.Error = err.Error()
		s.log.Warn(message,
			logger.String("path", c.Path()),
			logger.Int("status", code),
			logger.Error(err))
	}
	return c.JSON(code, resp)
}

// healthCheck handles GET /api/v1/health
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.build.GetVersion(),
		"build_date":     s.build.GetBuildDate(),
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// getQuality handles GET /api/v1/quality. Before the first publication it
// answers unknown with status 200.
func (s *Server) getQuality(c echo.Context) error {
	a, ok := s.publisher.Latest()
	if !ok {
		return c.JSON(http.StatusOK, quality.Payload{
			Label:         quality.LabelUnknown.String(),
			Probabilities: map[string]float64{},
		})
	}
	return c.JSON(http.StatusOK, a.Payload())
}

// getModel handles GET /api/v1/model
func (s *Server) getModel(c echo.Context) error {
	if s.model == nil {
		return s.errorJSON(c, http.StatusServiceUnavailable, "no classifier configured", nil)
	}
	resp := ModelResponse{
		State:   s.model.State().String(),
		Backend: s.model.BackendName(),
	}
	if err := s.model.Err(); err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// getHistory handles GET /api/v1/history?limit=N
func (s *Server) getHistory(c echo.Context) error {
	if s.dataStore == nil {
		return s.errorJSON(c, http.StatusServiceUnavailable, "history storage is disabled", nil)
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > datastore.MaxRecentLimit {
			return s.errorJSON(c, http.StatusBadRequest,
				"limit must be between 1 and "+strconv.Itoa(datastore.MaxRecentLimit), nil)
		}
		limit = n
	}

	records, err := s.dataStore.Recent(c.Request().Context(), limit)
	if err != nil {
		return s.errorJSON(c, http.StatusInternalServerError, "failed to query history", err)
	}
	return c.JSON(http.StatusOK, HistoryResponse{Count: len(records), Records: records})
}

// getSummary handles GET /api/v1/history/summary?since=24h
func (s *Server) getSummary(c echo.Context) error {
	if s.dataStore == nil {
		return s.errorJSON(c, http.StatusServiceUnavailable, "history storage is disabled", nil)
	}

	window := defaultSummaryWindow
	if raw := c.QueryParam("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return s.errorJSON(c, http.StatusBadRequest, "since must be a positive duration such as 1h", nil)
		}
		window = d
	}

	summary, err := s.dataStore.Summary(c.Request().Context(), time.Now().Add(-window))
	if err != nil {
		return s.errorJSON(c, http.StatusInternalServerError, "failed to summarize history", err)
	}
	return c.JSON(http.StatusOK, summary)
}

// getSystem handles GET /api/v1/system
func (s *Server) getSystem(c echo.Context) error {
	ctx := c.Request().Context()

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s.errorJSON(c, http.StatusInternalServerError, "failed to get memory information", err)
	}

	resp := SystemResponse{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		MemoryTotal:  memInfo.Total,
		MemoryUsed:   memInfo.Used,
		MemoryUsage:  memInfo.UsedPercent,
		AppUptime:    int64(time.Since(s.startTime).Seconds()),
	}

	// Zero interval compares against the previous call instead of sleeping.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		resp.CPUUsage = pct[0]
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		resp.Platform = info.Platform
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if procMem, err := proc.MemoryInfoWithContext(ctx); err == nil && procMem != nil {
			resp.ProcessMemMB = float64(procMem.RSS) / 1024 / 1024
		}
	}

	return c.JSON(http.StatusOK, resp)
}
