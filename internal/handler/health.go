package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"schema-proxy-go/internal/client"
	"schema-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// PoolStatser reports upstream pool usage. *client.UpstreamPool implements it.
type PoolStatser interface {
	Stats() client.PoolStats
}

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	pool    PoolStatser
	version Version
}

// NewHealthHandler creates a HealthHandler. pool may be nil.
func NewHealthHandler(cfg *config.Config, pool PoolStatser, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, pool: pool, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	UpstreamURL  string            `json:"upstream_url"`
	UpstreamHost string            `json:"upstream_host"`
	Pool         *client.PoolStats `json:"pool,omitempty"`
}

// Status returns proxy status information. It reports 503 once the upstream
// pool is no longer accepting calls.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		UpstreamURL:  h.cfg.Upstream.BaseURL,
		UpstreamHost: h.cfg.Upstream.Host,
	}

	code := http.StatusOK
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Pool = &stats
		if !stats.Started || stats.Closed {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, resp)
}
