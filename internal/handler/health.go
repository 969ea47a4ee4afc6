package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"finnhub-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of /proxy/status. It never includes the key itself.
type statusResponse struct {
	Status           string   `json:"status"`
	Version          string   `json:"version"`
	UpstreamURL      string   `json:"upstream_url"`
	APIKeyConfigured bool     `json:"api_key_configured"`
	AllowedPaths     []string `json:"allowed_paths"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:           "ok",
		Version:          string(h.version),
		UpstreamURL:      h.cfg.Upstream.BaseURL,
		APIKeyConfigured: h.cfg.HasAPIKey(),
		AllowedPaths:     config.AllowedPrefixes,
	})
}
