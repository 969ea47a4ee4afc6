package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finnhub-proxy-go/internal/config"
	"finnhub-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Every path not claimed by a local route reaches the proxy, which applies
// the allow-list itself so rejected paths still get a 403 rather than a 404.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle)
}
