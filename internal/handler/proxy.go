package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"finnhub-proxy-go/internal/metrics"
	"finnhub-proxy-go/internal/model"
	"finnhub-proxy-go/internal/service"
)

// Plain-text bodies for requests the proxy refuses on its own.
const (
	forbiddenPathBody = "Forbidden path"
	missingKeyBody    = "Proxy config error: FINNHUB_KEY missing"
)

// tokenPattern matches token query parameter values in URLs embedded in error messages.
var tokenPattern = regexp.MustCompile(`(?i)(token=)[^&\s"]+`)

// ProxyHandler forwards allow-listed requests to the Finnhub API.
type ProxyHandler struct {
	service *service.ForwardService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(svc *service.ForwardService, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle relays the request to Finnhub and writes the upstream status and
// body back unchanged, always labelled as JSON. CORS headers and preflight
// requests are handled by middleware.CORS before this runs.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.Blob(resp.StatusCode, echo.MIMEApplicationJSON, resp.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrForbiddenPath):
		h.logger.Warn("rejected path", "path", path)
		h.metrics.Reject(metrics.ReasonForbiddenPath)
		return c.String(http.StatusForbidden, forbiddenPathBody)

	case errors.Is(err, service.ErrMissingAPIKey):
		h.logger.Error("finnhub api key is not configured", "path", path)
		h.metrics.Reject(metrics.ReasonMissingAPIKey)
		return c.String(http.StatusInternalServerError, missingKeyBody)
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", path,
	)
	h.metrics.Reject(metrics.ReasonUpstreamError)

	body, mErr := json.Marshal(map[string]string{"error": transportMessage(err)})
	if mErr != nil {
		return mErr
	}
	return c.JSONBlob(http.StatusInternalServerError, body)
}

// transportMessage returns the cause of an upstream failure without the
// *url.Error wrapper, whose text would repeat the upstream URL and its token.
func transportMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return tokenPattern.ReplaceAllString(urlErr.Err.Error(), "${1}[REDACTED]")
	}
	return sanitizeError(err)
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return tokenPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
