// Package client provides the upstream HTTP client for the Finnhub API.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"finnhub-proxy-go/internal/config"
	"finnhub-proxy-go/internal/metrics"
	"finnhub-proxy-go/internal/model"
)

// FinnhubClient sends requests to the upstream Finnhub API.
type FinnhubClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewFinnhubClient creates a FinnhubClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFinnhubClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *FinnhubClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return NewFinnhubClientWithTransport(cfg, logger, m, transport)
}

// NewFinnhubClientWithTransport creates a FinnhubClient on top of rt.
// Tests use it to stub the network.
func NewFinnhubClientWithTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, rt http.RoundTripper) *FinnhubClient {
	return &FinnhubClient{
		httpClient: &http.Client{
			Transport: rt,
			// Zero leaves the call bounded only by the transport's own limits.
			Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "finnhub_client"),
		metrics: m,
	}
}

// Fetch executes a bodiless request against rawURL and reads the whole
// response body. Transport failures are returned as errors; any HTTP status,
// including 4xx and 5xx, is a successful fetch.
func (c *FinnhubClient) Fetch(ctx context.Context, method, rawURL string, header http.Header) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(req.Method, 0, start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	c.observe(req.Method, resp.StatusCode, start)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// observe records latency, and the status when one was received.
func (c *FinnhubClient) observe(method string, status int, start time.Time) {
	if c.metrics == nil {
		return
	}
	m := metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(m).Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(m, strconv.Itoa(status)).Inc()
	}
}
