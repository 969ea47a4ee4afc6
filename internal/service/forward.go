// Package service implements the core forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"finnhub-proxy-go/internal/client"
	"finnhub-proxy-go/internal/config"
	"finnhub-proxy-go/internal/model"
)

var (
	// ErrForbiddenPath is returned for paths outside config.AllowedPrefixes.
	ErrForbiddenPath = errors.New("forbidden path")
	// ErrMissingAPIKey is returned when no Finnhub key is configured.
	ErrMissingAPIKey = errors.New("FINNHUB_KEY missing")
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"finnhub.io": true,
}

// ForwardService validates proxy requests and relays them to Finnhub.
type ForwardService struct {
	client  *client.FinnhubClient
	logger  *slog.Logger
	baseURL string
	apiKey  string
}

// NewForwardService creates a ForwardService. The key and base URL are copied
// out of cfg once; later changes to cfg are not observed.
func NewForwardService(c *client.FinnhubClient, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newForwardService(c, cfg, logger), nil
}

// NewForwardServiceForTest creates a ForwardService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewForwardServiceForTest(c *client.FinnhubClient, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	if _, err := url.Parse(cfg.Upstream.BaseURL); err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return newForwardService(c, cfg, logger), nil
}

func newForwardService(c *client.FinnhubClient, cfg *config.Config, logger *slog.Logger) *ForwardService {
	return &ForwardService{
		client:  c,
		logger:  logger.With("component", "forward_service"),
		baseURL: strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		apiKey:  cfg.Finnhub.APIKey,
	}
}

// Forward checks pr against the allow-list, appends the API key and relays
// the request upstream. The path check runs before the key check, so a
// forbidden path is reported even when no key is configured.
//
// Upstream HTTP errors are not errors here: the returned response carries
// whatever status Finnhub answered with.
func (s *ForwardService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	cleaned, err := CleanPath(pr.Path)
	if err != nil || !hasAllowedPrefix(cleaned) {
		return nil, ErrForbiddenPath
	}
	if s.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	upstreamURL := s.BuildUpstreamURL(cleaned, pr.RawQuery)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", cleaned,
	)

	// Only Content-Type goes upstream; inbound headers and body are dropped.
	header := http.Header{"Content-Type": {"application/json"}}

	resp, err := s.client.Fetch(pr.Ctx, pr.Method, upstreamURL, header)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// BuildUpstreamURL joins the base URL, the escaped form of the decoded path
// p, the caller's raw query and the token parameter. The caller's query is
// passed through untouched.
func (s *ForwardService) BuildUpstreamURL(p, rawQuery string) string {
	var b strings.Builder
	b.WriteString(s.baseURL)
	b.WriteString((&url.URL{Path: p}).EscapedPath())
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	b.WriteString("token=")
	b.WriteString(url.QueryEscape(s.apiKey))
	return b.String()
}

// CleanPath decodes an escaped request path and resolves its "." and ".."
// segments, so "/quote/../stock/candle" and "/quote%2F..%2Fstock%2Fcandle"
// both become "/stock/candle". A trailing slash is kept.
func CleanPath(escaped string) (string, error) {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("unescape path: %w", err)
	}
	if decoded == "" {
		return "", nil
	}
	cleaned := path.Clean(decoded)
	if strings.HasSuffix(decoded, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}

// IsAllowedPath reports whether the escaped request path, once cleaned,
// starts with one of config.AllowedPrefixes.
func IsAllowedPath(escaped string) bool {
	cleaned, err := CleanPath(escaped)
	if err != nil {
		return false
	}
	return hasAllowedPrefix(cleaned)
}

func hasAllowedPrefix(p string) bool {
	for _, prefix := range config.AllowedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
