package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"finnhub-proxy-go/internal/client"
	"finnhub-proxy-go/internal/config"
	"finnhub-proxy-go/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newUpstream starts a mock Finnhub that counts calls and answers with status and body.
func newUpstream(t *testing.T, status int, body string, calls *atomic.Int32, check func(*http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, baseURL, apiKey string) *ForwardService {
	t.Helper()
	cfg := &config.Config{
		Finnhub: config.FinnhubConfig{APIKey: apiKey},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := discardLogger()
	fc := client.NewFinnhubClient(cfg, logger, nil)
	svc, err := NewForwardServiceForTest(fc, cfg, logger)
	if err != nil {
		t.Fatalf("NewForwardServiceForTest: %v", err)
	}
	return svc
}

func TestBuildUpstreamURL(t *testing.T) {
	s := &ForwardService{baseURL: config.DefaultBaseURL, apiKey: "T1"}

	tests := []struct {
		name     string
		path     string
		rawQuery string
		want     string
	}{
		{
			name:     "existing query gets ampersand",
			path:     "/quote",
			rawQuery: "symbol=AAPL",
			want:     "https://finnhub.io/api/v1/quote?symbol=AAPL&token=T1",
		},
		{
			name:     "no query gets question mark",
			path:     "/stock/profile2",
			rawQuery: "",
			want:     "https://finnhub.io/api/v1/stock/profile2?token=T1",
		},
		{
			name:     "multiple params kept in order",
			path:     "/stock/profile2",
			rawQuery: "symbol=MSFT&isin=US5949181045",
			want:     "https://finnhub.io/api/v1/stock/profile2?symbol=MSFT&isin=US5949181045&token=T1",
		},
		{
			name:     "caller token is not stripped",
			path:     "/quote",
			rawQuery: "symbol=AAPL&token=caller",
			want:     "https://finnhub.io/api/v1/quote?symbol=AAPL&token=caller&token=T1",
		},
		{
			name:     "encoded query passed through",
			path:     "/quote",
			rawQuery: "symbol=BRK%2EB",
			want:     "https://finnhub.io/api/v1/quote?symbol=BRK%2EB&token=T1",
		},
		{
			name:     "decoded path escaped again",
			path:     "/quote/a b",
			rawQuery: "",
			want:     "https://finnhub.io/api/v1/quote/a%20b?token=T1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.BuildUpstreamURL(tt.path, tt.rawQuery); got != tt.want {
				t.Errorf("BuildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildUpstreamURL_EscapesKey(t *testing.T) {
	s := &ForwardService{baseURL: config.DefaultBaseURL, apiKey: "a&b=c"}
	want := "https://finnhub.io/api/v1/quote?token=a%26b%3Dc"
	if got := s.BuildUpstreamURL("/quote", ""); got != want {
		t.Errorf("BuildUpstreamURL() = %q, want %q", got, want)
	}
}

func TestIsAllowedPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/quote", true},
		{"/quote/extra", true},
		{"/quotes", true},
		{"/stock/profile2", true},
		{"/stock/profile2/x", true},
		{"/stock/profile", false},
		{"/stock/candle", false},
		{"/", false},
		{"", false},
		{"/api/v1/quote", false},
		{"/QUOTE", false},
		{"/quote/../stock/candle", false},
		{"/quote/%2e%2e/stock/candle", false},
		{"/quote/%2E%2E/stock/candle", false},
		{"/stock/profile2/../../forex/rates", false},
		{"/quote%2F..%2Fstock%2Fcandle", false},
		{"/quote/%zz", false},
		{"/stock/candle/../../quote", true},
		{"/quote/./extra", true},
		{"//quote", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsAllowedPath(tt.path); got != tt.want {
				t.Errorf("IsAllowedPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		escaped string
		want    string
	}{
		{"/quote", "/quote"},
		{"/quote/", "/quote/"},
		{"/quote/../stock/candle", "/stock/candle"},
		{"/quote/%2e%2e/stock/candle", "/stock/candle"},
		{"/stock/profile2/../../forex/rates", "/forex/rates"},
		{"/quote%2F..%2Fstock%2Fcandle", "/stock/candle"},
		{"/../../quote", "/quote"},
		{"/quote/./a//b/", "/quote/a/b/"},
		{"/quote/a%20b", "/quote/a b"},
		{"/", "/"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.escaped, func(t *testing.T) {
			got, err := CleanPath(tt.escaped)
			if err != nil {
				t.Fatalf("CleanPath(%q) error: %v", tt.escaped, err)
			}
			if got != tt.want {
				t.Errorf("CleanPath(%q) = %q, want %q", tt.escaped, got, tt.want)
			}
		})
	}
}

func TestCleanPath_InvalidEscape(t *testing.T) {
	if _, err := CleanPath("/quote/%zz"); err == nil {
		t.Error("CleanPath() error = nil, want unescape error")
	}
}

func TestForward_DotSegmentsForbidden(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusOK, `{}`, &calls, nil)
	svc := newTestService(t, upstream.URL, "T1")

	for _, p := range []string{
		"/quote/../stock/candle",
		"/quote/%2e%2e/stock/candle",
		"/stock/profile2/../../forex/rates",
		"/quote%2F..%2Fstock%2Fcandle",
	} {
		t.Run(p, func(t *testing.T) {
			_, err := svc.Forward(&model.ProxyRequest{
				Ctx:    context.Background(),
				Method: http.MethodGet,
				Path:   p,
			})
			if !errors.Is(err, ErrForbiddenPath) {
				t.Errorf("Forward() error = %v, want ErrForbiddenPath", err)
			}
		})
	}

	if calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", calls.Load())
	}
}

func TestForward_CleanedPathSentUpstream(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusOK, `{}`, &calls, func(r *http.Request) {
		if r.URL.Path != "/stock/profile2" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/stock/profile2")
		}
	})
	svc := newTestService(t, upstream.URL, "T1")

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/stock/candle/../profile2",
		RawQuery: "symbol=AAPL",
	})
	if err != nil {
		t.Fatalf("Forward() error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestForward_HappyPath(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusOK, `{"c":261.74,"d":-0.31}`, &calls, func(r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/quote")
		}
		if r.URL.RawQuery != "symbol=AAPL&token=T1" {
			t.Errorf("raw query = %q, want %q", r.URL.RawQuery, "symbol=AAPL&token=T1")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
		}
	})
	svc := newTestService(t, upstream.URL, "T1")

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/quote",
		RawQuery: "symbol=AAPL",
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != `{"c":261.74,"d":-0.31}` {
		t.Errorf("body = %q", string(resp.Body))
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestForward_MirrorsMethod(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			var calls atomic.Int32
			upstream := newUpstream(t, http.StatusOK, "", &calls, func(r *http.Request) {
				if r.Method != method {
					t.Errorf("method = %q, want %q", r.Method, method)
				}
			})
			svc := newTestService(t, upstream.URL, "T1")

			_, err := svc.Forward(&model.ProxyRequest{
				Ctx:    context.Background(),
				Method: method,
				Path:   "/stock/profile2",
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
		})
	}
}

func TestForward_UpstreamErrorStatusRelayed(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusNotFound, `{"error":"not found"}`, &calls, nil)
	svc := newTestService(t, upstream.URL, "T1")

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/quote",
	})
	if err != nil {
		t.Fatalf("Forward() error = %v; upstream 404 is not a proxy error", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if string(resp.Body) != `{"error":"not found"}` {
		t.Errorf("body = %q, want %q", string(resp.Body), `{"error":"not found"}`)
	}
}

func TestForward_ForbiddenPath(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusOK, "", &calls, nil)
	svc := newTestService(t, upstream.URL, "T1")

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/stock/candle",
	})
	if !errors.Is(err, ErrForbiddenPath) {
		t.Fatalf("Forward() error = %v, want ErrForbiddenPath", err)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", calls.Load())
	}
}

func TestForward_ForbiddenPathCheckedBeforeKey(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusOK, "", &calls, nil)
	svc := newTestService(t, upstream.URL, "")

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/forex/rates",
	})
	if !errors.Is(err, ErrForbiddenPath) {
		t.Fatalf("Forward() error = %v, want ErrForbiddenPath", err)
	}
}

func TestForward_MissingAPIKey(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusOK, "", &calls, nil)
	svc := newTestService(t, upstream.URL, "")

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/quote",
		RawQuery: "symbol=AAPL",
	})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("Forward() error = %v, want ErrMissingAPIKey", err)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", calls.Load())
	}
}

func TestForward_TransportError(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", "T1")

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/quote",
	})
	if err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
	if errors.Is(err, ErrForbiddenPath) || errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("Forward() error = %v, want transport error", err)
	}
}

func TestForward_KeySnapshotAtConstruction(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, http.StatusOK, "", &calls, func(r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "T1" {
			t.Errorf("token = %q, want %q", got, "T1")
		}
	})
	cfg := &config.Config{
		Finnhub:  config.FinnhubConfig{APIKey: "T1"},
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL, IdleConnections: 1},
	}
	logger := discardLogger()
	svc, err := NewForwardServiceForTest(client.NewFinnhubClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewForwardServiceForTest: %v", err)
	}
	cfg.Finnhub.APIKey = "changed"

	if _, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Path: "/quote"}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
}

func TestNewForwardService_AllowlistRejectsUnknownHost(t *testing.T) {
	cfg := &config.Config{
		Finnhub:  config.FinnhubConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{BaseURL: "https://evil.example.com/api/v1"},
	}
	if _, err := NewForwardService(nil, cfg, discardLogger()); err == nil {
		t.Fatal("NewForwardService() expected error for disallowed host, got nil")
	}
}

func TestNewForwardService_AllowlistAcceptsFinnhub(t *testing.T) {
	cfg := &config.Config{
		Finnhub:  config.FinnhubConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{BaseURL: config.DefaultBaseURL},
	}
	svc, err := NewForwardService(nil, cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewForwardService() error = %v", err)
	}
	if svc == nil {
		t.Fatal("NewForwardService() returned nil service")
	}
}
