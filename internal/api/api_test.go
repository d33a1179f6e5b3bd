package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/clock"
	"zk-attendance-bridge/internal/durability"
	"zk-attendance-bridge/internal/pipeline"
	"zk-attendance-bridge/internal/types"
	"zk-attendance-bridge/internal/usercache"
)

type stubWriter struct{}

func (stubWriter) BatchCreate(ctx context.Context, records map[string]types.AttendanceRecord) (map[string]error, error) {
	return nil, nil
}
func (stubWriter) Create(ctx context.Context, path string, record types.AttendanceRecord) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache, err := usercache.New(logger, usercache.Config{PhotoDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)

	layer, err := durability.NewLayer(logger, stubWriter{}, t.TempDir())
	require.NoError(t, err)

	hub := NewHub(logger)
	zone := clock.MustLoad("")
	pipe := pipeline.New(logger, zone, cache, layer, hub)

	return New(logger, ServerConfig{Addr: ":0", MockDevice: true}, hub, nil, nil, pipe, cache, layer, nil)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestStatusEndpointWithoutSession(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"configured":false`)
	require.Contains(t, w.Body.String(), `"mockDevice":true`)
}

func TestDeviceEndpointsWithoutSessionReturn503(t *testing.T) {
	s := newTestServer(t)
	router := s.buildRouter()

	for _, path := range []string{"/device/info", "/attendance/logs", "/users"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestAPIKeyMiddlewareRejectsMissingKey(t *testing.T) {
	s := newTestServer(t)
	s.apiKeys = []string{"secret"}
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterRefusesRequestOverLimit(t *testing.T) {
	limiter := newRateLimiter(2)
	allowed1, _, _ := limiter.allow("1.2.3.4")
	allowed2, _, _ := limiter.allow("1.2.3.4")
	allowed3, _, resetAt := limiter.allow("1.2.3.4")

	require.True(t, allowed1)
	require.True(t, allowed2)
	require.False(t, allowed3)
	require.False(t, resetAt.IsZero())
}

func TestStatsCacheEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/stats/cache", nil)
	w := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"size":0`)
}

func TestStaticPhotoRejectsPathTraversal(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/static/photos/..%2Fsecret.jpg", nil)
	w := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(w, req)
	require.NotEqual(t, http.StatusOK, w.Code)
}
