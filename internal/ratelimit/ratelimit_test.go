package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func fixedKey(key string) ratelimit.KeyFunc {
	return func(*http.Request) string { return key }
}

func TestMiddlewareAllowsWithinBurst(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(10, 3)
	defer func() { _ = limiter.Close() }()

	h := ratelimit.Middleware(limiter, fixedKey("reviewer:abc"))(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/studies", nil))
		require.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
	}
}

func TestMiddlewareDeniesAfterBurst(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	reqID := func(*http.Request) string { return "req-123" }
	h := ratelimit.MiddlewareWithRequestID(limiter, fixedKey("reviewer:abc"), reqID)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/studies", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/studies", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.Equal(t, "req-123", apiErr.Meta.RequestID)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	h := ratelimit.Middleware(limiter, fixedKey(""))(okHandler())

	// Empty key means exempt: no request should ever be limited.
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/studies", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := ratelimit.Middleware(nil, fixedKey("reviewer:abc"))(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/studies", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

// errorLimiter simulates a malfunctioning limiter backend.
type errorLimiter struct{}

func (errorLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend unavailable")
}
func (errorLimiter) Close() error { return nil }

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	h := ratelimit.Middleware(errorLimiter{}, fixedKey("reviewer:abc"))(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/studies", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "limiter errors must not block traffic")
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	assert.Equal(t, "203.0.113.9", ratelimit.IPKeyFunc(r))

	r.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", ratelimit.IPKeyFunc(r))
}

func TestNoopLimiterSatisfiesInterface(t *testing.T) {
	var l ratelimit.Limiter = ratelimit.NoopLimiter{}
	ok, err := l.Allow(context.Background(), "any")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Close())
}
