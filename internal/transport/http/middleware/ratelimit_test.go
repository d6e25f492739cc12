package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 1, Burst: 2, CleanupInterval: time.Minute})
	defer rl.Stop()

	h := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5678").Code)

	rec := do("10.0.0.1:9999")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "61", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT")

	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:1234").Code)
	assert.Equal(t, 2, rl.VisitorCount())
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(nil)
	defer rl.Stop()
	rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 0, rl.cleanup(time.Now().Add(-time.Hour)))
	assert.Equal(t, 2, rl.cleanup(time.Now().Add(time.Second)))
	assert.Equal(t, 0, rl.VisitorCount())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(req))
	req.RemoteAddr = "192.0.2.7"
	assert.Equal(t, "192.0.2.7", ClientIP(req))
}
