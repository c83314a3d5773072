package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *HealthChecker)
		expected string
	}{
		{
			name:     "no dependencies",
			setup:    func(h *HealthChecker) {},
			expected: StatusHealthy,
		},
		{
			name: "all healthy",
			setup: func(h *HealthChecker) {
				h.AddCheck("postgres", true, ok)
				h.AddCheck("redis", false, ok)
			},
			expected: StatusHealthy,
		},
		{
			name: "optional down degrades",
			setup: func(h *HealthChecker) {
				h.AddCheck("postgres", true, ok)
				h.AddCheck("redis", false, down)
			},
			expected: StatusDegraded,
		},
		{
			name: "required down is unhealthy",
			setup: func(h *HealthChecker) {
				h.AddCheck("postgres", true, down)
				h.AddCheck("redis", false, down)
			},
			expected: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("v1.2.3")
			tt.setup(h)
			status := h.Check(context.Background())
			assert.Equal(t, tt.expected, status.Status)
			assert.Equal(t, "v1.2.3", status.Version)
		})
	}
}

func TestHealthChecker_DependencyMessage(t *testing.T) {
	h := NewHealthChecker("")
	h.AddCheck("postgres", true, down)

	status := h.Check(context.Background())
	dep := status.Dependencies["postgres"]
	assert.Equal(t, StatusUnhealthy, dep.Status)
	assert.Equal(t, "connection refused", dep.Message)
}

func TestRedisCheck(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := RedisCheck(client)
	assert.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}

func TestRegisterHealthRoutes(t *testing.T) {
	h := NewHealthChecker("dev")
	h.AddCheck("postgres", true, down)

	router := mux.NewRouter()
	RegisterHealthRoutes(router, h)

	tests := []struct {
		path string
		code int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusServiceUnavailable},
		{"/health", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "dev", body.Version)
		})
	}
}
