package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) Check(ctx context.Context) error { return f(ctx) }

func TestHealthzHealthy(t *testing.T) {
	h := &HealthHandlers{Checker: checkerFunc(func(context.Context) error { return nil })}

	w := httptest.NewRecorder()
	h.Healthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestHealthzUnhealthy(t *testing.T) {
	h := &HealthHandlers{Checker: checkerFunc(func(context.Context) error {
		return errors.New("worker \"w-1\" heartbeat is stale")
	})}

	w := httptest.NewRecorder()
	h.Healthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp["status"])
	assert.Contains(t, resp["reason"], "stale")
}

func TestHealthzHead(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := &HealthHandlers{Checker: checkerFunc(func(context.Context) error { return nil })}

		w := httptest.NewRecorder()
		h.Healthz(w, httptest.NewRequest(http.MethodHead, "/healthz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Body.Bytes())
	})

	t.Run("unhealthy", func(t *testing.T) {
		h := &HealthHandlers{Checker: checkerFunc(func(context.Context) error {
			return errors.New("no workers")
		})}

		w := httptest.NewRecorder()
		h.Healthz(w, httptest.NewRequest(http.MethodHead, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Empty(t, w.Body.Bytes())
	})
}
