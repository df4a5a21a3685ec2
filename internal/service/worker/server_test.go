package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

type healthBody struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func probeHealth(t *testing.T, s *Server, path string) (int, healthBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body healthBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthEndpointsAggregateComponents(t *testing.T) {
	checks := map[string]HealthChecker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	}
	s := NewServer(0, newFakeQueue(), checks, nil, zap.NewNop(), metrics.NewRegistry())

	for _, path := range []string{"/healthz", "/readyz"} {
		code, body := probeHealth(t, s, path)
		assert.Equal(t, http.StatusOK, code, path)
		assert.Equal(t, "OK", body.Status, path)
		assert.Equal(t, map[string]string{"postgres": "ok", "redis": "ok"}, body.Components, path)
	}
}

func TestHealthEndpointsFailWhenComponentDown(t *testing.T) {
	checks := map[string]HealthChecker{
		"postgres": func(context.Context) error { return nil },
		"redis": func(context.Context) error {
			return errors.NewTransientError("REDIS_DOWN", "connection refused")
		},
	}
	s := NewServer(0, newFakeQueue(), checks, nil, zap.NewNop(), metrics.NewRegistry())

	for _, path := range []string{"/healthz", "/readyz"} {
		code, body := probeHealth(t, s, path)
		assert.Equal(t, http.StatusServiceUnavailable, code, path)
		assert.Equal(t, "UNAVAILABLE", body.Status, path)
		assert.Equal(t, "ok", body.Components["postgres"], path)
		assert.Contains(t, body.Components["redis"], "connection refused", path)
	}
}
