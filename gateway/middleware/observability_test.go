package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObservabilityAssignsRequestID(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObservability(ObservabilityConfig{}, reg, nil)
	handler := obs.Middleware("rpc")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusTeapot, res.Code)
	require.Len(t, res.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, "abc", res.Header().Get(RequestIDHeader))

	require.Equal(t, float64(2), testutil.ToFloat64(obs.requests.WithLabelValues("rpc", http.MethodPost, "418")))

	// Re-registering against the same registry reuses the collectors.
	again := NewObservability(ObservabilityConfig{}, reg, nil)
	require.Same(t, obs.requests, again.requests)
}
