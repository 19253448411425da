package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Checker tests
// =============================================================================

func TestOverallStatusBeforeAnyCheck(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("dispatch", true, func(context.Context) CheckResult { return Healthy("") })
	assert.Equal(t, StatusUnknown, c.OverallStatus())
	assert.Equal(t, map[string]string{"dispatch": "unknown"}, c.Summary())
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("dispatch", true, func(context.Context) CheckResult { return Unhealthy(errors.New("stalled")) })
	c.RegisterFunc("sources", false, func(context.Context) CheckResult { return Healthy("1 running") })

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "stalled", results["dispatch"].Error)
	assert.False(t, results["sources"].LastChecked.IsZero())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("dispatch", true, func(context.Context) CheckResult { return Healthy("") })
	c.RegisterFunc("sources", false, func(context.Context) CheckResult { return Unhealthy(errors.New("no devices")) })

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return Healthy("")
		},
	})
	c.RegisterFunc("broken", false, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Equal(t, "boom", results["broken"].Error)
}

// =============================================================================
// HTTP handler tests
// =============================================================================

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("dispatch", true, func(context.Context) CheckResult { return Healthy("") })
	h := c.ReadinessHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandlerReportsComponents(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("journal", true, func(context.Context) CheckResult { return Degraded("backlog") })

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Ready)
	assert.Equal(t, "backlog", resp.Components["journal"].Message)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
