package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetricsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.TasksDiscovered.Inc()
	m.DriverInvocations.WithLabelValues("mail-sender", "message").Inc()
	m.ActionDuration.WithLabelValues("mail-sender", "message").Observe(0.5)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestHealthHealthyWhenAllConditionsGood(t *testing.T) {
	now := time.Now()
	status := Health(Snapshot{
		AnyCircuitOpen:     false,
		ErrorRateLastHour:  0.01,
		LastTaskCompletion: now.Add(-time.Minute),
		Now:                now,
	})
	assert.Equal(t, HealthHealthy, status)
}

func TestHealthDegradedWhenCircuitOpen(t *testing.T) {
	now := time.Now()
	status := Health(Snapshot{AnyCircuitOpen: true, LastTaskCompletion: now, Now: now})
	assert.Equal(t, HealthDegraded, status)
}

func TestHealthDegradedWhenErrorRateHigh(t *testing.T) {
	now := time.Now()
	status := Health(Snapshot{ErrorRateLastHour: 0.25, LastTaskCompletion: now, Now: now})
	assert.Equal(t, HealthDegraded, status)
}

func TestHealthDegradedWhenStaleCompletion(t *testing.T) {
	now := time.Now()
	status := Health(Snapshot{LastTaskCompletion: now.Add(-2 * time.Hour), Now: now})
	assert.Equal(t, HealthDegraded, status)
}

func TestHealthUnhealthyWhenCheckpointFailing(t *testing.T) {
	now := time.Now()
	status := Health(Snapshot{CheckpointSaveFailing: true, LastTaskCompletion: now, Now: now})
	assert.Equal(t, HealthUnhealthy, status)
}

func TestHealthzEndpointReportsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(reg, func() Snapshot {
		return Snapshot{LastTaskCompletion: time.Now()}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthHealthy, body.Status)
}

func TestHealthzEndpointReturns503WhenUnhealthy(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(reg, func() Snapshot {
		return Snapshot{CheckpointSaveFailing: true}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.TasksCompleted.Inc()
	srv := NewServer(reg, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vaultd_tasks_completed_total")
}
