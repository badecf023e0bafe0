// Package metrics implements the Metrics/Health component (component
// O): Prometheus counters and latency histograms for every countable
// event in spec §4.O, plus a liveness/health snapshot served over HTTP.
// The metric-set shape (a struct of *prometheus.CounterVec/HistogramVec
// fields, all registered via promauto in one constructor) is grounded
// on the teacher's internal/escrow/metrics.go; the HTTP surface is
// grounded on internal/api/server.go's gorilla/mux router, trimmed from
// a full REST API down to the single /healthz endpoint spec §4.O calls
// for.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and histogram spec §4.O names.
type Metrics struct {
	TasksDiscovered    prometheus.Counter
	TasksCompleted     prometheus.Counter
	TasksFailed        prometheus.Counter
	Retries            prometheus.Counter
	ApprovalsCreated   prometheus.Counter
	ApprovalsApproved  prometheus.Counter
	ApprovalsRejected  prometheus.Counter
	ApprovalsTimedOut  prometheus.Counter
	DriverInvocations  *prometheus.CounterVec
	DriverFailures     *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	CircuitTrips       *prometheus.CounterVec
	SecretsScanned     prometheus.Counter
	SecretsFound       prometheus.Counter

	ReasoningDuration prometheus.Histogram
	ApprovalWait      prometheus.Histogram
	ActionDuration    *prometheus.HistogramVec
	EndToEnd          prometheus.Histogram
}

// New registers and returns the full metric set against reg. Pass
// prometheus.NewRegistry() for test isolation, or nil to use the
// default global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_tasks_discovered_total", Help: "Total tasks observed by the discovery watcher.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_tasks_completed_total", Help: "Total tasks that reached Done.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_tasks_failed_total", Help: "Total tasks that reached Failed.",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_retries_total", Help: "Total retry attempts scheduled by the retry loop.",
		}),
		ApprovalsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_approvals_created_total", Help: "Total approval requests created.",
		}),
		ApprovalsApproved: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_approvals_approved_total", Help: "Total approvals that reached approved.",
		}),
		ApprovalsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_approvals_rejected_total", Help: "Total approvals that reached rejected.",
		}),
		ApprovalsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_approvals_timed_out_total", Help: "Total approvals that expired without a decision.",
		}),
		DriverInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultd_driver_invocations_total", Help: "Total driver subprocess invocations.",
		}, []string{"driver", "action_type"}),
		DriverFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultd_driver_failures_total", Help: "Total driver subprocess failures.",
		}, []string{"driver", "action_type"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultd_rate_limited_total", Help: "Total requests rejected by the rate limiter.",
		}, []string{"driver", "action_type"}),
		CircuitTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultd_circuit_trips_total", Help: "Total times a circuit breaker opened.",
		}, []string{"driver", "action_type"}),
		SecretsScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_secrets_scanned_total", Help: "Total strings passed through the secrets scanner.",
		}),
		SecretsFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultd_secrets_found_total", Help: "Total secret findings redacted.",
		}),
		ReasoningDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "vaultd_reasoning_duration_seconds", Help: "Reasoning subprocess wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		ApprovalWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "vaultd_approval_wait_seconds", Help: "Time spent waiting for an approval decision.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18),
		}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "vaultd_action_duration_seconds", Help: "Driver subprocess execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"driver", "action_type"}),
		EndToEnd: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "vaultd_end_to_end_duration_seconds", Help: "Total time from discovery to terminal folder.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18),
		}),
	}
}

// HealthStatus is the tri-state liveness signal spec §4.O defines.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Snapshot is the point-in-time input Health evaluates, assembled by
// the caller (the scheduler / main command) from live component state.
type Snapshot struct {
	AnyCircuitOpen       bool
	ErrorRateLastHour    float64
	LastTaskCompletion   time.Time
	CheckpointSaveFailing bool
	Now                  time.Time
}

// Health evaluates spec §4.O's health rule: healthy requires no open
// circuit, an hourly error rate under 10%, a task completion within
// the last hour, and a succeeding checkpoint save. One failing
// condition degrades; checkpoint failure alone is unhealthy, since a
// scheduler that cannot persist its state cannot recover from a crash.
func Health(s Snapshot) HealthStatus {
	if s.CheckpointSaveFailing {
		return HealthUnhealthy
	}
	degraded := false
	if s.AnyCircuitOpen {
		degraded = true
	}
	if s.ErrorRateLastHour >= 0.10 {
		degraded = true
	}
	if !s.LastTaskCompletion.IsZero() && s.Now.Sub(s.LastTaskCompletion) >= time.Hour {
		degraded = true
	}
	if degraded {
		return HealthDegraded
	}
	return HealthHealthy
}

// HealthProvider supplies the live Snapshot the /healthz handler needs,
// implemented by the scheduler/main command that holds the component
// references this package does not import directly (avoiding a cycle).
type HealthProvider func() Snapshot

// Server exposes /healthz and Prometheus's /metrics over HTTP.
type Server struct {
	mu       sync.RWMutex
	registry *prometheus.Registry
	provider HealthProvider
}

// NewServer constructs a Server. registry may be nil to use the
// default Prometheus registry via promhttp.Handler().
func NewServer(registry *prometheus.Registry, provider HealthProvider) *Server {
	return &Server{registry: registry, provider: provider}
}

type healthResponse struct {
	Status    HealthStatus `json:"status"`
	CheckedAt time.Time    `json:"checked_at"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	snapshot := Snapshot{Now: time.Now()}
	if provider != nil {
		snapshot = provider()
		snapshot.Now = time.Now()
	}
	status := Health(snapshot)

	w.Header().Set("Content-Type", "application/json")
	switch status {
	case HealthHealthy:
		w.WriteHeader(http.StatusOK)
	case HealthDegraded:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(healthResponse{Status: status, CheckedAt: snapshot.Now})
}

// Router builds the gorilla/mux router serving /healthz and /metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	} else {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe starts the health/metrics HTTP server on addr
// (e.g. ":9090"), blocking until it errors or the listener closes.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.Router())
}
