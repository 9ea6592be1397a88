package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsEndpoint = "0.0.0.0:9090"
)

var (
	// RegistryOperationsCounter counts registry operations by operation, store kind and result.
	RegistryOperationsCounter *prometheus.CounterVec

	// RegistryOperationTimeSummary observes registry operation latency, lock wait included.
	RegistryOperationTimeSummary *prometheus.SummaryVec

	// OwnerLockWaitersGauge is the number of calls queued behind another call for the same owner.
	OwnerLockWaitersGauge prometheus.Gauge

	// ImportStepCounter counts import task steps by step and state.
	ImportStepCounter *prometheus.CounterVec
)

func init() {
	RegistryOperationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robosync_registry_operations_total",
			Help: "A counter metric to measure registry operations by result.",
		},
		[]string{"operation", "store", "result"},
	)

	RegistryOperationTimeSummary = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "robosync_registry_operation_duration_seconds",
			Help: "A summary metric to measure the total time spent in a registry operation.",
		},
		[]string{"operation", "store"},
	)

	OwnerLockWaitersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robosync_owner_lock_waiters",
			Help: "Registry calls waiting on the per-owner lock.",
		},
	)

	ImportStepCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robosync_import_steps_total",
			Help: "A counter metric to measure import task steps by state.",
		},
		[]string{"step", "state"},
	)

	prometheus.MustRegister(
		RegistryOperationsCounter,
		RegistryOperationTimeSummary,
		OwnerLockWaitersGauge,
		ImportStepCounter,
	)
}

// ListenAndServe exposes prometheus metrics as /metrics
func ListenAndServe() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		server := &http.Server{
			Addr:              MetricsEndpoint,
			Handler:           mux,
			ReadHeaderTimeout: 2 * time.Second,
		}

		if err := server.ListenAndServe(); err != nil {
			slog.Error("metrics server exited", "error", err)
		}
	}()
}
