// Package telemetry provides application-level observability for the organization service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<ORGSVC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Tenant lifecycle outcomes, rename state transitions and partition copy latency
//   - Reconciliation sweep actions
//   - Database connection pool gauge (postgres registry only, polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled with an organization name or partition id. HTTP
// metrics use c.FullPath() rather than the raw URL.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/safego"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Tenant lifecycle metrics, recorded by the lifecycle manager.
//
// TenantLifecycleOperationsTotal has labels {operation, result}; operation is
// one of create, get, update, rename, delete, and result is "ok" or the error
// kind (conflict, busy, store_unavailable, ...).
//
// TenantRenameTransitionsTotal counts entries into each rename state. A
// growing "aborted" series next to a flat "old_partition_dropped" series means
// renames are failing during the copy.
//
// Example PromQL queries:
//   - Busy rejections:     rate(tenant_lifecycle_operations_total{result="busy"}[5m])
//   - Rename abort ratio:  rate(tenant_rename_transitions_total{state="aborted"}[1h]) / rate(tenant_rename_transitions_total{state="idle"}[1h])
//   - p95 copy time:       histogram_quantile(0.95, rate(tenant_partition_copy_duration_seconds_bucket[1h]))
var (
	TenantLifecycleOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_lifecycle_operations_total",
			Help: "Total number of tenant lifecycle operations, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	TenantRenameTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_rename_transitions_total",
			Help: "Total number of rename state machine transitions, by state entered.",
		},
		[]string{"state"},
	)

	TenantPartitionCopyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenant_partition_copy_duration_seconds",
			Help:    "Duration of copying a partition during rename, including retries.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)
)

// TenantReconcileActionsTotal counts the repairs made by the reconciliation
// sweep, by action (recreated, dropped, skipped, failed).
var TenantReconcileActionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tenant_reconcile_actions_total",
		Help: "Total number of reconciliation actions, by action.",
	},
	[]string{"action"},
)

// DBOpenConnections tracks the open connections of the postgres registry pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// RecordLifecycle counts one lifecycle operation outcome.
func RecordLifecycle(operation string, err error) {
	result := "ok"
	if err != nil {
		result = errs.Kind(err)
	}
	TenantLifecycleOperationsTotal.WithLabelValues(operation, result).Inc()
}

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until
// ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	})
}
