package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PlansComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgrader_plans_total",
			Help: "Number of migration plans computed, by mode",
		},
		[]string{"mode"},
	)
	PlannedMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgrader_planned_moves_total",
			Help: "Number of moves placed into migration plans, by mode",
		},
		[]string{"mode"},
	)
	ClusterSpread = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upgrader_cluster_spread_ratio",
			Help: "Difference between the most and least loaded eligible node at the last read",
		},
	)
	MigrationAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upgrader_migration_attempts_total",
			Help: "Number of live migrations submitted",
		},
	)
	MigrationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgrader_migration_results_total",
			Help: "Number of finished live migrations, by result",
		},
		[]string{"result"},
	)
	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upgrader_migration_duration_seconds",
			Help:    "Wall time of live migrations from submit to terminal state",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)
	OperatorDeclines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upgrader_operator_declines_total",
			Help: "Number of plans declined at the confirmation prompt",
		},
	)
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgrader_session_transitions_total",
			Help: "Number of maintenance session state transitions",
		},
		[]string{"from", "to"},
	)
	SessionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgrader_session_outcomes_total",
			Help: "Number of maintenance sessions by terminal state",
		},
		[]string{"state"},
	)
	NodesInMaintenance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upgrader_nodes_in_maintenance",
		Help: "Nodes with a maintenance session that has not reached a terminal state",
	}, []string{"node"})
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upgrader_api_requests_total",
		Help: "Requests sent to the cluster API, by method and status code",
	}, []string{"method", "code"})
)

// Init serves /metrics and /livez on addr in the background. An empty addr disables the endpoint.
func Init(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	slog.Info("Starting metrics endpoint", "addr", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics endpoint server crashed", "err", err)
		}
	}()
}
