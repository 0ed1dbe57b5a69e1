// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantkg_records_processed_total",
			Help: "Total number of raw records processed",
		},
		[]string{"status"}, // accepted, rejected
	)

	chunksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantkg_chunks_created_total",
			Help: "Total number of chunks produced",
		},
	)

	eventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantkg_events_detected_total",
			Help: "Total number of alarm-driven events detected",
		},
		[]string{"alarm_type"},
	)

	brokerSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantkg_broker_sends_total",
			Help: "Total number of broker send attempts",
		},
		[]string{"broker", "status"}, // status: success, error
	)

	fallbackWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantkg_fallback_queue_writes_total",
			Help: "Total number of payloads written to the disk fallback queue",
		},
	)

	fallbackReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantkg_fallback_replays_total",
			Help: "Total number of fallback queue lines replayed",
		},
		[]string{"status"}, // success, abandoned, corrupt
	)

	graphOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantkg_graph_operations_total",
			Help: "Total number of graph store operations",
		},
		[]string{"operation", "status"},
	)

	graphQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantkg_graph_query_duration_seconds",
			Help:    "Time taken to execute graph store queries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to 10s
		},
		[]string{"operation"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantkg_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"component"},
	)

	alarmRateSpikes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantkg_alarm_rate_spikes_total",
			Help: "Total number of alarm-rate spikes observed",
		},
		[]string{"severity"},
	)
)

func TrackRecordProcessed(rejected bool) {
	status := "accepted"
	if rejected {
		status = "rejected"
	}
	recordsProcessed.WithLabelValues(status).Inc()
}

func TrackChunkCreated() { chunksCreated.Inc() }

func TrackEventDetected(alarmType string) {
	eventsDetected.WithLabelValues(alarmType).Inc()
}

func TrackBrokerSend(broker string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	brokerSends.WithLabelValues(broker, status).Inc()
}

func TrackFallbackWrite() { fallbackWrites.Inc() }

func TrackFallbackReplay(status string) {
	fallbackReplays.WithLabelValues(status).Inc()
}

func TrackGraphOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	graphOperations.WithLabelValues(operation, status).Inc()
	graphQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func TrackBreakerState(component string, state int) {
	circuitBreakerState.WithLabelValues(component).Set(float64(state))
}

func TrackAlarmRateSpike(severity string) {
	alarmRateSpikes.WithLabelValues(severity).Inc()
}

// StartServer serves /metrics plus liveness and readiness probes. ready is
// consulted on each /readyz request.
func StartServer(addr string, ready func() bool) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	return http.ListenAndServe(addr, mux)
}
