package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scene_director_connections_active",
		Help: "Number of active client connections on the World listener",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scene_director_connections_total",
		Help: "Total number of client connections accepted",
	})

	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_director_connection_rejected_total",
		Help: "Total number of connections rejected before authentication",
	}, []string{"reason"})

	// Wait queue metrics
	OpenWorldWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scene_director_open_world_waiters",
		Help: "Connections currently queued for an open-world scene",
	})

	InstanceWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scene_director_instance_waiters",
		Help: "Connections currently queued for a specific scene instance",
	})

	// Routing metrics
	Redirects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_director_redirects_total",
		Help: "Total number of redirects sent to clients",
	}, []string{"path"})

	Kicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_director_kicks_total",
		Help: "Total number of connections forcibly terminated by the router",
	}, []string{"reason"})

	PendingRequestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scene_director_pending_requests_created_total",
		Help: "Total number of scene load requests inserted by the router",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scene_director_router_tick_seconds",
		Help:    "Duration of a router drain pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 1s
	})

	// Heartbeat metrics
	Pulses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scene_director_pulses_total",
		Help: "Total number of liveness pulses published",
	})

	PulseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scene_director_pulse_errors_total",
		Help: "Total number of pulse publications that failed",
	})

	// Scene instance metrics
	InstanceClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_director_instance_claims_total",
		Help: "Total number of Pending instance claim attempts",
	}, []string{"result"})

	InstancesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scene_director_instances_loaded",
		Help: "Scene instances currently loaded on this process",
	})

	StaleInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scene_director_instances_stale",
		Help: "Loaded scene instances with zero occupants",
	})

	InstanceLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scene_director_instance_load_seconds",
		Help:    "Time spent loading a claimed scene instance",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// Registry store metrics
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_director_store_errors_total",
		Help: "Total number of registry store call failures",
	}, []string{"op"})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}
