// Package metrics 进程内的Prometheus指标
package metrics

import (
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 直播熔断器
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rsvpsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	BreakerStateResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_circuit_breaker_state_resets_total",
			Help: "Times the persisted breaker state expired while the local state was not closed",
		},
		[]string{"name"},
	)

	// 直播调度
	ScheduleOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_live_reporting_schedule_total",
			Help: "Live reporting scheduling attempts by outcome",
		},
		[]string{"outcome"}, // scheduled, blocked_breaker, blocked_backpressure, failed, stale
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rsvpsync_live_reporting_queue_depth",
			Help: "Last observed length of the live reporting task queue",
		},
	)

	TaskExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_live_reporting_task_executions_total",
			Help: "Live reporting task executions by result",
		},
		[]string{"result"}, // success, retry, dead
	)

	// RSVP
	RSVPUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_rsvp_updates_total",
			Help: "RSVP update attempts by source and result",
		},
		[]string{"source", "result"}, // result: changed, unchanged, duplicate, rejected, error
	)

	ConflictResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_conflict_resolutions_total",
			Help: "RSVP conflict resolutions by strategy and chosen source",
		},
		[]string{"strategy", "source"},
	)

	FanoutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_fanout_failures_total",
			Help: "Failed RSVP fan-out deliveries by channel",
		},
		[]string{"channel"}, // discord, websocket, kafka
	)

	// WebSocket
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rsvpsync_websocket_connections_active",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_websocket_messages_total",
			Help: "WebSocket messages sent by event type",
		},
		[]string{"event"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rsvpsync_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 实时服务桥接
	BridgePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsvpsync_realtime_bridge_publishes_total",
			Help: "Messages published to the realtime service by action and result",
		},
		[]string{"action", "result"},
	)
)

// StateValue 熔断器状态对应的指标值
func StateValue(s model.CircuitState) float64 {
	switch s {
	case model.CircuitHalfOpen:
		return 1
	case model.CircuitOpen:
		return 2
	default:
		return 0
	}
}

// ObserveBreakerState 记录熔断器状态变化
func ObserveBreakerState(name string, from, to model.CircuitState) {
	BreakerState.WithLabelValues(name).Set(StateValue(to))
	if from != to {
		BreakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()
	}
}
