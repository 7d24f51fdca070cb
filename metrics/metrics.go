package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of DatagramsDropped and DLQ counters
const (
	ReasonQueueFull   = "queue_full"
	ReasonRateLimited = "rate_limited"
	ReasonOversized   = "oversized"
)

// Read error kinds used as the "kind" label of ReadErrors
const (
	ReadErrorTransient = "transient"
	ReadErrorFatal     = "other"
)

var (
	DatagramsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_datagrams_received_total",
			Help: "Total number of datagrams read from endpoint sockets",
		},
		[]string{"endpoint"},
	)

	DatagramBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_datagram_bytes_total",
			Help: "Total payload bytes read from endpoint sockets",
		},
		[]string{"endpoint"},
	)

	DatagramsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_datagrams_forwarded_total",
			Help: "Total number of datagrams accepted by the output queue",
		},
		[]string{"endpoint"},
	)

	DatagramsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_datagrams_dropped_total",
			Help: "Total number of datagrams dropped by an endpoint",
		},
		[]string{"endpoint", "reason"},
	)

	ReadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_read_errors_total",
			Help: "Total number of socket read errors",
		},
		[]string{"endpoint", "kind"},
	)

	// EndpointState reports the lifecycle state of each endpoint (0 unconfigured, 1 bound, 2 running, 3 closed)
	EndpointState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventd_endpoint_state",
			Help: "Lifecycle state of an endpoint",
		},
		[]string{"endpoint"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventd_queue_depth",
			Help: "Number of payloads waiting in the event buffer",
		},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_events_consumed_total",
			Help: "Total number of payloads delivered to a sink",
		},
		[]string{"sink"},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_sink_errors_total",
			Help: "Total number of sink write failures",
		},
		[]string{"sink"},
	)

	DLQEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_dlq_events_total",
			Help: "Total number of dropped datagrams persisted to the dead-letter queue",
		},
		[]string{"reason"},
	)

	DLQWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventd_dlq_write_failures_total",
			Help: "Total number of dropped datagrams that could not be persisted",
		},
	)

	// DLQReplays counts replay attempts by result (replayed, queue_full, rejected)
	DLQReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_dlq_replays_total",
			Help: "Total number of dead-letter replay attempts",
		},
		[]string{"result"},
	)

	DLQPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventd_dlq_pruned_total",
			Help: "Total number of dead letters removed by retention",
		},
	)

	GoroutinePanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventd_goroutine_panics_total",
			Help: "Total number of recovered panics",
		},
		[]string{"goroutine"},
	)
)
