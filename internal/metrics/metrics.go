package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlrt_messages_received_total",
			Help: "Messages received by kind.",
		},
		[]string{"kind"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlrt_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	RepliesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlrt_replies_sent_total",
			Help: "Replies sent by the privileged peer (result: ok, send_error, build_error).",
		},
		[]string{"kind", "result"},
	)

	RouteOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlrt_route_ops_total",
			Help: "Routing table operations by op and result.",
		},
		[]string{"op", "result"},
	)

	Routes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlrt_routes",
			Help: "Entries currently in the routing table.",
		},
	)

	ListenerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlrt_listener_up",
			Help: "Receive loop running (0/1).",
		},
	)

	LastMsgTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlrt_last_msg_timestamp_seconds",
			Help: "Unix timestamp of last received message.",
		},
	)

	JournalDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlrt_journal_dropped_total",
			Help: "Route events dropped because the journal queue was full.",
		},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlrt_batch_size",
			Help:    "Batch sizes flushed to sinks.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
		[]string{"sink"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlrt_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlrt_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlrt_kafka_messages_total",
			Help: "Route events produced to Kafka.",
		},
		[]string{"topic", "result"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesReceivedTotal,
			ParseErrorsTotal,
			RepliesSentTotal,
			RouteOpsTotal,
			Routes,
			ListenerUp,
			LastMsgTimestamp,
			JournalDroppedTotal,
			BatchSize,
			DBWriteDuration,
			DBRowsAffectedTotal,
			KafkaMessagesTotal,
		)
	})
}
