package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded by the protocol handler.
const (
	OutcomeApplied   = "applied"
	OutcomeStale     = "stale"
	OutcomeMalformed = "malformed"
)

var (
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playsync_active_connections",
			Help: "Number of currently attached websocket connections",
		},
	)

	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playsync_live_sessions",
			Help: "Number of session records held in memory",
		},
	)

	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_client_messages_total",
			Help: "Client messages by message type and outcome",
		},
		[]string{"type", "outcome"},
	)

	Flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_flushes_total",
			Help: "Persistence flush attempts by result",
		},
		[]string{"result"},
	)

	FlushedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playsync_flushed_records_total",
			Help: "Session records written by the persistence scheduler",
		},
	)

	FlushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playsync_flush_batch_size",
			Help:    "Number of dirty records per flush batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	DetachFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_detach_flushes_total",
			Help: "Synchronous flushes performed when a connection detaches",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(LiveSessions)
	prometheus.MustRegister(Messages)
	prometheus.MustRegister(Flushes)
	prometheus.MustRegister(FlushedRecords)
	prometheus.MustRegister(FlushBatchSize)
	prometheus.MustRegister(DetachFlushes)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

// Result maps an error onto the "result" label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}
