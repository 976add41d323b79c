package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var phases = []string{
	"DISCOVERING", "SPLITTING", "ASSIGNING_SNAPSHOT", "AWAITING_COMPLETION",
	"ASSIGNING_STREAM", "STREAMING", "SUSPENDED",
}

type PrometheusMetrics struct {
	coordinatorPhase   *prometheus.GaugeVec
	chunksCreated      *prometheus.CounterVec
	chunksAssigned     prometheus.Counter
	chunksFinished     *prometheus.CounterVec
	chunksFailed       *prometheus.CounterVec
	splitQueue         *prometheus.GaugeVec
	snapshotRows       *prometheus.CounterVec
	backfillEvents     *prometheus.CounterVec
	chunkReadDuration  prometheus.Histogram
	eventsForwarded    *prometheus.CounterVec
	eventsSuppressed   *prometheus.CounterVec
	pureStreaming      prometheus.Counter
	suspensions        prometheus.Counter
	streamReconnects   prometheus.Counter
	streamLag          prometheus.Gauge
	sinkWriteDuration  *prometheus.HistogramVec
	sinkEvents         *prometheus.CounterVec
	sinkErrors         *prometheus.CounterVec
	connectionStatus   *prometheus.GaugeVec
	checkpointsCreated prometheus.Counter
	checkpointDuration prometheus.Histogram
}

// NewPrometheusMetrics registers every collector with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)

	return &PrometheusMetrics{
		coordinatorPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hybrid_cdc_coordinator_phase",
			Help: "1 for the current phase of the split coordinator, 0 otherwise",
		}, []string{"phase"}),
		chunksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_chunks_created_total",
			Help: "Total number of snapshot chunks created",
		}, []string{"table"}),
		chunksAssigned: f.NewCounter(prometheus.CounterOpts{
			Name: "hybrid_cdc_chunks_assigned_total",
			Help: "Total number of snapshot chunk assignments, including retries",
		}),
		chunksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_chunks_finished_total",
			Help: "Total number of snapshot chunks read and merged",
		}, []string{"table"}),
		chunksFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_chunks_failed_total",
			Help: "Total number of snapshot chunk reads that failed and were requeued",
		}, []string{"table"}),
		splitQueue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hybrid_cdc_split_queue_size",
			Help: "Number of snapshot splits per queue",
		}, []string{"queue"}),
		snapshotRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_snapshot_rows_total",
			Help: "Total number of rows emitted by snapshot splits",
		}, []string{"table"}),
		backfillEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_backfill_events_total",
			Help: "Total number of change events merged into snapshot chunks",
		}, []string{"table"}),
		chunkReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hybrid_cdc_chunk_read_duration_seconds",
			Help:    "Duration of a full chunk read including backfill",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		eventsForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_stream_events_forwarded_total",
			Help: "Total number of change events forwarded by the stream reader",
		}, []string{"table"}),
		eventsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_stream_events_suppressed_total",
			Help: "Total number of change events suppressed because a finished chunk already reflects them",
		}, []string{"table"}),
		pureStreaming: f.NewCounter(prometheus.CounterOpts{
			Name: "hybrid_cdc_pure_streaming_transitions_total",
			Help: "Number of times the stream reader stopped filtering against finished chunks",
		}),
		suspensions: f.NewCounter(prometheus.CounterOpts{
			Name: "hybrid_cdc_stream_suspensions_total",
			Help: "Number of stream split suspensions caused by newly discovered tables",
		}),
		streamReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "hybrid_cdc_stream_reconnects_total",
			Help: "Number of times the change log was reopened after a read failure",
		}),
		streamLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "hybrid_cdc_stream_lag_seconds",
			Help: "Difference between now and the timestamp of the last processed change event",
		}),
		sinkWriteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hybrid_cdc_sink_write_duration_seconds",
			Help:    "Duration of sink writes",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		sinkEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_sink_events_total",
			Help: "Total number of events written to the sink",
		}, []string{"sink"}),
		sinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybrid_cdc_sink_errors_total",
			Help: "Total number of failed sink writes",
		}, []string{"sink"}),
		connectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hybrid_cdc_connection_status",
			Help: "Connection status (1 = connected, 0 = disconnected)",
		}, []string{"component"}),
		checkpointsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "hybrid_cdc_checkpoints_created_total",
			Help: "Total number of checkpoints persisted",
		}),
		checkpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hybrid_cdc_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint creation",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (p *PrometheusMetrics) SetCoordinatorPhase(phase string) {
	for _, ph := range phases {
		value := 0.0
		if ph == phase {
			value = 1
		}
		p.coordinatorPhase.WithLabelValues(ph).Set(value)
	}
}

func (p *PrometheusMetrics) AddChunksCreated(table string, count int) {
	p.chunksCreated.WithLabelValues(table).Add(float64(count))
}

func (p *PrometheusMetrics) IncChunksAssigned() { p.chunksAssigned.Inc() }

func (p *PrometheusMetrics) IncChunksFinished(table string) {
	p.chunksFinished.WithLabelValues(table).Inc()
}

func (p *PrometheusMetrics) IncChunksFailed(table string) {
	p.chunksFailed.WithLabelValues(table).Inc()
}

func (p *PrometheusMetrics) SetSplitQueues(pending, inFlight, finished int) {
	p.splitQueue.WithLabelValues("pending").Set(float64(pending))
	p.splitQueue.WithLabelValues("in_flight").Set(float64(inFlight))
	p.splitQueue.WithLabelValues("finished").Set(float64(finished))
}

func (p *PrometheusMetrics) AddSnapshotRows(table string, count int) {
	p.snapshotRows.WithLabelValues(table).Add(float64(count))
}

func (p *PrometheusMetrics) AddBackfillEvents(table string, count int) {
	p.backfillEvents.WithLabelValues(table).Add(float64(count))
}

func (p *PrometheusMetrics) ObserveChunkReadDuration(duration time.Duration) {
	p.chunkReadDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetrics) IncStreamEventsForwarded(table string) {
	p.eventsForwarded.WithLabelValues(table).Inc()
}

func (p *PrometheusMetrics) IncStreamEventsSuppressed(table string) {
	p.eventsSuppressed.WithLabelValues(table).Inc()
}

func (p *PrometheusMetrics) IncPureStreamingTransitions() { p.pureStreaming.Inc() }

func (p *PrometheusMetrics) IncSuspensions() { p.suspensions.Inc() }

func (p *PrometheusMetrics) IncStreamReconnects() { p.streamReconnects.Inc() }

func (p *PrometheusMetrics) SetStreamLag(lag time.Duration) {
	p.streamLag.Set(lag.Seconds())
}

func (p *PrometheusMetrics) ObserveSinkWrite(sink string, events int, duration time.Duration) {
	p.sinkWriteDuration.WithLabelValues(sink).Observe(duration.Seconds())
	p.sinkEvents.WithLabelValues(sink).Add(float64(events))
}

func (p *PrometheusMetrics) IncSinkErrors(sink string) {
	p.sinkErrors.WithLabelValues(sink).Inc()
}

func (p *PrometheusMetrics) SetConnectionStatus(component string, connected bool) {
	value := 0.0
	if connected {
		value = 1
	}
	p.connectionStatus.WithLabelValues(component).Set(value)
}

func (p *PrometheusMetrics) IncCheckpointsCreated() { p.checkpointsCreated.Inc() }

func (p *PrometheusMetrics) ObserveCheckpointDuration(duration time.Duration) {
	p.checkpointDuration.Observe(duration.Seconds())
}
