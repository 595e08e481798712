package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sawpanic/mdingest/internal/retention"
)

// Registry is the process's Prometheus metrics registry plus the bus it
// publishes corresponding Events to. It satisfies the Metrics
// interfaces expected by internal/normalize, internal/batch,
// internal/aggregate, and internal/retention, so one object wires every
// component's telemetry without those packages importing
// internal/telemetry directly (they depend only on their own small
// Metrics interface).
type Registry struct {
	bus *Bus

	rejected     *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
	flushes      *prometheus.CounterVec
	flushRows    *prometheus.CounterVec
	flushLatency *prometheus.HistogramVec
	quarantines  *prometheus.CounterVec
	rollups      *prometheus.CounterVec
	gridRefresh  prometheus.Histogram
	gridErrors   prometheus.Counter
	retentionOps *prometheus.CounterVec

	connLatency *Histogram
}

// NewRegistry constructs a Registry whose metrics are registered on reg.
// A nil reg registers them on prometheus.DefaultRegisterer, the registry
// Handler serves; metrics registered on any other registerer are not
// served by Handler.
func NewRegistry(bus *Bus, reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Registry{
		bus: bus,
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdingest_frames_rejected_total",
			Help: "Frames dropped by the normalizer for invariant violations.",
		}, []string{"venue", "channel", "reason"}),
		anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdingest_anomalies_flagged_total",
			Help: "Values flagged by the MAD anomaly guard.",
		}, []string{"venue", "channel"}),
		flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdingest_batch_flushes_total",
			Help: "Batch writer flush attempts by outcome.",
		}, []string{"table", "outcome"}),
		flushRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdingest_batch_rows_inserted_total",
			Help: "Rows successfully inserted by the batch writer.",
		}, []string{"table"}),
		flushLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdingest_batch_flush_latency_seconds",
			Help:    "Batch writer flush latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		quarantines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdingest_batch_quarantined_rows_total",
			Help: "Rows quarantined after repeated upsert failure.",
		}, []string{"table"}),
		rollups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdingest_aggregate_rollup_flushes_total",
			Help: "bt_1s/trade_1s rollup flushes by table.",
		}, []string{"table"}),
		gridRefresh: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdingest_flat_grid_refresh_seconds",
			Help:    "Duration of the 24h flat-grid refresh pass.",
			Buckets: prometheus.DefBuckets,
		}),
		gridErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdingest_flat_grid_refresh_errors_total",
			Help: "Flat-grid refresh passes that returned an error.",
		}),
		retentionOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdingest_retention_operations_total",
			Help: "Retention/compression policy executions by outcome.",
		}, []string{"table", "action", "outcome"}),
		connLatency: NewHistogram(2000),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler { return promhttp.Handler() }

// IncRejected satisfies internal/normalize.Metrics.
func (r *Registry) IncRejected(venue, channel, reason string) {
	r.rejected.WithLabelValues(venue, channel, reason).Inc()
	r.bus.Publish(Event{Kind: EventIngestRate, Payload: map[string]string{
		"venue": venue, "channel": channel, "event": "rejected", "reason": reason,
	}})
}

// IncAnomaly satisfies internal/normalize.Metrics.
func (r *Registry) IncAnomaly(venue, channel string) {
	r.anomalies.WithLabelValues(venue, channel).Inc()
}

// RecordFlush satisfies internal/batch.Metrics.
func (r *Registry) RecordFlush(table string, rows, inserted int, err error, latency time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.flushes.WithLabelValues(table, outcome).Inc()
	r.flushRows.WithLabelValues(table).Add(float64(inserted))
	r.flushLatency.WithLabelValues(table).Observe(latency.Seconds())

	r.bus.Publish(Event{Kind: EventBatchFlush, Payload: map[string]interface{}{
		"table": table, "rows": rows, "inserted": inserted, "outcome": outcome, "latency_ms": latency.Milliseconds(),
	}})
}

// RecordQuarantine satisfies internal/batch.Metrics.
func (r *Registry) RecordQuarantine(table string, rows int) {
	r.quarantines.WithLabelValues(table).Add(float64(rows))
}

// RecordRollupFlush satisfies internal/aggregate.Metrics.
func (r *Registry) RecordRollupFlush(symbolID int64, table string) {
	r.rollups.WithLabelValues(table).Inc()
}

// RecordFlatGridRefresh satisfies internal/aggregate.Metrics.
func (r *Registry) RecordFlatGridRefresh(symbolCount int, duration time.Duration, err error) {
	r.gridRefresh.Observe(duration.Seconds())
	if err != nil {
		r.gridErrors.Inc()
	}
}

// RecordRetentionOutcome satisfies internal/retention.Metrics.
func (r *Registry) RecordRetentionOutcome(o retention.Outcome) {
	outcome := "ok"
	if o.Err != nil {
		outcome = "error"
	}
	r.retentionOps.WithLabelValues(o.Table, o.Action, outcome).Inc()
	r.bus.Publish(Event{Kind: EventRetention, Payload: o})
}

// RecordConnectionLatency feeds the per-connection latency histogram
// (SUPPLEMENTED FEATURE, grounded on the teacher's latency.Histogram).
func (r *Registry) RecordConnectionLatency(d time.Duration) {
	r.connLatency.Record(d)
}

// ConnectionLatencyP99 exposes the tracked percentile for Status.
func (r *Registry) ConnectionLatencyP99() float64 {
	return r.connLatency.P99()
}

// PublishConnectionState broadcasts a connection-state event on the bus.
// No caller in this repository invokes it: stream.Conn logs its state
// transitions but does not publish them here.
func (r *Registry) PublishConnectionState(shard, conn, state string) {
	r.bus.Publish(Event{Kind: EventConnectionState, Payload: map[string]string{
		"shard": shard, "conn": conn, "state": state,
	}})
}

// PublishValidatorResult satisfies the validator-result broadcast side
// of spec §4.10.
func (r *Registry) PublishValidatorResult(result interface{}) {
	r.bus.Publish(Event{Kind: EventValidatorResult, Payload: result})
}
