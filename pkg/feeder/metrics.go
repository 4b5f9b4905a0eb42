package feeder

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mako_gc_feeder"

// Batch results, as used in the batches_total metric.
const (
	resultOK              = "ok"
	resultExhausted       = "exhausted"
	resultQueryError      = "query_error"
	resultCheckpointError = "checkpoint_error"
)

// Metrics are shared by every feeder in a process, and labelled by shard.
type Metrics struct {
	RecordsSeen    *prometheus.CounterVec
	RecordsWritten *prometheus.CounterVec
	WriteErrors    *prometheus.CounterVec
	DuplicateKeys  *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	LastCheckpoint *prometheus.GaugeVec
}

// NewMetrics creates the feeder metrics and registers them with reg, unless
// it's nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_seen_total",
			Help:      "Instruction records received from the index.",
		}, []string{"shard"}),
		RecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_written_total",
			Help:      "Instruction keys appended to a listing.",
		}, []string{"shard"}),
		WriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "write_errors_total",
			Help:      "Failed listing opens, writes, and syncs.",
		}, []string{"shard"}),
		DuplicateKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicate_keys_total",
			Help:      "Keys received more than once in a single batch.",
		}, []string{"shard"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Batches processed, by result.",
		}, []string{"shard", "result"}),
		LastCheckpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_checkpoint_timestamp_seconds",
			Help:      "Unix time of the last successful checkpoint.",
		}, []string{"shard"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsSeen,
			m.RecordsWritten,
			m.WriteErrors,
			m.DuplicateKeys,
			m.Batches,
			m.LastCheckpoint,
		)
	}

	return m
}
