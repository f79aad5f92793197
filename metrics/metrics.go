// Package metrics exposes partition metrics to prometheus. Every
// collector is labeled with the node and partition it describes.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "grouse"
	subsystem = "partition"

	processedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "processed_records_total",
			Help:      "Total number of records written by the stream processor",
		},
		[]string{"node", "partition", "record_type"},
	)

	lastProcessedPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_processed_position",
			Help:      "Position of the last command processed",
		},
		[]string{"node", "partition"},
	)

	role = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "role",
			Help:      "Current role of the partition replica (0=inactive, 1=follower, 2=leader)",
		},
		[]string{"node", "partition"},
	)

	snapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of taking and persisting a snapshot in seconds",
		},
		[]string{"node", "partition"},
	)

	exportedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exported_records_total",
			Help:      "Total number of records handed to exporters",
		},
		[]string{"node", "partition", "exporter"},
	)

	transitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transition_failures_total",
			Help:      "Total number of failed role transitions by category",
		},
		[]string{"node", "partition", "category"},
	)
)

// Partition records the metrics of one partition replica. A nil
// *Partition discards everything.
type Partition struct {
	node      string
	partition string
}

// ForPartition returns the metrics of a partition replica
func ForPartition(nodeID uint64, partitionID int) *Partition {
	return &Partition{node: strconv.FormatUint(nodeID, 10), partition: strconv.Itoa(partitionID)}
}

// RecordsProcessed counts records written for a processed command
func (p *Partition) RecordsProcessed(recordType string, n int) {
	if p == nil {
		return
	}

	processedRecords.WithLabelValues(p.node, p.partition, recordType).Add(float64(n))
}

// SetLastProcessedPosition publishes the last processed position
func (p *Partition) SetLastProcessedPosition(position uint64) {
	if p == nil {
		return
	}

	lastProcessedPosition.WithLabelValues(p.node, p.partition).Set(float64(position))
}

// SetRole publishes the role of the replica
func (p *Partition) SetRole(value int) {
	if p == nil {
		return
	}

	role.WithLabelValues(p.node, p.partition).Set(float64(value))
}

// ObserveSnapshot records how long a snapshot took
func (p *Partition) ObserveSnapshot(duration time.Duration) {
	if p == nil {
		return
	}

	snapshotDuration.WithLabelValues(p.node, p.partition).Observe(duration.Seconds())
}

// RecordsExported counts records handed to an exporter
func (p *Partition) RecordsExported(exporterID string, n int) {
	if p == nil {
		return
	}

	exportedRecords.WithLabelValues(p.node, p.partition, exporterID).Add(float64(n))
}

// TransitionFailed counts a failed role transition
func (p *Partition) TransitionFailed(category string) {
	if p == nil {
		return
	}

	transitionFailures.WithLabelValues(p.node, p.partition, category).Inc()
}
