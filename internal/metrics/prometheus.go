package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batchstore"

var _ StatsCollector = (*promCollector)(nil)

type promCollector struct {
	writes         *prometheus.CounterVec
	unitsRemoved   *prometheus.CounterVec
	unitsRotated   *prometheus.CounterVec
	batchesLocked  *prometheus.CounterVec
	skippedRecords *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	pendingUnits   *prometheus.GaugeVec
}

// NewPrometheusStatsCollector creates the store metrics and registers them
// with reg. A nil registerer uses prometheus.DefaultRegisterer.
func NewPrometheusStatsCollector(reg prometheus.Registerer) (StatsCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &promCollector{
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Total number of record writes by outcome",
			},
			[]string{"feature", "outcome", "event_type"},
		),
		unitsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_removed_total",
				Help:      "Total number of units removed from the store by reason",
			},
			[]string{"feature", "reason"},
		),
		unitsRotated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_rotated_total",
				Help:      "Total number of writable units rotated by trigger",
			},
			[]string{"feature", "trigger"},
		),
		batchesLocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_locked_total",
				Help:      "Total number of batches handed to an uploader",
			},
			[]string{"feature"},
		),
		skippedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_records_total",
				Help:      "Total number of corrupt record regions skipped while reading",
			},
			[]string{"feature"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total number of upload attempts by outcome",
			},
			[]string{"feature", "outcome"},
		),
		pendingUnits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_units",
				Help:      "Readable units waiting for upload",
			},
			[]string{"feature"},
		),
	}

	for _, col := range []prometheus.Collector{
		c.writes, c.unitsRemoved, c.unitsRotated, c.batchesLocked,
		c.skippedRecords, c.uploads, c.pendingUnits,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *promCollector) IncWrite(feature, outcome, eventType string) {
	c.writes.WithLabelValues(feature, outcome, eventType).Inc()
}

func (c *promCollector) IncUnitRemoved(feature, reason string) {
	c.unitsRemoved.WithLabelValues(feature, reason).Inc()
}

func (c *promCollector) IncUnitRotated(feature, trigger string) {
	c.unitsRotated.WithLabelValues(feature, trigger).Inc()
}

func (c *promCollector) IncBatchLocked(feature string) {
	c.batchesLocked.WithLabelValues(feature).Inc()
}

func (c *promCollector) AddSkippedRecords(feature string, n int) {
	if n <= 0 {
		return
	}
	c.skippedRecords.WithLabelValues(feature).Add(float64(n))
}

func (c *promCollector) IncUpload(feature, outcome string) {
	c.uploads.WithLabelValues(feature, outcome).Inc()
}

func (c *promCollector) SetPendingUnits(feature string, n int) {
	c.pendingUnits.WithLabelValues(feature).Set(float64(n))
}
