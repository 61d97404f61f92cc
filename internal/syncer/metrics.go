package syncer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/localsync/internal/store"
)

const namespace = "localsync"

type metrics struct {
	pushes     *prometheus.CounterVec
	pulls      *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	changes    *prometheus.CounterVec
	retryDelay prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Mutation pushes by result.",
		}, []string{"result"}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulls_total",
			Help:      "Change pulls by result.",
		}, []string{"result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Resolved conflicts by winning side.",
		}, []string{"winner"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "remote_changes_total",
			Help:      "Pulled changes by outcome.",
		}, []string{"outcome"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retry_delay_seconds",
			Help:      "Backoff delays before retrying after transient failures.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 60},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pushes, m.pulls, m.conflicts, m.changes, m.retryDelay)
	}
	return m
}

func (m *metrics) applied(res store.ApplyResult) {
	m.changes.WithLabelValues("applied").Add(float64(res.Applied))
	m.changes.WithLabelValues("deferred").Add(float64(res.Deferred))
	m.changes.WithLabelValues("skipped").Add(float64(res.Skipped))
}

// StoreCollector exports store.Stats as gauges on every scrape.
type StoreCollector struct {
	store *store.Store

	records   *prometheus.Desc
	outbox    *prometheus.Desc
	conflicts *prometheus.Desc
	deferred  *prometheus.Desc
	up        *prometheus.Desc
}

// NewStoreCollector creates a collector reading s.
func NewStoreCollector(s *store.Store) *StoreCollector {
	return &StoreCollector{
		store: s,
		records: prometheus.NewDesc(
			namespace+"_store_records",
			"Records in the local store by state.",
			[]string{"state"}, nil,
		),
		outbox: prometheus.NewDesc(
			namespace+"_outbox_entries",
			"Outbox entries by state.",
			[]string{"state"}, nil,
		),
		conflicts: prometheus.NewDesc(
			namespace+"_store_conflicts",
			"Records awaiting conflict resolution.",
			nil, nil,
		),
		deferred: prometheus.NewDesc(
			namespace+"_store_deferred_changes",
			"Remote changes waiting for local mutations to resolve.",
			nil, nil,
		),
		up: prometheus.NewDesc(
			namespace+"_store_up",
			"Whether the last stats query succeeded.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.outbox
	ch <- c.conflicts
	ch <- c.deferred
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.store.Stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(st.Records), "live")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(st.Deleted), "deleted")
	ch <- prometheus.MustNewConstMetric(c.outbox, prometheus.GaugeValue, float64(st.Pending), "pending")
	ch <- prometheus.MustNewConstMetric(c.outbox, prometheus.GaugeValue, float64(st.InFlight), "in_flight")
	ch <- prometheus.MustNewConstMetric(c.outbox, prometheus.GaugeValue, float64(st.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.GaugeValue, float64(st.Conflicts))
	ch <- prometheus.MustNewConstMetric(c.deferred, prometheus.GaugeValue, float64(st.Deferred))
}
