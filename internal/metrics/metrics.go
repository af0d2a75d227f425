// Package metrics exposes engine counters and store sizes to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
)

const namespace = "porch"

// Expiry outcomes.
const (
	OutcomeRemoved = "removed"
	OutcomeRenewed = "renewed"
	OutcomeStale   = "stale"
	OutcomePaused  = "paused"
	OutcomeAbsent  = "absent"
	OutcomeFailed  = "failed"
)

// Metrics owns a private registry. A nil *Metrics discards observations.
type Metrics struct {
	registry *prometheus.Registry
	pending  *prometheus.GaugeVec
	expiries *prometheus.CounterVec
	events   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_expiries",
			Help:      "Scheduled expiries waiting in each queue.",
		}, []string{"queue"}),
		expiries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiries_total",
			Help:      "Dispatched expiries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_events_total",
			Help:      "Presence events received by source and kind.",
		}, []string{"source", "kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pending, m.expiries, m.events,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Pending records the length of an expiry queue.
func (m *Metrics) Pending(queue string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(queue).Set(float64(n))
}

// Expired counts one dispatched expiry.
func (m *Metrics) Expired(kind, outcome string) {
	if m == nil {
		return
	}
	m.expiries.WithLabelValues(kind, outcome).Inc()
}

// Event counts one presence event.
func (m *Metrics) Event(source, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(source, kind).Inc()
}

// ObserveStore reports collection sizes of s at scrape time.
func (m *Metrics) ObserveStore(s *state.Store) {
	m.registry.MustRegister(&storeCollector{store: s})
}

var (
	usersDesc   = prometheus.NewDesc(namespace+"_active_users", "Users with presence in at least one room.", nil, nil)
	roomsDesc   = prometheus.NewDesc(namespace+"_room_attendance", "Room attendance records.", nil, nil)
	filtersDesc = prometheus.NewDesc(namespace+"_filters", "Provisioned filter records.", nil, nil)
)

type storeCollector struct {
	store *state.Store
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- usersDesc
	ch <- roomsDesc
	ch <- filtersDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(usersDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(usersDesc, prometheus.GaugeValue, float64(len(snap.Users)))
	ch <- prometheus.MustNewConstMetric(roomsDesc, prometheus.GaugeValue, float64(len(snap.Rooms)))
	ch <- prometheus.MustNewConstMetric(filtersDesc, prometheus.GaugeValue, float64(len(snap.Filters)))
}
