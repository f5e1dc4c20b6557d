package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spyglass"

// Outcome label values for DeliveriesTotal.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeTransient = "transient"
)

// Metrics holds the tracker-side Prometheus metrics.
type Metrics struct {
	EventsTracked   prometheus.Counter
	EventsEvicted   prometheus.Counter
	EventsDelivered prometheus.Counter
	EventsRejected  prometheus.Counter
	DeliveriesTotal *prometheus.CounterVec
	FlushCycles     prometheus.Counter
	QueueDepth      prometheus.Gauge
}

// New creates the tracker metrics and registers them when reg is not nil.
// Trackers sharing a registerer share the same series; QueueDepth is then the
// total pending across them, so queues move it by deltas.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_tracked_total",
			Help:      "Events appended to the persistent queue",
		}),
		EventsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_evicted_total",
			Help:      "Events discarded because the queue reached capacity",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events acknowledged by the collector",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Events discarded after a permanent delivery rejection",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Batch delivery attempts by outcome",
		}, []string{"outcome"}),
		FlushCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_cycles_total",
			Help:      "Completed flush cycles",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events currently pending in the queue",
		}),
	}

	if reg != nil {
		m.EventsTracked = register(reg, m.EventsTracked)
		m.EventsEvicted = register(reg, m.EventsEvicted)
		m.EventsDelivered = register(reg, m.EventsDelivered)
		m.EventsRejected = register(reg, m.EventsRejected)
		m.DeliveriesTotal = register(reg, m.DeliveriesTotal)
		m.FlushCycles = register(reg, m.FlushCycles)
		m.QueueDepth = register(reg, m.QueueDepth)
	}
	return m
}

// Collector holds the metrics exposed by the reference collector.
type Collector struct {
	EventsReceived      prometheus.Counter
	PayloadsInvalid     prometheus.Counter
	PayloadsUnavailable prometheus.Counter
	EventsStored        prometheus.Counter
	StoreFailures       prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_received_total",
			Help:      "Events decoded from incoming payloads",
		}),
		PayloadsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "payloads_invalid_total",
			Help:      "Payloads that could not be decoded",
		}),
		PayloadsUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "payloads_unavailable_total",
			Help:      "Valid payloads that could not be queued for storage",
		}),
		EventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_stored_total",
			Help:      "Events written to storage",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "store_failures_total",
			Help:      "Batches that failed to be stored",
		}),
	}

	if reg != nil {
		c.EventsReceived = register(reg, c.EventsReceived)
		c.PayloadsInvalid = register(reg, c.PayloadsInvalid)
		c.PayloadsUnavailable = register(reg, c.PayloadsUnavailable)
		c.EventsStored = register(reg, c.EventsStored)
		c.StoreFailures = register(reg, c.StoreFailures)
	}
	return c
}

// register returns the collector already registered under the same descriptor,
// if any. Any other registration error leaves c working but unexported.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}
