package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNew_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := New(reg)
	var second *Metrics
	require.NotPanics(t, func() { second = New(reg) })

	first.EventsTracked.Inc()
	second.EventsTracked.Inc()
	first.QueueDepth.Add(3)
	second.QueueDepth.Add(2)

	require.Equal(t, float64(2), testutil.ToFloat64(first.EventsTracked))
	require.Equal(t, float64(5), testutil.ToFloat64(second.QueueDepth))

	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestNewCollector_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	NewCollector(reg).EventsReceived.Add(2)
	var c *Collector
	require.NotPanics(t, func() { c = NewCollector(reg) })
	c.EventsReceived.Inc()

	require.Equal(t, float64(3), testutil.ToFloat64(c.EventsReceived))
}

func TestNew_NilRegistry(t *testing.T) {
	m := New(nil)
	m.DeliveriesTotal.WithLabelValues(OutcomeDelivered).Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(OutcomeDelivered)))
}
