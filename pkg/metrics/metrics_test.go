package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_CountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "memlog")

	p.IncCounter("fetches_total", map[string]string{"result": "ok"}, 1)
	p.IncCounter("fetches_total", map[string]string{"result": "ok"}, 2)
	p.IncCounter("fetches_total", map[string]string{"result": "transient"}, 1)
	p.SetGauge("active_recoveries", nil, 4)
	p.ObserveHistogram("recovery_duration_seconds", map[string]string{"outcome": "complete"}, 0.3)

	require.Equal(t, 3.0, testutil.ToFloat64(p.counters["fetches_total"].WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.counters["fetches_total"].WithLabelValues("transient")))
	require.Equal(t, 4.0, testutil.ToFloat64(p.gauges["active_recoveries"].WithLabelValues()))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestNop(t *testing.T) {
	var c Collector = Nop{}
	c.IncCounter("x", nil, 1)
	c.SetGauge("x", nil, 1)
	c.ObserveHistogram("x", nil, 1)
}
