package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)
	assert.Nil(t, tel.MeterProvider)
	assert.Nil(t, tel.Registry)

	counter, err := tel.Meter.Int64Counter("noop_counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewEnabledExportsToRegistry(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "ehashdb-test", TraceSampleRatio: 5})
	require.NoError(t, err)
	defer func() { assert.NoError(t, shutdown(context.Background())) }()
	assert.Empty(t, tel.MetricsAddr, "port 0 serves nothing")

	counter, err := tel.Meter.Int64Counter("ehashdb_test_ops")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsSampled(), "invalid ratio falls back to always sample")
	span.End()

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "ehashdb_test_ops_total" {
			found = true
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, float64(3), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "counter exported through prometheus")
}
