package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// --- Test Helpers ---

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected aggregation %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// --- Tests ---

func TestBufferPoolMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	m, err := NewBufferPoolMetrics(meter)
	require.NoError(t, err)
	require.NoError(t, m.RegisterPoolGauges(meter, func() (int64, int64, int64) { return 2, 1, 5 }))

	ctx := context.Background()
	m.RecordHit(ctx)
	m.RecordHit(ctx)
	m.RecordMiss(ctx)
	m.RecordEviction(ctx, true)
	m.RecordEviction(ctx, false)
	m.RecordDiskIO(ctx, "write", 0.5)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["ehashdb.bufferpool.page_hits_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["ehashdb.bufferpool.page_misses_total"]))
	assert.Equal(t, int64(2), sumOf(t, data["ehashdb.bufferpool.evictions_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["ehashdb.bufferpool.dirty_victim_flushes_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["ehashdb.bufferpool.disk_io_total"]))
}

func TestHashIndexMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	m, err := NewHashIndexMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordOperation(ctx, "insert", true)
	m.RecordOperation(ctx, "get", false)
	m.RecordSplit(ctx)
	m.RecordMerge(ctx)
	m.RecordDirectoryResize(ctx, "grow")

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["ehashdb.hashindex.operations_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["ehashdb.hashindex.bucket_splits_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["ehashdb.hashindex.bucket_merges_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["ehashdb.hashindex.directory_resizes_total"]))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var pool *BufferPoolMetrics
	var index *HashIndexMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		pool.RecordHit(ctx)
		pool.RecordMiss(ctx)
		pool.RecordEviction(ctx, true)
		pool.RecordDiskIO(ctx, "read", 1)
		index.RecordOperation(ctx, "remove", true)
		index.RecordSplit(ctx)
		index.RecordMerge(ctx)
		index.RecordDirectoryResize(ctx, "shrink")
	})
}
