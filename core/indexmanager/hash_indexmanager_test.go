package indexmanager

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/ehashdb/core/indexing/exthash"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	"github.com/sushant-115/ehashdb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
	"github.com/sushant-115/ehashdb/pkg/telemetry"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func setupIndex(t *testing.T, cfg HashIndexConfig) (*HashIndexManager, *tracetest.SpanRecorder) {
	t.Helper()
	logger := zap.NewNop()
	scheduler := flushmanager.NewDiskScheduler(flushmanager.NewMemoryDiskManager(), flushmanager.SchedulerOptions{}, logger)
	t.Cleanup(scheduler.Close)
	bpm := memtable.NewBufferPoolManager(16, scheduler, nil, logger)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel := &telemetry.Telemetry{Tracer: tp.Tracer("test"), Meter: noop.NewMeterProvider().Meter("test")}

	m, err := NewHashIndexManager("kv", bpm, cfg, tel, logger)
	require.NoError(t, err)
	return m, recorder
}

func defaultConfig() HashIndexConfig {
	return HashIndexConfig{KeySize: 32, ValueSize: 64, HeaderPageID: pagemanager.InvalidPageID}
}

// --- Tests ---

func TestHashIndexManagerPutGetDelete(t *testing.T) {
	m, recorder := setupIndex(t, defaultConfig())
	ctx := context.Background()
	assert.Equal(t, "kv", m.Name())

	require.NoError(t, m.Put(ctx, "alpha", []byte{1, 2, 0}))
	value, found, err := m.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{1, 2, 0}, value)

	err = m.Put(ctx, "alpha", []byte("again"))
	assert.ErrorIs(t, err, flushmanager.ErrKeyAlreadyExists)

	require.NoError(t, m.Delete(ctx, "alpha"))
	_, found, err = m.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, m.Delete(ctx, "alpha"), flushmanager.ErrKeyNotFound)

	assert.ErrorIs(t, m.Put(ctx, string(make([]byte, 40)), nil), flushmanager.ErrSerialization)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "HashIndex.Put", spans[0].Name())
	assert.Equal(t, otelcodes.Ok, spans[0].Status().Code)
	assert.Equal(t, otelcodes.Error, spans[2].Status().Code, "duplicate put is recorded as an error")
}

func TestHashIndexManagerIndexFull(t *testing.T) {
	cfg := defaultConfig()
	cfg.Options = exthash.Options{HeaderMaxDepth: 1, DirectoryMaxDepth: 1, BucketMaxSize: 1}
	m, _ := setupIndex(t, cfg)
	ctx := context.Background()

	// Two directories of two single-entry buckets hold at most four keys.
	var full int
	for i := 0; i < 32; i++ {
		err := m.Put(ctx, fmt.Sprintf("key-%d", i), []byte("v"))
		if err != nil {
			require.ErrorIs(t, err, flushmanager.ErrIndexFull)
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 28)
	require.NoError(t, m.Verify(ctx))
}

func TestHashIndexManagerFlushAndReopen(t *testing.T) {
	logger := zap.NewNop()
	dm := flushmanager.NewMemoryDiskManager()
	scheduler := flushmanager.NewDiskScheduler(dm, flushmanager.SchedulerOptions{}, logger)
	defer scheduler.Close()
	ctx := context.Background()

	bpm := memtable.NewBufferPoolManager(8, scheduler, nil, logger)
	m, err := NewHashIndexManager("kv", bpm, defaultConfig(), nil, logger)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Put(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, m.Flush(ctx))
	require.NoError(t, m.Verify(ctx))
	stats := m.Stats()
	assert.Equal(t, 0, stats.BufferPool.DirtyPages)
	assert.Equal(t, m.HeaderPageID(), stats.HeaderPageID)

	// A second pool over the same pages sees the flushed index.
	cfg := defaultConfig()
	cfg.HeaderPageID = m.HeaderPageID()
	reopened, err := NewHashIndexManager("kv", memtable.NewBufferPoolManager(8, scheduler, nil, logger), cfg, nil, logger)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		value, found, err := reopened.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), value)
	}
}
