package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds the metric instruments for the buffer pool manager.
// A nil *BufferPoolMetrics records nothing.
type BufferPoolMetrics struct {
	PageHitsCounter        metric.Int64Counter
	PageMissesCounter      metric.Int64Counter
	EvictionsCounter       metric.Int64Counter
	DirtyFlushesCounter    metric.Int64Counter
	DiskIOCounter          metric.Int64Counter
	DiskIOLatencyHistogram metric.Float64Histogram
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"ehashdb.bufferpool.page_hits_total",
		metric.WithDescription("Fetches served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"ehashdb.bufferpool.page_misses_total",
		metric.WithDescription("Fetches that had to read the page from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"ehashdb.bufferpool.evictions_total",
		metric.WithDescription("Frames reclaimed from the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dirtyFlushes, err := meter.Int64Counter(
		"ehashdb.bufferpool.dirty_victim_flushes_total",
		metric.WithDescription("Dirty victims written back before frame reuse."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	diskIO, err := meter.Int64Counter(
		"ehashdb.bufferpool.disk_io_total",
		metric.WithDescription("Page reads and writes issued through the disk scheduler."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	ioLatency, err := meter.Float64Histogram(
		"ehashdb.bufferpool.disk_io_duration",
		metric.WithDescription("Time spent waiting for a scheduled page read or write."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		PageHitsCounter:        hits,
		PageMissesCounter:      misses,
		EvictionsCounter:       evictions,
		DirtyFlushesCounter:    dirtyFlushes,
		DiskIOCounter:          diskIO,
		DiskIOLatencyHistogram: ioLatency,
	}, nil
}

// RegisterPoolGauges reports frame occupancy through an observable gauge.
// stats is called on every collection and returns (pinned, dirty, free) frame counts.
func (m *BufferPoolMetrics) RegisterPoolGauges(meter metric.Meter, stats func() (pinned, dirty, free int64)) error {
	if m == nil {
		return nil
	}
	_, err := meter.Int64ObservableGauge(
		"ehashdb.bufferpool.frames",
		metric.WithDescription("Buffer pool frames by state."),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			pinned, dirty, free := stats()
			o.Observe(pinned, metric.WithAttributes(attribute.String("state", "pinned")))
			o.Observe(dirty, metric.WithAttributes(attribute.String("state", "dirty")))
			o.Observe(free, metric.WithAttributes(attribute.String("state", "free")))
			return nil
		}),
	)
	return err
}

func (m *BufferPoolMetrics) RecordHit(ctx context.Context) {
	if m != nil {
		m.PageHitsCounter.Add(ctx, 1)
	}
}

func (m *BufferPoolMetrics) RecordMiss(ctx context.Context) {
	if m != nil {
		m.PageMissesCounter.Add(ctx, 1)
	}
}

func (m *BufferPoolMetrics) RecordEviction(ctx context.Context, dirty bool) {
	if m == nil {
		return
	}
	m.EvictionsCounter.Add(ctx, 1)
	if dirty {
		m.DirtyFlushesCounter.Add(ctx, 1)
	}
}

// RecordDiskIO counts one scheduled request and its wait time.
func (m *BufferPoolMetrics) RecordDiskIO(ctx context.Context, op string, ms float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.DiskIOCounter.Add(ctx, 1, attrs)
	m.DiskIOLatencyHistogram.Record(ctx, ms, attrs)
}

// HashIndexMetrics holds the metric instruments for the extendible hash index.
type HashIndexMetrics struct {
	OperationsCounter      metric.Int64Counter
	BucketSplitsCounter    metric.Int64Counter
	BucketMergesCounter    metric.Int64Counter
	DirectoryResizeCounter metric.Int64Counter
}

func NewHashIndexMetrics(meter metric.Meter) (*HashIndexMetrics, error) {
	ops, err := meter.Int64Counter(
		"ehashdb.hashindex.operations_total",
		metric.WithDescription("Hash index operations by kind and outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	splits, err := meter.Int64Counter(
		"ehashdb.hashindex.bucket_splits_total",
		metric.WithDescription("Bucket splits."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	merges, err := meter.Int64Counter(
		"ehashdb.hashindex.bucket_merges_total",
		metric.WithDescription("Bucket merges."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	resizes, err := meter.Int64Counter(
		"ehashdb.hashindex.directory_resizes_total",
		metric.WithDescription("Directory global depth changes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &HashIndexMetrics{
		OperationsCounter:      ops,
		BucketSplitsCounter:    splits,
		BucketMergesCounter:    merges,
		DirectoryResizeCounter: resizes,
	}, nil
}

func (m *HashIndexMetrics) RecordOperation(ctx context.Context, op string, ok bool) {
	if m != nil {
		m.OperationsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op), attribute.Bool("ok", ok)))
	}
}

func (m *HashIndexMetrics) RecordSplit(ctx context.Context) {
	if m != nil {
		m.BucketSplitsCounter.Add(ctx, 1)
	}
}

func (m *HashIndexMetrics) RecordMerge(ctx context.Context) {
	if m != nil {
		m.BucketMergesCounter.Add(ctx, 1)
	}
}

// RecordDirectoryResize records a grow ("grow") or shrink ("shrink") of the directory.
func (m *HashIndexMetrics) RecordDirectoryResize(ctx context.Context, direction string) {
	if m != nil {
		m.DirectoryResizeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
	}
}
