package indexmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/ehashdb/core/indexing/exthash"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	"github.com/sushant-115/ehashdb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/ehashdb/internal/telemetry"
	"github.com/sushant-115/ehashdb/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// HashIndexConfig sizes a string-keyed hash index.
type HashIndexConfig struct {
	KeySize   int
	ValueSize int
	Options   exthash.Options
	// HeaderPageID reopens an existing index. InvalidPageID creates a new one.
	HeaderPageID pagemanager.PageID
}

// HashIndexStats summarises the index and the pool underneath it.
type HashIndexStats struct {
	Name         string
	HeaderPageID pagemanager.PageID
	BufferPool   memtable.BufferPoolStats
}

// HashIndexManager serves string keys and byte values from a disk extendible hash table.
type HashIndexManager struct {
	name   string
	bpm    *memtable.BufferPoolManager
	table  *exthash.DiskExtendibleHashTable[string, []byte]
	tracer trace.Tracer
	logger *zap.Logger
}

var _ IndexManager = (*HashIndexManager)(nil)

// NewHashIndexManager creates or reopens the index described by cfg. tel may be nil.
func NewHashIndexManager(name string, bpm *memtable.BufferPoolManager, cfg HashIndexConfig, tel *telemetry.Telemetry, logger *zap.Logger) (*HashIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("hash_indexmanager")

	ser := exthash.KeyValueSerializer[string, []byte]{
		Key:   exthash.FixedStringCodec(cfg.KeySize),
		Value: exthash.FixedBytesCodec(cfg.ValueSize),
	}
	order := exthash.DefaultKeyOrder[string]

	var table *exthash.DiskExtendibleHashTable[string, []byte]
	var err error
	if cfg.HeaderPageID == pagemanager.InvalidPageID {
		table, err = exthash.NewDiskExtendibleHashTable(name, bpm, ser, order, nil, cfg.Options, logger)
	} else {
		table, err = exthash.OpenDiskExtendibleHashTable(name, bpm, cfg.HeaderPageID, ser, order, nil, cfg.Options, logger)
	}
	if err != nil {
		return nil, err
	}

	tracer := nooptrace.NewTracerProvider().Tracer("")
	if tel != nil {
		tracer = tel.Tracer
		indexMetrics, err := internaltelemetry.NewHashIndexMetrics(tel.Meter)
		if err != nil {
			logger.Warn("Failed to create hash index metrics", zap.Error(err))
		} else {
			table.SetMetrics(indexMetrics)
		}
	}

	return &HashIndexManager{
		name:   name,
		bpm:    bpm,
		table:  table,
		tracer: tracer,
		logger: logger,
	}, nil
}

func (m *HashIndexManager) Name() string { return m.name }

// HeaderPageID is the page to pass back in HashIndexConfig to reopen this index.
func (m *HashIndexManager) HeaderPageID() pagemanager.PageID {
	return m.table.GetHeaderPageID()
}

func (m *HashIndexManager) Put(ctx context.Context, key string, value []byte) error {
	ctx, span, startTime := m.startTrace(ctx, "Put", key)
	var err error
	defer func() { m.endTrace(ctx, span, startTime, "Put", err) }()

	var ok bool
	ok, err = m.table.Insert(key, value)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// Insert refuses both duplicates and keys whose bucket cannot split further.
	existing, getErr := m.table.GetValue(key)
	if getErr != nil {
		err = getErr
		return err
	}
	if len(existing) > 0 {
		err = fmt.Errorf("%w: %q", flushmanager.ErrKeyAlreadyExists, key)
	} else {
		err = fmt.Errorf("%w: no room for key %q", flushmanager.ErrIndexFull, key)
	}
	return err
}

func (m *HashIndexManager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span, startTime := m.startTrace(ctx, "Get", key)
	var err error
	defer func() { m.endTrace(ctx, span, startTime, "Get", err) }()

	var values [][]byte
	values, err = m.table.GetValue(key)
	if err != nil || len(values) == 0 {
		return nil, false, err
	}
	return values[0], true, nil
}

func (m *HashIndexManager) Delete(ctx context.Context, key string) error {
	ctx, span, startTime := m.startTrace(ctx, "Delete", key)
	var err error
	defer func() { m.endTrace(ctx, span, startTime, "Delete", err) }()

	var removed bool
	removed, err = m.table.Remove(key)
	if err == nil && !removed {
		err = fmt.Errorf("%w: %q", flushmanager.ErrKeyNotFound, key)
	}
	return err
}

func (m *HashIndexManager) Flush(ctx context.Context) error {
	ctx, span, startTime := m.startTrace(ctx, "Flush", "")
	var err error
	defer func() { m.endTrace(ctx, span, startTime, "Flush", err) }()

	err = m.bpm.FlushAllPages()
	return err
}

func (m *HashIndexManager) Verify(ctx context.Context) error {
	ctx, span, startTime := m.startTrace(ctx, "Verify", "")
	var err error
	defer func() { m.endTrace(ctx, span, startTime, "Verify", err) }()

	err = m.table.VerifyIntegrity()
	return err
}

func (m *HashIndexManager) Stats() HashIndexStats {
	return HashIndexStats{
		Name:         m.name,
		HeaderPageID: m.table.GetHeaderPageID(),
		BufferPool:   m.bpm.Stats(),
	}
}

// startTrace opens a span for one index operation.
func (m *HashIndexManager) startTrace(ctx context.Context, op, key string) (context.Context, trace.Span, time.Time) {
	attrs := []attribute.KeyValue{
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
	}
	if key != "" {
		attrs = append(attrs, attribute.Int("index.key_length", len(key)))
	}
	ctx, span := m.tracer.Start(ctx, "HashIndex."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (m *HashIndexManager) endTrace(_ context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		m.logger.Debug("Index operation failed", zap.String("op", op), zap.Duration("latency", latency), zap.Error(err))
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()
}
