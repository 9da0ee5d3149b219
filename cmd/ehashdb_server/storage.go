package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sushant-115/ehashdb/config"
	"github.com/sushant-115/ehashdb/core/indexmanager"
	"github.com/sushant-115/ehashdb/core/storage_engine/snapshot"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	"github.com/sushant-115/ehashdb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/ehashdb/internal/telemetry"
	"github.com/sushant-115/ehashdb/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// storage owns the on-disk stack under the index: file, scheduler and buffer pool.
type storage struct {
	dataFile   string
	backupRate int64

	dm        *flushmanager.FileDiskManager
	scheduler *flushmanager.DiskScheduler
	bpm       *memtable.BufferPoolManager
	index     *indexmanager.HashIndexManager
	logger    *zap.Logger
}

// openStorage opens or creates the data file and attaches the hash index recorded
// in its header. A fresh file gets a new index whose header page id is persisted.
func openStorage(cfg config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (*storage, error) {
	if dir := filepath.Dir(cfg.Storage.DataFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	dm, err := flushmanager.NewFileDiskManager(cfg.Storage.DataFile, true, logger)
	if err != nil {
		return nil, err
	}

	replacer, err := memtable.NewReplacer(cfg.Storage.ReplacerPolicy, cfg.Storage.PoolSize, cfg.Storage.ReplacerK)
	if err != nil {
		_ = dm.Close()
		return nil, err
	}
	scheduler := flushmanager.NewDiskScheduler(dm, flushmanager.SchedulerOptions{
		QueueDepth: cfg.Storage.QueueDepth,
		MaxIOPS:    cfg.Storage.MaxIOPS,
	}, logger)
	bpm := memtable.NewBufferPoolManager(cfg.Storage.PoolSize, scheduler, replacer, logger)

	s := &storage{
		dataFile:   cfg.Storage.DataFile,
		backupRate: cfg.Storage.BackupBytesPerSec,
		dm:         dm,
		scheduler:  scheduler,
		bpm:        bpm,
		logger:     logger,
	}
	if tel != nil {
		s.attachPoolMetrics(tel)
	}

	headerPageID := dm.Header().IndexRootPageID
	s.index, err = indexmanager.NewHashIndexManager(cfg.Index.Name, bpm, indexmanager.HashIndexConfig{
		KeySize:      cfg.Index.KeySize,
		ValueSize:    cfg.Index.ValueSize,
		Options:      cfg.Index.Options,
		HeaderPageID: headerPageID,
	}, tel, logger)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to open index %q: %w", cfg.Index.Name, err), s.closeFiles())
	}

	if headerPageID == pagemanager.InvalidPageID {
		// The header page must reach disk before the file header points at it.
		if err := s.index.Flush(context.Background()); err != nil {
			return nil, multierr.Append(err, s.closeFiles())
		}
		if err := dm.SetIndexRootPageID(s.index.HeaderPageID()); err != nil {
			return nil, multierr.Append(err, s.closeFiles())
		}
		logger.Info("Created hash index", zap.String("index", cfg.Index.Name), zap.Int32("header_page_id", int32(s.index.HeaderPageID())))
	} else {
		logger.Info("Opened hash index", zap.String("index", cfg.Index.Name), zap.Int32("header_page_id", int32(headerPageID)))
	}
	return s, nil
}

func (s *storage) attachPoolMetrics(tel *telemetry.Telemetry) {
	poolMetrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		s.logger.Warn("Failed to create buffer pool metrics", zap.Error(err))
		return
	}
	s.bpm.SetMetrics(poolMetrics)
	err = poolMetrics.RegisterPoolGauges(tel.Meter, func() (int64, int64, int64) {
		stats := s.bpm.Stats()
		return int64(stats.PinnedPages), int64(stats.DirtyPages), int64(stats.FreeFrames)
	})
	if err != nil {
		s.logger.Warn("Failed to register buffer pool gauges", zap.Error(err))
	}
}

// backup flushes the pool and copies the data file to dst. The caller keeps
// writers out until it returns.
func (s *storage) backup(ctx context.Context, dst string) (snapshot.Result, error) {
	if err := s.bpm.FlushAllPages(); err != nil {
		return snapshot.Result{}, fmt.Errorf("failed to flush before backup: %w", err)
	}
	result, err := snapshot.CopyThrottled(ctx, s.dataFile, dst, s.backupRate)
	if err != nil {
		return result, err
	}
	s.logger.Info("Backup written",
		zap.String("path", result.Path),
		zap.Int64("bytes", result.Bytes),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// close flushes every page and releases the file.
func (s *storage) close() error {
	err := s.bpm.FlushAllPages()
	return multierr.Append(err, s.closeFiles())
}

func (s *storage) closeFiles() error {
	s.scheduler.Close()
	return s.dm.Close()
}
