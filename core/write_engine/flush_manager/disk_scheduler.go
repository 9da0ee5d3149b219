package flushmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DiskRequest is a single page read or write handed to the scheduler.
// For reads Data is filled in place; for writes it is written as-is.
type DiskRequest struct {
	ID      uuid.UUID
	IsWrite bool
	Data    []byte
	PageID  pagemanager.PageID

	done chan error
}

// Future completes when the scheduler has executed its request.
type Future struct {
	done <-chan error
}

// Wait blocks until the request finishes and returns its outcome.
func (f *Future) Wait() error {
	return <-f.done
}

// SchedulerOptions configure a DiskScheduler.
type SchedulerOptions struct {
	QueueDepth int // Buffered requests before Schedule blocks
	MaxIOPS    int // 0 disables throttling
}

// DiskScheduler serializes page I/O onto a background worker goroutine.
type DiskScheduler struct {
	diskManager DiskManager
	requests    chan *DiskRequest
	limiter     *rate.Limiter
	logger      *zap.Logger

	mu     sync.RWMutex // guards closed against concurrent Schedule / Close
	closed bool
	wg     sync.WaitGroup
}

// NewDiskScheduler starts the background worker.
func NewDiskScheduler(dm DiskManager, opts SchedulerOptions, logger *zap.Logger) *DiskScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	ds := &DiskScheduler{
		diskManager: dm,
		requests:    make(chan *DiskRequest, opts.QueueDepth),
		logger:      logger.Named("disk_scheduler"),
	}
	if opts.MaxIOPS > 0 {
		ds.limiter = rate.NewLimiter(rate.Limit(opts.MaxIOPS), opts.MaxIOPS)
	}
	ds.wg.Add(1)
	go ds.worker()
	ds.logger.Info("Disk scheduler started",
		zap.Int("queue_depth", opts.QueueDepth), zap.Int("max_iops", opts.MaxIOPS))
	return ds
}

// Schedule enqueues a request and returns a future for its completion.
func (ds *DiskScheduler) Schedule(isWrite bool, data []byte, pageID pagemanager.PageID) *Future {
	done := make(chan error, 1)
	req := &DiskRequest{
		ID:      uuid.New(),
		IsWrite: isWrite,
		Data:    data,
		PageID:  pageID,
		done:    done,
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if ds.closed {
		done <- ErrSchedulerClosed
		return &Future{done: done}
	}
	ds.requests <- req
	return &Future{done: done}
}

// ReadPage schedules a read and waits for it.
func (ds *DiskScheduler) ReadPage(pageID pagemanager.PageID, data []byte) error {
	return ds.Schedule(false, data, pageID).Wait()
}

// WritePage schedules a write and waits for it.
func (ds *DiskScheduler) WritePage(pageID pagemanager.PageID, data []byte) error {
	return ds.Schedule(true, data, pageID).Wait()
}

func (ds *DiskScheduler) worker() {
	defer ds.wg.Done()
	for req := range ds.requests {
		req.done <- ds.execute(req)
	}
	ds.logger.Info("Disk scheduler worker stopped")
}

func (ds *DiskScheduler) execute(req *DiskRequest) error {
	if ds.limiter != nil {
		if err := ds.limiter.Wait(context.Background()); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}
	}
	var err error
	if req.IsWrite {
		err = ds.diskManager.WritePage(req.PageID, req.Data)
	} else {
		err = ds.diskManager.ReadPage(req.PageID, req.Data)
	}
	if err != nil {
		ds.logger.Error("Disk request failed",
			zap.String("request_id", req.ID.String()),
			zap.Bool("is_write", req.IsWrite),
			zap.Int32("page_id", int32(req.PageID)),
			zap.Error(err))
	}
	return err
}

// DeallocatePage forwards to the disk manager.
func (ds *DiskScheduler) DeallocatePage(pageID pagemanager.PageID) {
	ds.diskManager.DeallocatePage(pageID)
}

// NumPages forwards to the disk manager.
func (ds *DiskScheduler) NumPages() int32 {
	return ds.diskManager.NumPages()
}

// Sync forwards to the disk manager. Requests already waited on are visible to it.
func (ds *DiskScheduler) Sync() error {
	return ds.diskManager.Sync()
}

// Close drains queued requests and stops the worker. It does not close the disk manager.
func (ds *DiskScheduler) Close() {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return
	}
	ds.closed = true
	close(ds.requests)
	ds.mu.Unlock()
	ds.wg.Wait()
}
