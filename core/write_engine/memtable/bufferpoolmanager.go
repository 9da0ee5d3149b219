package memtable

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/ehashdb/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultReplacerK is the history depth used when no replacer is supplied.
const DefaultReplacerK = 2

// pageBufPool holds page-sized buffers that flushes copy frames into.
var pageBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, pagemanager.PageSize)
		return &buf
	},
}

// BufferPoolManager manages in-memory pages (frames) and moves them to and from
// disk through the DiskScheduler.
//
// All pool metadata (page table, free list, replacer, pin counts, dirty flags)
// is guarded by mu. Page contents are guarded by each frame's own latch, taken
// through page guards. Disk I/O for eviction and fetch is awaited while mu is held.
type BufferPoolManager struct {
	scheduler *flushmanager.DiskScheduler
	poolSize  int
	pages     []*pagemanager.Page                        // Page frames
	pageTable map[pagemanager.PageID]pagemanager.FrameID // PageID to frame index
	freeList  []pagemanager.FrameID                      // Frames holding no page, used as a stack
	replacer  Replacer
	mu        sync.Mutex

	nextPageID atomic.Int32

	logger  *zap.Logger
	metrics *internaltelemetry.BufferPoolMetrics

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// BufferPoolStats is a point-in-time view of frame usage.
type BufferPoolStats struct {
	PoolSize      int
	ResidentPages int
	PinnedPages   int
	DirtyPages    int
	FreeFrames    int
	Evictable     int
	Hits          int64
	Misses        int64
	Evictions     int64
	// OldestDirty is how long the longest-dirty resident page has gone unflushed.
	OldestDirty time.Duration
}

// NewBufferPoolManager creates a pool of poolSize frames. A nil replacer selects
// LRU-K with DefaultReplacerK. Page ids continue after the last page the
// scheduler's disk manager has seen.
func NewBufferPoolManager(poolSize int, scheduler *flushmanager.DiskScheduler, replacer Replacer, logger *zap.Logger) *BufferPoolManager {
	if scheduler == nil {
		panic("NewBufferPoolManager: scheduler cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if replacer == nil {
		replacer = NewLRUKReplacer(poolSize, DefaultReplacerK)
	}
	bpm := &BufferPoolManager{
		scheduler: scheduler,
		poolSize:  poolSize,
		pages:     make([]*pagemanager.Page, poolSize),
		pageTable: make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:  make([]pagemanager.FrameID, 0, poolSize),
		replacer:  replacer,
		logger:    logger.Named("buffer_pool"),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, pagemanager.PageSize)
	}
	// Stack order: frame 0 is handed out first.
	for i := poolSize - 1; i >= 0; i-- {
		bpm.freeList = append(bpm.freeList, pagemanager.FrameID(i))
	}
	bpm.nextPageID.Store(scheduler.NumPages())
	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", pagemanager.PageSize),
		zap.Int32("next_page_id", bpm.nextPageID.Load()))
	return bpm
}

// SetMetrics attaches metric instruments. Must be called before the pool is shared.
func (bpm *BufferPoolManager) SetMetrics(m *internaltelemetry.BufferPoolMetrics) {
	bpm.metrics = m
}

// GetPoolSize returns the number of frames in the pool.
func (bpm *BufferPoolManager) GetPoolSize() int { return bpm.poolSize }

// GetPageSize returns the size of every frame in bytes.
func (bpm *BufferPoolManager) GetPageSize() int { return pagemanager.PageSize }

// NewPage allocates a fresh page id, places it in a zeroed frame and pins it.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		bpm.logger.Warn("No frame available for new page", zap.Error(err))
		return nil, pagemanager.InvalidPageID, err
	}

	pageID := bpm.allocatePage()
	page := bpm.pages[frameID]
	page.Reset()
	page.SetPageID(pageID)
	page.SetPinCount(1)

	bpm.pageTable[pageID] = frameID
	bpm.replacer.RecordAccess(frameID, AccessUnknown)
	bpm.replacer.SetEvictable(frameID, false)
	bpm.logger.Debug("New page", zap.Int32("page_id", int32(pageID)), zap.Int32("frame_id", int32(frameID)))
	return page, pageID, nil
}

// FetchPage pins pageID, reading it from disk if it is not resident.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID, accessType AccessType) (*pagemanager.Page, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Already resident.
	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameID]
		page.Pin()
		bpm.replacer.RecordAccess(frameID, accessType)
		bpm.replacer.SetEvictable(frameID, false)
		bpm.hits.Add(1)
		bpm.metrics.RecordHit(context.Background())
		return page, nil
	}

	// 2. Find a frame and read the page into it.
	bpm.misses.Add(1)
	bpm.metrics.RecordMiss(context.Background())
	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		bpm.logger.Warn("No frame available to fetch page", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return nil, err
	}
	page := bpm.pages[frameID]
	page.Reset()
	if err := bpm.doIO(false, pageID, page.GetData()); err != nil {
		page.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}

	page.SetPageID(pageID)
	page.SetPinCount(1)
	bpm.pageTable[pageID] = frameID
	bpm.replacer.RecordAccess(frameID, accessType)
	bpm.replacer.SetEvictable(frameID, false)
	bpm.logger.Debug("Page loaded", zap.Int32("page_id", int32(pageID)), zap.Int32("frame_id", int32(frameID)))
	return page, nil
}

// acquireFrameLocked returns a frame that holds no page, taking it from the free
// list or evicting a victim. A dirty victim is written back first.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) acquireFrameLocked() (pagemanager.FrameID, error) {
	if n := len(bpm.freeList); n > 0 {
		frameID := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		return pagemanager.InvalidFrameID, flushmanager.ErrBufferPoolFull
	}
	victim := bpm.pages[frameID]
	victimID := victim.GetPageID()
	dirty := victim.IsDirty()
	if dirty {
		if err := bpm.doIO(true, victimID, victim.GetData()); err != nil {
			// Keep the victim resident and evictable so nothing is lost.
			bpm.replacer.RecordAccess(frameID, AccessUnknown)
			bpm.replacer.SetEvictable(frameID, true)
			return pagemanager.InvalidFrameID, fmt.Errorf("failed to flush dirty victim page %d: %w", victimID, err)
		}
		victim.SetDirty(false)
	}
	delete(bpm.pageTable, victimID)
	bpm.evictions.Add(1)
	bpm.metrics.RecordEviction(context.Background(), dirty)
	bpm.logger.Debug("Evicted page",
		zap.Int32("page_id", int32(victimID)),
		zap.Int32("frame_id", int32(frameID)),
		zap.Bool("dirty", dirty))
	return frameID, nil
}

// doIO submits one request to the scheduler and waits for it.
func (bpm *BufferPoolManager) doIO(isWrite bool, pageID pagemanager.PageID, data []byte) error {
	start := time.Now()
	err := bpm.scheduler.Schedule(isWrite, data, pageID).Wait()
	op := "read"
	if isWrite {
		op = "write"
	}
	bpm.metrics.RecordDiskIO(context.Background(), op, float64(time.Since(start).Microseconds())/1000)
	return err
}

// allocatePage hands out the next page id. Ids are never reused.
func (bpm *BufferPoolManager) allocatePage() pagemanager.PageID {
	return pagemanager.PageID(bpm.nextPageID.Add(1) - 1)
}

// UnpinPage drops one pin on pageID and merges isDirty into the page's dirty flag.
// It returns false if the page is not resident or has no pins.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.logger.Debug("Unpin of non-resident page", zap.Int32("page_id", int32(pageID)))
		return false
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() <= 0 {
		bpm.logger.Warn("Attempted to unpin page with pin count 0", zap.Int32("page_id", int32(pageID)))
		return false
	}
	if isDirty {
		if !page.IsDirty() {
			page.UpdatedAt(time.Now())
		}
		page.SetDirty(true)
	}
	page.Unpin()
	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes the page's current bytes to disk whether or not it is dirty.
//
// The page is pinned while it is flushed and its bytes are copied under the
// read latch with bpm.mu released, so the caller must not hold the page's
// write latch.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.mu.Unlock()
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameID]
	page.Pin()
	bpm.replacer.SetEvictable(frameID, false)
	bpm.mu.Unlock()
	defer bpm.UnpinPage(pageID, false)

	buf := pageBufPool.Get().(*[]byte)
	defer pageBufPool.Put(buf)

	page.RLock()
	copy(*buf, page.GetData())
	bpm.mu.Lock()
	wasDirty := page.IsDirty()
	page.SetDirty(false)
	bpm.mu.Unlock()
	page.RUnlock()

	if err := bpm.doIO(true, pageID, *buf); err != nil {
		if wasDirty {
			bpm.mu.Lock()
			page.SetDirty(true)
			bpm.mu.Unlock()
		}
		bpm.logger.Error("Failed to flush page", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return err
	}
	return nil
}

// FlushAllPages writes every resident page and syncs the disk manager.
// Pages evicted while it runs were written back by the eviction.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	pageIDs := make([]pagemanager.PageID, 0, len(bpm.pageTable))
	for pageID := range bpm.pageTable {
		pageIDs = append(pageIDs, pageID)
	}
	bpm.mu.Unlock()
	slices.Sort(pageIDs)

	var errs error
	flushed := 0
	for _, pageID := range pageIDs {
		err := bpm.FlushPage(pageID)
		switch {
		case errors.Is(err, flushmanager.ErrPageNotFound):
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("flush page %d: %w", pageID, err))
		default:
			flushed++
		}
	}
	if err := bpm.scheduler.Sync(); err != nil {
		errs = multierr.Append(errs, err)
	}
	bpm.logger.Debug("Finished FlushAllPages", zap.Int("flushed", flushed), zap.Error(errs))
	return errs
}

// DeletePage removes an unpinned page from the pool and deallocates it.
// It returns false only when the page is pinned.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.scheduler.DeallocatePage(pageID)
		return true
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() > 0 {
		bpm.logger.Debug("Refusing to delete pinned page",
			zap.Int32("page_id", int32(pageID)), zap.Int32("pin_count", page.GetPinCount()))
		return false
	}
	delete(bpm.pageTable, pageID)
	bpm.replacer.Remove(frameID)
	page.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	bpm.scheduler.DeallocatePage(pageID)
	bpm.logger.Debug("Deleted page", zap.Int32("page_id", int32(pageID)), zap.Int32("frame_id", int32(frameID)))
	return true
}

// GetPinCount reports the pin count of a resident page.
func (bpm *BufferPoolManager) GetPinCount(pageID pagemanager.PageID) (int32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.pages[frameID].GetPinCount(), true
}

// IsDirty reports the dirty flag of a resident page.
func (bpm *BufferPoolManager) IsDirty(pageID pagemanager.PageID) (bool, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false, false
	}
	return bpm.pages[frameID].IsDirty(), true
}

// Stats reports frame usage and hit counters under the pool mutex.
func (bpm *BufferPoolManager) Stats() BufferPoolStats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := BufferPoolStats{
		PoolSize:      bpm.poolSize,
		ResidentPages: len(bpm.pageTable),
		FreeFrames:    len(bpm.freeList),
		Evictable:     bpm.replacer.Size(),
		Hits:          bpm.hits.Load(),
		Misses:        bpm.misses.Load(),
		Evictions:     bpm.evictions.Load(),
	}
	now := time.Now()
	for _, frameID := range bpm.pageTable {
		page := bpm.pages[frameID]
		if page.GetPinCount() > 0 {
			s.PinnedPages++
		}
		if page.IsDirty() {
			s.DirtyPages++
			s.OldestDirty = max(s.OldestDirty, now.Sub(page.GetUpdatedAt()))
		}
	}
	return s
}

// --- Guarded access ---

// FetchPageBasic pins pageID and wraps it in a guard that unpins on Drop.
func (bpm *BufferPoolManager) FetchPageBasic(pageID pagemanager.PageID) (BasicPageGuard, error) {
	page, err := bpm.FetchPage(pageID, AccessUnknown)
	if err != nil {
		return BasicPageGuard{}, err
	}
	return BasicPageGuard{bpm: bpm, page: page}, nil
}

// FetchPageRead pins pageID and takes its read latch. The latch is acquired
// after the pool mutex is released.
func (bpm *BufferPoolManager) FetchPageRead(pageID pagemanager.PageID) (ReadPageGuard, error) {
	guard, err := bpm.FetchPageBasic(pageID)
	if err != nil {
		return ReadPageGuard{}, err
	}
	return guard.UpgradeRead(), nil
}

// FetchPageWrite pins pageID and takes its write latch.
func (bpm *BufferPoolManager) FetchPageWrite(pageID pagemanager.PageID) (WritePageGuard, error) {
	guard, err := bpm.FetchPageBasic(pageID)
	if err != nil {
		return WritePageGuard{}, err
	}
	return guard.UpgradeWrite(), nil
}

// NewPageGuarded allocates a page and returns it wrapped in a basic guard.
func (bpm *BufferPoolManager) NewPageGuarded() (BasicPageGuard, error) {
	page, _, err := bpm.NewPage()
	if err != nil {
		return BasicPageGuard{}, err
	}
	return BasicPageGuard{bpm: bpm, page: page}, nil
}
