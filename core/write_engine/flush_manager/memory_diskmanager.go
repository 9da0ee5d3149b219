package flushmanager

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// MemoryDiskManager keeps pages in a concurrent map. Used for ephemeral
// indexes and tests; nothing survives Close.
type MemoryDiskManager struct {
	pages    *xsync.MapOf[pagemanager.PageID, []byte]
	pageSize int
	numPages atomic.Int32

	numReads  atomic.Int64
	numWrites atomic.Int64
}

func NewMemoryDiskManager() *MemoryDiskManager {
	return &MemoryDiskManager{
		pages:    xsync.NewMapOf[pagemanager.PageID, []byte](),
		pageSize: pagemanager.PageSize,
	}
}

func (dm *MemoryDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	dm.numReads.Add(1)
	stored, ok := dm.pages.Load(pageID)
	if !ok {
		clear(pageData)
		return nil
	}
	copy(pageData, stored)
	return nil
}

func (dm *MemoryDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	dm.numWrites.Add(1)
	buf := make([]byte, dm.pageSize)
	copy(buf, pageData)
	dm.pages.Store(pageID, buf)
	for {
		cur := dm.numPages.Load()
		if int32(pageID) < cur || dm.numPages.CompareAndSwap(cur, int32(pageID)+1) {
			return nil
		}
	}
}

func (dm *MemoryDiskManager) DeallocatePage(pageID pagemanager.PageID) {
	dm.pages.Delete(pageID)
}

func (dm *MemoryDiskManager) NumPages() int32  { return dm.numPages.Load() }
func (dm *MemoryDiskManager) NumReads() int64  { return dm.numReads.Load() }
func (dm *MemoryDiskManager) NumWrites() int64 { return dm.numWrites.Load() }

// StoredPages is the number of pages currently held.
func (dm *MemoryDiskManager) StoredPages() int { return dm.pages.Size() }

func (dm *MemoryDiskManager) Sync() error { return nil }

func (dm *MemoryDiskManager) Close() error {
	dm.pages.Clear()
	return nil
}
