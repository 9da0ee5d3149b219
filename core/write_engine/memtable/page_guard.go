package memtable

import (
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// BasicPageGuard owns one pin on a buffer pool page and releases it on Drop.
//
// Guards are leases: copying one duplicates the lease. Use Move to hand
// ownership to another variable; the source becomes empty and its Drop is a no-op.
type BasicPageGuard struct {
	bpm     *BufferPoolManager
	page    *pagemanager.Page
	isDirty bool
}

func (g *BasicPageGuard) mustHold() {
	if g.page == nil {
		panic(flushmanager.ErrGuardReleased)
	}
}

// IsValid reports whether the guard still owns a page.
func (g *BasicPageGuard) IsValid() bool { return g.page != nil }

// PageID returns the id of the guarded page.
func (g *BasicPageGuard) PageID() pagemanager.PageID {
	g.mustHold()
	return g.page.GetPageID()
}

// GetData returns the page bytes for reading.
func (g *BasicPageGuard) GetData() []byte {
	g.mustHold()
	return g.page.GetData()
}

// Move transfers ownership to the returned guard.
func (g *BasicPageGuard) Move() BasicPageGuard {
	moved := *g
	*g = BasicPageGuard{}
	return moved
}

// Drop unpins the page once. Further calls do nothing.
func (g *BasicPageGuard) Drop() {
	if g.page == nil {
		return
	}
	g.bpm.UnpinPage(g.page.GetPageID(), g.isDirty)
	*g = BasicPageGuard{}
}

// UpgradeRead takes the page's read latch and moves the pin into a ReadPageGuard.
func (g *BasicPageGuard) UpgradeRead() ReadPageGuard {
	g.mustHold()
	g.page.RLock()
	return ReadPageGuard{guard: g.Move()}
}

// UpgradeWrite takes the page's write latch and moves the pin into a WritePageGuard.
func (g *BasicPageGuard) UpgradeWrite() WritePageGuard {
	g.mustHold()
	g.page.Lock()
	return WritePageGuard{guard: g.Move()}
}

// ReadPageGuard holds a pin and the shared latch on a page.
type ReadPageGuard struct {
	guard BasicPageGuard
}

func (g *ReadPageGuard) IsValid() bool              { return g.guard.IsValid() }
func (g *ReadPageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *ReadPageGuard) GetData() []byte            { return g.guard.GetData() }

// Move transfers the pin and latch to the returned guard.
func (g *ReadPageGuard) Move() ReadPageGuard {
	return ReadPageGuard{guard: g.guard.Move()}
}

// Drop releases the latch, then the pin. Further calls do nothing.
func (g *ReadPageGuard) Drop() {
	if g.guard.page == nil {
		return
	}
	g.guard.page.RUnlock()
	g.guard.Drop()
}

// WritePageGuard holds a pin and the exclusive latch on a page.
type WritePageGuard struct {
	guard BasicPageGuard
}

func (g *WritePageGuard) IsValid() bool              { return g.guard.IsValid() }
func (g *WritePageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *WritePageGuard) GetData() []byte            { return g.guard.GetData() }

// GetDataMut returns the page bytes for writing and marks the page dirty.
func (g *WritePageGuard) GetDataMut() []byte {
	g.MarkDirty()
	return g.guard.page.GetData()
}

// MarkDirty flags the page as modified so Drop unpins it dirty. Use it when a
// view built from GetData is about to be written through.
func (g *WritePageGuard) MarkDirty() {
	g.guard.mustHold()
	g.guard.isDirty = true
}

// Move transfers the pin and latch to the returned guard.
func (g *WritePageGuard) Move() WritePageGuard {
	return WritePageGuard{guard: g.guard.Move()}
}

// Drop releases the latch, then the pin. Further calls do nothing.
func (g *WritePageGuard) Drop() {
	if g.guard.page == nil {
		return
	}
	g.guard.page.Unlock()
	g.guard.Drop()
}
