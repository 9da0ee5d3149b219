package pagemanager

import (
	"sync" // For sync.RWMutex
	"time"
)

// --- Page Management ---

// PageSize is the fixed size of every on-disk page and every buffer pool frame.
const PageSize = 4096

const (
	InvalidPageID  PageID  = -1 // Indicates an unallocated / non-resident page
	InvalidFrameID FrameID = -1
)

// PageID represents a unique identifier for a page on disk.
type PageID int32

// FrameID is the index of a frame inside the buffer pool's frame array.
type FrameID int32

// Page represents a buffer pool frame: a page-sized byte buffer plus the metadata
// of whichever disk page currently occupies it.
type Page struct {
	id       PageID
	data     []byte
	pinCount int32
	isDirty  bool

	// latch protects the in-memory contents of this frame. It is only taken
	// through page guards and is independent of the buffer pool mutex.
	latch sync.RWMutex
	// updatedAt is when the page last went from clean to dirty. Guarded by the
	// buffer pool mutex like the other metadata.
	updatedAt time.Time
}

// NewPage creates a new frame of the given size holding no page.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:       id,
		data:     make([]byte, size),
		pinCount: 0,
		isDirty:  false,
	}
}

// Reset clears metadata and zeroes the frame bytes. The backing slice is reused.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.updatedAt = time.Time{}
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) Pin()                { p.pinCount++ }

// Unpin decrements the pin count and reports whether it was positive.
func (p *Page) Unpin() bool {
	if p.pinCount <= 0 {
		return false
	}
	p.pinCount--
	return true
}
func (p *Page) GetPinCount() int32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount int32) { p.pinCount = pinCount }
func (p *Page) SetDirty(dirty bool)        { p.isDirty = dirty }
func (p *Page) UpdatedAt(t time.Time)      { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time    { return p.updatedAt }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() {
	p.latch.RLock()
}

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() {
	p.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() {
	p.latch.Lock()
}

func (p *Page) TryLock() bool {
	return p.latch.TryLock()
}

func (p *Page) TryRLock() bool {
	return p.latch.TryRLock()
}

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() {
	p.latch.Unlock()
}
