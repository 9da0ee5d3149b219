package memtable

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// LRUReplacer is a plain least-recently-used policy. The lru cache holds only
// evictable frames; tracked remembers every frame the pool has told us about.
type LRUReplacer struct {
	mu        sync.Mutex
	cache     *lru.Cache[pagemanager.FrameID, struct{}]
	tracked   map[pagemanager.FrameID]bool // frame -> evictable
	numFrames int
}

// NewLRUReplacer tracks numFrames frames in least-recently-used order.
func NewLRUReplacer(numFrames int) (*LRUReplacer, error) {
	size := numFrames
	if size < 1 {
		size = 1
	}
	cache, err := lru.New[pagemanager.FrameID, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &LRUReplacer{
		cache:     cache,
		tracked:   make(map[pagemanager.FrameID]bool, numFrames),
		numFrames: numFrames,
	}, nil
}

func (r *LRUReplacer) checkFrameID(frameID pagemanager.FrameID) {
	if frameID < 0 || int(frameID) >= r.numFrames {
		panic(fmt.Errorf("%w: %d (replacer size %d)", flushmanager.ErrInvalidFrameID, frameID, r.numFrames))
	}
}

// RecordAccess registers a frame on first sight and refreshes an evictable frame's recency.
func (r *LRUReplacer) RecordAccess(frameID pagemanager.FrameID, accessType AccessType) {
	r.checkFrameID(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()
	evictable, ok := r.tracked[frameID]
	if !ok {
		r.tracked[frameID] = false
		return
	}
	if evictable && accessType != AccessScan {
		r.cache.Add(frameID, struct{}{}) // refresh recency
	}
}

// SetEvictable adds a frame to or removes it from the eviction order.
func (r *LRUReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) {
	r.checkFrameID(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tracked[frameID]
	if !ok || cur == evictable {
		return
	}
	r.tracked[frameID] = evictable
	if evictable {
		r.cache.Add(frameID, struct{}{})
	} else {
		r.cache.Remove(frameID)
	}
}

// Evict removes the least recently used evictable frame.
func (r *LRUReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frameID, _, ok := r.cache.RemoveOldest()
	if !ok {
		return pagemanager.InvalidFrameID, false
	}
	delete(r.tracked, frameID)
	return frameID, true
}

// Remove drops an evictable frame. It panics for a pinned frame.
func (r *LRUReplacer) Remove(frameID pagemanager.FrameID) {
	r.checkFrameID(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()
	evictable, ok := r.tracked[frameID]
	if !ok {
		return
	}
	if !evictable {
		panic(fmt.Errorf("%w: remove frame %d", flushmanager.ErrFrameNotEvictable, frameID))
	}
	r.cache.Remove(frameID)
	delete(r.tracked, frameID)
}

// Size returns the number of evictable frames.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
