package memtable

import (
	"fmt"
	"strings"

	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// AccessType describes why a frame was touched. Scan accesses do not count
// towards recency in the LRU-K policy.
type AccessType int

const (
	AccessUnknown AccessType = iota
	AccessLookup
	AccessScan
	AccessIndex
)

func (a AccessType) String() string {
	switch a {
	case AccessLookup:
		return "lookup"
	case AccessScan:
		return "scan"
	case AccessIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Replacer picks which unpinned frame the buffer pool reuses next.
// Implementations are safe for concurrent use.
type Replacer interface {
	// Evict removes and returns the victim frame, or false if none is evictable.
	Evict() (pagemanager.FrameID, bool)
	RecordAccess(frameID pagemanager.FrameID, accessType AccessType)
	SetEvictable(frameID pagemanager.FrameID, evictable bool)
	// Remove drops a frame's history. It panics if the frame is not evictable.
	Remove(frameID pagemanager.FrameID)
	// Size is the number of evictable frames.
	Size() int
}

const (
	ReplacerPolicyLRUK = "lru-k"
	ReplacerPolicyLRU  = "lru"
)

// NewReplacer builds the replacer named by policy for numFrames frames.
func NewReplacer(policy string, numFrames, k int) (Replacer, error) {
	switch strings.ToLower(policy) {
	case "", ReplacerPolicyLRUK:
		return NewLRUKReplacer(numFrames, k), nil
	case ReplacerPolicyLRU:
		return NewLRUReplacer(numFrames)
	default:
		return nil, fmt.Errorf("unknown replacer policy %q", policy)
	}
}
