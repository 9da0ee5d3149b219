package memtable

import (
	"cmp"
	"fmt"
	"sync"

	"github.com/benbjohnson/immutable"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// lruKKey orders candidates by timestamp; the frame id breaks ties between
// frames that were never accessed (timestamp 0).
type lruKKey struct {
	ts      uint64
	frameID pagemanager.FrameID
}

type lruKKeyComparer struct{}

func (lruKKeyComparer) Compare(a, b lruKKey) int {
	if c := cmp.Compare(a.ts, b.ts); c != 0 {
		return c
	}
	return cmp.Compare(a.frameID, b.frameID)
}

type lruKQueue uint8

const (
	queueNone lruKQueue = iota
	queueCold           // fewer than k accesses, infinite backward distance
	queueHot            // at least k accesses
)

type lruKNode struct {
	history     []uint64 // at most k timestamps, oldest first
	accessCount int
	evictable   bool

	// Position currently held in one of the candidate sets.
	key   lruKKey
	queue lruKQueue
}

// LRUKReplacer evicts the frame with the largest backward k-distance.
//
// Frames with fewer than k recorded accesses have infinite distance and go
// first, oldest most-recent access first. Among the rest, the frame whose
// k-th most recent access is oldest wins. Candidate sets are sorted maps so a
// re-key costs O(log n).
type LRUKReplacer struct {
	mu               sync.Mutex
	nodes            map[pagemanager.FrameID]*lruKNode
	cold             *immutable.SortedMap[lruKKey, pagemanager.FrameID]
	hot              *immutable.SortedMap[lruKKey, pagemanager.FrameID]
	currentTimestamp uint64
	currSize         int
	numFrames        int
	k                int
}

// NewLRUKReplacer tracks numFrames frames with a history depth of k (at least 1).
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if k < 1 {
		k = 1
	}
	return &LRUKReplacer{
		nodes:     make(map[pagemanager.FrameID]*lruKNode, numFrames),
		cold:      immutable.NewSortedMap[lruKKey, pagemanager.FrameID](lruKKeyComparer{}),
		hot:       immutable.NewSortedMap[lruKKey, pagemanager.FrameID](lruKKeyComparer{}),
		numFrames: numFrames,
		k:         k,
	}
}

func (r *LRUKReplacer) checkFrameID(frameID pagemanager.FrameID) {
	if frameID < 0 || int(frameID) >= r.numFrames {
		panic(fmt.Errorf("%w: %d (replacer size %d)", flushmanager.ErrInvalidFrameID, frameID, r.numFrames))
	}
}

// RecordAccess appends the current timestamp to the frame's history.
// Scan accesses only register the frame.
func (r *LRUKReplacer) RecordAccess(frameID pagemanager.FrameID, accessType AccessType) {
	r.checkFrameID(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok {
		node = &lruKNode{history: make([]uint64, 0, r.k)}
		r.nodes[frameID] = node
	}
	if accessType == AccessScan {
		return
	}

	r.currentTimestamp++
	if len(node.history) == r.k {
		node.history = append(node.history[:0], node.history[1:]...)
	}
	node.history = append(node.history, r.currentTimestamp)
	node.accessCount++

	if node.evictable {
		r.dequeue(node)
		r.enqueue(frameID, node)
	}
}

// SetEvictable moves a known frame in or out of the candidate sets. Unknown frames are ignored.
func (r *LRUKReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) {
	r.checkFrameID(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok || node.evictable == evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		r.enqueue(frameID, node)
		r.currSize++
	} else {
		r.dequeue(node)
		r.currSize--
	}
}

// Evict removes the frame with the largest backward k-distance and forgets its history.
func (r *LRUKReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, set := range []*immutable.SortedMap[lruKKey, pagemanager.FrameID]{r.cold, r.hot} {
		if set.Len() == 0 {
			continue
		}
		itr := set.Iterator()
		itr.First()
		_, frameID, _ := itr.Next()
		r.dequeue(r.nodes[frameID])
		delete(r.nodes, frameID)
		r.currSize--
		return frameID, true
	}
	return pagemanager.InvalidFrameID, false
}

// Remove drops an evictable frame regardless of its position. Unknown frames are ignored.
func (r *LRUKReplacer) Remove(frameID pagemanager.FrameID) {
	r.checkFrameID(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok {
		return
	}
	if !node.evictable {
		panic(fmt.Errorf("%w: remove frame %d", flushmanager.ErrFrameNotEvictable, frameID))
	}
	r.dequeue(node)
	delete(r.nodes, frameID)
	r.currSize--
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}

// enqueue inserts an evictable node into the set matching its history. Caller holds r.mu.
func (r *LRUKReplacer) enqueue(frameID pagemanager.FrameID, node *lruKNode) {
	if len(node.history) < r.k {
		var last uint64
		if n := len(node.history); n > 0 {
			last = node.history[n-1]
		}
		node.key = lruKKey{ts: last, frameID: frameID}
		node.queue = queueCold
		r.cold = r.cold.Set(node.key, frameID)
		return
	}
	// history[0] is the k-th most recent access.
	node.key = lruKKey{ts: node.history[0], frameID: frameID}
	node.queue = queueHot
	r.hot = r.hot.Set(node.key, frameID)
}

// dequeue removes a node from whichever set holds it. Caller holds r.mu.
func (r *LRUKReplacer) dequeue(node *lruKNode) {
	switch node.queue {
	case queueCold:
		r.cold = r.cold.Delete(node.key)
	case queueHot:
		r.hot = r.hot.Delete(node.key)
	}
	node.queue = queueNone
}
