package exthash

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// Directory page format:
//
//	------------------------------------------------------------------------------------
//	| MaxDepth (4) | GlobalDepth (4) | LocalDepths[512] (1 each) | BucketPageIDs[512] (4 each) |
//	------------------------------------------------------------------------------------
//
// The low GlobalDepth bits of a hash select the bucket slot. A slot with local
// depth d shares its bucket with every slot that agrees on the low d bits.
const (
	DirectoryMaxDepthLimit = 9
	DirectoryArraySize     = 1 << DirectoryMaxDepthLimit

	dirMaxDepthOffset    = 0
	dirGlobalDepthOffset = 4
	dirLocalDepthsOffset = 8
	dirBucketIDsOffset   = dirLocalDepthsOffset + DirectoryArraySize
	directoryPageSize    = dirBucketIDsOffset + 4*DirectoryArraySize
)

// DirectoryPage is a view over the bytes of a directory page.
type DirectoryPage struct {
	data []byte
}

// AsDirectoryPage wraps page bytes without copying them.
func AsDirectoryPage(data []byte) DirectoryPage {
	if len(data) < directoryPageSize {
		panic(fmt.Errorf("%w: directory page needs %d bytes, got %d", flushmanager.ErrInvalidPageData, directoryPageSize, len(data)))
	}
	return DirectoryPage{data: data}
}

// Init resets the directory to global depth 0 with every slot empty.
func (d DirectoryPage) Init(maxDepth uint32) {
	if maxDepth > DirectoryMaxDepthLimit {
		panic(fmt.Errorf("%w: directory max depth %d exceeds %d", flushmanager.ErrInvalidIndexLayout, maxDepth, DirectoryMaxDepthLimit))
	}
	binary.LittleEndian.PutUint32(d.data[dirMaxDepthOffset:], maxDepth)
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOffset:], 0)
	for i := uint32(0); i < DirectoryArraySize; i++ {
		d.data[dirLocalDepthsOffset+i] = 0
		d.putBucketPageID(i, pagemanager.InvalidPageID)
	}
}

// MaxDepth is the largest global depth this directory may reach.
func (d DirectoryPage) MaxDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[dirMaxDepthOffset:])
}

// GlobalDepth is the number of low hash bits that select a slot.
func (d DirectoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[dirGlobalDepthOffset:])
}

func (d DirectoryPage) setGlobalDepth(depth uint32) {
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOffset:], depth)
}

// Size is the number of live slots, 2^GlobalDepth.
func (d DirectoryPage) Size() uint32 {
	return 1 << d.GlobalDepth()
}

// MaxSize is the slot count at MaxDepth.
func (d DirectoryPage) MaxSize() uint32 {
	return 1 << d.MaxDepth()
}

// GetGlobalDepthMask has the low GlobalDepth bits set.
func (d DirectoryPage) GetGlobalDepthMask() uint32 {
	return (1 << d.GlobalDepth()) - 1
}

// GetLocalDepthMask has the low LocalDepth(idx) bits set.
func (d DirectoryPage) GetLocalDepthMask(idx uint32) uint32 {
	return (1 << d.GetLocalDepth(idx)) - 1
}

// HashToBucketIndex returns the slot for hash.
func (d DirectoryPage) HashToBucketIndex(hash uint32) uint32 {
	return hash & d.GetGlobalDepthMask()
}

// GetBucketPageID returns the bucket page at slot idx, or InvalidPageID.
func (d DirectoryPage) GetBucketPageID(idx uint32) pagemanager.PageID {
	d.checkIndex(idx)
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(d.data[dirBucketIDsOffset+4*idx:])))
}

// SetBucketPageID points a single slot at a bucket page.
func (d DirectoryPage) SetBucketPageID(idx uint32, pageID pagemanager.PageID) {
	d.checkIndex(idx)
	d.putBucketPageID(idx, pageID)
}

func (d DirectoryPage) putBucketPageID(idx uint32, pageID pagemanager.PageID) {
	binary.LittleEndian.PutUint32(d.data[dirBucketIDsOffset+4*idx:], uint32(pageID))
}

// GetLocalDepth returns the local depth of slot idx.
func (d DirectoryPage) GetLocalDepth(idx uint32) uint32 {
	d.checkIndex(idx)
	return uint32(d.data[dirLocalDepthsOffset+idx])
}

// SetLocalDepth sets the local depth of a single slot.
func (d DirectoryPage) SetLocalDepth(idx uint32, depth uint8) {
	d.checkIndex(idx)
	d.data[dirLocalDepthsOffset+idx] = depth
}

// GetSplitImageIndex returns the slot that differs from idx in bit LocalDepth(idx).
// That bit only becomes significant once the bucket's local depth is incremented.
func (d DirectoryPage) GetSplitImageIndex(idx uint32) uint32 {
	return idx ^ (1 << d.GetLocalDepth(idx))
}

// GetMergeImageIndex returns the slot that differs from idx in its highest
// significant bit. Only meaningful for local depth > 0.
func (d DirectoryPage) GetMergeImageIndex(idx uint32) uint32 {
	ld := d.GetLocalDepth(idx)
	if ld == 0 {
		return idx
	}
	return idx ^ (1 << (ld - 1))
}

// IncrGlobalDepth doubles the directory, mirroring the lower half into the
// upper half. Returns false when the directory is already at max depth.
func (d DirectoryPage) IncrGlobalDepth() bool {
	gd := d.GlobalDepth()
	if gd >= d.MaxDepth() {
		return false
	}
	size := uint32(1) << gd
	for i := uint32(0); i < size; i++ {
		d.data[dirLocalDepthsOffset+size+i] = d.data[dirLocalDepthsOffset+i]
		d.putBucketPageID(size+i, d.GetBucketPageID(i))
	}
	d.setGlobalDepth(gd + 1)
	return true
}

// DecrGlobalDepth halves the directory and clears the dropped upper half.
func (d DirectoryPage) DecrGlobalDepth() bool {
	gd := d.GlobalDepth()
	if gd == 0 {
		return false
	}
	half := uint32(1) << (gd - 1)
	for i := half; i < half*2; i++ {
		d.data[dirLocalDepthsOffset+i] = 0
		d.putBucketPageID(i, pagemanager.InvalidPageID)
	}
	d.setGlobalDepth(gd - 1)
	return true
}

// CanShrink reports whether every local depth is strictly below the global depth.
func (d DirectoryPage) CanShrink() bool {
	gd := d.GlobalDepth()
	if gd == 0 {
		return false
	}
	for i := uint32(0); i < d.Size(); i++ {
		if d.GetLocalDepth(i) >= gd {
			return false
		}
	}
	return true
}

// IncrLocalDepth raises the local depth of every slot that shares idx's bucket.
// Bucket ids are left as they are; the caller remaps the split image afterwards.
func (d DirectoryPage) IncrLocalDepth(idx uint32) {
	ld := d.GetLocalDepth(idx)
	if ld >= d.GlobalDepth() {
		panic(fmt.Errorf("%w: local depth %d of slot %d cannot exceed global depth %d", flushmanager.ErrInvalidIndexLayout, ld, idx, d.GlobalDepth()))
	}
	mask := uint32(1)<<ld - 1
	for j := uint32(0); j < d.Size(); j++ {
		if j&mask == idx&mask {
			d.data[dirLocalDepthsOffset+j] = uint8(ld + 1)
		}
	}
}

// DecrLocalDepth lowers the local depth of a single slot.
func (d DirectoryPage) DecrLocalDepth(idx uint32) {
	ld := d.GetLocalDepth(idx)
	if ld == 0 {
		return
	}
	d.SetLocalDepth(idx, uint8(ld-1))
}

// UpdateDirectoryMapping points every slot that agrees with idx on the low
// depth bits at pageID and records depth as their local depth.
func (d DirectoryPage) UpdateDirectoryMapping(idx uint32, pageID pagemanager.PageID, depth uint32) {
	mask := uint32(1)<<depth - 1
	for j := uint32(0); j < d.Size(); j++ {
		if j&mask == idx&mask {
			d.data[dirLocalDepthsOffset+j] = uint8(depth)
			d.putBucketPageID(j, pageID)
		}
	}
}

// VerifyIntegrity checks the directory invariants:
//  1. every local depth is at most the global depth,
//  2. slots sharing a bucket agree on its local depth,
//  3. a bucket of local depth ld is referenced by exactly 2^(GD-ld) slots.
func (d DirectoryPage) VerifyIntegrity() error {
	gd := d.GlobalDepth()
	if gd > d.MaxDepth() {
		return fmt.Errorf("%w: global depth %d exceeds max depth %d", flushmanager.ErrInvalidIndexLayout, gd, d.MaxDepth())
	}

	refs := make(map[pagemanager.PageID]uint32)
	depths := make(map[pagemanager.PageID]uint32)
	for i := uint32(0); i < d.Size(); i++ {
		id := d.GetBucketPageID(i)
		ld := d.GetLocalDepth(i)
		if id == pagemanager.InvalidPageID {
			continue
		}
		if ld > gd {
			return fmt.Errorf("%w: slot %d has local depth %d above global depth %d", flushmanager.ErrInvalidIndexLayout, i, ld, gd)
		}
		if first := i & (uint32(1)<<ld - 1); d.GetBucketPageID(first) != id {
			return fmt.Errorf("%w: slot %d and slot %d disagree on bucket page", flushmanager.ErrInvalidIndexLayout, i, first)
		}
		if prev, ok := depths[id]; ok && prev != ld {
			return fmt.Errorf("%w: bucket page %d has local depths %d and %d", flushmanager.ErrInvalidIndexLayout, id, prev, ld)
		}
		depths[id] = ld
		refs[id]++
	}
	for id, count := range refs {
		want := uint32(1) << (gd - depths[id])
		if count != want {
			return fmt.Errorf("%w: bucket page %d referenced by %d slots, want %d", flushmanager.ErrInvalidIndexLayout, id, count, want)
		}
	}
	return nil
}

func (d DirectoryPage) checkIndex(idx uint32) {
	if idx >= d.MaxSize() || idx >= DirectoryArraySize {
		panic(fmt.Errorf("%w: bucket index %d out of range [0, %d)", flushmanager.ErrInvalidIndexLayout, idx, d.MaxSize()))
	}
}
