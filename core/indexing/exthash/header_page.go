package exthash

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// Header page format:
//
//	----------------------------------------------------------------
//	| MaxDepth (4) | DirectoryPageIDs[1 << MaxDepth] (4 each) | ... |
//	----------------------------------------------------------------
//
// A hash's top MaxDepth bits select the directory.
const (
	HeaderMaxDepthLimit = 9
	HeaderArraySize     = 1 << HeaderMaxDepthLimit

	headerMaxDepthOffset = 0
	headerDirIDsOffset   = 4
	headerPageSize       = headerDirIDsOffset + 4*HeaderArraySize
)

// HeaderPage is a view over the bytes of a header page.
type HeaderPage struct {
	data []byte
}

// AsHeaderPage wraps page bytes without copying them.
func AsHeaderPage(data []byte) HeaderPage {
	if len(data) < headerPageSize {
		panic(fmt.Errorf("%w: header page needs %d bytes, got %d", flushmanager.ErrInvalidPageData, headerPageSize, len(data)))
	}
	return HeaderPage{data: data}
}

// Init sets the max depth and marks every directory slot empty.
func (h HeaderPage) Init(maxDepth uint32) {
	if maxDepth > HeaderMaxDepthLimit {
		panic(fmt.Errorf("%w: header max depth %d exceeds %d", flushmanager.ErrInvalidIndexLayout, maxDepth, HeaderMaxDepthLimit))
	}
	binary.LittleEndian.PutUint32(h.data[headerMaxDepthOffset:], maxDepth)
	for i := uint32(0); i < HeaderArraySize; i++ {
		h.putDirectoryPageID(i, pagemanager.InvalidPageID)
	}
}

// MaxDepth is the number of hash bits that select a directory.
func (h HeaderPage) MaxDepth() uint32 {
	return binary.LittleEndian.Uint32(h.data[headerMaxDepthOffset:])
}

// MaxSize is the number of directory slots in use.
func (h HeaderPage) MaxSize() uint32 {
	return 1 << h.MaxDepth()
}

// HashToDirectoryIndex returns the top MaxDepth bits of hash.
func (h HeaderPage) HashToDirectoryIndex(hash uint32) uint32 {
	depth := h.MaxDepth()
	if depth == 0 {
		return 0
	}
	return hash >> (32 - depth)
}

// GetDirectoryPageID returns the directory page at idx, or InvalidPageID.
func (h HeaderPage) GetDirectoryPageID(idx uint32) pagemanager.PageID {
	h.checkIndex(idx)
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(h.data[headerDirIDsOffset+4*idx:])))
}

// SetDirectoryPageID points slot idx at a directory page.
func (h HeaderPage) SetDirectoryPageID(idx uint32, pageID pagemanager.PageID) {
	h.checkIndex(idx)
	h.putDirectoryPageID(idx, pageID)
}

func (h HeaderPage) putDirectoryPageID(idx uint32, pageID pagemanager.PageID) {
	binary.LittleEndian.PutUint32(h.data[headerDirIDsOffset+4*idx:], uint32(pageID))
}

func (h HeaderPage) checkIndex(idx uint32) {
	if idx >= h.MaxSize() || idx >= HeaderArraySize {
		panic(fmt.Errorf("%w: directory index %d out of range [0, %d)", flushmanager.ErrInvalidIndexLayout, idx, h.MaxSize()))
	}
}
