package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyAlreadyExists   = errors.New("key already exists")
	ErrPageNotFound       = errors.New("page not found in buffer pool")
	ErrBufferPoolFull     = errors.New("buffer pool is full and no pages can be evicted")
	ErrInvalidPageID      = errors.New("invalid page id")
	ErrSerialization      = errors.New("error during serialization")
	ErrDeserialization    = errors.New("error during deserialization")
	ErrIO                 = errors.New("i/o error")
	ErrInvalidPageData    = errors.New("invalid page data")
	ErrDBFileNotFound     = errors.New("database file not found")
	ErrSchedulerClosed    = errors.New("disk scheduler is closed")
	ErrIndexFull          = errors.New("hash index is full at maximum directory depth")
	ErrInvalidIndexLayout = errors.New("invalid hash index layout")
	// --- Protocol violations, raised as panics ---
	ErrInvalidFrameID     = errors.New("frame id out of range")
	ErrFrameNotEvictable  = errors.New("frame is not evictable")
	ErrGuardReleased      = errors.New("page guard has been dropped or moved")
)
