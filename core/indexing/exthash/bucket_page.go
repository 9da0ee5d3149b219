package exthash

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// Bucket page format:
//
//	---------------------------------------------------------------
//	| Size (4) | MaxSize (4) | (Key, Value)[MaxSize] fixed width |
//	---------------------------------------------------------------
//
// Entries are unordered and packed in [0, Size).
const (
	bucketSizeOffset    = 0
	bucketMaxSizeOffset = 4
	bucketEntriesOffset = 8
)

// BucketArraySize is how many entries of the given width fit in one page.
func BucketArraySize(keySize, valueSize int) uint32 {
	return uint32((pagemanager.PageSize - bucketEntriesOffset) / (keySize + valueSize))
}

// BucketPage is a typed view over the bytes of a bucket page.
type BucketPage[K any, V any] struct {
	data       []byte
	serializer *KeyValueSerializer[K, V]
	order      Order[K]
}

// AsBucketPage wraps page bytes without copying them.
func AsBucketPage[K any, V any](data []byte, serializer *KeyValueSerializer[K, V], order Order[K]) BucketPage[K, V] {
	if len(data) < pagemanager.PageSize {
		panic(fmt.Errorf("%w: bucket page needs %d bytes, got %d", flushmanager.ErrInvalidPageData, pagemanager.PageSize, len(data)))
	}
	return BucketPage[K, V]{data: data, serializer: serializer, order: order}
}

// Init empties the bucket and sets its capacity. maxSize must fit in the page.
func (b BucketPage[K, V]) Init(maxSize uint32) {
	if limit := BucketArraySize(b.serializer.Key.Size, b.serializer.Value.Size); maxSize > limit {
		panic(fmt.Errorf("%w: bucket max size %d exceeds page capacity %d", flushmanager.ErrInvalidIndexLayout, maxSize, limit))
	}
	binary.LittleEndian.PutUint32(b.data[bucketSizeOffset:], 0)
	binary.LittleEndian.PutUint32(b.data[bucketMaxSizeOffset:], maxSize)
}

// Size is the number of stored entries.
func (b BucketPage[K, V]) Size() uint32 {
	return binary.LittleEndian.Uint32(b.data[bucketSizeOffset:])
}

func (b BucketPage[K, V]) setSize(n uint32) {
	binary.LittleEndian.PutUint32(b.data[bucketSizeOffset:], n)
}

// MaxSize is the bucket's capacity.
func (b BucketPage[K, V]) MaxSize() uint32 {
	return binary.LittleEndian.Uint32(b.data[bucketMaxSizeOffset:])
}

// IsFull and IsEmpty compare Size against the bounds.
func (b BucketPage[K, V]) IsFull() bool  { return b.Size() >= b.MaxSize() }
func (b BucketPage[K, V]) IsEmpty() bool { return b.Size() == 0 }

func (b BucketPage[K, V]) entry(i uint32) []byte {
	width := uint32(b.serializer.EntrySize())
	off := bucketEntriesOffset + i*width
	return b.data[off : off+width]
}

// KeyAt decodes the key at position i.
func (b BucketPage[K, V]) KeyAt(i uint32) (K, error) {
	if i >= b.Size() {
		var zero K
		return zero, fmt.Errorf("%w: entry %d out of range [0, %d)", flushmanager.ErrInvalidIndexLayout, i, b.Size())
	}
	k, err := b.serializer.Key.Decode(b.entry(i)[:b.serializer.Key.Size])
	if err != nil {
		return k, fmt.Errorf("%w: key at %d: %v", flushmanager.ErrDeserialization, i, err)
	}
	return k, nil
}

// ValueAt decodes the value at position i.
func (b BucketPage[K, V]) ValueAt(i uint32) (V, error) {
	if i >= b.Size() {
		var zero V
		return zero, fmt.Errorf("%w: entry %d out of range [0, %d)", flushmanager.ErrInvalidIndexLayout, i, b.Size())
	}
	v, err := b.serializer.Value.Decode(b.entry(i)[b.serializer.Key.Size:])
	if err != nil {
		return v, fmt.Errorf("%w: value at %d: %v", flushmanager.ErrDeserialization, i, err)
	}
	return v, nil
}

// EntryAt returns the key and value stored at position i.
func (b BucketPage[K, V]) EntryAt(i uint32) (K, V, error) {
	k, err := b.KeyAt(i)
	if err != nil {
		var zero V
		return k, zero, err
	}
	v, err := b.ValueAt(i)
	return k, v, err
}

// indexOf returns the position of key, or -1.
func (b BucketPage[K, V]) indexOf(key K) (int, error) {
	for i := uint32(0); i < b.Size(); i++ {
		k, err := b.KeyAt(i)
		if err != nil {
			return -1, err
		}
		if b.order(k, key) == 0 {
			return int(i), nil
		}
	}
	return -1, nil
}

// Lookup returns the value stored under key.
func (b BucketPage[K, V]) Lookup(key K) (V, bool, error) {
	var zero V
	i, err := b.indexOf(key)
	if err != nil || i < 0 {
		return zero, false, err
	}
	v, err := b.ValueAt(uint32(i))
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Insert appends the pair. Returns false if the bucket is full or already
// holds key.
func (b BucketPage[K, V]) Insert(key K, value V) (bool, error) {
	if b.IsFull() {
		return false, nil
	}
	i, err := b.indexOf(key)
	if err != nil {
		return false, err
	}
	if i >= 0 {
		return false, nil
	}
	n := b.Size()
	slot := b.entry(n)
	if err := encodeInto(&b.serializer.Key, key, slot[:b.serializer.Key.Size]); err != nil {
		return false, err
	}
	if err := encodeInto(&b.serializer.Value, value, slot[b.serializer.Key.Size:]); err != nil {
		return false, err
	}
	b.setSize(n + 1)
	return true, nil
}

// Remove deletes key and reports whether it was present.
func (b BucketPage[K, V]) Remove(key K) (bool, error) {
	i, err := b.indexOf(key)
	if err != nil || i < 0 {
		return false, err
	}
	b.RemoveAt(uint32(i))
	return true, nil
}

// RemoveAt deletes the entry at i by moving the last entry into its place.
func (b BucketPage[K, V]) RemoveAt(i uint32) {
	n := b.Size()
	if i >= n {
		return
	}
	if last := n - 1; i != last {
		copy(b.entry(i), b.entry(last))
	}
	b.setSize(n - 1)
}

// appendRaw copies an already-encoded entry into the next free slot.
func (b BucketPage[K, V]) appendRaw(entry []byte) bool {
	if b.IsFull() {
		return false
	}
	n := b.Size()
	copy(b.entry(n), entry)
	b.setSize(n + 1)
	return true
}
