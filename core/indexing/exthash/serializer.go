package exthash

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
)

// Codec encodes values of one type into a fixed-width slot.
type Codec[T any] struct {
	Size   int
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// KeyValueSerializer holds the key and value codecs used by bucket pages.
type KeyValueSerializer[K any, V any] struct {
	Key   Codec[K]
	Value Codec[V]
}

// EntrySize is the width of one key/value slot in a bucket page.
func (s *KeyValueSerializer[K, V]) EntrySize() int {
	return s.Key.Size + s.Value.Size
}

func (s *KeyValueSerializer[K, V]) validate() error {
	if s.Key.Size <= 0 || s.Value.Size < 0 {
		return fmt.Errorf("%w: key size %d, value size %d", flushmanager.ErrSerialization, s.Key.Size, s.Value.Size)
	}
	if s.Key.Encode == nil || s.Key.Decode == nil || s.Value.Encode == nil || s.Value.Decode == nil {
		return fmt.Errorf("%w: codec functions must be provided", flushmanager.ErrSerialization)
	}
	return nil
}

// encodeInto writes v into dst, zero-padding the slot.
func encodeInto[T any](c *Codec[T], v T, dst []byte) error {
	b, err := c.Encode(v)
	if err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrSerialization, err)
	}
	if len(b) > c.Size {
		return fmt.Errorf("%w: encoded length %d exceeds slot size %d", flushmanager.ErrSerialization, len(b), c.Size)
	}
	n := copy(dst[:c.Size], b)
	clear(dst[n:c.Size])
	return nil
}

// Order compares two keys and returns -1, 0 or 1.
type Order[K any] func(a, b K) int

// DefaultKeyOrder provides a default comparison for ordered types.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// HashFunc maps a key to the 32-bit hash that addresses header and directory slots.
type HashFunc[K any] func(K) uint32

// XXHashFunc hashes the key's encoded bytes with xxhash and folds the result to 32 bits.
// Keys that fail to encode hash to 0; the table rejects them before hashing.
func XXHashFunc[K any](c Codec[K]) HashFunc[K] {
	return func(k K) uint32 {
		b, err := c.Encode(k)
		if err != nil {
			return 0
		}
		h := xxhash.Sum64(b)
		return uint32(h) ^ uint32(h>>32)
	}
}

// --- Built-in codecs ---

// Int64Codec stores int64 values as 8 little-endian bytes.
func Int64Codec() Codec[int64] {
	return Codec[int64]{
		Size: 8,
		Encode: func(v int64) ([]byte, error) {
			return binary.LittleEndian.AppendUint64(nil, uint64(v)), nil
		},
		Decode: func(b []byte) (int64, error) {
			if len(b) < 8 {
				return 0, fmt.Errorf("%w: need 8 bytes, got %d", flushmanager.ErrDeserialization, len(b))
			}
			return int64(binary.LittleEndian.Uint64(b)), nil
		},
	}
}

// Uint32Codec stores uint32 values as 4 little-endian bytes.
func Uint32Codec() Codec[uint32] {
	return Codec[uint32]{
		Size: 4,
		Encode: func(v uint32) ([]byte, error) {
			return binary.LittleEndian.AppendUint32(nil, v), nil
		},
		Decode: func(b []byte) (uint32, error) {
			if len(b) < 4 {
				return 0, fmt.Errorf("%w: need 4 bytes, got %d", flushmanager.ErrDeserialization, len(b))
			}
			return binary.LittleEndian.Uint32(b), nil
		},
	}
}

// FixedStringCodec stores strings of up to width bytes. Trailing NUL bytes are
// padding and are dropped on decode, so strings ending in NUL are rejected.
func FixedStringCodec(width int) Codec[string] {
	return Codec[string]{
		Size: width,
		Encode: func(s string) ([]byte, error) {
			if len(s) > width {
				return nil, fmt.Errorf("string of %d bytes exceeds width %d", len(s), width)
			}
			if strings.HasSuffix(s, "\x00") {
				return nil, errors.New("string ends in a NUL byte")
			}
			return []byte(s), nil
		},
		Decode: func(b []byte) (string, error) {
			return string(bytes.TrimRight(b, "\x00")), nil
		},
	}
}

// FixedBytesCodec stores byte slices of up to width bytes behind a two-byte
// length, so trailing zero bytes survive a round trip.
func FixedBytesCodec(width int) Codec[[]byte] {
	return Codec[[]byte]{
		Size: width + 2,
		Encode: func(b []byte) ([]byte, error) {
			if len(b) > width {
				return nil, fmt.Errorf("value of %d bytes exceeds width %d", len(b), width)
			}
			out := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(b)), uint16(len(b)))
			return append(out, b...), nil
		},
		Decode: func(b []byte) ([]byte, error) {
			if len(b) < 2 {
				return nil, fmt.Errorf("%w: missing length prefix", flushmanager.ErrDeserialization)
			}
			n := int(binary.LittleEndian.Uint16(b))
			if n > len(b)-2 {
				return nil, fmt.Errorf("%w: length %d exceeds slot of %d bytes", flushmanager.ErrDeserialization, n, len(b)-2)
			}
			return append([]byte(nil), b[2:2+n]...), nil
		},
	}
}
