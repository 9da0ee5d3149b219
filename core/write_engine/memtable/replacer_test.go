package memtable

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

// --- Test Helpers ---

func requirePanicsWith(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, target), "panic %v is not %v", err, target)
	}()
	fn()
}

func mustEvict(t *testing.T, r Replacer, want pagemanager.FrameID) {
	t.Helper()
	got, ok := r.Evict()
	require.True(t, ok, "expected frame %d to be evicted", want)
	require.Equal(t, want, got)
}

func replacers(t *testing.T, numFrames int) map[string]Replacer {
	t.Helper()
	lruR, err := NewLRUReplacer(numFrames)
	require.NoError(t, err)
	return map[string]Replacer{
		"lru-k": NewLRUKReplacer(numFrames, 2),
		"lru":   lruR,
	}
}

// --- Shared behaviour ---

func TestReplacerCommonContract(t *testing.T) {
	for name, r := range replacers(t, 4) {
		t.Run(name, func(t *testing.T) {
			_, ok := r.Evict()
			assert.False(t, ok)

			r.RecordAccess(0, AccessUnknown)
			r.RecordAccess(1, AccessUnknown)
			assert.Equal(t, 0, r.Size(), "frames start non-evictable")

			r.SetEvictable(0, true)
			r.SetEvictable(1, true)
			r.SetEvictable(1, true)
			assert.Equal(t, 2, r.Size())

			// Unknown frame is ignored.
			r.SetEvictable(3, true)
			r.Remove(3)
			assert.Equal(t, 2, r.Size())

			r.Remove(0)
			assert.Equal(t, 1, r.Size())
			mustEvict(t, r, 1)
			assert.Equal(t, 0, r.Size())
		})
	}
}

func TestReplacerProtocolViolations(t *testing.T) {
	for name, r := range replacers(t, 3) {
		t.Run(name, func(t *testing.T) {
			requirePanicsWith(t, flushmanager.ErrInvalidFrameID, func() { r.RecordAccess(3, AccessUnknown) })
			requirePanicsWith(t, flushmanager.ErrInvalidFrameID, func() { r.RecordAccess(-1, AccessUnknown) })

			r.RecordAccess(2, AccessUnknown)
			requirePanicsWith(t, flushmanager.ErrFrameNotEvictable, func() { r.Remove(2) })

			// Replacer stays usable after a recovered panic.
			r.SetEvictable(2, true)
			mustEvict(t, r, 2)
		})
	}
}

func TestReplacerNeverEvictsPinnedFrames(t *testing.T) {
	const numFrames = 16
	for name, r := range replacers(t, numFrames) {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			evictable := make(map[pagemanager.FrameID]bool)
			known := make(map[pagemanager.FrameID]bool)

			for i := 0; i < 5000; i++ {
				f := pagemanager.FrameID(rng.Intn(numFrames))
				switch rng.Intn(4) {
				case 0, 1:
					r.RecordAccess(f, AccessType(rng.Intn(4)))
					known[f] = true
				case 2:
					if known[f] {
						e := rng.Intn(2) == 0
						r.SetEvictable(f, e)
						evictable[f] = e
					}
				case 3:
					victim, ok := r.Evict()
					if !ok {
						for _, e := range evictable {
							require.False(t, e, "evict failed while an evictable frame exists")
						}
						continue
					}
					require.True(t, evictable[victim], "evicted non-evictable frame %d", victim)
					delete(evictable, victim)
					delete(known, victim)
				}
				n := 0
				for _, e := range evictable {
					if e {
						n++
					}
				}
				require.Equal(t, n, r.Size())
			}
		})
	}
}

// --- LRU-K ---

func TestLRUKReplacerSample(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	for f := pagemanager.FrameID(1); f <= 6; f++ {
		r.RecordAccess(f, AccessUnknown)
	}
	for f := pagemanager.FrameID(1); f <= 5; f++ {
		r.SetEvictable(f, true)
	}
	r.SetEvictable(6, false)
	assert.Equal(t, 5, r.Size())

	// Frame 1 now has two accesses; every other frame has infinite distance.
	r.RecordAccess(1, AccessUnknown)
	mustEvict(t, r, 2)
	mustEvict(t, r, 3)
	mustEvict(t, r, 4)
	assert.Equal(t, 2, r.Size())

	r.RecordAccess(3, AccessUnknown)
	r.RecordAccess(4, AccessUnknown)
	r.RecordAccess(5, AccessUnknown)
	r.RecordAccess(4, AccessUnknown)
	r.SetEvictable(3, true)
	r.SetEvictable(4, true)
	assert.Equal(t, 4, r.Size())

	mustEvict(t, r, 3)
	assert.Equal(t, 3, r.Size())

	r.SetEvictable(6, true)
	assert.Equal(t, 4, r.Size())
	mustEvict(t, r, 6)
	assert.Equal(t, 3, r.Size())

	r.SetEvictable(1, false)
	assert.Equal(t, 2, r.Size())
	mustEvict(t, r, 5)
	assert.Equal(t, 1, r.Size())

	r.RecordAccess(1, AccessUnknown)
	r.RecordAccess(1, AccessUnknown)
	r.SetEvictable(1, true)
	assert.Equal(t, 2, r.Size())
	mustEvict(t, r, 4)
	mustEvict(t, r, 1)
	assert.Equal(t, 0, r.Size())

	r.RecordAccess(1, AccessUnknown)
	r.SetEvictable(1, false)
	_, ok := r.Evict()
	assert.False(t, ok)
	r.SetEvictable(1, true)
	mustEvict(t, r, 1)
	_, ok = r.Evict()
	assert.False(t, ok)

	r.SetEvictable(6, false)
	r.SetEvictable(6, true)
	assert.Equal(t, 0, r.Size())
}

func TestLRUKReplacerColdBeforeHot(t *testing.T) {
	const a, b, c = 0, 1, 2
	r := NewLRUKReplacer(3, 2)
	r.RecordAccess(a, AccessLookup) // t=1
	r.RecordAccess(b, AccessLookup) // t=2
	r.RecordAccess(c, AccessLookup) // t=3
	r.RecordAccess(a, AccessLookup) // t=4
	for f := pagemanager.FrameID(0); f < 3; f++ {
		r.SetEvictable(f, true)
	}

	// b and c have a single access: oldest last access goes first.
	mustEvict(t, r, b)
	mustEvict(t, r, c)
	mustEvict(t, r, a)
}

func TestLRUKReplacerBackwardDistance(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	// Frame 0: t=1,4. Frame 1: t=2,3. Frame 2: t=5,6.
	r.RecordAccess(0, AccessUnknown)
	r.RecordAccess(1, AccessUnknown)
	r.RecordAccess(1, AccessUnknown)
	r.RecordAccess(0, AccessUnknown)
	r.RecordAccess(2, AccessUnknown)
	r.RecordAccess(2, AccessUnknown)
	for f := pagemanager.FrameID(0); f < 3; f++ {
		r.SetEvictable(f, true)
	}
	mustEvict(t, r, 0) // 2nd most recent access at t=1
	mustEvict(t, r, 1)
	mustEvict(t, r, 2)
}

func TestLRUKReplacerRekeysEvictableFrames(t *testing.T) {
	r := NewLRUKReplacer(2, 2)
	r.RecordAccess(0, AccessUnknown)
	r.RecordAccess(1, AccessUnknown)
	r.SetEvictable(0, true)
	r.SetEvictable(1, true)

	// Touching 0 while evictable moves it into the k-access set.
	r.RecordAccess(0, AccessUnknown)
	mustEvict(t, r, 1)
	mustEvict(t, r, 0)
}

func TestLRUKReplacerIgnoresScans(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	r.RecordAccess(0, AccessLookup)
	r.RecordAccess(1, AccessLookup)
	r.RecordAccess(0, AccessScan)
	r.RecordAccess(2, AccessScan) // registered but without history
	for f := pagemanager.FrameID(0); f < 3; f++ {
		r.SetEvictable(f, true)
	}
	mustEvict(t, r, 2)
	mustEvict(t, r, 0)
	mustEvict(t, r, 1)
}

// --- LRU ---

func TestLRUReplacerOrder(t *testing.T) {
	r, err := NewLRUReplacer(3)
	require.NoError(t, err)
	for f := pagemanager.FrameID(0); f < 3; f++ {
		r.RecordAccess(f, AccessUnknown)
		r.SetEvictable(f, true)
	}
	r.RecordAccess(0, AccessUnknown)
	mustEvict(t, r, 1)
	mustEvict(t, r, 2)
	mustEvict(t, r, 0)
}

func TestNewReplacer(t *testing.T) {
	r, err := NewReplacer("LRU-K", 4, 2)
	require.NoError(t, err)
	assert.IsType(t, &LRUKReplacer{}, r)

	r, err = NewReplacer(ReplacerPolicyLRU, 4, 2)
	require.NoError(t, err)
	assert.IsType(t, &LRUReplacer{}, r)

	_, err = NewReplacer("clock", 4, 2)
	assert.Error(t, err)
}
