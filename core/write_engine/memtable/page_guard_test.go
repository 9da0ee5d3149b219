package memtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
)

func newGuardedPage(t *testing.T, bpm *BufferPoolManager) (*pagemanager.Page, pagemanager.PageID) {
	t.Helper()
	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	return page, id
}

func TestBasicPageGuardDropOnce(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	_, id := newGuardedPage(t, bpm)

	g, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	assert.Equal(t, id, g.PageID())
	assert.Equal(t, int32(2), pinCount(t, bpm, id))

	g.Drop()
	g.Drop()
	assert.Equal(t, int32(1), pinCount(t, bpm, id), "second drop must not unpin again")
	assert.False(t, g.IsValid())
}

func TestBasicPageGuardMove(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	_, id := newGuardedPage(t, bpm)

	g, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	moved := g.Move()
	assert.False(t, g.IsValid())
	assert.True(t, moved.IsValid())

	g.Drop()
	assert.Equal(t, int32(2), pinCount(t, bpm, id), "moved-from guard is inert")

	moved.Drop()
	assert.Equal(t, int32(1), pinCount(t, bpm, id))

	// Move into a guard that is dropped later, as a caller reassigning would.
	g2, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	g3 := g2.Move()
	g3.Drop()
	g2.Drop()
	assert.Equal(t, int32(1), pinCount(t, bpm, id))
}

func TestBasicPageGuardReleasedAccessPanics(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	_, id := newGuardedPage(t, bpm)

	g, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	g.Drop()

	requirePanicsWith(t, flushmanager.ErrGuardReleased, func() { g.GetData() })
	requirePanicsWith(t, flushmanager.ErrGuardReleased, func() { g.UpgradeRead() })
	requirePanicsWith(t, flushmanager.ErrGuardReleased, func() { g.UpgradeWrite() })

	var empty WritePageGuard
	empty.Drop()
	requirePanicsWith(t, flushmanager.ErrGuardReleased, func() { empty.GetDataMut() })
	requirePanicsWith(t, flushmanager.ErrGuardReleased, func() { empty.MarkDirty() })
}

func TestPageGuardUpgradeMovesOwnership(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	page, id := newGuardedPage(t, bpm)

	g, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	rg := g.UpgradeRead()
	assert.False(t, g.IsValid(), "upgrade empties the basic guard")
	assert.False(t, page.TryLock(), "read latch held")

	g.Drop() // inert
	assert.Equal(t, int32(2), pinCount(t, bpm, id))

	rg.Drop()
	rg.Drop()
	assert.Equal(t, int32(1), pinCount(t, bpm, id))
	require.True(t, page.TryLock(), "read latch released exactly once")
	page.Unlock()
}

func TestReadPageGuardsShareLatch(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	page, id := newGuardedPage(t, bpm)

	r1, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	r2, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	assert.Equal(t, r1.GetData(), r2.GetData())
	assert.Equal(t, int32(3), pinCount(t, bpm, id))

	r1.Drop()
	assert.False(t, page.TryLock())
	r2.Drop()
	assert.True(t, page.TryLock())
	page.Unlock()
	assert.Equal(t, int32(1), pinCount(t, bpm, id))
}

func TestWritePageGuardMarksDirtyAndExcludesReaders(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	_, id := newGuardedPage(t, bpm)
	require.True(t, bpm.UnpinPage(id, false))

	wg, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	copy(wg.GetDataMut(), "written")

	acquired := make(chan ReadPageGuard)
	go func() {
		rg, err := bpm.FetchPageRead(id)
		assert.NoError(t, err)
		acquired <- rg
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired latch while writer holds it")
	case <-time.After(50 * time.Millisecond):
	}

	moved := wg.Move()
	wg.Drop() // inert
	moved.Drop()

	rg := <-acquired
	assert.Equal(t, []byte("written"), rg.GetData()[:7])
	rg.Drop()

	dirty, ok := bpm.IsDirty(id)
	require.True(t, ok)
	assert.True(t, dirty)
	assert.Equal(t, int32(0), pinCount(t, bpm, id))
}

func TestWritePageGuardReadOnlyAccessKeepsPageClean(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	_, id := newGuardedPage(t, bpm)
	require.True(t, bpm.UnpinPage(id, false))

	wg, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	_ = wg.GetData()
	wg.Drop()

	dirty, _ := bpm.IsDirty(id)
	assert.False(t, dirty)
}

func TestWritePageGuardMarkDirty(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	_, id := newGuardedPage(t, bpm)
	require.True(t, bpm.UnpinPage(id, false))

	wg, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	copy(wg.GetData(), "via view")
	wg.MarkDirty()
	wg.Drop()

	dirty, ok := bpm.IsDirty(id)
	require.True(t, ok)
	assert.True(t, dirty)
}

func TestNewPageGuarded(t *testing.T) {
	bpm, _ := setupBufferPool(t, 1)

	g, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	id := g.PageID()
	assert.Equal(t, int32(1), pinCount(t, bpm, id))

	wg := g.UpgradeWrite()
	copy(wg.GetDataMut(), "fresh")
	wg.Drop()
	assert.Equal(t, int32(0), pinCount(t, bpm, id))

	// The frame is reusable once the guard is gone.
	g2, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	g2.Drop()

	rg, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), rg.GetData()[:5])
	rg.Drop()
}
