package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageResetKeepsStorage(t *testing.T) {
	p := NewPage(InvalidPageID, PageSize)
	data := p.GetData()
	require.Len(t, data, PageSize)

	p.SetPageID(7)
	p.Pin()
	p.SetDirty(true)
	copy(data, []byte("hello"))

	p.Reset()
	assert.Equal(t, InvalidPageID, p.GetPageID())
	assert.Equal(t, int32(0), p.GetPinCount())
	assert.False(t, p.IsDirty())
	assert.Equal(t, make([]byte, PageSize), p.GetData())
	// Same backing array after reset.
	assert.Same(t, &data[0], &p.GetData()[0])
}

func TestPageUnpinNeverNegative(t *testing.T) {
	p := NewPage(1, PageSize)
	p.Pin()
	require.True(t, p.Unpin())
	require.False(t, p.Unpin())
	assert.Equal(t, int32(0), p.GetPinCount())
}

func TestPageLatch(t *testing.T) {
	p := NewPage(1, PageSize)
	p.RLock()
	assert.True(t, p.TryRLock(), "shared latch should admit a second reader")
	assert.False(t, p.TryLock(), "writer must wait for readers")
	p.RUnlock()
	p.RUnlock()

	require.True(t, p.TryLock())
	assert.False(t, p.TryRLock())
	p.Unlock()
}
