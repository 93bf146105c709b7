package jit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/recomp/internal/jit/persist"
)

func newTestCache(t *testing.T, size int) *CodeCache {
	t.Helper()
	c, err := NewCodeCache(size)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	return c
}

func TestCodeCacheReserveAligned(t *testing.T) {
	c := newTestCache(t, 4096)

	a, err := c.Reserve(3)
	require.NoError(t, err)
	b, err := c.Reserve(17)
	require.NoError(t, err)

	assert.Zero(t, a.Addr%codeAlign)
	assert.Zero(t, b.Addr%codeAlign)
	assert.Equal(t, 16, a.Size)
	assert.Equal(t, 32, b.Size)
	assert.Equal(t, a.End(), b.Addr)
	assert.Equal(t, 48, c.Stats().Used)
	assert.True(t, c.Contains(a.Addr))

	_, err = c.Reserve(c.Stats().Capacity)
	assert.True(t, errors.Is(err, ErrCodeCacheFull))
	_, err = c.Reserve(0)
	assert.Error(t, err)
}

func TestCodeCacheReleaseCoalesces(t *testing.T) {
	c := newTestCache(t, 4096)
	capacity := c.Stats().Capacity

	a, err := c.Reserve(64)
	require.NoError(t, err)
	b, err := c.Reserve(64)
	require.NoError(t, err)
	rest, err := c.Reserve(capacity - 128)
	require.NoError(t, err)

	c.Release(a)
	c.Release(b)
	_, err = c.Reserve(128)
	require.NoError(t, err, "adjacent free spans merge")

	c.Release(rest)
	_, err = c.Reserve(capacity - 128)
	require.NoError(t, err)
	assert.Equal(t, capacity, c.Stats().Used)
}

func TestCodeCacheReadWrite(t *testing.T) {
	c := newTestCache(t, 4096)
	a, err := c.Reserve(32)
	require.NoError(t, err)

	require.NoError(t, c.Write(a.Addr, []byte{1, 2, 3}))
	got, err := c.Read(a.Addr, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	assert.Error(t, c.Write(c.Base()+uintptr(c.Stats().Capacity)-1, []byte{1, 2}))
	_, err = c.Read(c.Base()-1, 1)
	assert.Error(t, err)
}

func TestCodeCachePatchWord(t *testing.T) {
	c := newTestCache(t, 4096)
	a, err := c.Reserve(16)
	require.NoError(t, err)

	require.NoError(t, c.PatchWord(a.Addr+8, 0x0102030405060708))
	w, err := c.LoadWord(a.Addr + 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), w)

	raw, err := c.Read(a.Addr+8, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x07}, raw, "little endian")

	assert.Error(t, c.PatchWord(a.Addr+4, 1))
	_, err = c.LoadWord(a.Addr + 1)
	assert.Error(t, err)
}

func TestCodeCachePatchWordConcurrentReaders(t *testing.T) {
	c := newTestCache(t, 4096)
	a, err := c.Reserve(8)
	require.NoError(t, err)
	const w1, w2 = 0x1111111111111111, 0x2222222222222222
	require.NoError(t, c.PatchWord(a.Addr, w1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			w := uint64(w1)
			if i%2 == 0 {
				w = w2
			}
			assert.NoError(t, c.PatchWord(a.Addr, w))
		}
	}()
	for range 1000 {
		w, err := c.LoadWord(a.Addr)
		require.NoError(t, err)
		require.True(t, w == w1 || w == w2, "torn word %#x", w)
	}
	wg.Wait()
}

func TestCodeCacheRetireWaitsForSafepoint(t *testing.T) {
	c := newTestCache(t, 4096)
	sp := &EpochSafepoint{}

	a, err := c.Reserve(32)
	require.NoError(t, err)
	b, err := c.Reserve(32)
	require.NoError(t, err)
	c.Retire(a, 7, sp.Epoch())
	c.Retire(b, 7, sp.Epoch())
	assert.Equal(t, 2, c.Stats().Retired)

	assert.Empty(t, c.Reclaim(sp, nil))
	assert.Equal(t, uint64(1), sp.Advance())
	late, err := c.Reserve(16)
	require.NoError(t, err)
	c.Retire(late, 8, sp.Epoch())

	assert.Equal(t, []persist.BodyID{7}, c.Reclaim(sp, nil))
	assert.Equal(t, 1, c.Stats().Retired)
	assert.Equal(t, 16, c.Stats().Used)

	sp.Advance()
	assert.Equal(t, []persist.BodyID{8}, c.Reclaim(sp, nil))
	assert.Zero(t, c.Stats().Used)
}

func TestCodeCacheReclaimKeepsUnready(t *testing.T) {
	c := newTestCache(t, 4096)
	sp := &EpochSafepoint{}

	a, err := c.Reserve(32)
	require.NoError(t, err)
	b, err := c.Reserve(32)
	require.NoError(t, err)
	c.Retire(a, 1, sp.Epoch())
	c.Retire(b, 2, sp.Epoch())
	sp.Advance()

	var asked []persist.BodyID
	got := c.Reclaim(sp, func(id persist.BodyID) bool {
		asked = append(asked, id)
		return id != 1
	})
	assert.Equal(t, []persist.BodyID{1, 2}, asked, "retire order")
	assert.Equal(t, []persist.BodyID{2}, got)
	assert.Equal(t, 1, c.Stats().Retired)
	assert.Equal(t, 32, c.Stats().Used)

	assert.Equal(t, []persist.BodyID{1}, c.Reclaim(sp, nil))
	assert.Zero(t, c.Stats().Used)
}

func TestCodeCacheClose(t *testing.T) {
	c, err := NewCodeCache(4096)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Reserve(16)
	assert.Error(t, err)

	_, err = NewCodeCache(0)
	assert.Error(t, err)
}
