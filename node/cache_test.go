package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethertrie/mptdb/pool"
)

func vo(insertion uint32, off uint32) pool.VirtualOffset {
	return pool.VirtualOffset{InsertionCount: insertion, ByteOffset: off, List: pool.ListFast}
}

func TestCacheInsertFind(t *testing.T) {
	c, err := NewCache(1<<20, 64)
	require.NoError(t, err)

	n := &Node{Path: []byte{1, 2}, Value: []byte("v")}
	key := vo(1, 0)
	c.Insert(key, n)

	got, ok := c.Find(key)
	require.True(t, ok)
	assert.Equal(t, n, got)
}

func TestCacheInsertIdempotentOnCollision(t *testing.T) {
	c, err := NewCache(1<<20, 64)
	require.NoError(t, err)

	key := vo(1, 0)
	first := &Node{Value: []byte("first")}
	second := &Node{Value: []byte("second")}

	c.Insert(key, first)
	returned := c.Insert(key, second)

	assert.Same(t, first, returned)
	got, _ := c.Find(key)
	assert.Same(t, first, got)
}

func TestCacheEvictsByByteBudget(t *testing.T) {
	// Each node's encoded value is ~100 bytes; a tiny byte cap forces
	// eviction well before the entry-count hint would.
	c, err := NewCache(250, 1000)
	require.NoError(t, err)

	val := make([]byte, 100)
	for i := 0; i < 10; i++ {
		c.Insert(vo(uint32(i), 0), &Node{Value: val})
	}

	assert.LessOrEqual(t, c.Bytes(), 250+4+2+1+1)
	assert.Less(t, c.Len(), 10)
}

func TestCacheRemove(t *testing.T) {
	c, err := NewCache(1<<20, 64)
	require.NoError(t, err)

	key := vo(1, 0)
	c.Insert(key, &Node{})
	c.Remove(key)

	_, ok := c.Find(key)
	assert.False(t, ok)
}
