package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkReserveRespectsCapacity(t *testing.T) {
	c := &chunkInfo{kind: kindSequential}
	pos, ok := c.reserve(100, 256)
	assert.True(t, ok)
	assert.EqualValues(t, 0, pos)

	pos, ok = c.reserve(100, 256)
	assert.True(t, ok)
	assert.EqualValues(t, 100, pos)

	_, ok = c.reserve(100, 256)
	assert.False(t, ok, "reservation exceeding capacity must fail")
}

func TestChunkTrimOnlyReduces(t *testing.T) {
	c := &chunkInfo{}
	c.bytesUsed.Store(500)
	c.trimTo(200)
	assert.EqualValues(t, 200, c.BytesUsed())
	c.trimTo(400) // must not increase
	assert.EqualValues(t, 200, c.BytesUsed())
}

func TestChunkListOrdering(t *testing.T) {
	table := []*chunkInfo{{}, {}, {}, {}}
	l := newChunkList(ListFree)
	l.pushTail(table, 0, 1)
	l.pushTail(table, 1, 2)
	l.pushTail(table, 2, 3)

	var order []int32
	l.Walk(table, func(idx int32) bool {
		order = append(order, idx)
		return true
	})
	assert.Equal(t, []int32{0, 1, 2}, order)
	assert.Equal(t, 3, l.Len())

	l.remove(table, 1)
	order = nil
	l.Walk(table, func(idx int32) bool {
		order = append(order, idx)
		return true
	})
	assert.Equal(t, []int32{0, 2}, order)
	assert.Equal(t, 2, l.Len())
}

func TestChunkListExclusiveMembership(t *testing.T) {
	// Every sequential chunk is in exactly one of free/fast/slow at a
	// time (TESTABLE PROPERTY 2): pushing onto a new list after removal
	// from the old one must leave it findable in exactly one.
	table := []*chunkInfo{{}, {}}
	free := newChunkList(ListFree)
	fast := newChunkList(ListFast)
	free.pushTail(table, 0, 1)
	free.pushTail(table, 1, 2)

	free.remove(table, 0)
	fast.pushTail(table, 0, 3)

	assert.Equal(t, 1, free.Len())
	assert.Equal(t, 1, fast.Len())
	assert.Equal(t, ListFast, table[0].list)
}
