package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhysicalOffsetPackRoundTrip(t *testing.T) {
	p := PhysicalOffset{ChunkID: 12345, ByteOffset: 987654321, PagesToRead: 7}
	w := p.Pack()
	got := UnpackPhysicalOffset(w)
	assert.Equal(t, p, got)
}

func TestPhysicalOffsetInvalidSentinel(t *testing.T) {
	assert.True(t, InvalidPhysicalOffset.IsInvalid())
	assert.False(t, PhysicalOffset{ChunkID: 1}.IsInvalid())
}

func TestPhysicalOffsetPageAligned(t *testing.T) {
	p := PhysicalOffset{ChunkID: 1, ByteOffset: 9000}
	aligned, delta := p.PageAligned()
	assert.EqualValues(t, 8192, aligned.ByteOffset)
	assert.EqualValues(t, 808, delta)
}

func TestVirtualOffsetOrdering(t *testing.T) {
	a := VirtualOffset{InsertionCount: 1, ByteOffset: 100}
	b := VirtualOffset{InsertionCount: 1, ByteOffset: 200}
	c := VirtualOffset{InsertionCount: 2, ByteOffset: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
}
