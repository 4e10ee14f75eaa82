package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethertrie/mptdb/pool"
)

func TestEncodeDecodeRoundTripLeaf(t *testing.T) {
	n := &Node{
		Path:  []byte{1, 2, 3},
		Value: []byte("hello"),
		Hash:  make([]byte, 32),
	}
	for i := range n.Hash {
		n.Hash[i] = byte(i)
	}

	buf, err := Encode(n)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, n.Path, got.Path)
	assert.Equal(t, n.Value, got.Value)
	assert.Equal(t, n.Hash, got.Hash)
	assert.True(t, got.IsLeaf())
}

func TestEncodeDecodeRoundTripBranch(t *testing.T) {
	n := &Node{Path: []byte{7}}
	n.HasChild[0] = true
	n.Children[0] = pool.PhysicalOffset{ChunkID: 3, ByteOffset: 4096, PagesToRead: 2}
	n.HasChild[15] = true
	n.Children[15] = pool.PhysicalOffset{ChunkID: 9, ByteOffset: 8192, PagesToRead: 1}

	buf, err := Encode(n)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, 2, got.ChildCount())
	assert.True(t, got.HasChild[0])
	assert.True(t, got.HasChild[15])
	assert.Equal(t, n.Children[0], got.Children[0])
	assert.Equal(t, n.Children[15], got.Children[15])
	assert.False(t, got.IsLeaf())
}

func TestEncodeDecodeOddNibbleCount(t *testing.T) {
	n := &Node{Path: []byte{1, 2, 3, 4, 5}}
	buf, err := Encode(n)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, n.Path, got.Path)
}

func TestEncodeDecodeEmptyNode(t *testing.T) {
	n := &Node{}
	buf, err := Encode(n)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, got.Path)
	assert.Nil(t, got.Value)
	assert.Nil(t, got.Hash)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	n := &Node{Path: []byte{1, 2}, Value: []byte("x")}
	buf, err := Encode(n)
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-2])
	assert.Error(t, err)
}

func TestChildMaskMatchesHasChild(t *testing.T) {
	n := &Node{}
	n.HasChild[2] = true
	n.HasChild[5] = true
	mask := n.ChildMask()
	assert.Equal(t, uint16(1<<2|1<<5), mask)
}
