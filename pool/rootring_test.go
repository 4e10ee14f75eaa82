package pool

import (
	"testing"

	"github.com/edsrzf/mmap-go"
	"github.com/stretchr/testify/assert"
)

func newTestMirror(window int) *metadataMirror {
	size := mdOffRingStart + window*slotSize
	return &metadataMirror{region: mmap.MMap(make([]byte, size))}
}

func TestRootRingAppendAndWindow(t *testing.T) {
	m := newTestMirror(4)
	r := openRootRing(m, 4)
	assert.False(t, r.hasAny)

	for v := uint64(1); v <= 6; v++ {
		r.append(m, v, PhysicalOffset{ChunkID: uint32(v), ByteOffset: v * 100})
	}

	assert.EqualValues(t, 6, r.MaxVersion())
	assert.EqualValues(t, 3, r.MinValidVersion())

	_, ok := r.Read(m, 2)
	assert.False(t, ok, "version below the window must read as absent")

	got, ok := r.Read(m, 3)
	assert.True(t, ok)
	assert.EqualValues(t, 3, got.ChunkID)

	got, ok = r.Read(m, 6)
	assert.True(t, ok)
	assert.EqualValues(t, 6, got.ChunkID)
}

func TestRootRingFreshPoolReportsNoCommittedVersion(t *testing.T) {
	// A freshly truncated device's metadata region is all zero bytes,
	// which decodes to a non-invalid (all-zero) PhysicalOffset at slot 0;
	// hasAny must not be inferred from that, or a pool that never
	// committed anything would report version 0 as a valid root.
	m := newTestMirror(4)
	r := openRootRing(m, 4)
	assert.False(t, r.hasAny)

	_, ok := r.Read(m, 0)
	assert.False(t, ok, "version 0 must not read as valid before any commit")
}

func TestRootRingInvalidate(t *testing.T) {
	m := newTestMirror(4)
	r := openRootRing(m, 4)
	r.append(m, 1, PhysicalOffset{ChunkID: 1})
	r.Update(m, 1, InvalidPhysicalOffset)

	_, ok := r.Read(m, 1)
	assert.False(t, ok)
}

func TestRootRingFastForward(t *testing.T) {
	m := newTestMirror(4)
	r := openRootRing(m, 4)
	r.append(m, 1, PhysicalOffset{ChunkID: 9})

	r.FastForwardNextVersion(m, 10, PhysicalOffset{ChunkID: 9})
	got, ok := r.Read(m, 10)
	assert.True(t, ok)
	assert.EqualValues(t, 9, got.ChunkID)
	assert.EqualValues(t, 10, r.MaxVersion())
}
