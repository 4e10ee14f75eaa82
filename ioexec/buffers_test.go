package ioexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolAcquireRelease(t *testing.T) {
	p := newBufferPool(2, 64)
	assert.Equal(t, 2, p.Available())

	idx0, buf0, ok := p.Acquire()
	assert.True(t, ok)
	assert.Len(t, buf0, 64)
	assert.Equal(t, 1, p.Available())

	idx1, _, ok := p.Acquire()
	assert.True(t, ok)
	assert.NotEqual(t, idx0, idx1)
	assert.Equal(t, 0, p.Available())

	_, _, ok = p.Acquire()
	assert.False(t, ok, "pool must report exhaustion rather than allocate")

	p.Release(idx0)
	assert.Equal(t, 1, p.Available())
	p.Release(idx1)
	assert.Equal(t, 2, p.Available())
}

func TestBufferPoolCheckSize(t *testing.T) {
	p := newBufferPool(1, 32)
	assert.NoError(t, p.checkSize(make([]byte, 32)))
	assert.Error(t, p.checkSize(make([]byte, 33)))
}
