package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterleaverProportionality(t *testing.T) {
	il := newInterleaver([]uint32{6, 3, 1})
	seq := il.Sequence()
	assert.Len(t, seq, 10)

	counts := map[int]int{}
	for _, d := range seq {
		counts[d]++
	}
	assert.Equal(t, 6, counts[0])
	assert.Equal(t, 3, counts[1])
	assert.Equal(t, 1, counts[2])

	// Check approximate proportionality over prefixes: device 0 should
	// never fall far behind its fair share within any prefix.
	running := map[int]int{}
	for k, d := range seq {
		running[d]++
		prefixLen := k + 1
		expected := float64(prefixLen) * 6.0 / 10.0
		assert.InDelta(t, expected, float64(running[0]), 2.0)
	}
}

func TestInterleaverSingleDevice(t *testing.T) {
	seq := newInterleaver([]uint32{4}).Sequence()
	assert.Equal(t, []int{0, 0, 0, 0}, seq)
}

func TestInterleaverSkipsEmptyDevices(t *testing.T) {
	seq := newInterleaver([]uint32{0, 2, 0, 2}).Sequence()
	assert.Len(t, seq, 4)
	for _, d := range seq {
		assert.Contains(t, []int{1, 3}, d)
	}
}
