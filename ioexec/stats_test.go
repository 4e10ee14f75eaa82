package ioexec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsDisabledIsNoop(t *testing.T) {
	s := NewStats(false)
	s.Observe(OpShortRead, 5*time.Millisecond)
	assert.Equal(t, time.Duration(0), s.Percentile(OpShortRead, 50))
}

func TestStatsPercentile(t *testing.T) {
	s := NewStats(true)
	for i := 1; i <= 100; i++ {
		s.Observe(OpWrite, time.Duration(i)*time.Millisecond)
	}
	p50 := s.Percentile(OpWrite, 50)
	assert.InDelta(t, 50, p50/time.Millisecond, 2)

	p99 := s.Percentile(OpWrite, 99)
	assert.GreaterOrEqual(t, p99, p50)
}

func TestLatencyHistogramEvictsOldest(t *testing.T) {
	h := newLatencyHistogram(8)
	for i := 0; i < 20; i++ {
		h.observe(time.Duration(i) * time.Millisecond)
	}
	assert.LessOrEqual(t, h.Count(), 8)
}
