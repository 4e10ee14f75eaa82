package ioexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityIoprioClassOrdering(t *testing.T) {
	rt := PriorityHighest.ioprio() >> 13
	be := PriorityNormal.ioprio() >> 13
	idle := PriorityIdle.ioprio() >> 13
	assert.Equal(t, ioprioClassRT, rt)
	assert.Equal(t, ioprioClassBE, be)
	assert.Equal(t, ioprioClassIdle, idle)
}

func TestOpKindString(t *testing.T) {
	assert.Equal(t, "short-read", OpShortRead.String())
	assert.Equal(t, "long-read", OpLongRead.String())
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "message", OpMessage.String())
}
