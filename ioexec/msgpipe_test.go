package ioexec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMsgPipePostDrain(t *testing.T) {
	mp, err := newMsgPipe(8)
	assert.NoError(t, err)
	defer mp.close()

	var got []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		n := i
		go func() {
			defer wg.Done()
			mp.Post(&pendingOp{kind: OpMessage, cb: func(Result) {
				mu.Lock()
				got = append(got, n)
				mu.Unlock()
			}})
		}()
	}
	wg.Wait()

	var drained []*pendingOp
	for len(drained) < 5 {
		drained = append(drained, mp.Drain()...)
	}
	assert.Len(t, drained, 5)

	for _, op := range drained {
		op.deliver(Result{})
	}
	assert.Len(t, got, 5)
}

func TestMsgPipeDrainEmptyReturnsNil(t *testing.T) {
	mp, err := newMsgPipe(4)
	assert.NoError(t, err)
	defer mp.close()
	assert.Empty(t, mp.Drain())
}
