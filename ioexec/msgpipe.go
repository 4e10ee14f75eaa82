package ioexec

import (
	"golang.org/x/sys/unix"
)

// msgPipe is the cross-thread wake-up channel (§4.3 "a non-blocking
// message pipe whose readable end is armed as a multishot poll on the
// primary ring", §5 "Message pipe: multi-producer write end (blocking),
// single-consumer read end via multishot poll").
//
// The payload itself travels over a buffered Go channel (multiple
// producers, single consumer, which is exactly the discipline the pipe
// enforces). Post also bumps an eventfd, but no poll SQE is armed on
// either ring for it: the executor picks messages up by calling Drain at
// the start of every Poll, so a message posted while the owning thread is
// blocked in a ring wait is seen only after that wait returns.
type msgPipe struct {
	eventfd int
	queue   chan *pendingOp
}

func newMsgPipe(capacity int) (*msgPipe, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &msgPipe{eventfd: fd, queue: make(chan *pendingOp, capacity)}, nil
}

// Post is the multi-producer, thread-safe enqueue (§4.3 "another thread
// posts a pointer to a completion object by writing it to the message
// pipe's write end"). Safe to call from any goroutine.
func (m *msgPipe) Post(op *pendingOp) {
	m.queue <- op
	one := uint64(1)
	_, _ = unix.Write(m.eventfd, u64ToBytes(one))
}

// Drain pops every message currently queued without blocking — "the
// receiving executor reads the pointer on the next poll ... and dispatches
// the completion callback as if it were a local completion." The acquire
// fence the design calls for is implicit in the Go channel's
// happens-before guarantee.
func (m *msgPipe) Drain() []*pendingOp {
	var out []*pendingOp
	for {
		select {
		case op := <-m.queue:
			out = append(out, op)
		default:
			return out
		}
	}
}

func (m *msgPipe) close() { unix.Close(m.eventfd) }

func u64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
