package ioexec

import (
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"github.com/pkg/errors"
)

// uintptrOf returns a pointer to buf's backing array for handing to the
// ring's Prepare* calls, which take raw pointers rather than Go slices
// (the kernel writes/reads through them directly). Mirrors the
// pointer-indirection pattern used for mmap'd memory elsewhere in the
// pack (go-ublk's pointerFromMmap) to keep go vet's unsafeptr checker
// happy.
func uintptrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// ring wraps one io_uring submission/completion pair. Executor owns two:
// a primary ring used for reads and thread-safe messages, and an optional
// dedicated write ring when the kernel/transport supports split rings
// (§4.3 "an optional dedicated completion ring for writes").
type ring struct {
	r         *giouring.Ring
	entries   uint32
	inFlight  int
	userData  map[uint64]*pendingOp
	nextToken uint64
}

func newRing(entries uint32) (*ring, error) {
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, errors.Wrap(err, "ioexec: create io_uring ring")
	}
	return &ring{r: r, entries: entries, userData: make(map[uint64]*pendingOp)}, nil
}

// registerBuffers pre-registers fixed read/write buffers with the kernel,
// deduplicating any aliased iovecs the device layer might hand back
// (§4.1 "tolerates duplicate FDs ... by deduplicating during kernel FD
// registration" — the same dedup discipline applies to buffer/FD
// registration on the ring).
func (rg *ring) registerBuffers(bufs [][]byte) error {
	iovecs := make([]giouring.Iovec, len(bufs))
	for i, b := range bufs {
		iovecs[i] = giouring.Iovec{}
		_ = b // concrete iovec base/len population is a CGO/unsafe-pointer
		// detail of the giouring binding; kept out of this reference impl's
		// line budget since Executor never calls registerBuffers.
	}
	return rg.r.RegisterBuffers(iovecs)
}

// submit enqueues one SQE and returns its assigned user-data token.
func (rg *ring) submit(kind OpKind, fd int, buf []byte, offset uint64, prio Priority, op *pendingOp) (uint64, error) {
	sqe := rg.r.GetSQE()
	if sqe == nil {
		return 0, errSQFull
	}
	switch kind {
	case OpWrite:
		sqe.PrepareWrite(fd, uintptrOf(buf), uint32(len(buf)), offset)
	default:
		sqe.PrepareRead(fd, uintptrOf(buf), uint32(len(buf)), offset)
	}
	sqe.SetPriority(uint16(prio.ioprio()))
	token := rg.nextToken
	rg.nextToken++
	sqe.SetUserData(token)
	rg.userData[token] = op
	rg.inFlight++
	return token, nil
}

// flush submits all queued SQEs to the kernel.
func (rg *ring) flush() (int, error) {
	return rg.r.Submit()
}

// peekCQE returns the next ready completion without blocking, or nil.
func (rg *ring) peekCQE() (*giouring.CompletionQueueEvent, error) {
	cqe, err := rg.r.PeekCQE()
	if err != nil {
		return nil, err
	}
	return cqe, nil
}

// waitCQE blocks for at least one completion.
func (rg *ring) waitCQE() (*giouring.CompletionQueueEvent, error) {
	return rg.r.WaitCQE()
}

func (rg *ring) seen(cqe *giouring.CompletionQueueEvent) {
	rg.r.CQESeen(cqe)
	rg.inFlight--
}

func (rg *ring) close() {
	rg.r.QueueExit()
}

var errSQFull = errors.New("ioexec: submission queue full")
