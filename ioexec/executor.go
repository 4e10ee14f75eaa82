package ioexec

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pawelgaczynski/giouring"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Config bundles the tunables an Executor is constructed with (§4.3).
type Config struct {
	PrimaryEntries     uint32
	WriteEntries       uint32 // 0 disables the dedicated write ring
	ReadBufferCount    int
	ReadBufferSize     int
	WriteBufferCount   int
	WriteBufferSize    int
	ConcurrentReadCap  int // concurrent_read_io_limit
	MessageQueueDepth  int
	CaptureLatencies   bool // capture_io_latencies
}

// Executor is the single-threaded cooperative scheduler (C3): every
// submit/poll/close call must happen on the goroutine that created it,
// pinned to one OS thread for the executor's lifetime (§4.3 "the executor
// is affine to the OS thread that created it; submitting or polling from
// any other thread is a programming error").
type Executor struct {
	cfg Config

	ownerTid int

	primary *ring
	writer  *ring // nil when Config.WriteEntries == 0

	readBufs  *bufferPool
	writeBufs *bufferPool

	msgs *msgPipe

	pendingReads []*pendingOp // backlog beyond ConcurrentReadCap
	inFlightRead int

	eagainBackoff *backoff.Backoff
	readsRetried  atomic.Uint64

	stats *Stats

	closed atomic.Bool
}

// NewExecutor locks the calling goroutine to its current OS thread and
// constructs the rings, buffer pools, and message pipe. The caller must
// keep the owning goroutine alive for the executor's entire lifetime;
// runtime.UnlockOSThread is deliberately never called, since an executor
// handing its thread back to the scheduler could be resumed on a
// different OS thread and violate the affinity invariant.
func NewExecutor(cfg Config) (*Executor, error) {
	runtime.LockOSThread()

	primary, err := newRing(cfg.PrimaryEntries)
	if err != nil {
		return nil, err
	}

	var writer *ring
	if cfg.WriteEntries > 0 {
		writer, err = newRing(cfg.WriteEntries)
		if err != nil {
			primary.close()
			return nil, err
		}
	}

	mp, err := newMsgPipe(cfg.MessageQueueDepth)
	if err != nil {
		primary.close()
		if writer != nil {
			writer.close()
		}
		return nil, err
	}

	e := &Executor{
		cfg:       cfg,
		ownerTid:  unix.Gettid(),
		primary:   primary,
		writer:    writer,
		readBufs:  newBufferPool(cfg.ReadBufferCount, cfg.ReadBufferSize),
		writeBufs: newBufferPool(cfg.WriteBufferCount, cfg.WriteBufferSize),
		msgs:      mp,
		eagainBackoff: &backoff.Backoff{
			Min:    50 * time.Microsecond,
			Max:    20 * time.Millisecond,
			Factor: 2,
			Jitter: true,
		},
		stats: NewStats(cfg.CaptureLatencies),
	}
	return e, nil
}

// Stats returns the executor's per-op-kind latency tracker.
func (e *Executor) Stats() *Stats { return e.stats }

// checkOwner panics (fatal, per §7's "programming error" classification)
// when called from a thread other than the one that created the executor.
func (e *Executor) checkOwner() {
	if unix.Gettid() != e.ownerTid {
		panic(errors.Errorf("ioexec: executor used from thread %d, owned by %d", unix.Gettid(), e.ownerTid))
	}
}

// SubmitShortRead issues a single-buffer read of up to n bytes, bounded
// by one read buffer pool entry. offset must be DiskPage aligned.
func (e *Executor) SubmitShortRead(co ChunkOffset, n int, prio Priority, inv *Invalidate, cb Callback) error {
	e.checkOwner()
	if co.Offset%DiskPage != 0 {
		return errors.Errorf("ioexec: offset %d not %d-aligned", co.Offset, DiskPage)
	}
	if n < 0 || n > e.cfg.ReadBufferSize {
		return errors.Errorf("ioexec: short read of %d bytes exceeds read buffer size %d", n, e.cfg.ReadBufferSize)
	}
	op := &pendingOp{kind: OpShortRead, offset: co, n: n, priority: prio, cb: cb, executor: e}
	if inv != nil {
		op.invalidated = inv.ptr()
	}
	return e.enqueueRead(op)
}

// SubmitLongRead issues a read tagged as a long read. bufs is recorded on
// the pending op but is not filled: the ring sees one read into a single
// read-pool buffer (at most ReadBufferSize bytes), which the callback
// receives as Result.Buf, since this binding's Prepare* calls take a
// single pointer/length rather than an iovec array. No scatter across
// bufs takes place.
func (e *Executor) SubmitLongRead(co ChunkOffset, bufs [][]byte, prio Priority, inv *Invalidate, cb Callback) error {
	e.checkOwner()
	if co.Offset%DiskPage != 0 {
		return errors.Errorf("ioexec: offset %d not %d-aligned", co.Offset, DiskPage)
	}
	op := &pendingOp{kind: OpLongRead, offset: co, bufs: bufs, priority: prio, cb: cb, executor: e}
	if inv != nil {
		op.invalidated = inv.ptr()
	}
	return e.enqueueRead(op)
}

// enqueueRead respects ConcurrentReadCap: once in-flight reads hit the
// cap, further reads queue in pendingReads and are drained opportunistically
// from Poll (§4.3 "reads beyond the concurrency cap are queued, not
// rejected").
func (e *Executor) enqueueRead(op *pendingOp) error {
	if e.inFlightRead >= e.cfg.ConcurrentReadCap {
		e.pendingReads = append(e.pendingReads, op)
		return nil
	}
	return e.dispatchRead(op)
}

func (e *Executor) dispatchRead(op *pendingOp) error {
	idx, buf, ok := e.readBufs.Acquire()
	if !ok {
		e.pendingReads = append(e.pendingReads, op)
		return nil
	}
	op.buf = buf

	// op.buf always keeps the full pool slot (releaseReadBuf matches on
	// &buf[0], which a sub-slice of buf still shares), but a short read
	// only submits n bytes of it so the kernel never writes past what
	// the caller asked for.
	submitBuf := buf
	if op.kind == OpShortRead && op.n > 0 && op.n < len(buf) {
		submitBuf = buf[:op.n]
	}

	op.submittedAt = time.Now()
	_, err := e.primary.submit(op.kind, op.offset.Fd, submitBuf, op.offset.Offset, op.priority, op)
	if errors.Is(err, errSQFull) {
		e.readBufs.Release(idx)
		e.pendingReads = append(e.pendingReads, op)
		return nil
	}
	if err != nil {
		e.readBufs.Release(idx)
		return err
	}
	e.inFlightRead++
	return nil
}

// SubmitWrite issues a write to the dedicated write ring when present,
// falling back to the primary ring otherwise (§4.3 "writes use the
// dedicated write ring when configured").
func (e *Executor) SubmitWrite(co ChunkOffset, data []byte, prio Priority, cb Callback) error {
	e.checkOwner()
	if co.Offset%DiskPage != 0 {
		return errors.Errorf("ioexec: offset %d not %d-aligned", co.Offset, DiskPage)
	}
	idx, buf, ok := e.writeBufs.Acquire()
	if !ok {
		return errors.New("ioexec: write buffer pool exhausted")
	}
	if err := e.writeBufs.checkSize(data); err != nil {
		e.writeBufs.Release(idx)
		return err
	}
	copy(buf, data)
	op := &pendingOp{kind: OpWrite, offset: co, buf: buf[:len(data)], priority: prio, cb: cb, executor: e, submittedAt: time.Now()}

	target := e.primary
	if e.writer != nil {
		target = e.writer
	}
	_, err := target.submit(OpWrite, co.Fd, op.buf, co.Offset, prio, op)
	if err != nil {
		e.writeBufs.Release(idx)
		return err
	}
	return nil
}

// PostMessage enqueues a cross-thread completion; safe from any goroutine.
func (e *Executor) PostMessage(cb Callback) {
	e.msgs.Post(&pendingOp{kind: OpMessage, cb: cb, executor: e})
}

// Poll drains completions according to mode and dispatches their
// callbacks. It must run on the owner thread.
func (e *Executor) Poll(mode PollMode) (completed int, err error) {
	e.checkOwner()

	for _, op := range e.msgs.Drain() {
		op.deliver(Result{})
		e.stats.Observe(OpMessage, 0)
		completed++
	}

	switch mode {
	case PollBlocking:
		if e.primary.inFlight == 0 && (e.writer == nil || e.writer.inFlight == 0) {
			return completed, nil
		}
		n, werr := e.drainOne(true)
		completed += n
		err = werr
	case PollNonBlocking:
		n, werr := e.drainOne(false)
		completed += n
		err = werr
	case PollEager:
		for {
			n, werr := e.drainOne(false)
			completed += n
			if n == 0 || werr != nil {
				err = werr
				break
			}
		}
	}

	e.drainBacklog()
	return completed, err
}

func (e *Executor) drainOne(block bool) (int, error) {
	for _, rg := range e.activeRings() {
		var cqe, gerr = rg.peekCQE()
		if gerr != nil && block {
			cqe, gerr = rg.waitCQE()
		}
		if gerr != nil || cqe == nil {
			continue
		}
		e.handleCQE(rg, cqe)
		return 1, nil
	}
	return 0, nil
}

func (e *Executor) activeRings() []*ring {
	if e.writer != nil {
		return []*ring{e.primary, e.writer}
	}
	return []*ring{e.primary}
}

func (e *Executor) handleCQE(rg *ring, cqe *giouring.CompletionQueueEvent) {
	token := cqe.UserData
	rg.seen(cqe)
	op, ok := rg.userData[token]
	if !ok {
		return
	}
	delete(rg.userData, token)

	res := Result{}
	if cqe.Res < 0 {
		res.Err = unix.Errno(-cqe.Res)
	} else {
		res.N = int(cqe.Res)
		if op.kind == OpShortRead || op.kind == OpLongRead {
			res.Buf = op.buf
		}
	}

	if !op.submittedAt.IsZero() {
		e.stats.Observe(op.kind, time.Since(op.submittedAt))
	}

	if res.Err != nil && errors.Is(res.Err, unix.EAGAIN) && (op.kind == OpShortRead || op.kind == OpLongRead) {
		switch op.kind {
		case OpShortRead, OpLongRead:
			e.inFlightRead--
			if op.buf != nil {
				e.releaseReadBuf(op.buf)
			}
		}
		e.retryEagain(op)
		return
	}

	// The callback runs before the buffer goes back to the pool: res.Buf
	// points straight at the pool slot, and nothing else can Acquire it
	// until this call returns (the executor is single-threaded), so the
	// data stays valid for the callback's entire extent.
	op.deliver(res)

	switch op.kind {
	case OpShortRead, OpLongRead:
		e.inFlightRead--
		if op.buf != nil {
			e.releaseReadBuf(op.buf)
		}
	case OpWrite:
		e.releaseWriteBuf(op.buf)
	}
}

// retryEagain re-submits a read that failed with EAGAIN, pacing retries
// with an exponential backoff and giving up after MaxEagainRetries
// (SPEC_FULL.md Open Question: unbounded retry risks livelock).
func (e *Executor) retryEagain(op *pendingOp) {
	if op.retries >= MaxEagainRetries {
		op.deliver(Result{Err: errors.New("ioexec: exceeded max EAGAIN retries")})
		return
	}
	op.retries++
	e.readsRetried.Add(1)
	time.Sleep(e.eagainBackoff.Duration())
	if err := e.dispatchRead(op); err != nil {
		op.deliver(Result{Err: err})
	}
}

func (e *Executor) releaseReadBuf(buf []byte) {
	for i, b := range e.readBufs.buffers {
		if &b[0] == &buf[0] {
			e.readBufs.Release(i)
			return
		}
	}
}

func (e *Executor) releaseWriteBuf(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for i, b := range e.writeBufs.buffers {
		if &b[0] == &buf[0] {
			e.writeBufs.Release(i)
			return
		}
	}
}

// drainBacklog opportunistically dispatches queued reads now that a slot
// or buffer may have freed up.
func (e *Executor) drainBacklog() {
	for len(e.pendingReads) > 0 && e.inFlightRead < e.cfg.ConcurrentReadCap {
		op := e.pendingReads[0]
		e.pendingReads = e.pendingReads[1:]
		if op.invalidated != nil && op.invalidated.Load() {
			continue
		}
		if err := e.dispatchRead(op); err != nil {
			op.deliver(Result{Err: err})
		}
	}
}

// ReadsRetried reports the reads_retried metric (§5).
func (e *Executor) ReadsRetried() uint64 { return e.readsRetried.Load() }

// Flush submits all queued SQEs across both rings.
func (e *Executor) Flush() error {
	e.checkOwner()
	if _, err := e.primary.flush(); err != nil {
		return err
	}
	if e.writer != nil {
		if _, err := e.writer.flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the executor down; must run on the owner thread, and only
// once in-flight operations have drained.
func (e *Executor) Close() {
	e.checkOwner()
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.primary.close()
	if e.writer != nil {
		e.writer.close()
	}
	e.msgs.close()
}
