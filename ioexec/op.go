package ioexec

import (
	"sync/atomic"
	"time"
)

// Result is the outcome delivered to a completion callback: either the
// number of bytes transferred or a non-nil error (§4.3 "Any other
// non-zero error is surfaced to the completion receiver as an error
// result"). Buf is the pool buffer the read landed in, valid only for
// the duration of the callback — the executor returns it to the read
// buffer pool as soon as the callback returns, so callers that need the
// bytes afterward must copy them out.
type Result struct {
	N   int
	Err error
	Buf []byte
}

// Callback receives the result of one operation.
type Callback func(Result)

// ChunkOffset is the (device handle, within-chunk byte offset) pair every
// read/write targets. Offset must be DiskPage aligned (§4.3).
type ChunkOffset struct {
	Fd     int
	Offset uint64
}

// pendingOp is the thin, composable wrapper over the ring carrying the
// completion callback and result object for one in-flight operation (C4).
// It is a bounded sum of "pending operation" records owned by the
// executor (§9 "Coroutine/sender control flow ... maps to: a bounded sum
// of pending operation records owned by the executor, each embedding its
// callback closure").
type pendingOp struct {
	kind     OpKind
	buf      []byte
	bufs     [][]byte // OpLongRead only: multi-buffer scatter target
	n        int       // OpShortRead only: caller's requested read length, <= len(buf)
	offset   ChunkOffset
	priority Priority
	cb       Callback

	invalidated *atomic.Bool // set by the caller to short-circuit a stale completion
	retries     int
	executor    *Executor
	submittedAt time.Time
}

func (op *pendingOp) deliver(res Result) {
	if op.invalidated != nil && op.invalidated.Load() {
		return
	}
	if op.cb != nil {
		op.cb(res)
	}
}

// Invalidate flags a pending operation's completion as stale: the
// completion callback will observe this and short-circuit without acting
// on the result (§4.3 "Cancellation: ... callers instead set an
// 'invalidate' flag observed by completion callbacks").
type Invalidate struct{ flag atomic.Bool }

func (v *Invalidate) Set()         { v.flag.Store(true) }
func (v *Invalidate) IsSet() bool  { return v.flag.Load() }
func (v *Invalidate) ptr() *atomic.Bool { return &v.flag }
