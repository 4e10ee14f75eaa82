package ioexec

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestExecutor builds an Executor sized for small, deterministic
// tests. io_uring is unavailable in some sandboxed CI environments
// (seccomp profiles that block the io_uring_setup syscall); when that's
// the case here too, skip rather than fail, the same way the teacher
// pack skips tests whose external dependency isn't present.
func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e, err := NewExecutor(cfg)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func smallConfig() Config {
	return Config{
		PrimaryEntries:    8,
		ReadBufferCount:   2,
		ReadBufferSize:    DiskPage,
		WriteBufferCount:  2,
		WriteBufferSize:   DiskPage,
		ConcurrentReadCap: 2,
		MessageQueueDepth: 4,
	}
}

func tempFileWithPage(t *testing.T, content []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ioexec-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	page := make([]byte, DiskPage)
	copy(page, content)
	_, err = f.WriteAt(page, 0)
	require.NoError(t, err)
	return f
}

func pollUntil(t *testing.T, e *Executor, done *bool) {
	t.Helper()
	for i := 0; !*done; i++ {
		if i > 10000 {
			t.Fatal("poll loop did not complete")
		}
		if _, err := e.Poll(PollBlocking); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
}

func TestNewExecutorSubmitShortReadRoundTrip(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	f := tempFileWithPage(t, []byte("hello from the read ring"))

	var (
		res  Result
		done bool
	)
	err := e.SubmitShortRead(ChunkOffset{Fd: int(f.Fd()), Offset: 0}, DiskPage, PriorityNormal, nil, func(r Result) {
		res, done = r, true
	})
	require.NoError(t, err)
	require.NoError(t, e.Flush())

	pollUntil(t, e, &done)

	require.NoError(t, res.Err)
	assert.Equal(t, DiskPage, res.N)
	assert.Equal(t, "hello from the read ring", string(res.Buf[:len("hello from the read ring")]))
}

func TestSubmitShortReadRejectsMisalignedOffset(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	err := e.SubmitShortRead(ChunkOffset{Fd: 0, Offset: 1}, DiskPage, PriorityNormal, nil, func(Result) {})
	assert.Error(t, err)
}

func TestSubmitShortReadRejectsOversizedRequest(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	err := e.SubmitShortRead(ChunkOffset{Fd: 0, Offset: 0}, DiskPage+1, PriorityNormal, nil, func(Result) {})
	assert.Error(t, err)
}

func TestSubmitWriteThenReadBack(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	f, err := os.CreateTemp(t.TempDir(), "ioexec-write-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(DiskPage))

	payload := make([]byte, DiskPage)
	copy(payload, []byte("written through the executor"))

	var writeDone bool
	err = e.SubmitWrite(ChunkOffset{Fd: int(f.Fd()), Offset: 0}, payload, PriorityNormal, func(r Result) {
		writeDone = true
		assert.NoError(t, r.Err)
	})
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	pollUntil(t, e, &writeDone)

	back := make([]byte, len("written through the executor"))
	_, err = f.ReadAt(back, 0)
	require.NoError(t, err)
	assert.Equal(t, "written through the executor", string(back))
}

func TestSubmitLongReadScattersAcrossBuffers(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	f := tempFileWithPage(t, []byte("scatter-read content"))

	var (
		res  Result
		done bool
	)
	bufs := [][]byte{make([]byte, DiskPage)}
	err := e.SubmitLongRead(ChunkOffset{Fd: int(f.Fd()), Offset: 0}, bufs, PriorityNormal, nil, func(r Result) {
		res, done = r, true
	})
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	pollUntil(t, e, &done)

	require.NoError(t, res.Err)
	assert.Equal(t, "scatter-read content", string(res.Buf[:len("scatter-read content")]))
}

func TestPollNonBlockingIsNoopWithNothingInFlight(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	n, err := e.Poll(PollNonBlocking)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPostMessageDeliversOnPoll(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	var fired bool
	e.PostMessage(func(Result) { fired = true })

	pollUntil(t, e, &fired)
	assert.True(t, fired)
}

func TestInvalidateSuppressesStaleCompletion(t *testing.T) {
	e := newTestExecutor(t, smallConfig())
	f := tempFileWithPage(t, []byte("will be invalidated"))

	var inv Invalidate
	var delivered bool
	err := e.SubmitShortRead(ChunkOffset{Fd: int(f.Fd()), Offset: 0}, DiskPage, PriorityNormal, &inv, func(Result) {
		delivered = true
	})
	require.NoError(t, err)
	inv.Set()
	require.NoError(t, e.Flush())

	// Drain the completion; the callback must not run even though the
	// read itself still completes normally.
	completed := 0
	for i := 0; i < 1000 && completed == 0; i++ {
		n, err := e.Poll(PollBlocking)
		require.NoError(t, err)
		completed += n
	}
	assert.Greater(t, completed, 0, "read should still complete even though its callback is suppressed")
	assert.False(t, delivered, "invalidated completion must not reach its callback")
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := NewExecutor(smallConfig())
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	e.Close()
	e.Close() // must not panic
}
