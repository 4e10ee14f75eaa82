package mpt

import (
	"container/heap"

	"github.com/ethertrie/mptdb/ioexec"
	"github.com/ethertrie/mptdb/node"
	"github.com/ethertrie/mptdb/pool"
)

// VisitDecision is a Visitor's answer to "what should the walk do after
// seeing this node" (§4.8 "pluggable visitor that may return 'descend',
// 'skip', or 'stop'").
type VisitDecision uint8

const (
	VisitDescend VisitDecision = iota
	VisitSkip
	VisitStop
)

// NodeView is the read-only projection of a node a Visitor is handed;
// it carries no physical offset so visitors cannot smuggle a raw pointer
// out of the traversal (§9 "parents hold physical offsets ... children
// never reference parents").
type NodeView struct {
	Path  []byte
	Value []byte
	Hash  []byte
}

// Visitor is the three-method-plus-clone trait of §9: down/up bracket a
// node's visit, ShouldVisit gates descent into one child, and Clone gives
// a parallel traversal an independent visitor per concurrent subwalk.
type Visitor interface {
	Down(depth int, n *NodeView) VisitDecision
	Up(depth int, n *NodeView)
	ShouldVisit(depth int, childNibble byte) bool
	Clone() Visitor
}

// TraversalSiblingBias is the empirically-chosen extra scheduling
// priority given to the first few children of any branch (§4.8: "giving
// 3 left-siblings extra priority outperforms 2 or 4").
const TraversalSiblingBias = 3

// TraverseBlocking runs a preorder DFS over version v's trie, awaiting
// each child read before descending (§4.8 "Blocking" mode). It takes
// Database's lock itself for the whole walk, so a caller that already
// holds that lock deadlocks.
func (db *Database) TraverseBlocking(v uint64, visitor Visitor) (FindOutcome, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	root, ok := db.pool.Index.ReadRoot(v)
	if !ok {
		return FindVersionNoLongerExist, nil
	}

	_, err := db.walkBlocking(root, 0, visitor)
	if err != nil {
		return 0, err
	}
	return FindSuccess, nil
}

// walkBlocking assumes db.mu is already held by the caller.
func (db *Database) walkBlocking(offset pool.PhysicalOffset, depth int, visitor Visitor) (stopped bool, err error) {
	if offset.IsInvalid() {
		return false, nil
	}

	n, err := db.readNode(offset)
	if err != nil {
		return false, err
	}

	view := &NodeView{Path: n.Path, Value: n.Value, Hash: n.Hash}
	switch visitor.Down(depth, view) {
	case VisitStop:
		return true, nil
	case VisitSkip:
		return false, nil
	}

	for i := 0; i < 16; i++ {
		if !n.HasChild[i] || !visitor.ShouldVisit(depth, byte(i)) {
			continue
		}
		stop, err := db.walkBlocking(n.Children[i], depth+1, visitor)
		if err != nil {
			return false, err
		}
		if stop {
			visitor.Up(depth, view)
			return true, nil
		}
	}

	visitor.Up(depth, view)
	return false, nil
}

// nodeFrame tracks one node's in-progress visit while its children's
// reads are still outstanding: it fires the node's Up bracket only once
// every child it dispatched has itself finished, then reports its own
// completion to its parent frame — unwinding the preorder walk the same
// way sequential recursion would, just with children resolving in
// whatever order their reads happen to complete.
type nodeFrame struct {
	depth     int
	view      *NodeView
	visitor   Visitor
	remaining int
	parent    *nodeFrame
}

func (f *nodeFrame) childDone(s *parallelSched) {
	f.remaining--
	if f.remaining > 0 {
		return
	}
	f.visitor.Up(f.depth, f.view)
	if f.parent == nil {
		s.rootDone = true
		return
	}
	f.parent.childDone(s)
}

// traversalTask is one scheduled child read, ordered by depth (deeper
// first) with TraversalSiblingBias extra priority for the first few
// children of a branch (§4.8). parent is nil only for the root task.
type traversalTask struct {
	offset  pool.PhysicalOffset
	depth   int
	nibble  byte
	visitor Visitor
	parent  *nodeFrame
}

func (t *traversalTask) priority() int {
	bias := 0
	if int(t.nibble) < TraversalSiblingBias {
		bias = TraversalSiblingBias - int(t.nibble)
	}
	return t.depth*16 + bias
}

// taskHeap is a container/heap.Interface max-heap over traversalTask
// priority, backing the "priority-indexed queue of deques" of §4.8 —
// collapsed here into one heap since this engine has no per-depth deque
// fan-out to preserve beyond priority ordering.
type taskHeap []*traversalTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].priority() > h[j].priority() }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*traversalTask)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TraverseParallel runs a preorder DFS over version v's trie with up to
// concurrencyLimit outstanding reads in flight, scheduling deeper nodes
// (and left-biased siblings) first (§4.8 "Parallel" mode). It returns
// FindVersionNoLongerExist if v is invalidated before or during the
// walk; cancellation drains in-flight reads to quiescence before
// returning rather than abandoning them.
//
// Despite the name, this is not parallel in the goroutine sense: the
// I/O executor backing db.readNode is affine to a single OS thread
// (§4.3), so "concurrency" here comes entirely from pipelining up to
// concurrencyLimit reads through that one thread's io_uring rings at
// once, the same way the executor's own ConcurrentReadCap works. Like
// TraverseBlocking, the call holds db.mu for its whole duration.
func (db *Database) TraverseParallel(v uint64, visitor Visitor, concurrencyLimit int) (FindOutcome, error) {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	root, ok := db.pool.Index.ReadRoot(v)
	if !ok {
		return FindVersionNoLongerExist, nil
	}

	sched := &parallelSched{db: db, limit: concurrencyLimit}
	sched.heap = &taskHeap{}
	heap.Init(sched.heap)
	sched.push(&traversalTask{offset: root, depth: 0, visitor: visitor})

	invalidated := false
	for !sched.rootDone {
		if !sched.cancelled {
			if _, ok := db.pool.Index.ReadRoot(v); !ok {
				invalidated = true
				sched.cancelled = true
				sched.drop()
			}
		}
		if !sched.cancelled {
			for sched.heap.Len() > 0 && sched.inFlight < sched.limit {
				if err := sched.submitNext(); err != nil {
					return 0, err
				}
			}
		}
		if sched.inFlight == 0 {
			break
		}
		if err := db.io.Flush(); err != nil {
			return 0, err
		}
		if _, err := db.io.Poll(ioexec.PollBlocking); err != nil {
			return 0, err
		}
	}

	if sched.firstErr != nil {
		return 0, sched.firstErr
	}
	if invalidated {
		return FindVersionNoLongerExist, nil
	}
	return FindSuccess, nil
}

// parallelSched owns the priority queue and cancellation state for one
// TraverseParallel call. It is driven entirely from the goroutine that
// called TraverseParallel: submitNext issues a read and returns
// immediately, and completions run back on this same goroutine inside
// db.io.Poll, so no locking is needed anywhere in this type.
type parallelSched struct {
	db    *Database
	limit int

	heap     *taskHeap
	inFlight int

	rootDone  bool
	cancelled bool
	firstErr  error
}

func (s *parallelSched) push(t *traversalTask) {
	heap.Push(s.heap, t)
}

// drop discards every task still queued, used once cancellation makes
// further descent pointless; in-flight reads already submitted are left
// to drain normally.
func (s *parallelSched) drop() {
	*s.heap = nil
}

// finishNode reports that offset's subtree (already decided: skipped,
// childless, or an invalid sentinel) needs no further work, propagating
// completion up through parent, or marking the whole walk done if this
// was the root.
func (s *parallelSched) finishNode(parent *nodeFrame) {
	if parent == nil {
		s.rootDone = true
		return
	}
	parent.childDone(s)
}

// submitNext pops the highest-priority queued task and issues its read,
// mapping TraversalSiblingBias's left-sibling preference onto the
// executor's own priority levels (§4.8).
func (s *parallelSched) submitNext() error {
	task := heap.Pop(s.heap).(*traversalTask)

	if task.offset.IsInvalid() {
		s.finishNode(task.parent)
		return nil
	}

	prio := ioexec.PriorityNormal
	if int(task.nibble) < TraversalSiblingBias {
		prio = ioexec.PriorityHighest
	}

	s.inFlight++
	err := s.db.submitNodeRead(task.offset, prio, func(n *node.Node, err error) {
		s.inFlight--
		s.handleCompletion(task, n, err)
	})
	if err != nil {
		s.inFlight--
		return err
	}
	return nil
}

func (s *parallelSched) handleCompletion(task *traversalTask, n *node.Node, err error) {
	if s.cancelled {
		return
	}
	if err != nil {
		s.firstErr = err
		s.cancelled = true
		s.drop()
		return
	}

	view := &NodeView{Path: n.Path, Value: n.Value, Hash: n.Hash}
	switch task.visitor.Down(task.depth, view) {
	case VisitStop:
		s.cancelled = true
		s.drop()
		return
	case VisitSkip:
		// No Up bracket for a skipped node, matching walkBlocking.
		s.finishNode(task.parent)
		return
	}

	var children []int
	for i := 0; i < 16; i++ {
		if n.HasChild[i] && task.visitor.ShouldVisit(task.depth, byte(i)) {
			children = append(children, i)
		}
	}
	if len(children) == 0 {
		task.visitor.Up(task.depth, view)
		s.finishNode(task.parent)
		return
	}

	frame := &nodeFrame{depth: task.depth, view: view, visitor: task.visitor, remaining: len(children), parent: task.parent}
	for _, i := range children {
		s.push(&traversalTask{
			offset:  n.Children[i],
			depth:   task.depth + 1,
			nibble:  byte(i),
			visitor: task.visitor.Clone(),
			parent:  frame,
		})
	}
}
