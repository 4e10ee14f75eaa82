package mpt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingVisitor records every leaf value it visits; it is safe for
// concurrent use by parallel subwalks since every Clone shares one
// mutex-protected slice, as the values recorded only need to be
// complete, not structured per-branch.
type collectingVisitor struct {
	mu     *sync.Mutex
	leaves *[][]byte
	stopAt int // stop after this many leaves observed so far; 0 = never
}

func newCollectingVisitor() *collectingVisitor {
	return &collectingVisitor{mu: &sync.Mutex{}, leaves: &[][]byte{}}
}

func (v *collectingVisitor) Down(depth int, n *NodeView) VisitDecision {
	if n.Value != nil {
		v.mu.Lock()
		*v.leaves = append(*v.leaves, n.Value)
		count := len(*v.leaves)
		v.mu.Unlock()
		if v.stopAt != 0 && count >= v.stopAt {
			return VisitStop
		}
	}
	return VisitDescend
}

func (v *collectingVisitor) Up(depth int, n *NodeView) {}

func (v *collectingVisitor) ShouldVisit(depth int, childNibble byte) bool { return true }

func (v *collectingVisitor) Clone() Visitor {
	return &collectingVisitor{mu: v.mu, leaves: v.leaves, stopAt: v.stopAt}
}

func TestTraverseBlockingVisitsEveryLeaf(t *testing.T) {
	db := newTestDB(t, 4)

	updates := []*Update{
		{Kind: UpdateUpsert, Key: []byte{0x00}, Value: []byte("a")},
		{Kind: UpdateUpsert, Key: []byte{0x11}, Value: []byte("b")},
		{Kind: UpdateUpsert, Key: []byte{0x22}, Value: []byte("c")},
		{Kind: UpdateUpsert, Key: []byte{0x23}, Value: []byte("d")},
	}
	_, err := db.Upsert(updates, 1, false)
	require.NoError(t, err)

	v := newCollectingVisitor()
	outcome, err := db.TraverseBlocking(1, v)
	require.NoError(t, err)
	assert.Equal(t, FindSuccess, outcome)
	assert.Len(t, *v.leaves, 4)
}

func TestTraverseBlockingStopsEarly(t *testing.T) {
	db := newTestDB(t, 4)

	updates := []*Update{
		{Kind: UpdateUpsert, Key: []byte{0x00}, Value: []byte("a")},
		{Kind: UpdateUpsert, Key: []byte{0x11}, Value: []byte("b")},
		{Kind: UpdateUpsert, Key: []byte{0x22}, Value: []byte("c")},
	}
	_, err := db.Upsert(updates, 1, false)
	require.NoError(t, err)

	v := newCollectingVisitor()
	v.stopAt = 1
	_, err = db.TraverseBlocking(1, v)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(*v.leaves), 3, "visitor stopping early must visit a prefix, never more than the full sequence")
}

func TestTraverseParallelVisitsEveryLeaf(t *testing.T) {
	db := newTestDB(t, 4)

	updates := make([]*Update, 0, 20)
	for i := 0; i < 20; i++ {
		updates = append(updates, &Update{Kind: UpdateUpsert, Key: []byte{byte(i)}, Value: []byte{byte(i)}})
	}
	_, err := db.Upsert(updates, 1, false)
	require.NoError(t, err)

	v := newCollectingVisitor()
	outcome, err := db.TraverseParallel(1, v, 4)
	require.NoError(t, err)
	assert.Equal(t, FindSuccess, outcome)
	assert.Len(t, *v.leaves, 20)
}

func TestTraverseOnUnknownVersionReturnsVersionNoLongerExist(t *testing.T) {
	db := newTestDB(t, 4)
	upsertOne(t, db, 1, []byte{0x01}, []byte("x"))

	v := newCollectingVisitor()
	outcome, err := db.TraverseBlocking(99, v)
	require.NoError(t, err)
	assert.Equal(t, FindVersionNoLongerExist, outcome)
}

// S6: a version invalidated before the traversal starts must be observed
// as version_no_longer_exist rather than a panic or a hang.
func TestTraverseParallelCancelsOnInvalidation(t *testing.T) {
	db := newTestDB(t, 4)

	updates := make([]*Update, 0, 50)
	for i := 0; i < 50; i++ {
		updates = append(updates, &Update{Kind: UpdateUpsert, Key: []byte{byte(i)}, Value: []byte{byte(i)}})
	}
	_, err := db.Upsert(updates, 1, false)
	require.NoError(t, err)

	db.mu.Lock()
	db.pool.Index.InvalidateVersion(1)
	db.mu.Unlock()

	v := newCollectingVisitor()
	outcome, err := db.TraverseParallel(1, v, 2)
	require.NoError(t, err)
	assert.Equal(t, FindVersionNoLongerExist, outcome)
}
