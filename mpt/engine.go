package mpt

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ethertrie/mptdb/node"
	"github.com/ethertrie/mptdb/pool"
)

// workNode is the in-memory, copy-on-write working form of a node while a
// version's updates are being applied (§9 "nodes under active modification
// live in small per-upsert arenas, dropped at commit"). Touching an
// on-disk node for the first time during an upsert copies it into a
// workNode rather than mutating the immutable prior version in place.
type workNode struct {
	path     []byte
	value    []byte
	hash     []byte // nil once any descendant changes; recomputed on write
	children [16]*workChild
}

// workChild is either an untouched pointer into the prior version (offset
// valid, work nil) or a node materialized/modified during this upsert
// (work non-nil).
type workChild struct {
	has    bool
	work   *workNode
	offset pool.PhysicalOffset
}

func toWork(n *node.Node) *workNode {
	wn := &workNode{
		path:  append([]byte(nil), n.Path...),
		value: append([]byte(nil), n.Value...),
		hash:  append([]byte(nil), n.Hash...),
	}
	for i := 0; i < 16; i++ {
		if n.HasChild[i] {
			wn.children[i] = &workChild{has: true, offset: n.Children[i]}
		}
	}
	return wn
}

// upsertCtx carries the state shared by one version's recursive
// upsert/erase application: the database and the subtrie tag passed to the
// state machine. Depth is not kept here; writePass receives it as an
// argument.
type upsertCtx struct {
	db  *Database
	tag uint8
}

// loadChild materializes wn.children[nib] into a *workNode, reading it
// from disk on first touch. Returns nil if the slot is empty.
func (e *upsertCtx) loadChild(wn *workNode, nib byte) (*workNode, error) {
	c := wn.children[nib]
	if c == nil || !c.has {
		return nil, nil
	}
	if c.work != nil {
		return c.work, nil
	}
	n, err := e.db.readNode(c.offset)
	if err != nil {
		return nil, err
	}
	return toWork(n), nil
}

// put implements a standard persistent-trie upsert with path compression
// over workNode, applied one key at a time against the shared
// in-version working tree (§4.6: algorithm steps 3–5). Applying a batch's
// updates sequentially against one shared working root, rather than
// partitioning the whole batch in a single recursive pass, yields the
// same rebuilt trie — every update still commits atomically at version
// end, before any write reaches disk.
func (e *upsertCtx) put(wn *workNode, key, value []byte) (*workNode, error) {
	if wn == nil {
		return &workNode{path: key, value: value}, nil
	}

	cp := commonPrefixLen(wn.path, key)

	switch {
	case cp == len(wn.path) && cp == len(key):
		wn.value = value
		wn.hash = nil
		return wn, nil

	case cp == len(wn.path):
		nib := key[cp]
		child, err := e.loadChild(wn, nib)
		if err != nil {
			return nil, err
		}
		newChild, err := e.put(child, key[cp+1:], value)
		if err != nil {
			return nil, err
		}
		wn.children[nib] = &workChild{has: true, work: newChild}
		wn.hash = nil
		return wn, nil

	default:
		// Diverges inside wn.path at nibble cp: split (§4.6 step 5).
		branch := &workNode{path: append([]byte(nil), wn.path[:cp]...)}

		oldNib := wn.path[cp]
		wn.path = append([]byte(nil), wn.path[cp+1:]...)
		wn.hash = nil
		branch.children[oldNib] = &workChild{has: true, work: wn}

		if cp == len(key) {
			branch.value = value
		} else {
			newNib := key[cp]
			leaf := &workNode{path: append([]byte(nil), key[cp+1:]...), value: value}
			branch.children[newNib] = &workChild{has: true, work: leaf}
		}
		return branch, nil
	}
}

// remove implements erase with cascading path-compression collapse
// (§4.6 steps 4/6). Returns the rebuilt subtree, whether the key was
// actually found, and any I/O error.
func (e *upsertCtx) remove(wn *workNode, key []byte) (*workNode, bool, error) {
	if wn == nil {
		return nil, false, nil
	}

	cp := commonPrefixLen(wn.path, key)
	if cp < len(wn.path) {
		return wn, false, nil
	}

	if cp == len(key) {
		if wn.value == nil {
			return wn, false, nil
		}
		wn.value = nil
		wn.hash = nil
		collapsed, err := e.collapseIfNeeded(wn)
		return collapsed, true, err
	}

	nib := key[cp]
	child, err := e.loadChild(wn, nib)
	if err != nil {
		return nil, false, err
	}
	if child == nil {
		return wn, false, nil
	}
	newChild, found, err := e.remove(child, key[cp+1:])
	if err != nil || !found {
		return wn, found, err
	}
	if newChild == nil {
		wn.children[nib] = nil
	} else {
		wn.children[nib] = &workChild{has: true, work: newChild}
	}
	wn.hash = nil
	collapsed, err := e.collapseIfNeeded(wn)
	return collapsed, true, err
}

// collapseIfNeeded implements §4.6 step 4/6's path-compression fold: a
// node with no own value and no children vanishes; one with no own value
// and exactly one child splices that child's path onto its own and
// adopts its contents.
func (e *upsertCtx) collapseIfNeeded(wn *workNode) (*workNode, error) {
	count := 0
	var only byte
	for i, c := range wn.children {
		if c != nil && c.has {
			count++
			only = byte(i)
		}
	}

	if wn.value == nil && count == 0 {
		return nil, nil
	}
	if wn.value != nil || count != 1 {
		return wn, nil
	}

	child, err := e.loadChild(wn, only)
	if err != nil {
		return nil, err
	}
	merged := &workNode{
		path:     append(append(append([]byte(nil), wn.path...), only), child.path...),
		value:    child.value,
		children: child.children,
	}
	return merged, nil
}

// writePass encodes and writes the working tree bottom-up (children
// before parents, §4.6 step 3 / TESTABLE PROPERTY 4), recomputing each
// changed node's cached subtree hash via the state machine's chosen
// hash variant, and returns the root's physical offset plus its hash.
func (e *upsertCtx) writePass(wn *workNode, depth int) (pool.PhysicalOffset, []byte, error) {
	var childHashes [][]byte
	for i := 0; i < 16; i++ {
		c := wn.children[i]
		if c == nil || !c.has {
			continue
		}
		if c.work == nil {
			// Untouched subtree: its hash is already cached on disk.
			existing, err := e.db.readNode(c.offset)
			if err != nil {
				return pool.PhysicalOffset{}, nil, err
			}
			childHashes = append(childHashes, existing.Hash)
			continue
		}
		childOffset, childHash, err := e.writePass(c.work, depth+1)
		if err != nil {
			return pool.PhysicalOffset{}, nil, err
		}
		wn.children[i] = &workChild{has: true, offset: childOffset}
		childHashes = append(childHashes, childHash)
	}

	decision := e.db.stateMachine.Decide(depth, e.tag)

	if wn.hash == nil {
		wn.hash = e.computeHash(wn, childHashes, decision.Hash)
	}

	n := &node.Node{Path: wn.path, Value: wn.value, Hash: wn.hash}
	for i, c := range wn.children {
		if c != nil && c.has {
			n.HasChild[i] = true
			n.Children[i] = c.offset
		}
	}

	off, err := e.db.writeNode(n, pool.ListFast, decision)
	if err != nil {
		return pool.PhysicalOffset{}, nil, err
	}
	return off, wn.hash, nil
}

// computeHash concatenates the node's own content with its children's
// hashes and feeds the chosen variant — a generic, structural hash
// adequate for TESTABLE PROPERTY 6 (determinism) without encoding any
// execution-client-specific RLP/trie-proof format (an external
// collaborator per §1).
func (e *upsertCtx) computeHash(wn *workNode, childHashes [][]byte, variant HashVariant) []byte {
	buf := append([]byte(nil), wn.path...)
	buf = append(buf, wn.value...)
	for _, h := range childHashes {
		buf = append(buf, h...)
	}
	sum := e.db.hashProvider.Hash(variant, buf)
	return sum[:]
}

// nestedPrefixLen is the byte width of the packed physical-offset prefix
// a leaf's Value carries when the corresponding Update has Nested
// entries (SUPPLEMENTED FEATURE: nested/incarnation updates, §4.6).
const nestedPrefixLen = 8

func packNestedPrefix(p pool.PhysicalOffset) []byte {
	b := make([]byte, nestedPrefixLen)
	binary.LittleEndian.PutUint64(b, p.Pack())
	return b
}

func unpackNestedPrefix(value []byte) (pool.PhysicalOffset, []byte, bool) {
	if len(value) < nestedPrefixLen {
		return pool.PhysicalOffset{}, value, false
	}
	w := binary.LittleEndian.Uint64(value[:nestedPrefixLen])
	p := pool.UnpackPhysicalOffset(w)
	if p.IsInvalid() {
		return pool.PhysicalOffset{}, value[nestedPrefixLen:], false
	}
	return p, value[nestedPrefixLen:], true
}

// applyNested resolves one Update's nested subtrie batch against its
// prior nested root (dropped entirely when IncarnationFlag is set,
// per §4.6's account-resurrect semantics), returning the leaf value to
// store: the new nested root packed as an 8-byte prefix followed by the
// update's own value bytes.
func (e *upsertCtx) applyNested(u *Update, priorValue []byte) ([]byte, error) {
	var priorRoot pool.PhysicalOffset
	var hadRoot bool
	if !u.IncarnationFlag {
		priorRoot, _, hadRoot = unpackNestedPrefix(priorValue)
	}

	var wn *workNode
	if hadRoot {
		n, err := e.db.readNode(priorRoot)
		if err != nil {
			return nil, err
		}
		wn = toWork(n)
	}

	nestedCtx := &upsertCtx{db: e.db, tag: u.SubtrieTag}
	var err error
	for _, nu := range u.Nested {
		wn, _, err = nestedCtx.applyOne(wn, nu)
		if err != nil {
			return nil, err
		}
	}

	if wn == nil {
		return append(packNestedPrefix(pool.InvalidPhysicalOffset), u.Value...), nil
	}
	rootOffset, _, err := nestedCtx.writePass(wn, 0)
	if err != nil {
		return nil, err
	}
	return append(packNestedPrefix(rootOffset), u.Value...), nil
}

// applyOne dispatches a single Update (optionally carrying its own
// nested batch) against the working root. found reports, for an erase,
// whether the key was actually present — callers in strict mode surface
// a missing key as an error (§7 "invalid update ... when strict mode is
// on").
func (e *upsertCtx) applyOne(root *workNode, u *Update) (newRoot *workNode, found bool, err error) {
	key := KeyToNibbles(u.Key)

	switch u.Kind {
	case UpdateErase:
		newRoot, found, err = e.remove(root, key)
		return newRoot, found, err

	default: // UpdateUpsert
		value := u.Value
		if len(u.Nested) > 0 {
			var priorValue []byte
			if existingLeaf := e.findExactForNested(root, key); existingLeaf != nil {
				priorValue = existingLeaf.value
			}
			value, err = e.applyNested(u, priorValue)
			if err != nil {
				return nil, false, err
			}
		}
		newRoot, err = e.put(root, key, value)
		return newRoot, true, err
	}
}

// findExactForNested looks up the current value at key, if any, without
// mutating the working tree — used to recover a prior nested-subtrie
// root before applying a new nested batch on top of it.
func (e *upsertCtx) findExactForNested(wn *workNode, key []byte) *workNode {
	if wn == nil {
		return nil
	}
	cp := commonPrefixLen(wn.path, key)
	if cp < len(wn.path) {
		return nil
	}
	if cp == len(key) {
		if wn.value == nil {
			return nil
		}
		return wn
	}
	child, err := e.loadChild(wn, key[cp])
	if err != nil || child == nil {
		return nil
	}
	return e.findExactForNested(child, key[cp+1:])
}

var errEraseNotFound = errors.New("mpt: erase of non-existent key")
