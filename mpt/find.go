package mpt

import (
	"github.com/ethertrie/mptdb/pool"
)

// FindOutcome enumerates the terminal states a versioned find can land in
// (§4.9). FindSuccess means the key was found; the value Find returns
// alongside it may still be nil (a node with no value at that key).
type FindOutcome uint8

const (
	FindSuccess FindOutcome = iota
	FindKeyEndsEarlierThanNode
	FindKeyMismatch
	FindBranchNotExist
	FindVersionNoLongerExist
	FindNeedToContinueInIOThread
)

func (o FindOutcome) String() string {
	switch o {
	case FindSuccess:
		return "success"
	case FindKeyEndsEarlierThanNode:
		return "key_ends_earlier_than_node"
	case FindKeyMismatch:
		return "key_mismatch"
	case FindBranchNotExist:
		return "branch_not_exist"
	case FindVersionNoLongerExist:
		return "version_no_longer_exist"
	case FindNeedToContinueInIOThread:
		return "need_to_continue_in_io_thread"
	default:
		return "unknown"
	}
}

// Find walks from version v's root toward key, consulting the node cache
// first at each step and issuing at most one read per level it has to
// fall through to disk for (§4.9). It returns the stored value and
// FindSuccess on a hit, or a zero value and the outcome tag describing
// why the walk stopped short.
//
// readNode does route each miss through the I/O executor now, but Find
// still submits and polls to completion itself before returning, so the
// whole walk presents synchronous, single-call semantics to its caller.
// FindNeedToContinueInIOThread never arises here for that reason — it is
// retained in the outcome enum for callers that build their own
// executor-thread-bound find sender directly on top of the pool and node
// packages without that blocking wrapper, per §4.9's "caller must repost
// the continuation to that thread" cross-thread case.
func (db *Database) Find(v uint64, key []byte) ([]byte, FindOutcome, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// ReadRoot reports ok=false both when v has aged out of the window and
	// when v's root is the empty-trie sentinel (an upsert that left the
	// trie with no nodes at all) — the same conflation Upsert already
	// relies on when it treats a missing prior root as "start empty".
	// Without a way to tell the two apart here, version_no_longer_exist is
	// the more actionable outcome to surface for either case.
	rootOffset, ok := db.pool.Index.ReadRoot(v)
	if !ok {
		return nil, FindVersionNoLongerExist, nil
	}

	nibbles := KeyToNibbles(key)
	return db.findFrom(rootOffset, nibbles)
}

// findFrom walks n's path nibble by nibble against key, matching
// original_source/category/mpt/find_request_sender.hpp's per-nibble loop
// exactly rather than commonPrefixLen + a length comparison: the two
// short-key outcomes are only distinguishable nibble by nibble.
// key_ends_earlier_than_node_failure fires the instant the key runs out
// while nibbles of n.Path remain unconsumed; key_mismatch_failure fires
// on the first differing nibble. Only once every nibble of n.Path has
// been consumed does running out of key mean an exact match — success,
// with whatever value (possibly none) the node carries.
func (db *Database) findFrom(offset pool.PhysicalOffset, key []byte) ([]byte, FindOutcome, error) {
	n, err := db.readNode(offset)
	if err != nil {
		return nil, 0, err
	}

	for i := 0; i < len(n.Path); i++ {
		if i >= len(key) {
			return nil, FindKeyEndsEarlierThanNode, nil
		}
		if key[i] != n.Path[i] {
			return nil, FindKeyMismatch, nil
		}
	}

	rest := key[len(n.Path):]
	if len(rest) == 0 {
		return n.Value, FindSuccess, nil
	}

	nib := rest[0]
	if !n.HasChild[nib] {
		return nil, FindBranchNotExist, nil
	}

	return db.findFrom(n.Children[nib], rest[1:])
}
