// Package mpt implements the versioned update engine (C7), the compactor
// (C8), async preorder traversal and versioned find (C9), and the
// top-level Database type that ties C1–C9 together behind the §6 commit
// interface.
package mpt

import "github.com/codahale/blake2"

// HashVariant selects which hash-computation routine the update engine
// uses to recompute a node's cached subtree hash (§6 "state-machine
// hook ... plus the hash-computation variant to use"). The core never
// hashes value bytes itself for anything beyond the generic variant; it
// is the state machine's job to pick the right domain-specific routine.
type HashVariant uint8

const (
	HashNone HashVariant = iota
	HashAccountLeaf
	HashStorageLeaf
	HashReceiptLeaf
	HashGeneric
)

// NodeDecision is the three-field struct the state-machine hook returns
// for each node materialized during an upsert (§6).
type NodeDecision struct {
	CacheThisNode    bool
	CompactThroughHere bool
	AutoExpire       bool
	Hash             HashVariant
}

// StateMachine is the sole mechanism by which the core learns domain
// semantics; it is consulted per node during upsert, keyed by the node's
// depth in the trie and a caller-supplied subtrie-type tag, and never
// inspects value bytes (§6).
type StateMachine interface {
	Decide(depth int, subtrieTag uint8) NodeDecision
}

// HashProvider computes the bytes fed into a node's cached subtree hash
// for a given variant. The real Keccak-256 routines used by an execution
// client are an external collaborator (§1); this package ships only the
// "generic" variant, exercised by tests and by TESTABLE PROPERTY 6
// (hash determinism).
type HashProvider interface {
	Hash(variant HashVariant, data []byte) [32]byte
}

// DefaultStateMachine is a minimal always-cache, never-compact-early,
// never-auto-expire policy using the generic hash variant throughout;
// adequate for tests and for callers that have no domain-specific tiering
// to express.
type DefaultStateMachine struct{}

func (DefaultStateMachine) Decide(depth int, subtrieTag uint8) NodeDecision {
	return NodeDecision{CacheThisNode: true, Hash: HashGeneric}
}

// blake2HashProvider is the default/test "generic" hash-variant provider
// (§1: real Keccak-256 stays an external collaborator). It is used
// whenever a Database is opened without an explicit HashProvider.
type blake2HashProvider struct{}

func (blake2HashProvider) Hash(variant HashVariant, data []byte) [32]byte {
	if variant == HashNone {
		return [32]byte{}
	}
	h, err := blake2.New(&blake2.Config{Size: 32})
	if err != nil {
		panic(err)
	}
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DefaultHashProvider returns the package's built-in generic-variant
// hash provider.
func DefaultHashProvider() HashProvider { return blake2HashProvider{} }
