package mpt

// UpdateKind distinguishes the two mutation verbs of §4.6.
type UpdateKind uint8

const (
	UpdateUpsert UpdateKind = iota
	UpdateErase
)

// Update is one mutation in a version's submitted batch. Key is in
// byte form; it is converted with KeyToNibbles when the update is
// applied. Nested carries a subtrie's own update
// batch rooted at Key — the mechanism an execution client uses to update
// an account and its storage subtrie in a single submission (§4.6
// "Nested updates").
type Update struct {
	Kind  UpdateKind
	Key   []byte
	Value []byte

	// IncarnationFlag, set on an Upsert, means: when this leaf is newly
	// created, any existing subtree reachable below the same key is
	// abandoned rather than merged (account-resurrect semantics).
	IncarnationFlag bool

	Nested []*Update

	// SubtrieTag is passed to the state machine hook verbatim; the core
	// never interprets it.
	SubtrieTag uint8
}
