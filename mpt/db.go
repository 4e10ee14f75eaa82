package mpt

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ethertrie/mptdb/internal/fail"
	"github.com/ethertrie/mptdb/ioexec"
	"github.com/ethertrie/mptdb/node"
	"github.com/ethertrie/mptdb/pool"
)

// Config bundles the §6 "Configuration (startup, enumerated)" knobs that
// belong to the core (device/ring/buffer sizing lives in pool.Config and
// ioexec.Config; this is the mpt-layer subset).
type Config struct {
	Pool pool.Config
	IO   ioexec.Config

	NodeCacheBytes     int
	VersionHistoryWindowW int

	StrictErase bool // erase of a non-existent key is an error rather than a no-op

	// InitialSlowFastRatio seeds the compactor's target slow/fast
	// list-length ratio (§4.6 "unless the slow/fast list-length ratio
	// would exceed the recorded target"); SPEC_FULL.md Open Question
	// decision: exposed as a tunable with no automatic reset path.
	InitialSlowFastRatio float64

	StateMachine StateMachine
	HashProvider HashProvider
}

// Database is the top-level type implementing the §6 commit interface,
// wiring the storage pool (C1/C2), node codec and cache (C5/C6), the I/O
// executor (C3/C4), update engine (C7), compactor (C8), and
// traversal/find senders (C9) together.
//
// Every exported method must be called from the goroutine that called
// Open: Open constructs db.io on that goroutine, and ioexec.Executor is
// affine to the OS thread that created it (§4.3) — the same constraint
// db.mu's critical sections inherit transitively the moment they touch
// db.io.
type Database struct {
	mu sync.Mutex

	pool         *pool.Pool
	cache        *node.Cache
	io           *ioexec.Executor
	stateMachine StateMachine
	hashProvider HashProvider

	window       int
	strictErase  bool
	compactor    *compactor
}

// Open opens (or formats, on pool.ModeTruncate) a database over cfg.
func Open(cfg Config) (*Database, error) {
	if cfg.VersionHistoryWindowW <= 0 {
		return nil, errors.New("mpt: VersionHistoryWindowW must be positive")
	}

	p, err := pool.Open(cfg.Pool, cfg.VersionHistoryWindowW)
	if err != nil {
		return nil, err
	}

	nodeCache, err := node.NewCache(cfg.NodeCacheBytes, 1<<16)
	if err != nil {
		p.Close()
		return nil, err
	}

	sm := cfg.StateMachine
	if sm == nil {
		sm = DefaultStateMachine{}
	}
	hp := cfg.HashProvider
	if hp == nil {
		hp = DefaultHashProvider()
	}

	ratio := cfg.InitialSlowFastRatio
	if ratio == 0 {
		ratio = 0.35
	}

	ioCfg := cfg.IO
	if ioCfg.PrimaryEntries == 0 {
		ioCfg.PrimaryEntries = 256
	}
	if ioCfg.ReadBufferCount == 0 {
		ioCfg.ReadBufferCount = 64
	}
	if ioCfg.ReadBufferSize == 0 {
		// +1 page: a read's intra-page delta can itself eat up to
		// DiskPage-1 bytes on top of maxPagesToRead whole pages.
		ioCfg.ReadBufferSize = (maxPagesToRead + 1) * pool.DiskPage
	}
	if ioCfg.WriteBufferCount == 0 {
		ioCfg.WriteBufferCount = 16
	}
	if ioCfg.WriteBufferSize == 0 {
		ioCfg.WriteBufferSize = (maxPagesToRead + 1) * pool.DiskPage
	}
	if ioCfg.ConcurrentReadCap == 0 {
		ioCfg.ConcurrentReadCap = 32
	}
	if ioCfg.MessageQueueDepth == 0 {
		ioCfg.MessageQueueDepth = 64
	}

	exec, err := ioexec.NewExecutor(ioCfg)
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "mpt: start I/O executor")
	}

	db := &Database{
		pool:         p,
		cache:        nodeCache,
		io:           exec,
		stateMachine: sm,
		hashProvider: hp,
		window:       cfg.VersionHistoryWindowW,
		strictErase:  cfg.StrictErase,
	}
	db.compactor = newCompactor(db, ratio)
	return db, nil
}

// Close tears down the I/O executor and releases the underlying storage
// pool.
func (db *Database) Close() error {
	db.io.Close()
	return db.pool.Close()
}

// RootHandle identifies a committed version's root (§6 "upsert(...) →
// new root handle").
type RootHandle struct {
	Version uint64
	Offset  pool.PhysicalOffset
	Hash    []byte
}

// Upsert applies updates as version, building on the prior version's
// root (version-1), and commits the new root atomically (§4.6). There is
// no write_to_fast_ring parameter: freshly materialized nodes are always
// written to the fast list, and compaction relocation (§4.7) makes its
// own fast/slow choice.
func (db *Database) Upsert(updates []*Update, version uint64, compactionEnabled bool) (RootHandle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var root *workNode
	if version > 0 {
		if priorOffset, ok := db.pool.Index.ReadRoot(version - 1); ok {
			n, err := db.readNode(priorOffset)
			fatalOnIOError(err)
			root = toWork(n)
		}
	}

	ctx := &upsertCtx{db: db}
	for _, u := range updates {
		newRoot, found, err := ctx.applyOne(root, u)
		if err != nil {
			// Every error applyOne returns comes from node I/O inside the
			// recursive descent, and fatalOnIOError treats any non-nil
			// error as fatal per §7, so the return below is not reached
			// with an error.
			fatalOnIOError(err)
			return RootHandle{}, err
		}
		if db.strictErase && u.Kind == UpdateErase && !found {
			return RootHandle{}, errors.Wrapf(errEraseNotFound, "key %x", u.Key)
		}
		root = newRoot
	}

	var (
		rootOffset pool.PhysicalOffset
		rootHash   []byte
	)
	if root != nil {
		var err error
		rootOffset, rootHash, err = ctx.writePass(root, 0)
		fatalOnIOError(err)
	} else {
		rootOffset = pool.InvalidPhysicalOffset
		rootHash = emptyTrieHash(db)
	}

	fastOffset := db.pool.Index.FastOffset()
	slowOffset := db.pool.Index.SlowOffset()
	db.pool.Index.AdvanceOffsets(version, rootOffset, fastOffset, slowOffset)

	if compactionEnabled {
		db.compactor.runAfterCommit()
	}

	return RootHandle{Version: version, Offset: rootOffset, Hash: rootHash}, nil
}

// emptyTrieHash is TESTABLE PROPERTY 9's sentinel: the hash of the empty
// trie, computed once per call (not cached across Databases since the
// hash provider is pluggable).
func emptyTrieHash(db *Database) []byte {
	sum := db.hashProvider.Hash(HashGeneric, nil)
	return sum[:]
}

// MoveVersionForward renumbers src onto dest without copying trie data
// (SUPPLEMENTED FEATURE, §6).
func (db *Database) MoveVersionForward(src, dest uint64) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool.Index.MoveVersionForward(src, dest)
}

// ReadRootForVersion returns v's root handle if it is still within the
// version window (§6 "read_root_for_version(v) → root_handle | none").
func (db *Database) ReadRootForVersion(v uint64) (RootHandle, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	off, ok := db.pool.Index.ReadRoot(v)
	if !ok {
		return RootHandle{}, false
	}
	return RootHandle{Version: v, Offset: off}, true
}

func (db *Database) MinValidVersion() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool.Index.MinValidVersion()
}

func (db *Database) MaxVersion() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool.Index.MaxVersion()
}

// fatalOnIOError wraps the §7 rule that raw I/O errors during upsert are
// unrecoverable: any caller encountering one from the pool layer below
// Upsert has already seen the process aborted via internal/fail before
// this returns.
func fatalOnIOError(err error) {
	if err != nil {
		fail.Fatal(err, "mpt: fatal I/O error during commit")
	}
}
