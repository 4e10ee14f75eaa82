package pool

import "fmt"

// Mode selects whether Open wipes existing device content (§4.1).
type Mode uint8

const (
	// ModeOpenExisting opens devices and trusts their existing footer and
	// metadata mirrors.
	ModeOpenExisting Mode = iota
	// ModeTruncate discards all device-wide content before rewriting the
	// metadata region and chunk capacity.
	ModeTruncate
)

// Config is the pool's enumerated startup configuration (§4.1, §6).
type Config struct {
	// DevicePaths is the ordered list of block devices or files backing
	// the pool.
	DevicePaths []string

	// Mode selects open-existing vs. truncate-on-open.
	Mode Mode

	// ChunkCapacityBits is log2 of the chunk byte size. Fixed at pool
	// creation and persisted in the device footer. On ModeOpenExisting it
	// is still required and feeds the config hash compared against the
	// footer, so a value other than the one recorded at creation fails
	// Open unless DisableMismatchingStoragePoolCheck is set.
	ChunkCapacityBits uint

	// OpenReadOnly maps metadata read-only.
	OpenReadOnly bool
	// OpenReadOnlyAllowDirty permits opening read-only over a pool whose
	// metadata mirrors are both marked dirty, healing via copy-on-write
	// private mappings instead of failing (§4.2).
	OpenReadOnlyAllowDirty bool

	// InterleaveChunksEvenly round-robins sequential chunk placement
	// across devices in proportion to each device's share (§4.1).
	InterleaveChunksEvenly bool

	// DisableMismatchingStoragePoolCheck skips the config-hash footer
	// verification; a diagnostic override, never set by default.
	DisableMismatchingStoragePoolCheck bool
}

// ChunkCapacity returns 1 << ChunkCapacityBits.
func (c Config) ChunkCapacity() uint64 { return uint64(1) << c.ChunkCapacityBits }

// Validate checks the enumerated invariants of a Config before Open
// attempts any device I/O.
func (c Config) Validate() error {
	if len(c.DevicePaths) == 0 {
		return fmt.Errorf("pool: at least one device path is required")
	}
	if c.ChunkCapacityBits == 0 {
		return fmt.Errorf("pool: chunk_capacity_bits must be set")
	}
	cap := c.ChunkCapacity()
	if cap%DiskPage != 0 {
		return fmt.Errorf("pool: chunk_capacity %d must be a DISK_PAGE (%d) multiple", cap, DiskPage)
	}
	if c.OpenReadOnlyAllowDirty && !c.OpenReadOnly {
		return fmt.Errorf("pool: open_read_only_allow_dirty requires open_read_only")
	}
	return nil
}
