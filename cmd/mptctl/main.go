// Command mptctl is the standalone utility wrapping the core described in
// §6 ("Exit codes: 0 on clean shutdown, non-zero on metadata corruption or
// I/O fatal"). It is intentionally thin: device paths and the enumerated
// pool/mpt knobs only. Full configuration parsing, the CLI proper, and the
// JSON-RPC façade are external collaborators per §1.
package main

import (
	"fmt"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/ethertrie/mptdb/internal/diag"
	"github.com/ethertrie/mptdb/internal/fail"
	"github.com/ethertrie/mptdb/mpt"
	"github.com/ethertrie/mptdb/pool"
)

var (
	app = kingpin.New("mptctl", "Diagnostic utility for the mptdb storage engine.")

	devicePaths       = app.Flag("device", "backing device or file path (repeatable)").Required().Strings()
	chunkCapacityBits = app.Flag("chunk-capacity-bits", "log2 of the chunk byte size").Default("26").Uint()
	windowW           = app.Flag("window", "version history window W").Default("32").Int()
	cacheBytes        = app.Flag("cache-bytes", "node cache byte budget").Default("67108864").Int()

	openCmd = app.Command("open", "open (or create, with --truncate) the pool and exit")
	openTrunc = openCmd.Flag("truncate", "wipe and reformat the devices on open").Bool()

	statsCmd = app.Command("stats", "open the pool and print version/window diagnostics")

	findCmd  = app.Command("find", "look up a single key at a version")
	findVer  = findCmd.Arg("version", "version to read from").Required().Uint64()
	findKey  = findCmd.Arg("key", "hex-encoded key").Required().String()
)

func main() {
	os.Exit(run())
}

// run returns the process exit code instead of calling os.Exit directly so
// the fatal-path recover below always has a chance to run first.
func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := fail.AsFatal(r); ok {
				fmt.Fprintln(os.Stderr, diag.Line("mptctl", err, 0))
				code = 1
				return
			}
			panic(r)
		}
	}()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	mode := pool.ModeOpenExisting
	if cmd == openCmd.FullCommand() && *openTrunc {
		mode = pool.ModeTruncate
	}

	cfg := mpt.Config{
		Pool: pool.Config{
			DevicePaths:       *devicePaths,
			Mode:              mode,
			ChunkCapacityBits: *chunkCapacityBits,
		},
		NodeCacheBytes:        *cacheBytes,
		VersionHistoryWindowW: *windowW,
	}

	db, err := mpt.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, diag.Line("open", err, 0))
		return 1
	}
	defer db.Close()

	switch cmd {
	case openCmd.FullCommand():
		return 0

	case statsCmd.FullCommand():
		fmt.Printf("min_valid_version=%d max_version=%d\n", db.MinValidVersion(), db.MaxVersion())
		return 0

	case findCmd.FullCommand():
		return runFind(db)
	}
	return 0
}

func runFind(db *mpt.Database) int {
	key, err := decodeHexKey(*findKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, diag.Line("find: bad key", err, 0))
		return 1
	}

	value, outcome, err := db.Find(*findVer, key)
	if err != nil {
		fmt.Fprintln(os.Stderr, diag.Line("find", err, 0))
		return 1
	}
	if outcome != mpt.FindSuccess {
		fmt.Printf("%s\n", outcome)
		return 0
	}
	fmt.Printf("%x\n", value)
	return 0
}

func decodeHexKey(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex key %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, ok1 := hexNibble(s[2*i])
		lo, ok2 := hexNibble(s[2*i+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex key %q", s)
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
