// Package node implements the MPT node codec (C5) and the process-wide
// node cache (C6): the compact on-disk node layout, its encode/decode
// pair, and a byte-bounded LRU keyed by virtual chunk offset.
package node

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ethertrie/mptdb/pool"
)

const (
	flagHasValue    = 1 << 0
	flagHasHash     = 1 << 1
	flagOddNibbles  = 1 << 2
	hashSize        = 32
)

// Node is the in-memory form of one decoded trie node (§4.4).
type Node struct {
	Path     []byte // one nibble per byte, 0..15
	Children [16]pool.PhysicalOffset
	HasChild [16]bool
	Value    []byte // nil when the node carries no value
	Hash     []byte // nil, or a 32-byte cached subtree hash
}

// ChildMask returns the 16-bit bitmask of populated children.
func (n *Node) ChildMask() uint16 {
	var mask uint16
	for i := 0; i < 16; i++ {
		if n.HasChild[i] {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// ChildCount reports how many of the 16 slots are populated.
func (n *Node) ChildCount() int {
	count := 0
	for _, v := range n.HasChild {
		if v {
			count++
		}
	}
	return count
}

// IsLeaf reports whether the node has no children (a pure leaf: value and
// no branches below it).
func (n *Node) IsLeaf() bool { return n.ChildCount() == 0 }

// Encode serializes n into the compact wire layout described by §4.4:
// flags byte, child mask, path nibble count + packed nibbles, one packed
// physical-offset word per set child-mask bit, optional length-prefixed
// value, optional 32-byte hash.
func Encode(n *Node) ([]byte, error) {
	if len(n.Path) > 255 {
		return nil, errors.Errorf("node: path of %d nibbles exceeds 255-nibble wire limit", len(n.Path))
	}
	if n.Value != nil && len(n.Value) > 0xFFFFFFFF {
		return nil, errors.New("node: value too large to encode")
	}

	var flags byte
	if n.Value != nil {
		flags |= flagHasValue
	}
	if n.Hash != nil {
		flags |= flagHasHash
	}
	odd := len(n.Path)%2 == 1
	if odd {
		flags |= flagOddNibbles
	}

	mask := n.ChildMask()
	packedPathLen := (len(n.Path) + 1) / 2

	size := 1 + 2 + 1 + packedPathLen + 8*n.ChildCount()
	if n.Value != nil {
		size += 4 + len(n.Value)
	}
	if n.Hash != nil {
		size += hashSize
	}

	buf := make([]byte, size)
	off := 0
	buf[off] = flags
	off++
	binary.LittleEndian.PutUint16(buf[off:], mask)
	off += 2
	buf[off] = byte(len(n.Path))
	off++

	packPath(buf[off:off+packedPathLen], n.Path)
	off += packedPathLen

	for i := 0; i < 16; i++ {
		if !n.HasChild[i] {
			continue
		}
		binary.LittleEndian.PutUint64(buf[off:], n.Children[i].Pack())
		off += 8
	}

	if n.Value != nil {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(n.Value)))
		off += 4
		copy(buf[off:], n.Value)
		off += len(n.Value)
	}

	if n.Hash != nil {
		copy(buf[off:], n.Hash)
		off += hashSize
	}

	return buf, nil
}

// Decode parses the wire layout produced by Encode. It does not retain
// references into buf: all slices it returns are freshly allocated, so
// buf (typically a pool-owned read buffer) may be reused immediately
// after Decode returns.
func Decode(buf []byte) (*Node, error) {
	if len(buf) < 4 {
		return nil, errors.New("node: buffer too short for header")
	}
	flags := buf[0]
	mask := binary.LittleEndian.Uint16(buf[1:3])
	nibbleCount := int(buf[3])
	off := 4

	packedPathLen := (nibbleCount + 1) / 2
	if off+packedPathLen > len(buf) {
		return nil, errors.New("node: buffer too short for path")
	}
	path := unpackPath(buf[off:off+packedPathLen], nibbleCount)
	off += packedPathLen

	n := &Node{Path: path}

	for i := 0; i < 16; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		if off+8 > len(buf) {
			return nil, errors.New("node: buffer too short for child offset")
		}
		n.Children[i] = pool.UnpackPhysicalOffset(binary.LittleEndian.Uint64(buf[off:]))
		n.HasChild[i] = true
		off += 8
	}

	if flags&flagHasValue != 0 {
		if off+4 > len(buf) {
			return nil, errors.New("node: buffer too short for value length")
		}
		vlen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+vlen > len(buf) {
			return nil, errors.New("node: buffer too short for value")
		}
		n.Value = append([]byte(nil), buf[off:off+vlen]...)
		off += vlen
	}

	if flags&flagHasHash != 0 {
		if off+hashSize > len(buf) {
			return nil, errors.New("node: buffer too short for hash")
		}
		n.Hash = append([]byte(nil), buf[off:off+hashSize]...)
		off += hashSize
	}

	return n, nil
}

// packPath writes nibbles high-nibble-first, per byte, zero-filling the
// low half of a final odd nibble (§4.4, §9 "path-nibble packing is
// high-nibble-first within each byte").
func packPath(dst []byte, nibbles []byte) {
	for i := 0; i < len(dst); i++ {
		hi := nibbles[i*2] & 0xF
		var lo byte
		if i*2+1 < len(nibbles) {
			lo = nibbles[i*2+1] & 0xF
		}
		dst[i] = (hi << 4) | lo
	}
}

func unpackPath(src []byte, nibbleCount int) []byte {
	out := make([]byte, nibbleCount)
	for i := 0; i < nibbleCount; i++ {
		b := src[i/2]
		if i%2 == 0 {
			out[i] = b >> 4
		} else {
			out[i] = b & 0xF
		}
	}
	return out
}

// EncodedSize reports Encode's output length for n without allocating,
// useful for the update engine's fast/slow write-frontier accounting.
func EncodedSize(n *Node) int {
	size := 1 + 2 + 1 + (len(n.Path)+1)/2 + 8*n.ChildCount()
	if n.Value != nil {
		size += 4 + len(n.Value)
	}
	if n.Hash != nil {
		size += hashSize
	}
	return size
}
