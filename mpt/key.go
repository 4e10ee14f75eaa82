package mpt

// KeyToNibbles expands a byte-oriented key into its nibble sequence,
// high nibble first per byte, matching the node codec's path packing
// (§4.4, §9).
func KeyToNibbles(key []byte) []byte {
	out := make([]byte, len(key)*2)
	for i, b := range key {
		out[i*2] = b >> 4
		out[i*2+1] = b & 0xF
	}
	return out
}

// commonPrefixLen returns the length of the longest shared prefix of a
// and b, measured in nibbles.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
