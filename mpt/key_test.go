package mpt

import "testing"

import "github.com/stretchr/testify/assert"

func TestKeyToNibbles(t *testing.T) {
	got := KeyToNibbles([]byte{0xAB, 0x01})
	assert.Equal(t, []byte{0xA, 0xB, 0x0, 0x1}, got)
}

func TestKeyToNibblesEmpty(t *testing.T) {
	assert.Empty(t, KeyToNibbles(nil))
}

func TestCommonPrefixLen(t *testing.T) {
	assert.Equal(t, 3, commonPrefixLen([]byte{1, 2, 3, 9}, []byte{1, 2, 3, 4, 5}))
	assert.Equal(t, 0, commonPrefixLen([]byte{1}, []byte{2}))
	assert.Equal(t, 2, commonPrefixLen([]byte{1, 2}, []byte{1, 2}))
}
