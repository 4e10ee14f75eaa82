package mpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4: after several versions of churn with compaction enabled, every key
// reachable from the latest root must still read back correctly.
func TestCompactionKeepsLatestRootReadable(t *testing.T) {
	db := newTestDB(t, 4)

	const versions = 12
	const keysPerVersion = 6

	var lastKeys [][]byte
	var lastValues [][]byte

	for v := uint64(1); v <= versions; v++ {
		var updates []*Update
		lastKeys = nil
		lastValues = nil
		for k := 0; k < keysPerVersion; k++ {
			key := []byte{byte(v), byte(k)}
			value := []byte{byte(v), byte(k), 0xFF}
			updates = append(updates, &Update{Kind: UpdateUpsert, Key: key, Value: value})
			lastKeys = append(lastKeys, key)
			lastValues = append(lastValues, value)
		}
		_, err := db.Upsert(updates, v, true)
		require.NoError(t, err)
	}

	for i, key := range lastKeys {
		got, outcome, err := db.Find(versions, key)
		require.NoError(t, err)
		assert.Equal(t, FindSuccess, outcome)
		assert.Equal(t, lastValues[i], got)
	}
}

func TestCompactorAdvancesFrontiers(t *testing.T) {
	db := newTestDB(t, 4)

	before0, before1 := db.pool.Index.CompactionFrontiers()

	for v := uint64(1); v <= 3; v++ {
		_, err := db.Upsert([]*Update{{Kind: UpdateUpsert, Key: []byte{byte(v)}, Value: []byte{byte(v)}}}, v, true)
		require.NoError(t, err)
	}

	after0, after1 := db.pool.Index.CompactionFrontiers()
	assert.True(t, after0.InsertionCount >= before0.InsertionCount)
	assert.True(t, after1.InsertionCount >= before1.InsertionCount)
}
