package polyhash_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/polyhash"
)

func keysUpTo(n int) []catalog.Key {
	keys := make([]catalog.Key, n)
	for i := range keys {
		keys[i] = catalog.Key(i*7 + 101) // avoid the trivially-injective identity sequence
	}
	return keys
}

func TestSearchIsInjectiveAndDeterministic(t *testing.T) {
	keys := keysUpTo(64)

	r1, err := polyhash.Search(keys, polyhash.DefaultBudget)
	require.NoError(t, err)
	r2, err := polyhash.Search(keys, polyhash.DefaultBudget)
	require.NoError(t, err)

	assert.Equal(t, r1.M, r2.M)
	assert.Equal(t, r1.S, r2.S)
	assert.Equal(t, r1.Buckets, r2.Buckets)

	seen := make(map[int]bool)
	for _, k := range keys {
		h := r1.Index(k)
		require.GreaterOrEqual(t, h, 0)
		require.Less(t, h, r1.Buckets)
		require.False(t, seen[h], "hash collision at bucket %d", h)
		seen[h] = true
	}
}

func TestSearchStressTenThousandKeys(t *testing.T) {
	keys := keysUpTo(10000)
	r, err := polyhash.Search(keys, polyhash.DefaultBudget)
	require.NoError(t, err)

	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		h := r.Index(k)
		require.False(t, seen[h])
		seen[h] = true
	}
}

func TestSearchEmptyKeysSucceeds(t *testing.T) {
	r, err := polyhash.Search(nil, polyhash.DefaultBudget)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.Buckets, 2)
}

func TestSearchReturnsFailedErrorWhenBudgetExhausted(t *testing.T) {
	keys := keysUpTo(64)
	budget := polyhash.Budget{AttemptsPerShift: 1, Deadline: time.Nanosecond}

	_, err := polyhash.Search(keys, budget)
	require.Error(t, err)
	var failed *polyhash.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Greater(t, failed.Attempts, 0)
}
