package fracindex_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/fracindex"
)

func TestFirst(t *testing.T) {
	assert.Equal(t, "n", fracindex.First())
}

func TestBeforeSortsBefore(t *testing.T) {
	key := fracindex.First()
	for i := 0; i < 100; i++ {
		prev := fracindex.Before(key)
		require.Less(t, prev, key, "Before(%q) = %q must sort before", key, prev)
		key = prev
	}
}

func TestAfterSortsAfter(t *testing.T) {
	key := fracindex.First()
	for i := 0; i < 100; i++ {
		next := fracindex.After(key)
		require.Greater(t, next, key, "After(%q) = %q must sort after", key, next)
		key = next
	}
}

func TestBetween(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"a", "z"},
		{"b", "c"},
		{"ab", "ac"},
		{"n", "nn"},
		{"abc", "abd"},
		{"gn", "gnn"},
	}

	for _, tt := range tests {
		got := fracindex.Between(tt.a, tt.b)
		assert.Greater(t, got, tt.a, "Between(%q, %q) = %q", tt.a, tt.b, got)
		assert.Less(t, got, tt.b, "Between(%q, %q) = %q", tt.a, tt.b, got)
	}
}

func TestBetweenEmptyBounds(t *testing.T) {
	assert.Equal(t, fracindex.First(), fracindex.Between("", ""))
	assert.Less(t, fracindex.Between("", "n"), "n")
	assert.Greater(t, fracindex.Between("n", ""), "n")
}

// Repeated top-of-list insertion keeps every new key strictly first,
// mirroring how new sessions take the top slot in a namespace.
func TestRepeatedTopInsertionStaysSorted(t *testing.T) {
	var keys []string
	top := fracindex.First()
	keys = append(keys, top)
	for i := 0; i < 200; i++ {
		top = fracindex.Before(top)
		keys = append(keys, top)
	}

	require.True(t, sort.SliceIsSorted(keys, func(i, j int) bool {
		return keys[i] > keys[j]
	}), "each new key must sort before all prior keys")
}

func TestBetweenDense(t *testing.T) {
	// Repeatedly bisect the same interval; keys must stay strictly ordered.
	a, b := "b", "c"
	for i := 0; i < 50; i++ {
		m := fracindex.Between(a, b)
		require.Greater(t, m, a)
		require.Less(t, m, b)
		b = m
	}
}
