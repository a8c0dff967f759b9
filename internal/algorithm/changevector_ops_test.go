package algorithm

import (
	"testing"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeVectorOps_ParseAndFormat(t *testing.T) {
	ops := NewChangeVectorOps()

	cv, err := ops.Parse("B:3-db2, A:12-db1")
	require.NoError(t, err)
	require.Len(t, cv.Entries, 2)
	assert.Equal(t, "B", cv.Entries[0].NodeTag)
	assert.Equal(t, int64(3), cv.Entries[0].Etag)
	assert.Equal(t, "db2", cv.Entries[0].DatabaseID)

	assert.Equal(t, "A:12-db1, B:3-db2", ops.Format(cv))
}

func TestChangeVectorOps_ParseInvalid(t *testing.T) {
	ops := NewChangeVectorOps()

	_, err := ops.Parse("A12")
	assert.Error(t, err)

	_, err = ops.Parse("A:x-db")
	assert.Error(t, err)
}

func TestChangeVectorOps_EqualIsOrderInsensitive(t *testing.T) {
	ops := NewChangeVectorOps()

	assert.True(t, ops.Equal("A:1-x, B:2-y", "B:2-y,A:1-x"))
	assert.False(t, ops.Equal("A:1-x", "A:2-x"))
	assert.True(t, ops.Equal("", ""))
}

func TestChangeVectorOps_Compare(t *testing.T) {
	ops := NewChangeVectorOps()
	parse := func(s string) model.ChangeVector {
		cv, err := ops.Parse(s)
		require.NoError(t, err)
		return cv
	}

	tests := []struct {
		name string
		a, b string
		want model.ChangeVectorComparison
	}{
		{"identical", "A:1-x", "A:1-x", model.Identical},
		{"before", "A:1-x", "A:2-x", model.Before},
		{"after", "A:3-x, B:1-y", "A:2-x", model.After},
		{"concurrent", "A:3-x", "B:1-y", model.Concurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ops.Compare(parse(tt.a), parse(tt.b)))
		})
	}
}

func TestChangeVectorOps_MergeKeepsMax(t *testing.T) {
	ops := NewChangeVectorOps()
	a, _ := ops.Parse("A:1-x, B:5-y")
	b, _ := ops.Parse("A:4-x")

	merged := ops.Merge(a, b)
	assert.Equal(t, "A:4-x, B:5-y", ops.Format(merged))
}

func TestChangeVectorOps_MergeIsSorted(t *testing.T) {
	ops := NewChangeVectorOps()
	a, _ := ops.Parse("C:1-z, A:2-x")
	b, _ := ops.Parse("B:3-y, A:1-w")

	for i := 0; i < 20; i++ {
		merged := ops.Merge(a, b)
		require.Len(t, merged.Entries, 4)
		assert.Equal(t, []string{"A", "A", "B", "C"}, []string{
			merged.Entries[0].NodeTag, merged.Entries[1].NodeTag, merged.Entries[2].NodeTag, merged.Entries[3].NodeTag,
		})
		assert.Equal(t, "w", merged.Entries[0].DatabaseID)
	}
}

func TestChangeVectorOps_ClusterTransactionIndex(t *testing.T) {
	ops := NewChangeVectorOps()

	assert.Equal(t, int64(17), ops.ClusterTransactionIndex("A:3-x, RAFT:17-tx"))
	assert.Equal(t, int64(0), ops.ClusterTransactionIndex("A:3-x"))
	assert.Equal(t, int64(0), ops.ClusterTransactionIndex("garbage"))
}
