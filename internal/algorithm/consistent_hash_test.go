package algorithm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistentHasher_StableForSameKey(t *testing.T) {
	ch := NewConsistentHasher()
	ch.AddNode("A", 64)
	ch.AddNode("B", 64)
	ch.AddNode("C", 64)

	first := ch.Candidates("tenant-42")
	require.Len(t, first, 3)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ch.Candidates("tenant-42"))
	}
}

func TestConsistentHasher_DifferentKeysSpreadAcrossNodes(t *testing.T) {
	ch := NewConsistentHasher()
	ch.AddNode("A", 64)
	ch.AddNode("B", 64)
	ch.AddNode("C", 64)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		seen[ch.Candidates(fmt.Sprintf("ctx-%d", i))[0]] = true
	}
	assert.Len(t, seen, 3)
}

func TestConsistentHasher_EmptyRing(t *testing.T) {
	assert.Nil(t, NewConsistentHasher().Candidates("anything"))
}

func TestConsistentHasher_AddingNodeMovesFewKeys(t *testing.T) {
	before := NewConsistentHasher()
	before.AddNode("A", 64)
	before.AddNode("B", 64)
	before.AddNode("C", 64)

	after := NewConsistentHasher()
	after.AddNode("A", 64)
	after.AddNode("B", 64)
	after.AddNode("C", 64)
	after.AddNode("D", 64)

	moved := 0
	for i := 0; i < 400; i++ {
		key := fmt.Sprintf("ctx-%d", i)
		was, now := before.Candidates(key)[0], after.Candidates(key)[0]
		if was != now {
			assert.Equal(t, "D", now)
			moved++
		}
	}
	assert.Positive(t, moved)
	assert.Less(t, moved, 200)
}
