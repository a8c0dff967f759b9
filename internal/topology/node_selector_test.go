package topology

import (
	"fmt"
	"sync"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeNodes(etag int64) *model.Topology {
	return &model.Topology{
		Etag: etag,
		Nodes: []*model.ServerNode{
			{URL: "http://a:8080", ClusterTag: "A", Database: "db", ServerRole: model.ServerRoleMember},
			{URL: "http://b:8080", ClusterTag: "B", Database: "db", ServerRole: model.ServerRoleMember},
			{URL: "http://c:8080", ClusterTag: "C", Database: "db", ServerRole: model.ServerRoleMember},
		},
	}
}

func TestNodeSelector_PreferredSkipsFailed(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)

	sel, err := s.Preferred()
	require.NoError(t, err)
	assert.Equal(t, "A", sel.Node.ClusterTag)

	s.OnFailedRequest(sel)
	assert.True(t, s.IsFailed(sel))
	sel2, err := s.Preferred()
	require.NoError(t, err)
	assert.Equal(t, "B", sel2.Node.ClusterTag)
	assert.Equal(t, 2, s.Available())

	s.Restore(sel)
	sel3, err := s.Preferred()
	require.NoError(t, err)
	assert.Equal(t, "A", sel3.Node.ClusterTag)
}

func TestNodeSelector_PreferredWhenAllFailed(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)
	for i, n := range s.Topology().Nodes {
		s.OnFailedRequest(Selection{Node: n, Index: i})
	}
	assert.Equal(t, 0, s.Available())
	assert.Len(t, s.FailedNodes(), 3)

	sel, err := s.Preferred()
	require.NoError(t, err)
	assert.Equal(t, "A", sel.Node.ClusterTag)

	_, ok := s.Next(0)
	assert.False(t, ok)
}

func TestNodeSelector_Next(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)
	s.OnFailedRequest(Selection{Node: s.Topology().Nodes[1], Index: 1})

	next, ok := s.Next(0)
	require.True(t, ok)
	assert.Equal(t, "C", next.Node.ClusterTag)

	next, ok = s.Next(2)
	require.True(t, ok)
	assert.Equal(t, "A", next.Node.ClusterTag)
}

func TestNodeSelector_RoundRobin(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)
	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		sel, err := s.RoundRobin()
		require.NoError(t, err)
		seen[sel.Node.ClusterTag]++
	}
	assert.Equal(t, map[string]int{"A": 3, "B": 3, "C": 3}, seen)
}

func TestNodeSelector_SessionContextIsStable(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)

	first, err := s.ForSessionContext("tenant-1", 0)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		sel, err := s.ForSessionContext("tenant-1", 0)
		require.NoError(t, err)
		assert.Equal(t, first.Node.ClusterTag, sel.Node.ClusterTag)
	}

	// different keys spread over more than one node
	tags := map[string]bool{}
	for i := 0; i < 50; i++ {
		sel, err := s.ForSessionContext(fmt.Sprintf("tenant-%d", i), 0)
		require.NoError(t, err)
		tags[sel.Node.ClusterTag] = true
	}
	assert.Greater(t, len(tags), 1)
}

func TestNodeSelector_SessionContextAvoidsFailedNode(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)
	first, err := s.ForSessionContext("tenant-1", 0)
	require.NoError(t, err)

	s.OnFailedRequest(first)
	moved, err := s.ForSessionContext("tenant-1", 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.Node.ClusterTag, moved.Node.ClusterTag)

	s.Restore(first)
	back, err := s.ForSessionContext("tenant-1", 0)
	require.NoError(t, err)
	assert.Equal(t, first.Node.ClusterTag, back.Node.ClusterTag)
}

func TestNodeSelector_ByTag(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)
	sel, err := s.ByTag("C")
	require.NoError(t, err)
	assert.Equal(t, 2, sel.Index)

	_, err = s.ByTag("Z")
	assert.Error(t, err)
}

func TestNodeSelector_UpdateRespectsEtag(t *testing.T) {
	s := NewNodeSelector(threeNodes(5), nil)
	s.OnFailedRequest(Selection{Node: s.Topology().Nodes[0], Index: 0})

	assert.False(t, s.Update(threeNodes(4), false))
	assert.False(t, s.Update(threeNodes(5), false))
	assert.Equal(t, 2, s.Available())

	two := threeNodes(6)
	two.Nodes = two.Nodes[1:]
	assert.True(t, s.Update(two, false))
	assert.Equal(t, int64(6), s.Topology().Etag)
	assert.Len(t, s.Topology().Nodes, 2)
	assert.Equal(t, 2, s.Available())

	assert.True(t, s.Update(threeNodes(1), true))
	assert.Len(t, s.Topology().Nodes, 3)
	assert.False(t, s.Update(&model.Topology{Etag: 100}, true))
}

func TestNodeSelector_StaleSelectionAfterUpdate(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)
	old := Selection{Node: s.Topology().Nodes[2], Index: 2}

	reordered := threeNodes(2)
	reordered.Nodes = []*model.ServerNode{reordered.Nodes[2], reordered.Nodes[0], reordered.Nodes[1]}
	require.True(t, s.Update(reordered, false))

	s.OnFailedRequest(old)
	failed := s.FailedNodes()
	require.Len(t, failed, 1)
	assert.Equal(t, "C", failed[0].Node.ClusterTag)
	assert.Equal(t, 0, failed[0].Index)
}

func TestNodeSelector_ConcurrentReadersAndUpdates(t *testing.T) {
	s := NewNodeSelector(threeNodes(1), nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if i == 0 {
					s.Update(threeNodes(int64(j+2)), false)
					continue
				}
				sel, err := s.RoundRobin()
				if assert.NoError(t, err) {
					s.OnFailedRequest(sel)
					s.Restore(sel)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(201), s.Topology().Etag)
}
