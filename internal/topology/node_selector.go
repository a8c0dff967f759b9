// Package topology tracks the nodes serving a database and picks one per request.
package topology

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"go.uber.org/zap"
)

const virtualNodesPerTag = 64

// Selection is a node chosen for one request
type Selection struct {
	Node  *model.ServerNode
	Index int
}

// nodeState is an immutable topology snapshot plus per-node failure counters.
// Updates swap the whole state.
type nodeState struct {
	topology *model.Topology
	failures []int64
	hasher   *algorithm.ConsistentHasher
}

func newNodeState(t *model.Topology) *nodeState {
	hasher := algorithm.NewConsistentHasher()
	for _, n := range t.Nodes {
		hasher.AddNode(n.ClusterTag, virtualNodesPerTag)
	}
	return &nodeState{
		topology: t,
		failures: make([]int64, len(t.Nodes)),
		hasher:   hasher,
	}
}

func (s *nodeState) failed(i int) bool {
	return atomic.LoadInt64(&s.failures[i]) > 0
}

// NodeSelector chooses nodes from the current topology snapshot
type NodeSelector struct {
	state      atomic.Pointer[nodeState]
	roundRobin uint64
	logger     *zap.Logger
}

// NewNodeSelector creates a selector over t
func NewNodeSelector(t *model.Topology, logger *zap.Logger) *NodeSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NodeSelector{logger: logger}
	s.state.Store(newNodeState(t.Clone()))
	return s
}

// Topology returns the current snapshot. Callers must treat it as read-only.
func (s *NodeSelector) Topology() *model.Topology {
	return s.state.Load().topology
}

// Update installs t when its etag is newer, or unconditionally when forced.
// It reports whether the topology was replaced.
func (s *NodeSelector) Update(t *model.Topology, force bool) bool {
	if t == nil || len(t.Nodes) == 0 {
		return false
	}
	for {
		current := s.state.Load()
		if !force && current.topology.Etag >= t.Etag {
			return false
		}
		next := newNodeState(t.Clone())
		if s.state.CompareAndSwap(current, next) {
			s.logger.Info("Topology updated",
				zap.Int64("etag", t.Etag),
				zap.Int("nodes", len(t.Nodes)))
			return true
		}
	}
}

// Preferred returns the first node that is not marked failed, falling back to
// the first node when all of them are
func (s *NodeSelector) Preferred() (Selection, error) {
	st := s.state.Load()
	if len(st.topology.Nodes) == 0 {
		return Selection{}, docerrors.InvalidOperation("topology has no nodes")
	}
	for i, n := range st.topology.Nodes {
		if !st.failed(i) {
			return Selection{Node: n, Index: i}, nil
		}
	}
	return Selection{Node: st.topology.Nodes[0], Index: 0}, nil
}

// RoundRobin rotates over healthy nodes
func (s *NodeSelector) RoundRobin() (Selection, error) {
	st := s.state.Load()
	count := len(st.topology.Nodes)
	if count == 0 {
		return Selection{}, docerrors.InvalidOperation("topology has no nodes")
	}
	start := int(atomic.AddUint64(&s.roundRobin, 1) % uint64(count))
	for i := 0; i < count; i++ {
		idx := (start + i) % count
		if !st.failed(idx) {
			return Selection{Node: st.topology.Nodes[idx], Index: idx}, nil
		}
	}
	return s.Preferred()
}

// ForSessionContext maps a context key to a node deterministically. The mapping
// only changes when the key, the seed or the topology changes.
func (s *NodeSelector) ForSessionContext(contextKey string, seed int) (Selection, error) {
	st := s.state.Load()
	if len(st.topology.Nodes) == 0 {
		return Selection{}, docerrors.InvalidOperation("topology has no nodes")
	}
	for _, tag := range st.hasher.Candidates(strconv.Itoa(seed) + ":" + contextKey) {
		if node, idx, ok := st.topology.NodeByTag(tag); ok && !st.failed(idx) {
			return Selection{Node: node, Index: idx}, nil
		}
	}
	return s.Preferred()
}

// ByTag returns the node with tag regardless of its health
func (s *NodeSelector) ByTag(tag string) (Selection, error) {
	st := s.state.Load()
	node, idx, ok := st.topology.NodeByTag(tag)
	if !ok {
		return Selection{}, docerrors.InvalidArgument(fmt.Sprintf("node '%s' is not part of the topology", tag), nil)
	}
	return Selection{Node: node, Index: idx}, nil
}

// Next returns the first healthy node after index in topology order, wrapping
// around; ok is false when every node is failed
func (s *NodeSelector) Next(index int) (Selection, bool) {
	st := s.state.Load()
	count := len(st.topology.Nodes)
	for i := 1; i <= count; i++ {
		idx := (index + i) % count
		if idx < 0 {
			idx += count
		}
		if !st.failed(idx) {
			return Selection{Node: st.topology.Nodes[idx], Index: idx}, true
		}
	}
	return Selection{}, false
}

// OnFailedRequest marks the node failed in the current snapshot
func (s *NodeSelector) OnFailedRequest(sel Selection) {
	st := s.state.Load()
	if idx, ok := s.indexIn(st, sel); ok {
		atomic.AddInt64(&st.failures[idx], 1)
		s.logger.Warn("Node marked as failed",
			zap.String("node_tag", sel.Node.ClusterTag),
			zap.String("url", sel.Node.URL))
	}
}

// Restore clears the failure mark of a node
func (s *NodeSelector) Restore(sel Selection) {
	st := s.state.Load()
	if idx, ok := s.indexIn(st, sel); ok {
		if atomic.SwapInt64(&st.failures[idx], 0) > 0 {
			s.logger.Info("Node restored",
				zap.String("node_tag", sel.Node.ClusterTag),
				zap.String("url", sel.Node.URL))
		}
	}
}

// IsFailed reports whether the node is currently marked failed
func (s *NodeSelector) IsFailed(sel Selection) bool {
	st := s.state.Load()
	idx, ok := s.indexIn(st, sel)
	return ok && st.failed(idx)
}

// FailedNodes returns the nodes currently marked failed
func (s *NodeSelector) FailedNodes() []Selection {
	st := s.state.Load()
	var out []Selection
	for i, n := range st.topology.Nodes {
		if st.failed(i) {
			out = append(out, Selection{Node: n, Index: i})
		}
	}
	return out
}

// Available returns the number of nodes not marked failed
func (s *NodeSelector) Available() int {
	st := s.state.Load()
	count := 0
	for i := range st.topology.Nodes {
		if !st.failed(i) {
			count++
		}
	}
	return count
}

// indexIn resolves a selection against st; the topology may have been
// replaced since the selection was made, so nodes are matched by URL
func (s *NodeSelector) indexIn(st *nodeState, sel Selection) (int, bool) {
	if sel.Node == nil {
		return -1, false
	}
	if sel.Index >= 0 && sel.Index < len(st.topology.Nodes) &&
		st.topology.Nodes[sel.Index].URL == sel.Node.URL {
		return sel.Index, true
	}
	for i, n := range st.topology.Nodes {
		if n.URL == sel.Node.URL {
			return i, true
		}
	}
	return -1, false
}
