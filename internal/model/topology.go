package model

// ServerRole represents the role a node plays for a database
type ServerRole string

const (
	// ServerRoleMember indicates a fully replicated member
	ServerRoleMember ServerRole = "Member"
	// ServerRolePromotable indicates a node still catching up
	ServerRolePromotable ServerRole = "Promotable"
	// ServerRoleRehab indicates a node that recently failed
	ServerRoleRehab ServerRole = "Rehab"
)

// ServerNode represents one node of the cluster serving a database
type ServerNode struct {
	URL        string     `json:"Url" yaml:"url"`
	ClusterTag string     `json:"ClusterTag" yaml:"cluster_tag"`
	Database   string     `json:"Database" yaml:"database"`
	ServerRole ServerRole `json:"ServerRole" yaml:"server_role"`
}

// Topology is the client's view of the nodes serving a database.
// The first node is the preferred one (the leader when known).
type Topology struct {
	Etag  int64         `json:"Etag" yaml:"etag"`
	Nodes []*ServerNode `json:"Nodes" yaml:"nodes"`
}

// NodeByTag returns the node with the given cluster tag
func (t *Topology) NodeByTag(tag string) (*ServerNode, int, bool) {
	if t == nil {
		return nil, -1, false
	}
	for i, node := range t.Nodes {
		if node.ClusterTag == tag {
			return node, i, true
		}
	}
	return nil, -1, false
}

// Clone returns a deep copy so readers never share mutable node slices
func (t *Topology) Clone() *Topology {
	if t == nil {
		return nil
	}
	nodes := make([]*ServerNode, len(t.Nodes))
	for i, n := range t.Nodes {
		cp := *n
		nodes[i] = &cp
	}
	return &Topology{Etag: t.Etag, Nodes: nodes}
}
