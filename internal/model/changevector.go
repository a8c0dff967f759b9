package model

// ChangeVectorEntry represents a single entry in a change vector: the node tag,
// the node-local etag and the database id it was issued by
type ChangeVectorEntry struct {
	NodeTag    string
	Etag       int64
	DatabaseID string
}

// ChangeVector is the parsed form of the opaque version token servers attach to documents
type ChangeVector struct {
	Entries []ChangeVectorEntry
}

// ChangeVectorComparison represents the result of comparing two change vectors
type ChangeVectorComparison int

const (
	// Identical means both change vectors are identical
	Identical ChangeVectorComparison = iota
	// Before means first happens before second
	Before
	// After means first happens after second
	After
	// Concurrent means conflict
	Concurrent
)

// ClusterTransactionTag marks the change vector entry written by a cluster-wide transaction
const ClusterTransactionTag = "RAFT"
