package model

// SessionInfo travels with every request a session issues
type SessionInfo struct {
	SessionID                   int64
	ContextKey                  string
	LastClusterTransactionIndex int64
	NoCaching                   bool
}

// TransactionMode selects single-node or cluster-wide saves
type TransactionMode string

const (
	// TransactionModeSingleNode applies the batch on one node, guarded by change vectors
	TransactionModeSingleNode TransactionMode = "SingleNode"
	// TransactionModeClusterWide applies the batch through consensus, guarded by compare exchange
	TransactionModeClusterWide TransactionMode = "ClusterWide"
)
