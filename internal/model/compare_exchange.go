package model

import "encoding/json"

// MaxCompareExchangeKeyLength is the longest compare exchange key, in UTF-8 bytes
const MaxCompareExchangeKeyLength = 512

// AtomicGuardPrefix prefixes the compare exchange keys guarding documents in cluster-wide transactions
const AtomicGuardPrefix = "rvn-atomic/"

// CompareExchangeValue represents a cluster-wide key/value entry versioned by its raft index
type CompareExchangeValue struct {
	Key   string          `json:"Key"`
	Index int64           `json:"Index"`
	Value json.RawMessage `json:"Value"`
}

// CompareExchangeResult is the outcome of a compare exchange put or delete
type CompareExchangeResult struct {
	Successful bool            `json:"Successful"`
	Index      int64           `json:"Index"`
	Value      json.RawMessage `json:"Value"`
}
