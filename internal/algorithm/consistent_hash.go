package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// ConsistentHasher maps session context keys to node tags with virtual nodes,
// so a context keeps its node while the key is unchanged and only a fraction
// of contexts move when the topology changes
type ConsistentHasher struct {
	ring     []uint64          // Sorted hash values
	ringTags map[uint64]string // Hash -> node tag
	tagHash  map[string][]uint64
	mu       sync.RWMutex
}

// NewConsistentHasher creates a new consistent hasher
func NewConsistentHasher() *ConsistentHasher {
	return &ConsistentHasher{
		ring:     make([]uint64, 0),
		ringTags: make(map[uint64]string),
		tagHash:  make(map[string][]uint64),
	}
}

// AddNode places virtualNodeCount points for the node tag on the ring
func (ch *ConsistentHasher) AddNode(tag string, virtualNodeCount int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, exists := ch.tagHash[tag]; exists {
		return
	}

	hashes := make([]uint64, 0, virtualNodeCount)
	for i := 0; i < virtualNodeCount; i++ {
		h := hash(fmt.Sprintf("%s#%d", tag, i))
		if _, taken := ch.ringTags[h]; taken {
			continue
		}
		ch.ring = append(ch.ring, h)
		ch.ringTags[h] = tag
		hashes = append(hashes, h)
	}

	ch.tagHash[tag] = hashes
	sort.Slice(ch.ring, func(i, j int) bool { return ch.ring[i] < ch.ring[j] })
}

// Candidates returns distinct node tags in ring order starting at the key's position
func (ch *ConsistentHasher) Candidates(key string) []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	if len(ch.ring) == 0 {
		return nil
	}

	keyHash := hash(key)
	idx := sort.Search(len(ch.ring), func(i int) bool {
		return ch.ring[i] >= keyHash
	})
	if idx >= len(ch.ring) {
		idx = 0
	}

	tags := make([]string, 0, len(ch.tagHash))
	seen := make(map[string]bool, len(ch.tagHash))
	for i := 0; i < len(ch.ring) && len(tags) < len(ch.tagHash); i++ {
		tag := ch.ringTags[ch.ring[(idx+i)%len(ch.ring)]]
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// hash computes SHA-256 and keeps the first 8 bytes
func hash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
