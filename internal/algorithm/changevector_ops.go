package algorithm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// ChangeVectorOps provides operations on change vectors.
// The textual form is "A:12-dbid, B:3-dbid2"; entry order carries no meaning.
type ChangeVectorOps struct{}

// NewChangeVectorOps creates a new ChangeVectorOps
func NewChangeVectorOps() *ChangeVectorOps {
	return &ChangeVectorOps{}
}

// Parse parses the textual form of a change vector
func (v *ChangeVectorOps) Parse(s string) (model.ChangeVector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.ChangeVector{Entries: []model.ChangeVectorEntry{}}, nil
	}

	parts := strings.Split(s, ",")
	entries := make([]model.ChangeVectorEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		colon := strings.Index(part, ":")
		if colon <= 0 {
			return model.ChangeVector{}, fmt.Errorf("invalid change vector entry %q", part)
		}
		tag := part[:colon]
		rest := part[colon+1:]
		dbID := ""
		if dash := strings.Index(rest, "-"); dash >= 0 {
			dbID = rest[dash+1:]
			rest = rest[:dash]
		}
		etag, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return model.ChangeVector{}, fmt.Errorf("invalid etag in change vector entry %q: %w", part, err)
		}
		entries = append(entries, model.ChangeVectorEntry{NodeTag: tag, Etag: etag, DatabaseID: dbID})
	}
	return model.ChangeVector{Entries: entries}, nil
}

// Format renders a change vector, entries sorted by node tag then database id
func (v *ChangeVectorOps) Format(cv model.ChangeVector) string {
	entries := make([]model.ChangeVectorEntry, len(cv.Entries))
	copy(entries, cv.Entries)
	sortEntries(entries)

	parts := make([]string, len(entries))
	for i, e := range entries {
		if e.DatabaseID != "" {
			parts[i] = fmt.Sprintf("%s:%d-%s", e.NodeTag, e.Etag, e.DatabaseID)
		} else {
			parts[i] = fmt.Sprintf("%s:%d", e.NodeTag, e.Etag)
		}
	}
	return strings.Join(parts, ", ")
}

// Equal reports whether two textual change vectors denote the same version,
// regardless of entry order or whitespace
func (v *ChangeVectorOps) Equal(a, b string) bool {
	if a == b {
		return true
	}
	cva, errA := v.Parse(a)
	cvb, errB := v.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return v.Compare(cva, cvb) == model.Identical
}

// Compare compares two change vectors
func (v *ChangeVectorOps) Compare(cv1, cv2 model.ChangeVector) model.ChangeVectorComparison {
	map1 := v.toMap(cv1)
	map2 := v.toMap(cv2)

	allBefore := true
	allAfter := true

	keys := make(map[string]bool)
	for k := range map1 {
		keys[k] = true
	}
	for k := range map2 {
		keys[k] = true
	}

	for k := range keys {
		e1 := map1[k]
		e2 := map2[k]

		if e1 < e2 {
			allAfter = false
		} else if e1 > e2 {
			allBefore = false
		}
	}

	if allBefore && allAfter {
		return model.Identical
	}
	if allBefore {
		return model.Before
	}
	if allAfter {
		return model.After
	}
	return model.Concurrent
}

// Merge merges multiple change vectors, keeping the highest etag per entry.
// Entries come back sorted by node tag then database id.
func (v *ChangeVectorOps) Merge(vectors ...model.ChangeVector) model.ChangeVector {
	merged := make(map[string]model.ChangeVectorEntry)

	for _, cv := range vectors {
		for _, entry := range cv.Entries {
			k := entryKey(entry)
			if existing, exists := merged[k]; !exists || entry.Etag > existing.Etag {
				merged[k] = entry
			}
		}
	}

	entries := make([]model.ChangeVectorEntry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	sortEntries(entries)
	return model.ChangeVector{Entries: entries}
}

func sortEntries(entries []model.ChangeVectorEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NodeTag != entries[j].NodeTag {
			return entries[i].NodeTag < entries[j].NodeTag
		}
		return entries[i].DatabaseID < entries[j].DatabaseID
	})
}

// EtagForTag returns the etag recorded for the node tag, or 0
func (v *ChangeVectorOps) EtagForTag(cv model.ChangeVector, tag string) int64 {
	var max int64
	for _, entry := range cv.Entries {
		if entry.NodeTag == tag && entry.Etag > max {
			max = entry.Etag
		}
	}
	return max
}

// ClusterTransactionIndex extracts the raft index a cluster-wide transaction stamped
// into the textual change vector, or 0 when there is none
func (v *ChangeVectorOps) ClusterTransactionIndex(s string) int64 {
	cv, err := v.Parse(s)
	if err != nil {
		return 0
	}
	return v.EtagForTag(cv, model.ClusterTransactionTag)
}

func (v *ChangeVectorOps) toMap(cv model.ChangeVector) map[string]int64 {
	m := make(map[string]int64)
	for _, entry := range cv.Entries {
		m[entryKey(entry)] = entry.Etag
	}
	return m
}

func entryKey(e model.ChangeVectorEntry) string {
	return e.NodeTag + "-" + e.DatabaseID
}
