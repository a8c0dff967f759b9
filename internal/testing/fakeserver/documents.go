package fakeserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/model"
)

func (c *Cluster) getDocumentsLocked(q url.Values) response {
	ids := q["id"]
	metadataOnly := q.Get("metadataOnly") == "true"

	results := make([]interface{}, len(ids))
	found := make([]map[string]interface{}, 0, len(ids))
	for i, id := range ids {
		doc, ok := c.docs[strings.ToLower(id)]
		if !ok {
			if len(ids) == 1 {
				return response{status: http.StatusNotFound}
			}
			results[i] = nil
			continue
		}
		wire := doc.wire()
		found = append(found, wire)
		if metadataOnly {
			results[i] = map[string]interface{}{model.MetadataKey: wire[model.MetadataKey]}
		} else {
			results[i] = wire
		}
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"Results":  results,
		"Includes": c.includesLocked(found, q["include"]),
	})
}

// includesLocked resolves include paths of docs into the referenced documents
func (c *Cluster) includesLocked(docs []map[string]interface{}, paths []string) map[string]interface{} {
	includes := map[string]interface{}{}
	for _, d := range docs {
		for _, p := range paths {
			for _, id := range referencedIDs(d, strings.Split(p, ".")) {
				if target, ok := c.docs[strings.ToLower(id)]; ok {
					includes[target.id] = target.wire()
				} else {
					includes[id] = nil
				}
			}
		}
	}
	return includes
}

func referencedIDs(v interface{}, path []string) []string {
	if len(path) == 0 {
		switch x := v.(type) {
		case string:
			return []string{x}
		case []interface{}:
			var out []string
			for _, item := range x {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
		return nil
	}
	switch x := v.(type) {
	case map[string]interface{}:
		return referencedIDs(x[strings.TrimSuffix(path[0], "[]")], path[1:])
	case []interface{}:
		var out []string
		for _, item := range x {
			out = append(out, referencedIDs(item, path)...)
		}
		return out
	}
	return nil
}

type batchCommand struct {
	ID           string          `json:"Id"`
	Type         string          `json:"Type"`
	ChangeVector *string         `json:"ChangeVector"`
	Document     json.RawMessage `json:"Document"`
	Patch        json.RawMessage `json:"Patch"`
	Key          string          `json:"Key"`
	Index        *int64          `json:"Index"`
}

type batchBody struct {
	Commands        []batchCommand        `json:"Commands"`
	TransactionMode model.TransactionMode `json:"TransactionMode"`
}

func (c *Cluster) batchLocked(tag string, body []byte) response {
	var b batchBody
	if err := json.Unmarshal(body, &b); err != nil {
		return errorResponse(http.StatusBadRequest, "BadRequestException", err.Error(), nil)
	}
	clusterWide := b.TransactionMode == model.TransactionModeClusterWide

	// snapshot for rollback, documents are replaced and never mutated in place
	docs := make(map[string]*document, len(c.docs))
	for k, v := range c.docs {
		docs[k] = v
	}
	cmpxchg := make(map[string]*cmpxchgEntry, len(c.cmpxchg))
	for k, v := range c.cmpxchg {
		cmpxchg[k] = v
	}
	etag, raft, revs := c.etag, c.raftIndex, len(c.revisions)
	rollback := func() {
		c.docs, c.cmpxchg, c.etag, c.raftIndex = docs, cmpxchg, etag, raft
		c.revisions = c.revisions[:revs]
	}

	if clusterWide {
		c.raftIndex++
	}

	results := make([]map[string]interface{}, 0, len(b.Commands))
	for _, cmd := range b.Commands {
		res, failure := c.applyLocked(tag, cmd, clusterWide)
		if failure != nil {
			rollback()
			return *failure
		}
		results = append(results, res)
	}

	out := map[string]interface{}{"Results": results}
	if clusterWide {
		out["TransactionIndex"] = c.raftIndex
	}
	return jsonResponse(http.StatusCreated, out)
}

func (c *Cluster) applyLocked(tag string, cmd batchCommand, clusterWide bool) (map[string]interface{}, *response) {
	ops := algorithm.NewChangeVectorOps()

	checkCV := func(id string) *response {
		if cmd.ChangeVector == nil {
			return nil
		}
		current, exists := c.docs[strings.ToLower(id)]
		actual := ""
		if exists {
			actual = current.changeVector
		}
		expected := *cmd.ChangeVector
		if (expected == "" && !exists) || (exists && ops.Equal(expected, actual)) {
			return nil
		}
		r := errorResponse(http.StatusConflict, "ConcurrencyException",
			fmt.Sprintf("Document %s has change vector '%s', but expected '%s'", id, actual, expected),
			map[string]interface{}{"Id": id, "ExpectedChangeVector": expected, "ActualChangeVector": actual})
		return &r
	}

	switch cmd.Type {
	case "PUT":
		if failure := checkCV(cmd.ID); failure != nil {
			return nil, failure
		}
		var doc map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(cmd.Document))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			r := errorResponse(http.StatusBadRequest, "BadRequestException", "invalid document: "+err.Error(), nil)
			return nil, &r
		}
		meta, _ := doc[model.MetadataKey].(map[string]interface{})
		delete(doc, model.MetadataKey)

		id := cmd.ID
		if strings.HasSuffix(id, "/") {
			id = fmt.Sprintf("%s%d-%s", id, c.etag+1, tag)
		}
		stored := c.storeLocked(tag, id, doc, meta, clusterWide)
		return map[string]interface{}{
			"Type":                     "PUT",
			model.MetadataID:           stored.id,
			model.MetadataCollection:   stored.collection,
			model.MetadataChangeVector: stored.changeVector,
			model.MetadataLastModified: stored.wire()[model.MetadataKey].(map[string]interface{})[model.MetadataLastModified],
		}, nil

	case "DELETE":
		if failure := checkCV(cmd.ID); failure != nil {
			return nil, failure
		}
		return map[string]interface{}{
			"Type":           "DELETE",
			model.MetadataID: cmd.ID,
			"Deleted":        c.deleteLocked(cmd.ID),
		}, nil

	case "PATCH":
		if failure := checkCV(cmd.ID); failure != nil {
			return nil, failure
		}
		current, ok := c.docs[strings.ToLower(cmd.ID)]
		if !ok {
			return map[string]interface{}{"Type": "PATCH", model.MetadataID: cmd.ID, "PatchStatus": "DocumentDoesNotExist"}, nil
		}
		patch, err := jsonpatch.DecodePatch(cmd.Patch)
		if err != nil {
			r := errorResponse(http.StatusBadRequest, "BadRequestException", "invalid patch: "+err.Error(), nil)
			return nil, &r
		}
		original, _ := json.Marshal(current.body)
		patched, err := patch.Apply(original)
		if err != nil {
			r := errorResponse(http.StatusBadRequest, "BadRequestException", "patch failed: "+err.Error(), nil)
			return nil, &r
		}
		var doc map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(patched))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			r := errorResponse(http.StatusBadRequest, "BadRequestException", err.Error(), nil)
			return nil, &r
		}
		if jsonpatch.Equal(original, patched) {
			return map[string]interface{}{
				"Type": "PATCH", model.MetadataID: current.id, "PatchStatus": "NotModified",
				model.MetadataChangeVector: current.changeVector, "ModifiedDocument": current.wire(),
			}, nil
		}
		stored := c.storeLocked(tag, current.id, doc, current.metadata, clusterWide)
		return map[string]interface{}{
			"Type": "PATCH", model.MetadataID: stored.id, "PatchStatus": "Patched",
			model.MetadataChangeVector: stored.changeVector, "ModifiedDocument": stored.wire(),
		}, nil

	case "CompareExchangePUT", "CompareExchangeDELETE":
		if !clusterWide {
			r := errorResponse(http.StatusBadRequest, "BadRequestException",
				"compare exchange commands require a cluster-wide transaction", nil)
			return nil, &r
		}
		expected := int64(0)
		if cmd.Index != nil {
			expected = *cmd.Index
		}
		key := strings.ToLower(cmd.Key)
		actual := int64(0)
		if e, ok := c.cmpxchg[key]; ok {
			actual = e.index
		}
		if actual != expected {
			r := errorResponse(http.StatusConflict, "ClusterTransactionConcurrencyException",
				fmt.Sprintf("Failed to execute cluster transaction due to mismatch on key '%s': expected index %d, actual %d", cmd.Key, expected, actual),
				map[string]interface{}{"Key": cmd.Key, "ExpectedIndex": expected, "ActualIndex": actual})
			return nil, &r
		}
		if cmd.Type == "CompareExchangeDELETE" {
			delete(c.cmpxchg, key)
			return map[string]interface{}{"Type": cmd.Type, "Key": cmd.Key, "Index": c.raftIndex}, nil
		}
		c.cmpxchg[key] = &cmpxchgEntry{key: cmd.Key, index: c.raftIndex, value: cmd.Document}
		return map[string]interface{}{"Type": cmd.Type, "Key": cmd.Key, "Index": c.raftIndex}, nil
	}

	r := errorResponse(http.StatusBadRequest, "BadRequestException", "unknown command type "+cmd.Type, nil)
	return nil, &r
}

type subRequest struct {
	URL     string            `json:"Url"`
	Query   string            `json:"Query"`
	Method  string            `json:"Method"`
	Headers map[string]string `json:"Headers"`
	Content json.RawMessage   `json:"Content"`
}

func (c *Cluster) multiGetLocked(tag string, body []byte) response {
	var b struct {
		Requests []subRequest `json:"Requests"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return errorResponse(http.StatusBadRequest, "BadRequestException", err.Error(), nil)
	}

	results := make([]map[string]interface{}, 0, len(b.Requests))
	for _, r := range b.Requests {
		q, _ := url.ParseQuery(strings.TrimPrefix(r.Query, "?"))
		method := r.Method
		if method == "" {
			method = http.MethodGet
		}

		var sub response
		switch r.URL {
		case "/docs":
			sub = withETag(c.getDocumentsLocked(q))
		case "/queries":
			sub = withETag(c.queryLocked(r.Content))
		default:
			sub = c.routeDatabaseLocked(tag, method, r.URL, q, r.Content)
		}

		item := map[string]interface{}{"StatusCode": sub.status}
		headers := map[string]string{}
		if sub.etag != "" {
			if match := r.Headers["If-None-Match"]; match == sub.etag {
				item["StatusCode"] = http.StatusNotModified
				item["Result"] = nil
				results = append(results, item)
				continue
			}
			headers["ETag"] = sub.etag
		}
		item["Headers"] = headers
		if len(sub.body) > 0 {
			item["Result"] = json.RawMessage(sub.body)
		} else {
			item["Result"] = nil
		}
		results = append(results, item)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{"Results": results})
}

var queryPattern = regexp.MustCompile(`(?i)^\s*from\s+(?:index\s+'([^']+)'|(\S+))(?:\s+where\s+([\w.]+)\s*=\s*(\$\w+|'[^']*'|\S+))?\s*$`)

type queryBody struct {
	Query           string                 `json:"Query"`
	QueryParameters map[string]interface{} `json:"QueryParameters"`
	Includes        []string               `json:"Includes"`
	Start           int                    `json:"Start"`
	PageSize        int                    `json:"PageSize"`
}

func (c *Cluster) queryLocked(body []byte) response {
	var q queryBody
	if err := json.Unmarshal(body, &q); err != nil {
		return errorResponse(http.StatusBadRequest, "BadRequestException", err.Error(), nil)
	}
	m := queryPattern.FindStringSubmatch(q.Query)
	if m == nil {
		return errorResponse(http.StatusBadRequest, "InvalidQueryException", "cannot parse query: "+q.Query, nil)
	}

	collection := m[2]
	indexName := "collection/" + collection
	if m[1] != "" {
		if !c.indexes[strings.ToLower(m[1])] {
			return errorResponse(http.StatusNotFound, "IndexDoesNotExistException",
				fmt.Sprintf("Index '%s' was not found", m[1]), nil)
		}
		indexName = m[1]
		collection = strings.SplitN(m[1], "/", 2)[0]
	}

	var field string
	var want interface{}
	if m[3] != "" {
		field = m[3]
		switch v := m[4]; {
		case strings.HasPrefix(v, "$"):
			want = q.QueryParameters[strings.TrimPrefix(v, "$")]
		case strings.HasPrefix(v, "'"):
			want = strings.Trim(v, "'")
		default:
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				want = n
			} else {
				want = v
			}
		}
	}

	ids := make([]string, 0)
	for key, d := range c.docs {
		if !strings.EqualFold(d.collection, collection) {
			continue
		}
		if field != "" {
			got := lookupPath(d.body, strings.Split(field, "."))
			if !algorithm.ValuesEqual(got, want) {
				continue
			}
		}
		ids = append(ids, key)
	}
	sort.Strings(ids)

	total := len(ids)
	if q.Start > 0 {
		if q.Start >= len(ids) {
			ids = nil
		} else {
			ids = ids[q.Start:]
		}
	}
	if q.PageSize > 0 && len(ids) > q.PageSize {
		ids = ids[:q.PageSize]
	}

	results := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		results = append(results, c.docs[id].wire())
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"Results":      results,
		"Includes":     c.includesLocked(results, q.Includes),
		"TotalResults": total,
		"IndexName":    indexName,
		"IsStale":      false,
		"ResultEtag":   c.etag,
	})
}

func lookupPath(v interface{}, path []string) interface{} {
	for _, p := range path {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[p]
	}
	return v
}
