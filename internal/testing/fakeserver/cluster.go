// Package fakeserver is an in-memory cluster speaking the document store wire
// protocol, used as the integration harness in tests.
package fakeserver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// Node is one fake cluster node
type Node struct {
	Tag     string
	URL     string
	down    bool
	latency time.Duration
	hits    int
}

type document struct {
	id           string
	collection   string
	body         map[string]interface{}
	metadata     map[string]interface{}
	changeVector string
	etag         int64
	lastModified time.Time
}

type revision struct {
	id       string
	previous map[string]interface{}
	current  map[string]interface{}
	etag     int64
	cv       string
}

type cmpxchgEntry struct {
	key   string
	index int64
	value json.RawMessage
}

// RecordedRequest is a request the cluster received
type RecordedRequest struct {
	NodeTag string
	Method  string
	Path    string
	Query   string
	Body    string
}

// Cluster is an in-memory database replicated on a few fake nodes
type Cluster struct {
	mu       sync.Mutex
	database string
	dbID     string
	nodes    []*Node

	topologyEtag int64
	refreshHint  bool

	docs      map[string]*document
	etag      int64
	raftIndex int64
	revisions []*revision

	cmpxchg map[string]*cmpxchgEntry
	hilo    map[string]int64
	indexes map[string]bool

	subs        map[string]*subscription
	subSeq      int64
	subNodeTag  string
	connections map[string]int
	acks        int
	heartbeat   time.Duration
	changed     chan struct{}

	requests []RecordedRequest
}

// New creates a cluster serving database on nodes with the given tags
func New(database string, tags ...string) *Cluster {
	if len(tags) == 0 {
		tags = []string{"A"}
	}
	c := &Cluster{
		database:     database,
		dbID:         "db" + strings.ToLower(database),
		topologyEtag: 1,
		docs:         make(map[string]*document),
		cmpxchg:      make(map[string]*cmpxchgEntry),
		hilo:         make(map[string]int64),
		indexes:      make(map[string]bool),
		subs:         make(map[string]*subscription),
		connections:  make(map[string]int),
		changed:      make(chan struct{}),
	}
	for _, tag := range tags {
		c.nodes = append(c.nodes, &Node{
			Tag: tag,
			URL: fmt.Sprintf("http://%s.fake:8080", strings.ToLower(tag)),
		})
	}
	return c
}

// Database returns the database name
func (c *Cluster) Database() string {
	return c.database
}

// URLs returns the node URLs in topology order
func (c *Cluster) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.URL
	}
	return out
}

// URL returns the URL of the node with tag
func (c *Cluster) URL(tag string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.nodeByTagLocked(tag); n != nil {
		return n.URL
	}
	return ""
}

// Topology returns the topology the cluster advertises
func (c *Cluster) Topology() *model.Topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topologyLocked()
}

func (c *Cluster) topologyLocked() *model.Topology {
	t := &model.Topology{Etag: c.topologyEtag}
	for _, n := range c.nodes {
		t.Nodes = append(t.Nodes, &model.ServerNode{
			URL:        n.URL,
			ClusterTag: n.Tag,
			Database:   c.database,
			ServerRole: model.ServerRoleMember,
		})
	}
	return t
}

// SetNodeDown makes a node refuse connections
func (c *Cluster) SetNodeDown(tag string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.nodeByTagLocked(tag); n != nil {
		n.down = down
	}
	if down {
		c.dropStreamsOnNodeLocked(tag)
	}
}

// SetLatency delays every response of a node
func (c *Cluster) SetLatency(tag string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.nodeByTagLocked(tag); n != nil {
		n.latency = d
	}
}

// ReorderNodes changes the advertised node order and bumps the topology etag
func (c *Cluster) ReorderNodes(tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]*Node, 0, len(tags))
	for _, tag := range tags {
		if n := c.nodeByTagLocked(tag); n != nil {
			nodes = append(nodes, n)
		}
	}
	c.nodes = nodes
	c.topologyEtag++
}

// SetRefreshTopologyHint makes every response carry the Refresh-Topology header
func (c *Cluster) SetRefreshTopologyHint(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshHint = on
}

// AddIndex registers a static index name queries may target
func (c *Cluster) AddIndex(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes[strings.ToLower(name)] = true
}

// RequestCount returns the number of HTTP requests received by all nodes
func (c *Cluster) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// RequestsTo returns the number of HTTP requests received by a node
func (c *Cluster) RequestsTo(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.nodeByTagLocked(tag); n != nil {
		return n.hits
	}
	return 0
}

// Requests returns a copy of the recorded requests
func (c *Cluster) Requests() []RecordedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RecordedRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// CountRequests counts recorded requests whose path ends with suffix
func (c *Cluster) CountRequests(suffix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, r := range c.requests {
		if strings.HasSuffix(r.Path, suffix) {
			count++
		}
	}
	return count
}

// PutDocument seeds a document bypassing the protocol
func (c *Cluster) PutDocument(id, collection string, body map[string]interface{}) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	metadata := map[string]interface{}{model.MetadataCollection: collection}
	doc := c.storeLocked(c.nodes[0].Tag, id, body, metadata, false)
	return doc.changeVector
}

// Document returns a stored document body and change vector
func (c *Cluster) Document(id string) (map[string]interface{}, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[strings.ToLower(id)]
	if !ok {
		return nil, "", false
	}
	return cloneMap(doc.body), doc.changeVector, true
}

// DocumentIDs returns all stored ids in sorted order
func (c *Cluster) DocumentIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.docs))
	for _, d := range c.docs {
		ids = append(ids, d.id)
	}
	sort.Strings(ids)
	return ids
}

// CompareExchange returns a compare exchange entry
func (c *Cluster) CompareExchange(key string) (json.RawMessage, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cmpxchg[strings.ToLower(key)]
	if !ok {
		return nil, 0, false
	}
	return e.value, e.index, true
}

func (c *Cluster) nodeByTagLocked(tag string) *Node {
	for _, n := range c.nodes {
		if n.Tag == tag {
			return n
		}
	}
	return nil
}

func (c *Cluster) nodeByURLLocked(url string) *Node {
	for _, n := range c.nodes {
		if strings.HasPrefix(url, n.URL) {
			return n
		}
	}
	return nil
}

// storeLocked writes a document and records a revision
func (c *Cluster) storeLocked(nodeTag, id string, body, metadata map[string]interface{}, clusterWide bool) *document {
	c.etag++
	key := strings.ToLower(id)
	prev := c.docs[key]

	collection, _ := metadata[model.MetadataCollection].(string)
	if collection == "" && prev != nil {
		collection = prev.collection
	}

	cv := fmt.Sprintf("%s:%d-%s", nodeTag, c.etag, c.dbID)
	raft := int64(0)
	if clusterWide {
		raft = c.raftIndex
	} else if prev != nil {
		raft = algorithm.NewChangeVectorOps().ClusterTransactionIndex(prev.changeVector)
	}
	if raft > 0 {
		cv = fmt.Sprintf("%s, %s:%d-%s", cv, model.ClusterTransactionTag, raft, c.dbID)
	}

	meta := cloneMap(metadata)
	delete(meta, model.MetadataID)
	delete(meta, model.MetadataChangeVector)
	delete(meta, model.MetadataLastModified)
	if collection != "" {
		meta[model.MetadataCollection] = collection
	}

	doc := &document{
		id:           id,
		collection:   collection,
		body:         cloneMap(body),
		metadata:     meta,
		changeVector: cv,
		etag:         c.etag,
		lastModified: time.Now().UTC(),
	}
	if prev != nil {
		doc.id = prev.id
	}
	c.docs[key] = doc

	rev := &revision{id: doc.id, current: doc.wire(), etag: doc.etag, cv: cv}
	if prev != nil {
		rev.previous = prev.wire()
	}
	c.revisions = append(c.revisions, rev)
	c.notifyLocked()
	return doc
}

func (c *Cluster) deleteLocked(id string) bool {
	key := strings.ToLower(id)
	prev, ok := c.docs[key]
	if !ok {
		return false
	}
	delete(c.docs, key)
	c.etag++
	c.revisions = append(c.revisions, &revision{id: prev.id, previous: prev.wire(), etag: c.etag})
	c.notifyLocked()
	return true
}

// notifyLocked wakes subscription connections waiting for changes
func (c *Cluster) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// wire renders the document with its metadata the way the server returns it
func (d *document) wire() map[string]interface{} {
	out := cloneMap(d.body)
	meta := cloneMap(d.metadata)
	meta[model.MetadataID] = d.id
	meta[model.MetadataChangeVector] = d.changeVector
	meta[model.MetadataLastModified] = d.lastModified.Format(time.RFC3339Nano)
	out[model.MetadataKey] = meta
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	data, _ := json.Marshal(m)
	var out map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	_ = dec.Decode(&out)
	return out
}
