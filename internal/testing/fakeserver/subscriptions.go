package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

const defaultMaxDocsPerBatch = 4096

var collectionPattern = regexp.MustCompile(`(?i)^\s*from\s+(\S+)`)

type subscription struct {
	id         int64
	name       string
	query      string
	collection string
	includes   []string
	revisions  bool
	disabled   bool
	mentor     string

	cursor   int64
	cursorCV string
	lastAck  *time.Time
	lastConn *time.Time

	active *streamConn
}

func (s *subscription) state() *model.SubscriptionState {
	return &model.SubscriptionState{
		SubscriptionName:                      s.name,
		SubscriptionID:                        s.id,
		Query:                                 s.query,
		ChangeVectorForNextBatchStartingPoint: s.cursorCV,
		Disabled:                              s.disabled,
		Includes:                              s.includes,
		Revisions:                             s.revisions,
		MentorNode:                            s.mentor,
		LastBatchAckTime:                      s.lastAck,
		LastClientConnectionTime:              s.lastConn,
	}
}

// ErrConnectionClosed is returned by stream operations after either side closed
var ErrConnectionClosed = errors.New("fakeserver: connection closed")

// pipe is an in-memory duplex message channel
type pipe struct {
	toClient chan []byte
	toServer chan []byte
	done     chan struct{}
	once     sync.Once
}

func newPipe() *pipe {
	return &pipe{
		toClient: make(chan []byte, 256),
		toServer: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

// pipeEnd reads from one channel and writes to the other. Buffered frames
// are still delivered after close so a final status reaches the peer.
type pipeEnd struct {
	p   *pipe
	in  chan []byte
	out chan []byte
}

func (e *pipeEnd) Read() ([]byte, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.p.done:
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return nil, ErrConnectionClosed
		}
	}
}

func (e *pipeEnd) Write(data []byte) error {
	select {
	case <-e.p.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case e.out <- append([]byte(nil), data...):
		return nil
	case <-e.p.done:
		return ErrConnectionClosed
	}
}

func (e *pipeEnd) Close() error {
	e.p.close()
	return nil
}

type streamConn struct {
	nodeTag string
	pipe    *pipe
	server  *pipeEnd
}

func (s *streamConn) send(msg model.SubscriptionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.server.Write(data)
}

// closeWith sends a final status then closes; an empty status simulates a network failure
func (s *streamConn) closeWith(status model.SubscriptionConnectionStatus, message string) {
	if status != "" {
		_ = s.send(model.SubscriptionMessage{
			Type:    model.SubscriptionMessageConnectionStatus,
			Status:  status,
			Message: message,
		})
	}
	s.pipe.close()
}

// Dialer returns a stream dialer that connects subscription workers to the cluster
func (c *Cluster) Dialer() transport.StreamDialer {
	return dialerFunc(c.dial)
}

type dialerFunc func(ctx context.Context, url string, header http.Header) (transport.Stream, error)

func (f dialerFunc) Dial(ctx context.Context, url string, header http.Header) (transport.Stream, error) {
	return f(ctx, url, header)
}

func (c *Cluster) dial(ctx context.Context, rawURL string, header http.Header) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := rawURL
	switch {
	case strings.HasPrefix(target, "ws://"):
		target = "http://" + strings.TrimPrefix(target, "ws://")
	case strings.HasPrefix(target, "wss://"):
		target = "https://" + strings.TrimPrefix(target, "wss://")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.nodeByURLLocked(target)
	if node == nil || node.down {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	node.hits++
	c.requests = append(c.requests, RecordedRequest{NodeTag: node.Tag, Method: "STREAM", Path: u.Path})

	p := newPipe()
	conn := &streamConn{
		nodeTag: node.Tag,
		pipe:    p,
		server:  &pipeEnd{p: p, in: p.toServer, out: p.toClient},
	}
	go c.serve(conn)
	return &pipeEnd{p: p, in: p.toClient, out: p.toServer}, nil
}

// SetHeartbeatInterval changes how often idle subscription streams send heartbeats
func (c *Cluster) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeat = d
}

// SetSubscriptionNode moves subscription processing to the node with tag.
// Streams open on other nodes are broken and get redirected on reconnect.
func (c *Cluster) SetSubscriptionNode(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subNodeTag = tag
	for _, s := range c.subs {
		if s.active != nil && s.active.nodeTag != tag {
			s.active.closeWith("", "")
			s.active = nil
		}
	}
	c.notifyLocked()
}

// BreakSubscriptionStreams severs every open subscription stream without a status
func (c *Cluster) BreakSubscriptionStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.active != nil {
			s.active.closeWith("", "")
			s.active = nil
		}
	}
	c.notifyLocked()
}

// Connections returns how many connections were accepted for a subscription
func (c *Cluster) Connections(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections[strings.ToLower(name)]
}

// SubscriptionState returns the server state of a subscription
func (c *Cluster) SubscriptionState(name string) (*model.SubscriptionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return s.state(), true
}

// Close severs all streams
func (c *Cluster) Close() {
	c.BreakSubscriptionStreams()
}

func (c *Cluster) dropStreamsOnNodeLocked(tag string) {
	for _, s := range c.subs {
		if s.active != nil && s.active.nodeTag == tag {
			s.active.closeWith("", "")
			s.active = nil
		}
	}
	c.notifyLocked()
}

func (c *Cluster) subNodeTagLocked() string {
	if c.subNodeTag != "" {
		return c.subNodeTag
	}
	return c.nodes[0].Tag
}

func (c *Cluster) subscriptionsLocked(method string, q url.Values, body []byte) response {
	switch method {
	case http.MethodPut:
		var opts model.SubscriptionCreationOptions
		if err := json.Unmarshal(body, &opts); err != nil {
			return errorResponse(http.StatusBadRequest, "BadRequestException", err.Error(), nil)
		}
		m := collectionPattern.FindStringSubmatch(opts.Query)
		if m == nil {
			return errorResponse(http.StatusBadRequest, "InvalidQueryException", "cannot parse subscription query: "+opts.Query, nil)
		}
		c.subSeq++
		name := opts.Name
		if name == "" {
			name = strconv.FormatInt(c.subSeq, 10)
		}
		key := strings.ToLower(name)
		if _, exists := c.subs[key]; exists {
			return errorResponse(http.StatusBadRequest, "BadRequestException",
				fmt.Sprintf("Subscription with name '%s' already exists", name), nil)
		}
		s := &subscription{
			id:         c.subSeq,
			name:       name,
			query:      opts.Query,
			collection: m[1],
			includes:   opts.Includes,
			revisions:  opts.Revisions,
			disabled:   opts.Disabled,
			mentor:     opts.MentorNode,
		}
		switch opts.ChangeVector {
		case "":
		case "LastDocument":
			s.cursor = c.etag
		default:
			s.cursor = maxEtag(opts.ChangeVector)
			s.cursorCV = opts.ChangeVector
		}
		c.subs[key] = s
		return jsonResponse(http.StatusCreated, map[string]interface{}{"Name": name})

	case http.MethodDelete:
		key := strings.ToLower(q.Get("taskName"))
		s, ok := c.subs[key]
		if !ok {
			return response{status: http.StatusNotFound}
		}
		if s.active != nil {
			s.active.closeWith(model.SubscriptionStatusNotFound, "subscription was deleted")
			s.active = nil
		}
		delete(c.subs, key)
		c.notifyLocked()
		return response{status: http.StatusNoContent}

	case http.MethodGet:
		start, _ := strconv.Atoi(q.Get("start"))
		pageSize, _ := strconv.Atoi(q.Get("pageSize"))
		all := make([]*subscription, 0, len(c.subs))
		for _, s := range c.subs {
			all = append(all, s)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
		results := make([]*model.SubscriptionState, 0)
		for i := start; i < len(all) && (pageSize <= 0 || len(results) < pageSize); i++ {
			results = append(results, all[i].state())
		}
		return jsonResponse(http.StatusOK, map[string]interface{}{"Results": results})
	}
	return errorResponse(http.StatusMethodNotAllowed, "BadRequestException", "unsupported method "+method, nil)
}

func (c *Cluster) subscriptionStateLocked(name string) response {
	s, ok := c.subs[strings.ToLower(name)]
	if !ok {
		return errorResponse(http.StatusNotFound, "SubscriptionDoesNotExistException",
			fmt.Sprintf("Subscription with name '%s' was not found", name), map[string]interface{}{"Name": name})
	}
	return jsonResponse(http.StatusOK, s.state())
}

func (c *Cluster) dropSubscriptionLocked(name string) response {
	s, ok := c.subs[strings.ToLower(name)]
	if !ok {
		return errorResponse(http.StatusNotFound, "SubscriptionDoesNotExistException",
			fmt.Sprintf("Subscription with name '%s' was not found", name), map[string]interface{}{"Name": name})
	}
	if s.active != nil {
		s.active.closeWith(model.SubscriptionStatusClosed, "connection dropped by request")
		s.active = nil
		c.notifyLocked()
	}
	return response{status: http.StatusNoContent}
}

func maxEtag(cv string) int64 {
	parsed, err := algorithm.NewChangeVectorOps().Parse(cv)
	if err != nil {
		return 0
	}
	var max int64
	for _, e := range parsed.Entries {
		if e.NodeTag != model.ClusterTransactionTag && e.Etag > max {
			max = e.Etag
		}
	}
	return max
}

// serve runs the server side of one subscription stream
func (c *Cluster) serve(conn *streamConn) {
	defer conn.pipe.close()

	data, err := conn.server.Read()
	if err != nil {
		return
	}
	var hello model.SubscriptionMessage
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != model.SubscriptionMessageConnect {
		conn.closeWith(model.SubscriptionStatusInvalid, "expected a connect message")
		return
	}

	s, ok := c.accept(conn, hello)
	if !ok {
		return
	}
	defer c.release(s, conn)

	maxDocs := hello.MaxDocsPerBatch
	if maxDocs <= 0 {
		maxDocs = defaultMaxDocsPerBatch
	}
	for {
		batch, wait, heartbeat := c.nextBatch(s, conn, maxDocs)
		if batch == nil {
			if wait == nil {
				return
			}
			select {
			case <-wait:
			case <-conn.pipe.done:
				return
			case <-time.After(heartbeat):
				if conn.send(model.SubscriptionMessage{Type: model.SubscriptionMessageHeartbeat}) != nil {
					return
				}
			}
			continue
		}

		for _, msg := range batch.messages {
			if conn.send(msg) != nil {
				return
			}
		}
		if !c.awaitAck(s, conn, batch) {
			return
		}
	}
}

// accept applies the opening strategy and registers conn as the active connection
func (c *Cluster) accept(conn *streamConn, hello model.SubscriptionMessage) (*subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		s, ok := c.subs[strings.ToLower(hello.Name)]
		if !ok {
			conn.closeWith(model.SubscriptionStatusNotFound, fmt.Sprintf("subscription '%s' does not exist", hello.Name))
			return nil, false
		}
		if tag := c.subNodeTagLocked(); tag != conn.nodeTag {
			_ = conn.send(model.SubscriptionMessage{
				Type:          model.SubscriptionMessageConnectionStatus,
				Status:        model.SubscriptionStatusRedirect,
				RedirectedTag: tag,
			})
			conn.pipe.close()
			return nil, false
		}
		if s.disabled {
			conn.closeWith(model.SubscriptionStatusClosed, "subscription is disabled")
			return nil, false
		}
		if s.active != nil {
			select {
			case <-s.active.pipe.done:
				s.active = nil
			default:
			}
		}
		if s.active != nil {
			switch hello.Strategy {
			case model.SubscriptionTakeOver:
				s.active.closeWith(model.SubscriptionStatusClosed, "subscription was taken over by another connection")
				s.active = nil
			case model.SubscriptionWaitForFree:
				wait := c.changed
				c.mu.Unlock()
				select {
				case <-wait:
				case <-conn.pipe.done:
					c.mu.Lock()
					return nil, false
				}
				c.mu.Lock()
				continue
			default:
				conn.closeWith(model.SubscriptionStatusInUse, fmt.Sprintf("subscription '%s' is in use", s.name))
				return nil, false
			}
		}

		now := time.Now().UTC()
		s.active = conn
		s.lastConn = &now
		c.connections[strings.ToLower(s.name)]++
		_ = conn.send(model.SubscriptionMessage{
			Type:   model.SubscriptionMessageConnectionStatus,
			Status: model.SubscriptionStatusAccepted,
		})
		return s, true
	}
}

func (c *Cluster) release(s *subscription, conn *streamConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.active == conn {
		s.active = nil
		c.notifyLocked()
	}
}

type pendingBatch struct {
	messages []model.SubscriptionMessage
	lastEtag int64
	lastCV   string
}

// nextBatch collects documents past the cursor, or returns a channel to wait on
func (c *Cluster) nextBatch(s *subscription, conn *streamConn, maxDocs int) (*pendingBatch, <-chan struct{}, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.active != conn {
		return nil, nil, 0
	}

	batch := &pendingBatch{}
	var included []map[string]interface{}
	if s.revisions {
		for _, r := range c.revisions {
			if r.etag <= s.cursor || r.current == nil || !inCollection(r.current, s.collection) {
				continue
			}
			msg := model.SubscriptionMessage{Type: model.SubscriptionMessageData, Data: mustJSON(r.current)}
			if r.previous != nil {
				msg.Previous = mustJSON(r.previous)
			}
			batch.messages = append(batch.messages, msg)
			batch.lastEtag, batch.lastCV = r.etag, r.cv
			if len(batch.messages) >= maxDocs {
				break
			}
		}
	} else {
		docs := make([]*document, 0)
		for _, d := range c.docs {
			if d.etag > s.cursor && strings.EqualFold(d.collection, s.collection) {
				docs = append(docs, d)
			}
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].etag < docs[j].etag })
		if len(docs) > maxDocs {
			docs = docs[:maxDocs]
		}
		for _, d := range docs {
			wire := d.wire()
			included = append(included, wire)
			batch.messages = append(batch.messages, model.SubscriptionMessage{
				Type: model.SubscriptionMessageData,
				Data: mustJSON(wire),
			})
			batch.lastEtag, batch.lastCV = d.etag, d.changeVector
		}
	}

	if len(batch.messages) == 0 {
		heartbeat := c.heartbeat
		if heartbeat <= 0 {
			heartbeat = 50 * time.Millisecond
		}
		return nil, c.changed, heartbeat
	}

	if len(s.includes) > 0 && len(included) > 0 {
		raw := make(map[string]json.RawMessage)
		for id, doc := range c.includesLocked(included, s.includes) {
			raw[id] = mustJSON(doc)
		}
		batch.messages = append(batch.messages, model.SubscriptionMessage{
			Type:     model.SubscriptionMessageIncludes,
			Includes: raw,
		})
	}
	batch.messages = append(batch.messages, model.SubscriptionMessage{Type: model.SubscriptionMessageEndOfBatch})
	return batch, nil, 0
}

// awaitAck reads until the client acknowledges the batch, then advances the cursor
func (c *Cluster) awaitAck(s *subscription, conn *streamConn, batch *pendingBatch) bool {
	for {
		data, err := conn.server.Read()
		if err != nil {
			return false
		}
		var msg model.SubscriptionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		if msg.Type != model.SubscriptionMessageAcknowledge {
			continue
		}

		c.mu.Lock()
		if s.active != conn {
			c.mu.Unlock()
			return false
		}
		if batch.lastEtag > s.cursor {
			now := time.Now().UTC()
			s.cursor = batch.lastEtag
			s.cursorCV = batch.lastCV
			s.lastAck = &now
		}
		c.acks++
		c.mu.Unlock()
		return conn.send(model.SubscriptionMessage{Type: model.SubscriptionMessageConfirm}) == nil
	}
}

// Acknowledgments returns how many batch acknowledgments the cluster processed
func (c *Cluster) Acknowledgments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acks
}

func inCollection(doc map[string]interface{}, collection string) bool {
	meta, _ := doc[model.MetadataKey].(map[string]interface{})
	name, _ := meta[model.MetadataCollection].(string)
	return strings.EqualFold(name, collection)
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
