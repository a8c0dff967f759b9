package fakeserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/transport"
)

// Transport returns a transport that routes requests to the cluster nodes
func (c *Cluster) Transport() transport.Transport {
	return transport.TransportFunc(c.do)
}

type response struct {
	status int
	body   []byte
	etag   string
}

func jsonResponse(status int, v interface{}) response {
	data, _ := json.Marshal(v)
	return response{status: status, body: data}
}

func errorResponse(status int, typ, message string, extra map[string]interface{}) response {
	body := map[string]interface{}{"Type": typ, "Message": message}
	for k, v := range extra {
		body[k] = v
	}
	return jsonResponse(status, body)
}

func (c *Cluster) do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	node := c.nodeByURLLocked(req.URL)
	if node == nil || node.down {
		c.mu.Unlock()
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	latency := node.latency
	tag := node.Tag
	c.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if node.down {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	node.hits++
	c.requests = append(c.requests, RecordedRequest{
		NodeTag: tag,
		Method:  req.Method,
		Path:    u.Path,
		Query:   u.RawQuery,
		Body:    string(req.Body),
	})

	resp := c.routeLocked(tag, req.Method, u.Path, u.Query(), req.Body)

	header := make(http.Header)
	header.Set(transport.HeaderContentType, transport.ContentTypeJSON)
	if c.refreshHint {
		header.Set(transport.HeaderRefreshTopology, "true")
	}
	if resp.etag != "" {
		if match := req.Header.Get(transport.HeaderIfNoneMatch); match != "" && match == resp.etag {
			return &transport.Response{StatusCode: http.StatusNotModified, Header: header}, nil
		}
		header.Set(transport.HeaderETag, resp.etag)
	}
	return &transport.Response{StatusCode: resp.status, Header: header, Body: resp.body}, nil
}

func (c *Cluster) routeLocked(tag, method, path string, q url.Values, body []byte) response {
	if path == "/topology" {
		if q.Get("name") != c.database {
			return errorResponse(http.StatusNotFound, "DatabaseDoesNotExistException",
				"Database '"+q.Get("name")+"' does not exist", nil)
		}
		return jsonResponse(http.StatusOK, c.topologyLocked())
	}

	prefix := "/databases/" + c.database
	if !strings.HasPrefix(path, prefix+"/") {
		return errorResponse(http.StatusNotFound, "DatabaseDoesNotExistException", "Database does not exist", nil)
	}
	return c.routeDatabaseLocked(tag, method, strings.TrimPrefix(path, prefix), q, body)
}

func (c *Cluster) routeDatabaseLocked(tag, method, path string, q url.Values, body []byte) response {
	switch {
	case path == "/docs" && method == http.MethodGet:
		return withETag(c.getDocumentsLocked(q))
	case path == "/bulk_docs" && method == http.MethodPost:
		return c.batchLocked(tag, body)
	case path == "/multi_get" && method == http.MethodPost:
		return c.multiGetLocked(tag, body)
	case path == "/queries" && method == http.MethodPost:
		return withETag(c.queryLocked(body))
	case path == "/cmpxchg":
		return c.compareExchangeLocked(method, q, body)
	case path == "/hilo/next" && method == http.MethodGet:
		return c.nextHiLoLocked(tag, q)
	case path == "/subscriptions":
		return c.subscriptionsLocked(method, q, body)
	case path == "/subscriptions/state" && method == http.MethodGet:
		return c.subscriptionStateLocked(q.Get("name"))
	case path == "/subscriptions/drop" && method == http.MethodPost:
		return c.dropSubscriptionLocked(q.Get("name"))
	}
	return errorResponse(http.StatusBadRequest, "BadRequestException", "unsupported endpoint "+method+" "+path, nil)
}

// withETag derives a content ETag for successful reads
func withETag(r response) response {
	if r.status == http.StatusOK {
		sum := sha256.Sum256(r.body)
		r.etag = `"` + hex.EncodeToString(sum[:8]) + `"`
	}
	return r
}
