// Package transport abstracts the wire: a request goes out, a status, headers and
// a body come back. The runtime never depends on how bytes travel.
package transport

import (
	"context"
	"net/http"
)

// Request is a single HTTP-like request to one node
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the node's answer
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends a request to a node. Implementations honour ctx for timeouts
// and cancellation and report transport-level failures as errors; any HTTP status
// is a successful round trip.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f
func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Header names shared by the executor and commands
const (
	HeaderETag                    = "ETag"
	HeaderIfNoneMatch             = "If-None-Match"
	HeaderRefreshTopology         = "Refresh-Topology"
	HeaderTopologyEtag            = "Topology-Etag"
	HeaderLastKnownClusterTxIndex = "Last-Known-Cluster-Transaction-Index"
	HeaderRequestID               = "Request-Id"
	HeaderContentType             = "Content-Type"
	ContentTypeJSON               = "application/json; charset=utf-8"
)
