// Package commands holds the requests a store sends to cluster nodes.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// Affinity constrains which node may serve a command
type Affinity int

const (
	// AffinityNone lets the load balance policy choose
	AffinityNone Affinity = iota
	// AffinityLeader pins the command to the preferred node
	AffinityLeader
	// AffinitySpecific pins the command to Options.SelectedNodeTag
	AffinitySpecific
)

// Options describe how the executor may dispatch a command
type Options struct {
	Affinity        Affinity
	SelectedNodeTag string
	// Cacheable responses are stored and revalidated with ETags
	Cacheable bool
	// Idempotent commands are retried on any transport failure; others only
	// when the connection was never established
	Idempotent bool
	// Structural commands change server state and bust the response cache
	Structural bool
	// Timeout overrides the store request timeout when positive
	Timeout time.Duration
}

// Command is one logical request. CreateRequest is called once per attempt,
// so commands must not keep per-attempt state across calls.
type Command interface {
	Name() string
	Options() Options
	CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error)
	// SetResponse receives the response body, nil for a 404 without error
	// payload. fromCache is true when the body came from the response cache.
	SetResponse(ctx context.Context, body []byte, fromCache bool) error
}

// DatabaseURL builds a database scoped endpoint URL
func DatabaseURL(node *model.ServerNode, path string, query url.Values) string {
	u := node.URL + "/databases/" + url.PathEscape(node.Database) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func newRequest(method, u string, body interface{}) (*transport.Request, error) {
	req := &transport.Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
	}
	if body != nil {
		switch b := body.(type) {
		case []byte:
			req.Body = b
		case json.RawMessage:
			req.Body = b
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			req.Body = data
		}
		req.Header.Set(transport.HeaderContentType, transport.ContentTypeJSON)
	}
	return req, nil
}

func decode(body []byte, out interface{}, what string) error {
	if err := json.Unmarshal(body, out); err != nil {
		return docerrors.BadResponse(fmt.Sprintf("invalid %s response", what), err)
	}
	return nil
}
