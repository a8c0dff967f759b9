package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/cache"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// GetRequest is one sub-request of a multi get
type GetRequest struct {
	URL     string            `json:"Url"`
	Query   string            `json:"Query,omitempty"`
	Method  string            `json:"Method,omitempty"`
	Headers map[string]string `json:"Headers,omitempty"`
	Content json.RawMessage   `json:"Content,omitempty"`
}

// GetResponse is the server reply to one sub-request
type GetResponse struct {
	Result     json.RawMessage   `json:"Result"`
	StatusCode int               `json:"StatusCode"`
	Headers    map[string]string `json:"Headers,omitempty"`
}

type multiGetRequest struct {
	Requests []GetRequest `json:"Requests"`
}

type multiGetResult struct {
	Results []GetResponse `json:"Results"`
}

// MultiGet sends several reads in one round trip. Sub-requests with a cached
// ETag are sent conditionally; a 304 reply is answered from the cache entry
// captured for the current attempt, so a failed over retry never loses it.
type MultiGet struct {
	Requests []GetRequest
	Cache    *cache.Cache
	Result   []GetResponse
	// NoCaching forces every cached sub-request to be revalidated
	NoCaching bool

	// per attempt state, rebuilt by CreateRequest
	baseURL string
	cached  []*cache.Entry
	keys    []string
	fresh   bool
}

// NewMultiGet creates the command
func NewMultiGet(requests []GetRequest, c *cache.Cache) *MultiGet {
	return &MultiGet{Requests: requests, Cache: c}
}

func (c *MultiGet) Name() string { return "MultiGet" }

func (c *MultiGet) Options() Options {
	return Options{Idempotent: true}
}

// FullyCached reports whether the last CreateRequest found every sub-request
// fresh in the cache, in which case no network call is needed
func (c *MultiGet) FullyCached() bool {
	return c.fresh
}

func (c *MultiGet) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	// keys are node relative so entries survive failover to another node
	c.baseURL = strings.TrimPrefix(DatabaseURL(node, "", nil), node.URL)
	c.cached = make([]*cache.Entry, len(c.Requests))
	c.keys = make([]string, len(c.Requests))
	c.fresh = len(c.Requests) > 0

	requests := make([]GetRequest, len(c.Requests))
	for i, r := range c.Requests {
		req := r
		if req.Method == "" {
			req.Method = http.MethodGet
		}
		req.Headers = make(map[string]string, len(r.Headers)+1)
		for k, v := range r.Headers {
			req.Headers[k] = v
		}

		c.keys[i] = cache.Key(req.Method, c.subURL(req), req.Content)
		cacheable := c.Cache != nil && (strings.EqualFold(req.Method, http.MethodGet) || isQuery(req))
		if cacheable {
			if lookup, ok := c.Cache.Get(ctx, c.keys[i], !c.NoCaching); ok {
				c.cached[i] = lookup.Entry
				if !lookup.Fresh {
					c.fresh = false
				}
				req.Headers[transport.HeaderIfNoneMatch] = lookup.Entry.ETag
			} else {
				c.fresh = false
			}
		} else {
			c.fresh = false
		}
		requests[i] = req
	}

	if c.fresh {
		c.Result = make([]GetResponse, len(c.Requests))
		for i, entry := range c.cached {
			c.Result[i] = GetResponse{Result: entry.Body, StatusCode: http.StatusOK}
		}
	}

	return newRequest(http.MethodPost, DatabaseURL(node, "/multi_get", nil), multiGetRequest{Requests: requests})
}

func (c *MultiGet) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	var r multiGetResult
	if err := decode(body, &r, "multi get"); err != nil {
		return err
	}
	if len(r.Results) != len(c.Requests) {
		return docerrors.BadResponse(fmt.Sprintf("multi get returned %d results for %d requests",
			len(r.Results), len(c.Requests)), nil)
	}

	for i := range r.Results {
		res := &r.Results[i]
		switch {
		case res.StatusCode == http.StatusNotModified:
			if c.cached[i] == nil {
				return docerrors.BadResponse("multi get returned 304 for a request without cached entry", nil)
			}
			res.Result = c.cached[i].Body
			res.StatusCode = http.StatusOK
			if c.Cache != nil {
				c.Cache.Touch(ctx, c.keys[i], c.cached[i])
			}
		case res.StatusCode == http.StatusOK && c.Cache != nil:
			if etag := res.Headers[transport.HeaderETag]; etag != "" {
				c.Cache.Set(ctx, c.keys[i], etag, res.Result)
			}
		}
	}
	c.Result = r.Results
	return nil
}

func (c *MultiGet) subURL(r GetRequest) string {
	u := c.baseURL + r.URL
	if r.Query != "" {
		u += "?" + strings.TrimPrefix(r.Query, "?")
	}
	return u
}

func isQuery(r GetRequest) bool {
	return strings.HasSuffix(r.URL, "/queries")
}

// EncodeQuery renders query values the way GetRequest.Query expects
func EncodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
