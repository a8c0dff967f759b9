package commands

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// IndexQuery is an opaque query with its parameters
type IndexQuery struct {
	Query                  string                 `json:"Query"`
	QueryParameters        map[string]interface{} `json:"QueryParameters,omitempty"`
	Includes               []string               `json:"Includes,omitempty"`
	WaitForNonStaleResults bool                   `json:"WaitForNonStaleResults,omitempty"`
	Start                  int                    `json:"Start,omitempty"`
	PageSize               int                    `json:"PageSize,omitempty"`
}

// QueryResult is the server reply to a query
type QueryResult struct {
	Results      []json.RawMessage          `json:"Results"`
	Includes     map[string]json.RawMessage `json:"Includes"`
	TotalResults int                        `json:"TotalResults"`
	IndexName    string                     `json:"IndexName"`
	IsStale      bool                       `json:"IsStale"`
	ResultEtag   int64                      `json:"ResultEtag"`
}

// Query runs an index query
type Query struct {
	IndexQuery *IndexQuery
	Result     *QueryResult
}

// NewQuery creates the command
func NewQuery(q *IndexQuery) *Query {
	return &Query{IndexQuery: q}
}

func (c *Query) Name() string { return "Query" }

func (c *Query) Options() Options {
	return Options{Cacheable: true, Idempotent: true}
}

func (c *Query) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	return newRequest(http.MethodPost, DatabaseURL(node, "/queries", nil), c.IndexQuery)
}

func (c *Query) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	var r QueryResult
	if err := decode(body, &r, "query"); err != nil {
		return err
	}
	c.Result = &r
	return nil
}
