package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// GetDocumentsResult is the payload of a document load
type GetDocumentsResult struct {
	// Results holds one raw document per requested id, null when missing
	Results  []json.RawMessage          `json:"Results"`
	Includes map[string]json.RawMessage `json:"Includes"`
}

// GetDocuments loads documents by id with optional includes
type GetDocuments struct {
	IDs          []string
	Includes     []string
	MetadataOnly bool
	Result       *GetDocumentsResult
}

// NewGetDocuments creates the command
func NewGetDocuments(ids []string, includes []string, metadataOnly bool) *GetDocuments {
	return &GetDocuments{IDs: ids, Includes: includes, MetadataOnly: metadataOnly}
}

func (c *GetDocuments) Name() string { return "GetDocuments" }

func (c *GetDocuments) Options() Options {
	return Options{Cacheable: true, Idempotent: true}
}

// Path returns the database relative path, used by lazy operations
func (c *GetDocuments) Path() (string, url.Values) {
	q := url.Values{}
	for _, id := range c.IDs {
		q.Add("id", id)
	}
	for _, inc := range c.Includes {
		q.Add("include", inc)
	}
	if c.MetadataOnly {
		q.Set("metadataOnly", "true")
	}
	return "/docs", q
}

func (c *GetDocuments) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	path, q := c.Path()
	return newRequest(http.MethodGet, DatabaseURL(node, path, q), nil)
}

func (c *GetDocuments) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	if body == nil {
		c.Result = nil
		return nil
	}
	var r GetDocumentsResult
	if err := decode(body, &r, "documents"); err != nil {
		return err
	}
	c.Result = &r
	return nil
}

// IsNull reports whether a raw result slot holds no document
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
