package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"unicode/utf8"

	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// ValidateCompareExchangeKey rejects empty keys and keys longer than the
// server limit, measured in UTF-8 bytes
func ValidateCompareExchangeKey(key string) error {
	if key == "" {
		return docerrors.InvalidArgument("compare exchange key cannot be empty", nil)
	}
	if !utf8.ValidString(key) {
		return docerrors.InvalidArgument("compare exchange key must be valid UTF-8", nil)
	}
	if len(key) > model.MaxCompareExchangeKeyLength {
		return docerrors.KeyTooLarge(key, len(key), model.MaxCompareExchangeKeyLength)
	}
	return nil
}

type compareExchangeResults struct {
	Results []model.CompareExchangeValue `json:"Results"`
}

// GetCompareExchangeValue reads one compare exchange value
type GetCompareExchangeValue struct {
	Key    string
	Result *model.CompareExchangeValue
}

// NewGetCompareExchangeValue validates key and creates the command
func NewGetCompareExchangeValue(key string) (*GetCompareExchangeValue, error) {
	if err := ValidateCompareExchangeKey(key); err != nil {
		return nil, err
	}
	return &GetCompareExchangeValue{Key: key}, nil
}

func (c *GetCompareExchangeValue) Name() string { return "GetCompareExchangeValue" }

func (c *GetCompareExchangeValue) Options() Options {
	return Options{Idempotent: true}
}

func (c *GetCompareExchangeValue) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("key", c.Key)
	return newRequest(http.MethodGet, DatabaseURL(node, "/cmpxchg", q), nil)
}

func (c *GetCompareExchangeValue) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	c.Result = nil
	if body == nil {
		return nil
	}
	var r compareExchangeResults
	if err := decode(body, &r, "compare exchange"); err != nil {
		return err
	}
	if len(r.Results) > 0 {
		v := r.Results[0]
		c.Result = &v
	}
	return nil
}

// PutCompareExchangeValue stores value under key when the current index equals Index.
// Index 0 means the key must not exist yet.
type PutCompareExchangeValue struct {
	Key    string
	Value  json.RawMessage
	Index  int64
	Result *model.CompareExchangeResult
}

// NewPutCompareExchangeValue validates key and creates the command
func NewPutCompareExchangeValue(key string, value interface{}, index int64) (*PutCompareExchangeValue, error) {
	if err := ValidateCompareExchangeKey(key); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, docerrors.InvalidArgument("compare exchange index must be non-negative", nil)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, docerrors.InvalidArgument("compare exchange value is not serializable", err)
	}
	return &PutCompareExchangeValue{Key: key, Value: raw, Index: index}, nil
}

func (c *PutCompareExchangeValue) Name() string { return "PutCompareExchangeValue" }

func (c *PutCompareExchangeValue) Options() Options {
	return Options{Affinity: AffinityLeader}
}

func (c *PutCompareExchangeValue) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("key", c.Key)
	q.Set("index", strconv.FormatInt(c.Index, 10))
	return newRequest(http.MethodPut, DatabaseURL(node, "/cmpxchg", q), json.RawMessage(c.Value))
}

func (c *PutCompareExchangeValue) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	var r model.CompareExchangeResult
	if err := decode(body, &r, "compare exchange"); err != nil {
		return err
	}
	c.Result = &r
	return nil
}

// DeleteCompareExchangeValue removes key when the current index equals Index
type DeleteCompareExchangeValue struct {
	Key    string
	Index  int64
	Result *model.CompareExchangeResult
}

// NewDeleteCompareExchangeValue validates key and creates the command
func NewDeleteCompareExchangeValue(key string, index int64) (*DeleteCompareExchangeValue, error) {
	if err := ValidateCompareExchangeKey(key); err != nil {
		return nil, err
	}
	return &DeleteCompareExchangeValue{Key: key, Index: index}, nil
}

func (c *DeleteCompareExchangeValue) Name() string { return "DeleteCompareExchangeValue" }

func (c *DeleteCompareExchangeValue) Options() Options {
	return Options{Affinity: AffinityLeader}
}

func (c *DeleteCompareExchangeValue) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("key", c.Key)
	q.Set("index", strconv.FormatInt(c.Index, 10))
	return newRequest(http.MethodDelete, DatabaseURL(node, "/cmpxchg", q), nil)
}

func (c *DeleteCompareExchangeValue) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	var r model.CompareExchangeResult
	if err := decode(body, &r, "compare exchange"); err != nil {
		return err
	}
	c.Result = &r
	return nil
}
