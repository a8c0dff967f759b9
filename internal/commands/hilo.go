package commands

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// HiLoResult is a reserved id range
type HiLoResult struct {
	Prefix    string `json:"Prefix"`
	Low       int64  `json:"Low"`
	High      int64  `json:"High"`
	LastSize  int64  `json:"LastSize"`
	ServerTag string `json:"ServerTag"`
}

// NextHiLo reserves the next id range for a collection tag
type NextHiLo struct {
	Tag                    string
	LastBatchSize          int64
	LastRangeMax           int64
	IdentityPartsSeparator string
	Result                 *HiLoResult
}

// NewNextHiLo creates the command
func NewNextHiLo(tag string, lastBatchSize, lastRangeMax int64, separator string) *NextHiLo {
	return &NextHiLo{
		Tag:                    tag,
		LastBatchSize:          lastBatchSize,
		LastRangeMax:           lastRangeMax,
		IdentityPartsSeparator: separator,
	}
}

func (c *NextHiLo) Name() string { return "NextHiLo" }

func (c *NextHiLo) Options() Options {
	return Options{}
}

func (c *NextHiLo) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("tag", c.Tag)
	q.Set("lastBatchSize", strconv.FormatInt(c.LastBatchSize, 10))
	q.Set("lastMax", strconv.FormatInt(c.LastRangeMax, 10))
	q.Set("identityPartsSeparator", c.IdentityPartsSeparator)
	return newRequest(http.MethodGet, DatabaseURL(node, "/hilo/next", q), nil)
}

func (c *NextHiLo) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	var r HiLoResult
	if err := decode(body, &r, "hilo"); err != nil {
		return err
	}
	c.Result = &r
	return nil
}
