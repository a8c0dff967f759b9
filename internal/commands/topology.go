package commands

import (
	"context"
	"net/http"
	"net/url"

	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// GetTopology fetches the nodes serving a database
type GetTopology struct {
	Database string
	Result   *model.Topology
}

// NewGetTopology creates the command
func NewGetTopology(database string) *GetTopology {
	return &GetTopology{Database: database}
}

func (c *GetTopology) Name() string { return "GetTopology" }

func (c *GetTopology) Options() Options {
	return Options{Affinity: AffinityNone, Idempotent: true}
}

func (c *GetTopology) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("name", c.Database)
	return newRequest(http.MethodGet, node.URL+"/topology?"+q.Encode(), nil)
}

func (c *GetTopology) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	if body == nil {
		return docerrors.NewError(docerrors.ErrCodeDatabaseDoesNotExist,
			"database '"+c.Database+"' does not exist", nil)
	}
	var t model.Topology
	if err := decode(body, &t, "topology"); err != nil {
		return err
	}
	for _, n := range t.Nodes {
		if n.Database == "" {
			n.Database = c.Database
		}
	}
	c.Result = &t
	return nil
}
