package commands

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

type createSubscriptionResult struct {
	Name string `json:"Name"`
}

// CreateSubscription registers a subscription and returns its name
type CreateSubscription struct {
	Creation *model.SubscriptionCreationOptions
	Result   string
}

// NewCreateSubscription creates the command
func NewCreateSubscription(opts *model.SubscriptionCreationOptions) *CreateSubscription {
	return &CreateSubscription{Creation: opts}
}

func (c *CreateSubscription) Name() string { return "CreateSubscription" }

func (c *CreateSubscription) Options() Options {
	return Options{Affinity: AffinityLeader}
}

func (c *CreateSubscription) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	return newRequest(http.MethodPut, DatabaseURL(node, "/subscriptions", nil), c.Creation)
}

func (c *CreateSubscription) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	var r createSubscriptionResult
	if err := decode(body, &r, "create subscription"); err != nil {
		return err
	}
	if r.Name == "" {
		return docerrors.BadResponse("create subscription returned no name", nil)
	}
	c.Result = r.Name
	return nil
}

// DeleteSubscription removes a subscription
type DeleteSubscription struct {
	SubscriptionName string
}

// NewDeleteSubscription creates the command
func NewDeleteSubscription(name string) *DeleteSubscription {
	return &DeleteSubscription{SubscriptionName: name}
}

func (c *DeleteSubscription) Name() string { return "DeleteSubscription" }

func (c *DeleteSubscription) Options() Options {
	return Options{Affinity: AffinityLeader, Idempotent: true}
}

func (c *DeleteSubscription) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("taskName", c.SubscriptionName)
	return newRequest(http.MethodDelete, DatabaseURL(node, "/subscriptions", q), nil)
}

func (c *DeleteSubscription) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	if body == nil {
		return docerrors.SubscriptionDoesNotExist(c.SubscriptionName)
	}
	return nil
}

// GetSubscriptionState reads the server state of a subscription
type GetSubscriptionState struct {
	SubscriptionName string
	Result           *model.SubscriptionState
}

// NewGetSubscriptionState creates the command
func NewGetSubscriptionState(name string) *GetSubscriptionState {
	return &GetSubscriptionState{SubscriptionName: name}
}

func (c *GetSubscriptionState) Name() string { return "GetSubscriptionState" }

func (c *GetSubscriptionState) Options() Options {
	return Options{Idempotent: true}
}

func (c *GetSubscriptionState) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("name", c.SubscriptionName)
	return newRequest(http.MethodGet, DatabaseURL(node, "/subscriptions/state", q), nil)
}

func (c *GetSubscriptionState) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	if body == nil {
		return docerrors.SubscriptionDoesNotExist(c.SubscriptionName)
	}
	var s model.SubscriptionState
	if err := decode(body, &s, "subscription state"); err != nil {
		return err
	}
	c.Result = &s
	return nil
}

type subscriptionsResult struct {
	Results []*model.SubscriptionState `json:"Results"`
}

// GetSubscriptions pages through all subscriptions
type GetSubscriptions struct {
	Start    int
	PageSize int
	Result   []*model.SubscriptionState
}

// NewGetSubscriptions creates the command
func NewGetSubscriptions(start, pageSize int) *GetSubscriptions {
	return &GetSubscriptions{Start: start, PageSize: pageSize}
}

func (c *GetSubscriptions) Name() string { return "GetSubscriptions" }

func (c *GetSubscriptions) Options() Options {
	return Options{Idempotent: true}
}

func (c *GetSubscriptions) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(c.Start))
	q.Set("pageSize", strconv.Itoa(c.PageSize))
	return newRequest(http.MethodGet, DatabaseURL(node, "/subscriptions", q), nil)
}

func (c *GetSubscriptions) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	if body == nil {
		c.Result = nil
		return nil
	}
	var r subscriptionsResult
	if err := decode(body, &r, "subscriptions"); err != nil {
		return err
	}
	c.Result = r.Results
	return nil
}

// DropSubscriptionConnection disconnects the worker of a subscription
type DropSubscriptionConnection struct {
	SubscriptionName string
}

// NewDropSubscriptionConnection creates the command
func NewDropSubscriptionConnection(name string) *DropSubscriptionConnection {
	return &DropSubscriptionConnection{SubscriptionName: name}
}

func (c *DropSubscriptionConnection) Name() string { return "DropSubscriptionConnection" }

func (c *DropSubscriptionConnection) Options() Options {
	return Options{Affinity: AffinityLeader, Idempotent: true}
}

func (c *DropSubscriptionConnection) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	q := url.Values{}
	q.Set("name", c.SubscriptionName)
	return newRequest(http.MethodPost, DatabaseURL(node, "/subscriptions/drop", q), nil)
}

func (c *DropSubscriptionConnection) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	if body == nil {
		return docerrors.SubscriptionDoesNotExist(c.SubscriptionName)
	}
	return nil
}
