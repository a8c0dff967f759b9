// Package subscription manages server-side subscriptions and runs the
// workers that consume them.
package subscription

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// CommandExecutor sends subscription management commands
type CommandExecutor interface {
	Execute(ctx context.Context, cmd commands.Command, info *model.SessionInfo) error
}

// Client creates, inspects and deletes subscriptions
type Client struct {
	exec   CommandExecutor
	logger *zap.Logger
}

// NewClient creates a client
func NewClient(exec CommandExecutor, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{exec: exec, logger: logger}
}

// Create registers a subscription and returns its name. The server picks a
// name when none is given.
func (c *Client) Create(ctx context.Context, opts *model.SubscriptionCreationOptions) (string, error) {
	if opts == nil || strings.TrimSpace(opts.Query) == "" {
		return "", docerrors.InvalidArgument("subscription query cannot be empty", nil)
	}
	cmd := commands.NewCreateSubscription(opts)
	if err := c.exec.Execute(ctx, cmd, nil); err != nil {
		return "", err
	}
	c.logger.Info("Subscription created",
		zap.String("subscription", cmd.Result),
		zap.String("query", opts.Query))
	return cmd.Result, nil
}

// Delete removes a subscription; its worker is disconnected
func (c *Client) Delete(ctx context.Context, name string) error {
	if name == "" {
		return docerrors.InvalidArgument("subscription name cannot be empty", nil)
	}
	if err := c.exec.Execute(ctx, commands.NewDeleteSubscription(name), nil); err != nil {
		return err
	}
	c.logger.Info("Subscription deleted", zap.String("subscription", name))
	return nil
}

// GetState returns the server state of a subscription, or a
// SubscriptionDoesNotExist error
func (c *Client) GetState(ctx context.Context, name string) (*model.SubscriptionState, error) {
	if name == "" {
		return nil, docerrors.InvalidArgument("subscription name cannot be empty", nil)
	}
	cmd := commands.NewGetSubscriptionState(name)
	if err := c.exec.Execute(ctx, cmd, nil); err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched subscription state",
		zap.String("subscription", name),
		zap.String("change_vector", cmd.Result.ChangeVectorForNextBatchStartingPoint))
	return cmd.Result, nil
}

// GetSubscriptions pages through every subscription of the database
func (c *Client) GetSubscriptions(ctx context.Context, start, take int) ([]*model.SubscriptionState, error) {
	cmd := commands.NewGetSubscriptions(start, take)
	if err := c.exec.Execute(ctx, cmd, nil); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

// DropConnection disconnects the worker currently holding a subscription
func (c *Client) DropConnection(ctx context.Context, name string) error {
	if name == "" {
		return docerrors.InvalidArgument("subscription name cannot be empty", nil)
	}
	return c.exec.Execute(ctx, commands.NewDropSubscriptionConnection(name), nil)
}
