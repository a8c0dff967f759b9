// Package docstore is a client for a replicated document database. A
// DocumentStore routes requests across the cluster topology, caches responses,
// opens unit-of-work sessions and runs subscription workers.
package docstore

import (
	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/config"
	"github.com/devrev/pairdb/docstore/internal/conventions"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/session"
	"github.com/devrev/pairdb/docstore/internal/store"
	"github.com/devrev/pairdb/docstore/internal/subscription"
)

type (
	DocumentStore = store.DocumentStore
	Config        = store.Config
	Conventions   = conventions.Conventions

	Session        = session.Session
	SessionOptions = session.Options
	BulkInsert     = session.BulkInsert

	Worker        = subscription.Worker
	WorkerOptions = subscription.WorkerOptions
	Batch         = subscription.Batch
	BatchHandler  = subscription.BatchHandler

	SubscriptionCreationOptions = model.SubscriptionCreationOptions
	CompareExchangeValue        = model.CompareExchangeValue
	CompareExchangeResult       = model.CompareExchangeResult

	Error     = docerrors.Error
	ErrorCode = docerrors.ErrorCode
)

// Sentinels for errors.Is
var (
	ErrInvalidOperation               = docerrors.ErrInvalidOperation
	ErrInvalidArgument                = docerrors.ErrInvalidArgument
	ErrConcurrency                    = docerrors.ErrConcurrency
	ErrClusterTransactionConcurrency  = docerrors.ErrClusterTransactionConcurrency
	ErrDocumentDoesNotExist           = docerrors.ErrDocumentDoesNotExist
	ErrTooManyRequestsInSession       = docerrors.ErrTooManyRequestsInSession
	ErrAllTopologyNodesDown           = docerrors.ErrAllTopologyNodesDown
	ErrStoreClosed                    = docerrors.ErrStoreClosed
	ErrSubscriptionDoesNotExist       = docerrors.ErrSubscriptionDoesNotExist
	ErrSubscriptionInUse              = docerrors.ErrSubscriptionInUse
	ErrSubscriptionClosed             = docerrors.ErrSubscriptionClosed
	ErrSubscriptionInvalidState       = docerrors.ErrSubscriptionInvalidState
	ErrSubscriber                     = docerrors.ErrSubscriber
	ErrSubscriptionMaxErroneousPeriod = docerrors.ErrSubscriptionMaxErroneousPeriod
)

// New creates a document store; call Initialize before use
func New(cfg Config) (*DocumentStore, error) {
	return store.New(cfg)
}

// NewFromFile loads configuration from path and the DOCSTORE_ environment,
// then creates a document store from it
func NewFromFile(path string, logger *zap.Logger) (*DocumentStore, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return store.FromConfig(cfg, nil, logger)
}

// DefaultConventions returns a mutable copy of the default conventions
func DefaultConventions() *Conventions {
	return conventions.Default()
}
