package session

import (
	"context"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/commands"
	"github.com/devrev/pairdb/docstore/internal/conventions"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// BulkInsert writes many new documents without tracking them, in batches of
// the configured size
type BulkInsert struct {
	exec        CommandExecutor
	conventions *conventions.Conventions
	keyGen      KeyGenerator
	storeEvents *Events
	events      *Events
	logger      *zap.Logger

	batchSize int
	pending   []commands.CommandData
	written   int
	closed    bool
}

// NewBulkInsert creates a bulk insert
func NewBulkInsert(exec CommandExecutor, conv *conventions.Conventions, keyGen KeyGenerator, storeEvents *Events, logger *zap.Logger) *BulkInsert {
	if conv == nil {
		conv = conventions.Default()
	}
	if storeEvents == nil {
		storeEvents = &Events{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := conv.MaxBulkInsertBatchSize
	if size <= 0 {
		size = 256
	}
	return &BulkInsert{
		exec:        exec,
		conventions: conv,
		keyGen:      keyGen,
		storeEvents: storeEvents,
		events:      &Events{},
		logger:      logger,
		batchSize:   size,
	}
}

// Events returns the observers of this bulk insert
func (b *BulkInsert) Events() *Events {
	return b.events
}

// Store queues entity and returns its id. A full batch is sent right away.
func (b *BulkInsert) Store(ctx context.Context, entity interface{}, opts ...StoreOption) (string, error) {
	if b.closed {
		return "", docerrors.InvalidOperation("bulk insert is closed")
	}
	if _, err := mustRef(entity); err != nil {
		return "", err
	}
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	collection := b.conventions.CollectionName(entity)
	id := o.id
	if id == "" {
		id = getIdentity(entity)
	}
	if id == "" {
		var err error
		switch {
		case collection != "" && b.keyGen != nil:
			if id, err = b.keyGen(ctx, collection, entity); err != nil {
				return "", err
			}
		default:
			id = uuid.NewString()
		}
	}
	setIdentity(entity, id)

	body, err := toDocument(entity)
	if err != nil {
		return "", err
	}
	meta := model.NewMetadata()
	if collection != "" {
		meta.Set(model.MetadataCollection, collection)
	}
	if reflect.TypeOf(entity).Kind() == reflect.Ptr {
		meta.Set(model.MetadataTypeTag, b.conventions.TypeTag(entity))
	}
	raw, err := documentJSON(body, meta)
	if err != nil {
		return "", err
	}

	b.pending = append(b.pending, commands.PutCommand(id, nil, raw))
	if len(b.pending) >= b.batchSize {
		if err := b.flush(ctx); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (b *BulkInsert) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	chunk := b.pending
	b.pending = nil
	if err := b.exec.Execute(ctx, commands.NewBatch(chunk, model.TransactionModeSingleNode), nil); err != nil {
		return err
	}
	b.written += len(chunk)
	b.logger.Debug("Bulk insert chunk written",
		zap.Int("chunk", len(chunk)),
		zap.Int("written", b.written))
	fire(&b.storeEvents.BulkInsertProgress, &b.events.BulkInsertProgress, &BulkInsertProgressEvent{
		Written: b.written,
		Chunk:   len(chunk),
	})
	return nil
}

// Written returns the number of documents sent so far
func (b *BulkInsert) Written() int {
	return b.written
}

// Close sends the remaining documents
func (b *BulkInsert) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.flush(ctx)
}
