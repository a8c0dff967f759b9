package session

import (
	"encoding/json"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/commands"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// Listeners is an ordered list of callbacks. Fire iterates over a snapshot, so
// handlers may register further handlers without deadlocking.
type Listeners[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
}

// Add appends a handler; handlers fire in registration order
func (l *Listeners[T]) Add(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// Len returns the number of registered handlers
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers)
}

// Fire invokes every handler synchronously
func (l *Listeners[T]) Fire(ev T) {
	if l == nil {
		return
	}
	l.mu.RLock()
	snapshot := make([]func(T), len(l.handlers))
	copy(snapshot, l.handlers)
	l.mu.RUnlock()

	for _, fn := range snapshot {
		fn(ev)
	}
}

// BeforeStoreEvent fires for every entity about to be written by SaveChanges.
// Handlers may modify the entity and its metadata.
type BeforeStoreEvent struct {
	Session    *Session
	DocumentID string
	Entity     interface{}
	Metadata   *model.Metadata
}

// AfterSaveChangesEvent fires for every entity written by a successful SaveChanges
type AfterSaveChangesEvent struct {
	Session    *Session
	DocumentID string
	Entity     interface{}
	Metadata   *model.Metadata
}

// BeforeDeleteEvent fires when an entity is marked for deletion
type BeforeDeleteEvent struct {
	Session    *Session
	DocumentID string
	Entity     interface{}
	Metadata   *model.Metadata
}

// BeforeQueryEvent fires before a query is sent; handlers may adjust it
type BeforeQueryEvent struct {
	Session *Session
	Query   *commands.IndexQuery
}

// AfterConversionToEntityEvent fires once per materialized entity
type AfterConversionToEntityEvent struct {
	Session    *Session
	DocumentID string
	Document   json.RawMessage
	Entity     interface{}
}

// SessionCreatedEvent fires when a session is opened
type SessionCreatedEvent struct {
	Session *Session
}

// SessionClosingEvent fires once when a session is closed
type SessionClosingEvent struct {
	Session *Session
}

// BulkInsertProgressEvent fires after each chunk a bulk insert writes
type BulkInsertProgressEvent struct {
	Written int
	Chunk   int
}

// Events holds the session scoped observers. A store keeps one instance whose
// handlers fire before those of the session for the same event.
type Events struct {
	BeforeStore             Listeners[*BeforeStoreEvent]
	AfterSaveChanges        Listeners[*AfterSaveChangesEvent]
	BeforeDelete            Listeners[*BeforeDeleteEvent]
	BeforeQuery             Listeners[*BeforeQueryEvent]
	AfterConversionToEntity Listeners[*AfterConversionToEntityEvent]
	SessionCreated          Listeners[*SessionCreatedEvent]
	SessionClosing          Listeners[*SessionClosingEvent]
	BulkInsertProgress      Listeners[*BulkInsertProgressEvent]
}

// fire runs the store level listeners first, then the session level ones
func fire[T any](store, session *Listeners[T], ev T) {
	store.Fire(ev)
	session.Fire(ev)
}
