package subscription

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/session"
)

var changeVectors = algorithm.NewChangeVectorOps()

// SessionOpener opens the per-batch session
type SessionOpener func(opts session.Options) (*session.Session, error)

// Item is one document of a batch. In revisions mode Raw holds the current
// revision and Previous the one it replaced, nil for a created document.
type Item struct {
	ID           string
	ChangeVector string
	Metadata     *model.Metadata
	Raw          json.RawMessage
	Previous     json.RawMessage
	Revision     bool
}

// Result decodes the document into v
func (i *Item) Result(v interface{}) error {
	if err := json.Unmarshal(i.Raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", i.ID, err)
	}
	return nil
}

// PreviousResult decodes the previous revision into v and reports whether there was one
func (i *Item) PreviousResult(v interface{}) (bool, error) {
	if len(i.Previous) == 0 || commands.IsNull(i.Previous) {
		return false, nil
	}
	if err := json.Unmarshal(i.Previous, v); err != nil {
		return false, fmt.Errorf("failed to decode previous revision of %s: %w", i.ID, err)
	}
	return true, nil
}

func parseItem(msg model.SubscriptionMessage, revision bool) (*Item, error) {
	var envelope struct {
		Metadata *model.Metadata `json:"@metadata"`
	}
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return nil, docerrors.BadResponse("invalid subscription document", err)
	}
	if envelope.Metadata == nil {
		return nil, docerrors.BadResponse("subscription document without metadata", nil)
	}
	item := &Item{
		ID:           envelope.Metadata.GetString(model.MetadataID),
		ChangeVector: envelope.Metadata.GetString(model.MetadataChangeVector),
		Metadata:     envelope.Metadata,
		Raw:          msg.Data,
		Revision:     revision,
	}
	if item.ID == "" {
		return nil, docerrors.BadResponse("subscription document without @id in metadata", nil)
	}
	if revision && len(msg.Previous) > 0 {
		item.Previous = msg.Previous
	}
	return item, nil
}

// Batch is one server batch. Items are delivered once; a batch is never replayed
// to the same handler invocation.
type Batch struct {
	Items []*Item

	subscription string
	includes     map[string]json.RawMessage
	revisions    bool
	opener       SessionOpener

	mu      sync.Mutex
	opened  bool
	session *session.Session
}

func newBatch(name string, revisions bool, opener SessionOpener) *Batch {
	return &Batch{
		subscription: name,
		includes:     make(map[string]json.RawMessage),
		revisions:    revisions,
		opener:       opener,
	}
}

// Subscription returns the name of the subscription that produced the batch
func (b *Batch) Subscription() string {
	return b.subscription
}

// NumberOfIncludes returns how many included documents arrived with the batch
func (b *Batch) NumberOfIncludes() int {
	return len(b.includes)
}

// OpenSession opens the session scoped to this batch. The batch documents and
// includes are already known to it, so loading them costs no request. Only one
// session may be opened per batch.
func (b *Batch) OpenSession() (*session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil, docerrors.InvalidOperation(
			fmt.Sprintf("session for subscription '%s' batch was already opened, only one session per batch is allowed", b.subscription))
	}
	if b.opener == nil {
		return nil, docerrors.InvalidOperation("subscription worker has no session factory")
	}
	b.opened = true

	// revisions are snapshots, never live documents to mutate and save
	s, err := b.opener(session.Options{NoTracking: b.revisions})
	if err != nil {
		return nil, err
	}
	if !b.revisions {
		for _, item := range b.Items {
			if err := s.RegisterDocument(item.Raw); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
	}
	s.RegisterIncludes(b.includes)
	b.session = s
	return s, nil
}

// position is the change vector acknowledged once the batch is processed:
// the merge of every item's vector. An unparsable vector falls back to the
// last non-empty one as sent by the server.
func (b *Batch) position() string {
	var vectors []model.ChangeVector
	last := ""
	parsed := true
	for _, item := range b.Items {
		if item.ChangeVector == "" {
			continue
		}
		last = item.ChangeVector
		cv, err := changeVectors.Parse(item.ChangeVector)
		if err != nil {
			parsed = false
			continue
		}
		vectors = append(vectors, cv)
	}
	if !parsed || len(vectors) == 0 {
		return last
	}
	return changeVectors.Format(changeVectors.Merge(vectors...))
}

func (b *Batch) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil && !b.session.IsClosed() {
		_ = b.session.Close()
	}
}
