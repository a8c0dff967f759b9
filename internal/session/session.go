// Package session implements the unit of work: an identity map with change
// tracking, batched saves, lazy reads, includes and cluster transactions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/cache"
	"github.com/devrev/pairdb/docstore/internal/commands"
	"github.com/devrev/pairdb/docstore/internal/conventions"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// RequestExecutor sends commands on behalf of the session
type RequestExecutor interface {
	Execute(ctx context.Context, cmd commands.Command, info *model.SessionInfo) error
	Cache() *cache.Cache
	Conventions() *conventions.Conventions
}

// KeyGenerator produces the id of a stored entity that has none
type KeyGenerator func(ctx context.Context, collection string, entity interface{}) (string, error)

// Options tune one session
type Options struct {
	// NoTracking sessions materialize fresh instances on every load and cannot save
	NoTracking bool
	// NoCaching forces every cached read to be revalidated with the server
	NoCaching       bool
	TransactionMode model.TransactionMode
	// ContextKey pins reads to a node when session context load balancing is on
	ContextKey string
}

// Config wires a session to its store
type Config struct {
	Executor     RequestExecutor
	Conventions  *conventions.Conventions
	StoreEvents  *Events
	KeyGenerator KeyGenerator
	Logger       *zap.Logger
	SessionID    int64
	Options      Options
}

// documentInfo is one slot of the identity map
type documentInfo struct {
	id           string
	entity       interface{}
	ref          entityRef
	snapshot     map[string]interface{}
	metadata     *model.Metadata
	metaSnapshot []byte
	changeVector string
	// expectedCV overrides the optimistic concurrency check; "" means the document must not exist
	expectedCV    *string
	isNew         bool
	deleted       bool
	ignoreChanges bool
}

type pendingDelete struct {
	id           string
	changeVector *string
}

// Session is a unit of work. It is not safe for concurrent use.
type Session struct {
	id          string
	info        model.SessionInfo
	executor    RequestExecutor
	conventions *conventions.Conventions
	keyGen      KeyGenerator
	logger      *zap.Logger

	events      *Events
	storeEvents *Events

	noTracking               bool
	transactionMode          model.TransactionMode
	useOptimisticConcurrency bool
	maxRequests              int

	byID         map[string]*documentInfo
	byEntity     map[entityRef]*documentInfo
	order        []string
	deletes      map[string]*pendingDelete
	included     map[string]json.RawMessage
	knownMissing map[string]bool
	deferred     []commands.CommandData

	lazy     []*Lazy
	requests int
	closed   bool

	clusterTx *ClusterTransaction
}

// New opens a session
func New(cfg Config) (*Session, error) {
	if cfg.Executor == nil {
		return nil, docerrors.InvalidArgument("session requires a request executor", nil)
	}
	if cfg.Conventions == nil {
		cfg.Conventions = cfg.Executor.Conventions()
	}
	if cfg.Conventions == nil {
		cfg.Conventions = conventions.Default()
	}
	if cfg.StoreEvents == nil {
		cfg.StoreEvents = &Events{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	mode := cfg.Options.TransactionMode
	if mode == "" {
		mode = cfg.Conventions.TransactionMode
	}
	if mode == "" {
		mode = model.TransactionModeSingleNode
	}

	id := uuid.NewString()
	s := &Session{
		id: id,
		info: model.SessionInfo{
			SessionID:  cfg.SessionID,
			ContextKey: cfg.Options.ContextKey,
			NoCaching:  cfg.Options.NoCaching,
		},
		executor:                 cfg.Executor,
		conventions:              cfg.Conventions,
		keyGen:                   cfg.KeyGenerator,
		logger:                   cfg.Logger.With(zap.String("session_id", id)),
		events:                   &Events{},
		storeEvents:              cfg.StoreEvents,
		noTracking:               cfg.Options.NoTracking,
		transactionMode:          mode,
		useOptimisticConcurrency: cfg.Conventions.UseOptimisticConcurrency,
		maxRequests:              cfg.Conventions.MaxNumberOfRequestsPerSession,
		byID:                     make(map[string]*documentInfo),
		byEntity:                 make(map[entityRef]*documentInfo),
		deletes:                  make(map[string]*pendingDelete),
		included:                 make(map[string]json.RawMessage),
		knownMissing:             make(map[string]bool),
	}
	fire(&s.storeEvents.SessionCreated, &s.events.SessionCreated, &SessionCreatedEvent{Session: s})
	return s, nil
}

// ID returns the unique id of the session
func (s *Session) ID() string {
	return s.id
}

// Events returns the session level observers
func (s *Session) Events() *Events {
	return s.events
}

// Advanced exposes the less common session operations
func (s *Session) Advanced() *Advanced {
	return &Advanced{s: s}
}

// TransactionMode returns the save mode of the session
func (s *Session) TransactionMode() model.TransactionMode {
	return s.transactionMode
}

// StoreOption customizes Store
type StoreOption func(*storeOptions)

type storeOptions struct {
	id           string
	changeVector *string
}

// WithID stores the entity under id instead of a generated one
func WithID(id string) StoreOption {
	return func(o *storeOptions) { o.id = id }
}

// WithChangeVector makes the save conditional on the document's change vector.
// An empty change vector requires the document not to exist.
func WithChangeVector(cv string) StoreOption {
	return func(o *storeOptions) { o.changeVector = &cv }
}

// Store begins tracking entity. The id comes from WithID, the entity's ID field,
// or the key generator, in that order.
func (s *Session) Store(ctx context.Context, entity interface{}, opts ...StoreOption) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	ref, err := mustRef(entity)
	if err != nil {
		return err
	}
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if existing, ok := s.byEntity[ref]; ok && (o.id == "" || strings.EqualFold(o.id, existing.id)) {
		if existing.deleted {
			return docerrors.InvalidOperation(fmt.Sprintf("cannot store '%s', it was deleted in this session", existing.id))
		}
		if o.changeVector != nil {
			existing.expectedCV = o.changeVector
		}
		return nil
	}

	id := o.id
	if id == "" {
		id = getIdentity(entity)
	}
	collection := s.conventions.CollectionName(entity)
	if id == "" {
		if id, err = s.generateID(ctx, collection, entity); err != nil {
			return err
		}
	}

	key := strings.ToLower(id)
	if existing, ok := s.byID[key]; ok && !existing.deleted && existing.ref != ref {
		return docerrors.DuplicateKeyInSameSession(id)
	}

	meta := model.NewMetadata()
	if collection != "" {
		meta.Set(model.MetadataCollection, collection)
	}
	if ref.typ.Kind() == reflect.Ptr {
		meta.Set(model.MetadataTypeTag, s.conventions.TypeTag(entity))
	}
	setIdentity(entity, id)

	info := &documentInfo{
		id:         id,
		entity:     entity,
		ref:        ref,
		metadata:   meta,
		expectedCV: o.changeVector,
		isNew:      true,
	}
	delete(s.deletes, key)
	delete(s.knownMissing, key)
	s.track(key, info)
	return nil
}

func (s *Session) generateID(ctx context.Context, collection string, entity interface{}) (string, error) {
	if collection == "" || s.keyGen == nil {
		return uuid.NewString(), nil
	}
	id, err := s.keyGen(ctx, collection, entity)
	if err != nil {
		return "", fmt.Errorf("failed to generate id for %s: %w", collection, err)
	}
	return id, nil
}

func (s *Session) track(key string, info *documentInfo) {
	if _, exists := s.byID[key]; !exists {
		s.order = append(s.order, key)
	}
	s.byID[key] = info
	if _, exists := s.byEntity[info.ref]; !exists {
		s.byEntity[info.ref] = info
	}
}

func (s *Session) untrack(key string) {
	info, ok := s.byID[key]
	if !ok {
		return
	}
	delete(s.byID, key)
	if s.byEntity[info.ref] == info {
		delete(s.byEntity, info.ref)
		// another key may still hold the same instance
		for _, other := range s.byID {
			if other.ref == info.ref {
				s.byEntity[info.ref] = other
				break
			}
		}
	}
}

// Delete marks a tracked entity for deletion
func (s *Session) Delete(entity interface{}) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	ref, err := mustRef(entity)
	if err != nil {
		return err
	}
	info, ok := s.byEntity[ref]
	if !ok {
		return docerrors.EntityNotTracked(ref.typ.String())
	}
	s.markDeleted(info)
	return nil
}

// DeleteByID marks a document for deletion whether or not it was loaded
func (s *Session) DeleteByID(id string, changeVector *string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if id == "" {
		return docerrors.InvalidArgument("id cannot be empty", nil)
	}
	key := strings.ToLower(id)
	if info, ok := s.byID[key]; ok {
		if changeVector != nil {
			info.expectedCV = changeVector
		}
		s.markDeleted(info)
		return nil
	}
	if _, exists := s.deletes[key]; !exists {
		s.order = append(s.order, key)
	}
	s.deletes[key] = &pendingDelete{id: id, changeVector: changeVector}
	delete(s.included, key)
	return nil
}

func (s *Session) markDeleted(info *documentInfo) {
	if info.deleted {
		return
	}
	fire(&s.storeEvents.BeforeDelete, &s.events.BeforeDelete, &BeforeDeleteEvent{
		Session:    s,
		DocumentID: info.id,
		Entity:     info.entity,
		Metadata:   info.metadata,
	})
	info.deleted = true
}

// Load fetches one document into result, a pointer to *T, map or interface{}.
// A missing document leaves result nil. Tracked and included documents cost no request.
func (s *Session) Load(ctx context.Context, result interface{}, id string) error {
	return s.loadOne(ctx, result, id, nil)
}

// LoadMany fetches several documents into results, a map from id to entity
func (s *Session) LoadMany(ctx context.Context, results interface{}, ids []string) error {
	return s.loadMany(ctx, results, ids, nil)
}

// Include returns a loader that also fetches the documents referenced by paths
func (s *Session) Include(paths ...string) *Loader {
	return &Loader{s: s, includes: paths}
}

// Loader loads documents together with their includes
type Loader struct {
	s        *Session
	includes []string
}

// Include adds more include paths
func (l *Loader) Include(paths ...string) *Loader {
	l.includes = append(l.includes, paths...)
	return l
}

// Load fetches one document and its includes
func (l *Loader) Load(ctx context.Context, result interface{}, id string) error {
	return l.s.loadOne(ctx, result, id, l.includes)
}

// LoadMany fetches several documents and their includes
func (l *Loader) LoadMany(ctx context.Context, results interface{}, ids []string) error {
	return l.s.loadMany(ctx, results, ids, l.includes)
}

func (s *Session) loadOne(ctx context.Context, result interface{}, id string, includes []string) error {
	target, err := targetOf(result)
	if err != nil {
		return err
	}
	if id == "" {
		return docerrors.InvalidArgument("id cannot be empty", nil)
	}
	if err := s.ensureLoaded(ctx, []string{id}, includes); err != nil {
		return err
	}
	entity, err := s.resolveLocal(id, target.entityType)
	if err != nil {
		return err
	}
	return target.assign(entity)
}

func (s *Session) loadMany(ctx context.Context, results interface{}, ids []string, includes []string) error {
	rv := reflect.ValueOf(results)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Map {
		if rv.Elem().IsNil() {
			rv.Elem().Set(reflect.MakeMap(rv.Elem().Type()))
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Map || rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
		return docerrors.InvalidArgument(fmt.Sprintf("results must be a map keyed by id, got %T", results), nil)
	}

	elemPtr := reflect.New(rv.Type().Elem())
	target, err := targetOf(elemPtr.Interface())
	if err != nil {
		return err
	}
	if err := s.ensureLoaded(ctx, ids, includes); err != nil {
		return err
	}
	for _, id := range ids {
		entity, err := s.resolveLocal(id, target.entityType)
		if err != nil {
			return err
		}
		if err := target.assign(entity); err != nil {
			return err
		}
		rv.SetMapIndex(reflect.ValueOf(id).Convert(rv.Type().Key()), target.value)
	}
	return nil
}

// ensureLoaded fetches the ids and includes not answerable from the session
func (s *Session) ensureLoaded(ctx context.Context, ids []string, includes []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if !s.knownLocally(id) || (len(includes) > 0 && !s.includesKnown(id, includes)) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	cmd := commands.NewGetDocuments(missing, includes, false)
	if err := s.execute(ctx, cmd); err != nil {
		return err
	}
	if cmd.Result == nil {
		for _, id := range missing {
			s.knownMissing[strings.ToLower(id)] = true
		}
		return nil
	}
	return s.registerResults(missing, cmd.Result.Results, cmd.Result.Includes)
}

func (s *Session) knownLocally(id string) bool {
	key := strings.ToLower(id)
	if _, ok := s.byID[key]; ok {
		return true
	}
	if _, ok := s.deletes[key]; ok {
		return true
	}
	if _, ok := s.included[key]; ok {
		return true
	}
	return s.knownMissing[key]
}

// includesKnown checks whether every document referenced by the include paths
// of id is already known to the session
func (s *Session) includesKnown(id string, includes []string) bool {
	key := strings.ToLower(id)
	var body map[string]interface{}
	if info, ok := s.byID[key]; ok {
		body = info.snapshot
		if body == nil {
			if doc, err := toDocument(info.entity); err == nil {
				body = doc
			}
		}
	} else if raw, ok := s.included[key]; ok {
		doc, err := parseDocument(raw)
		if err != nil {
			return false
		}
		body = doc.body
	} else {
		return s.knownMissing[key]
	}
	for _, path := range includes {
		for _, ref := range referencedIDs(body, strings.Split(path, ".")) {
			if !s.knownLocally(ref) {
				return false
			}
		}
	}
	return true
}

// registerResults records loaded documents as included raw documents so
// they are materialized with the type the caller asks for
func (s *Session) registerResults(ids []string, results []json.RawMessage, includes map[string]json.RawMessage) error {
	for i, raw := range results {
		if commands.IsNull(raw) {
			if i < len(ids) {
				s.knownMissing[strings.ToLower(ids[i])] = true
			}
			continue
		}
		if err := s.registerRaw(raw); err != nil {
			return err
		}
	}
	s.RegisterIncludes(includes)
	return nil
}

// RegisterIncludes makes documents delivered alongside a response available
// to later loads at no extra request. Null entries mark known missing ids.
func (s *Session) RegisterIncludes(includes map[string]json.RawMessage) {
	for id, raw := range includes {
		key := strings.ToLower(id)
		if commands.IsNull(raw) {
			if _, tracked := s.byID[key]; !tracked {
				s.knownMissing[key] = true
			}
			continue
		}
		if _, tracked := s.byID[key]; tracked {
			continue
		}
		s.included[key] = raw
		delete(s.knownMissing, key)
	}
}

// RegisterDocument makes a full document known to the session, used by
// subscription batches to share their documents with the batch session
func (s *Session) RegisterDocument(raw json.RawMessage) error {
	return s.registerRaw(raw)
}

func (s *Session) registerRaw(raw json.RawMessage) error {
	doc, err := parseDocument(raw)
	if err != nil {
		return err
	}
	if doc.id == "" {
		return docerrors.BadResponse("document without @id in metadata", nil)
	}
	key := strings.ToLower(doc.id)
	if _, tracked := s.byID[key]; tracked && !s.noTracking {
		// the tracked instance wins, Refresh replaces it explicitly
		return nil
	}
	s.included[key] = raw
	delete(s.knownMissing, key)
	return nil
}

// resolveLocal returns the entity for id from the identity map or the
// included documents, materializing it with entityType when needed
func (s *Session) resolveLocal(id string, entityType reflect.Type) (interface{}, error) {
	key := strings.ToLower(id)
	if info, ok := s.byID[key]; ok && !s.noTracking {
		if info.deleted {
			return nil, nil
		}
		return info.entity, nil
	}
	if _, ok := s.deletes[key]; ok {
		return nil, nil
	}
	raw, ok := s.included[key]
	if !ok {
		return nil, nil
	}
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	entity, err := s.materialize(doc, entityType)
	if err != nil {
		return nil, err
	}
	if !s.noTracking {
		delete(s.included, key)
	}
	return entity, nil
}

// materialize converts a document into an entity and starts tracking it
func (s *Session) materialize(doc *rawDocument, entityType reflect.Type) (interface{}, error) {
	var (
		entity interface{}
		err    error
	)
	if entityType != nil {
		entity, err = newEntity(entityType, doc.bodyRaw)
	} else {
		entity, err = s.conventions.Resolve(doc.metadata.GetString(model.MetadataTypeTag), doc.bodyRaw)
	}
	if err != nil {
		return nil, docerrors.BadResponse(fmt.Sprintf("cannot materialize '%s'", doc.id), err)
	}
	setIdentity(entity, doc.id)

	if !s.noTracking {
		ref, ok := refOf(entity)
		if !ok {
			return nil, docerrors.InvalidArgument(fmt.Sprintf("cannot track entity of type %T", entity), nil)
		}
		info := &documentInfo{
			id:           doc.id,
			entity:       entity,
			ref:          ref,
			snapshot:     doc.body,
			metadata:     doc.metadata,
			changeVector: doc.metadata.GetString(model.MetadataChangeVector),
		}
		info.metaSnapshot, _ = json.Marshal(doc.metadata)
		if s.conventions.ShouldIgnoreEntityChanges != nil {
			info.ignoreChanges = s.conventions.ShouldIgnoreEntityChanges(doc.id, entity)
		}
		s.track(strings.ToLower(doc.id), info)
	}

	fire(&s.storeEvents.AfterConversionToEntity, &s.events.AfterConversionToEntity, &AfterConversionToEntityEvent{
		Session:    s,
		DocumentID: doc.id,
		Document:   doc.raw,
		Entity:     entity,
	})
	return entity, nil
}

func (s *Session) execute(ctx context.Context, cmd commands.Command) error {
	if err := s.incrementRequests(); err != nil {
		return err
	}
	return s.executor.Execute(ctx, cmd, &s.info)
}

func (s *Session) incrementRequests() error {
	s.requests++
	if s.maxRequests > 0 && s.requests > s.maxRequests {
		return docerrors.TooManyRequestsInSession(s.requests, s.maxRequests)
	}
	return nil
}

func (s *Session) checkOpen() error {
	if s.closed {
		return docerrors.InvalidOperation("session is closed")
	}
	return nil
}

func (s *Session) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.noTracking {
		return docerrors.InvalidOperation("cannot modify documents in a session without tracking")
	}
	return nil
}

// Close fires the closing event once and discards pending lazy operations
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	fire(&s.storeEvents.SessionClosing, &s.events.SessionClosing, &SessionClosingEvent{Session: s})
	s.closed = true
	s.lazy = nil
	return nil
}

// IsClosed reports whether Close was called
func (s *Session) IsClosed() bool {
	return s.closed
}

func referencedIDs(v interface{}, path []string) []string {
	if len(path) == 0 {
		switch x := v.(type) {
		case string:
			return []string{x}
		case []interface{}:
			var out []string
			for _, item := range x {
				if id, ok := item.(string); ok {
					out = append(out, id)
				}
			}
			return out
		}
		return nil
	}
	switch x := v.(type) {
	case map[string]interface{}:
		return referencedIDs(x[strings.TrimSuffix(path[0], "[]")], path[1:])
	case []interface{}:
		var out []string
		for _, item := range x {
			out = append(out, referencedIDs(item, path)...)
		}
		return out
	}
	return nil
}
