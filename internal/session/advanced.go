package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// Advanced groups the less common session operations
type Advanced struct {
	s *Session
}

// NumberOfRequests returns the requests this session sent, cache hits included
func (a *Advanced) NumberOfRequests() int {
	return a.s.requests
}

// SetContext pins the session to the node chosen for key when the store uses
// session context load balancing
func (a *Advanced) SetContext(key string) error {
	if a.s.requests > 0 {
		return docerrors.InvalidOperation("the session context cannot change after the first request")
	}
	a.s.info.ContextKey = key
	return nil
}

// SetUseOptimisticConcurrency overrides the store convention for this session
func (a *Advanced) SetUseOptimisticConcurrency(on bool) {
	a.s.useOptimisticConcurrency = on
}

// UseOptimisticConcurrency reports whether saves send change vectors
func (a *Advanced) UseOptimisticConcurrency() bool {
	return a.s.useOptimisticConcurrency
}

// WhatChanged returns the pending changes per document id
func (a *Advanced) WhatChanged() (map[string][]model.DocumentChange, error) {
	return a.s.whatChanged()
}

// HasChanges reports whether SaveChanges would send anything
func (a *Advanced) HasChanges() (bool, error) {
	changes, err := a.s.whatChanged()
	if err != nil {
		return false, err
	}
	if len(changes) > 0 || len(a.s.deferred) > 0 {
		return true, nil
	}
	return a.s.clusterTx != nil && len(a.s.clusterTx.commands()) > 0, nil
}

// HasChanged reports whether a tracked entity differs from its snapshot
func (a *Advanced) HasChanged(entity interface{}) (bool, error) {
	info, err := a.s.infoFor(entity)
	if err != nil {
		return false, err
	}
	if info.ignoreChanges {
		return false, nil
	}
	changes, err := a.s.changesFor(info)
	if err != nil {
		return false, err
	}
	return len(changes) > 0, nil
}

// IgnoreChangesFor excludes a tracked entity from change detection and saves
func (a *Advanced) IgnoreChangesFor(entity interface{}) error {
	info, err := a.s.infoFor(entity)
	if err != nil {
		return err
	}
	info.ignoreChanges = true
	return nil
}

// Evict stops tracking entity; pending changes to it are dropped
func (a *Advanced) Evict(entity interface{}) error {
	info, err := a.s.infoFor(entity)
	if err != nil {
		return err
	}
	key := strings.ToLower(info.id)
	a.s.untrack(key)
	delete(a.s.included, key)
	a.s.compactOrder()
	return nil
}

// Clear stops tracking every entity and drops every pending change
func (a *Advanced) Clear() {
	s := a.s
	s.byID = make(map[string]*documentInfo)
	s.byEntity = make(map[entityRef]*documentInfo)
	s.order = nil
	s.deletes = make(map[string]*pendingDelete)
	s.included = make(map[string]json.RawMessage)
	s.knownMissing = make(map[string]bool)
	s.deferred = nil
	s.clusterTx = nil
}

// IsLoaded reports whether id is tracked or was delivered as an include
func (a *Advanced) IsLoaded(id string) bool {
	key := strings.ToLower(id)
	if info, ok := a.s.byID[key]; ok {
		return !info.deleted
	}
	_, ok := a.s.included[key]
	return ok
}

// GetDocumentID returns the id of a tracked entity
func (a *Advanced) GetDocumentID(entity interface{}) (string, error) {
	info, err := a.s.infoFor(entity)
	if err != nil {
		return "", err
	}
	return info.id, nil
}

// GetMetadataFor returns the metadata of a tracked entity. Changes to it are
// saved with the entity.
func (a *Advanced) GetMetadataFor(entity interface{}) (*model.Metadata, error) {
	info, err := a.s.infoFor(entity)
	if err != nil {
		return nil, err
	}
	return info.metadata, nil
}

// GetChangeVectorFor returns the last known change vector of a tracked entity
func (a *Advanced) GetChangeVectorFor(entity interface{}) (string, error) {
	info, err := a.s.infoFor(entity)
	if err != nil {
		return "", err
	}
	return info.changeVector, nil
}

// Refresh reloads a tracked entity in place, resetting its snapshot
func (a *Advanced) Refresh(ctx context.Context, entity interface{}) error {
	s := a.s
	info, err := s.infoFor(entity)
	if err != nil {
		return err
	}
	if info.isNew {
		return docerrors.InvalidOperation(fmt.Sprintf("cannot refresh '%s', it was never saved", info.id))
	}

	cmd := commands.NewGetDocuments([]string{info.id}, nil, false)
	if err := s.execute(ctx, cmd); err != nil {
		return err
	}
	if cmd.Result == nil || len(cmd.Result.Results) == 0 || commands.IsNull(cmd.Result.Results[0]) {
		return docerrors.DocumentDoesNotExist(info.id)
	}
	doc, err := parseDocument(cmd.Result.Results[0])
	if err != nil {
		return err
	}
	if err := overwrite(info.entity, doc.bodyRaw); err != nil {
		return docerrors.BadResponse(fmt.Sprintf("cannot refresh '%s'", info.id), err)
	}
	setIdentity(info.entity, info.id)
	info.snapshot = doc.body
	info.metadata = doc.metadata
	info.metaSnapshot, _ = json.Marshal(doc.metadata)
	info.changeVector = doc.metadata.GetString(model.MetadataChangeVector)
	info.deleted = false

	fire(&s.storeEvents.AfterConversionToEntity, &s.events.AfterConversionToEntity, &AfterConversionToEntityEvent{
		Session:    s,
		DocumentID: info.id,
		Document:   doc.raw,
		Entity:     info.entity,
	})
	return nil
}

// Exists checks whether a document exists without loading it
func (a *Advanced) Exists(ctx context.Context, id string) (bool, error) {
	s := a.s
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	key := strings.ToLower(id)
	if info, ok := s.byID[key]; ok {
		return !info.deleted, nil
	}
	if _, ok := s.deletes[key]; ok {
		return false, nil
	}
	if _, ok := s.included[key]; ok {
		return true, nil
	}
	if s.knownMissing[key] {
		return false, nil
	}
	cmd := commands.NewGetDocuments([]string{id}, nil, true)
	if err := s.execute(ctx, cmd); err != nil {
		return false, err
	}
	return cmd.Result != nil && len(cmd.Result.Results) > 0 && !commands.IsNull(cmd.Result.Results[0]), nil
}

// Defer adds raw batch commands to the next save
func (a *Advanced) Defer(cmds ...commands.CommandData) error {
	if err := a.s.checkWritable(); err != nil {
		return err
	}
	a.s.deferred = append(a.s.deferred, cmds...)
	return nil
}

// PatchOperation is one RFC 6902 operation
type PatchOperation struct {
	Op    string
	Path  string
	Value interface{}
	From  string
}

// MarshalJSON writes value only for the operations that carry one, so
// zero values are kept
func (p PatchOperation) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"op": p.Op, "path": p.Path}
	switch p.Op {
	case "add", "replace", "test":
		out["value"] = p.Value
	case "move", "copy":
		out["from"] = p.From
	}
	return json.Marshal(out)
}

var patchOps = map[string]bool{
	"add": true, "remove": true, "replace": true, "move": true, "copy": true, "test": true,
}

// Patch applies ops to the document on the next save. A tracked entity is
// refreshed with the patched document.
func (a *Advanced) Patch(id string, changeVector *string, ops ...PatchOperation) error {
	if err := a.s.checkWritable(); err != nil {
		return err
	}
	if id == "" {
		return docerrors.InvalidArgument("id cannot be empty", nil)
	}
	if len(ops) == 0 {
		return docerrors.InvalidArgument("patch needs at least one operation", nil)
	}
	for i, op := range ops {
		if !patchOps[op.Op] {
			return docerrors.InvalidArgument(fmt.Sprintf("patch operation %d: unknown op '%s'", i, op.Op), nil)
		}
		if !strings.HasPrefix(op.Path, "/") {
			return docerrors.InvalidArgument(fmt.Sprintf("patch operation %d: path '%s' must start with /", i, op.Path), nil)
		}
		if (op.Op == "move" || op.Op == "copy") && !strings.HasPrefix(op.From, "/") {
			return docerrors.InvalidArgument(fmt.Sprintf("patch operation %d: %s needs a from path", i, op.Op), nil)
		}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return docerrors.InvalidArgument("patch is not serializable", err)
	}
	if _, err := jsonpatch.DecodePatch(raw); err != nil {
		return docerrors.InvalidArgument("invalid patch", err)
	}
	a.s.deferred = append(a.s.deferred, commands.PatchCommand(id, changeVector, raw))
	return nil
}

// ExecuteAllPendingLazyOperations resolves every pending lazy operation
func (a *Advanced) ExecuteAllPendingLazyOperations(ctx context.Context) error {
	return a.s.ExecuteAllPendingLazyOperations(ctx)
}

// Events returns the session level observers
func (a *Advanced) Events() *Events {
	return a.s.events
}

func (s *Session) infoFor(entity interface{}) (*documentInfo, error) {
	ref, err := mustRef(entity)
	if err != nil {
		return nil, err
	}
	info, ok := s.byEntity[ref]
	if !ok {
		return nil, docerrors.EntityNotTracked(ref.typ.String())
	}
	return info, nil
}
