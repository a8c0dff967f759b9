package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// saveEntry ties a batch command to the tracked document it came from
type saveEntry struct {
	info *documentInfo
	body map[string]interface{}
	key  string
}

type saveData struct {
	commands []commands.CommandData
	entries  []*saveEntry
}

func (d *saveData) add(cmd commands.CommandData, entry *saveEntry) {
	d.commands = append(d.commands, cmd)
	d.entries = append(d.entries, entry)
}

// SaveChanges sends every pending store, delete, patch and compare exchange
// change in one batch. Nothing is sent when there are no changes.
func (s *Session) SaveChanges(ctx context.Context) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	clusterWide := s.transactionMode == model.TransactionModeClusterWide
	if clusterWide && s.useOptimisticConcurrency {
		return docerrors.InvalidOperation("optimistic concurrency is not supported in cluster-wide transactions")
	}

	data, err := s.prepareSave(clusterWide)
	if err != nil {
		return err
	}
	if len(data.commands) == 0 {
		return nil
	}

	cmd := commands.NewBatch(data.commands, s.transactionMode)
	if err := s.execute(ctx, cmd); err != nil {
		s.logger.Debug("Save failed",
			zap.Int("commands", len(data.commands)),
			zap.Error(err))
		return err
	}
	return s.applySaveResult(data, cmd.Result)
}

func (s *Session) prepareSave(clusterWide bool) (*saveData, error) {
	data := &saveData{}
	ops := algorithm.NewChangeVectorOps()

	for _, key := range s.order {
		if pd, ok := s.deletes[key]; ok {
			data.add(commands.DeleteCommand(pd.id, pd.changeVector), &saveEntry{key: key})
			if clusterWide {
				index := int64(0)
				if pd.changeVector != nil {
					index = ops.ClusterTransactionIndex(*pd.changeVector)
				}
				data.add(commands.DeleteCompareExchangeCommand(model.AtomicGuardPrefix+pd.id, index), nil)
			}
			continue
		}

		info, ok := s.byID[key]
		if !ok {
			continue
		}
		if info.deleted {
			if info.isNew {
				continue
			}
			data.add(commands.DeleteCommand(info.id, s.expectedChangeVector(info, clusterWide)), &saveEntry{key: key, info: info})
			if clusterWide {
				data.add(commands.DeleteCompareExchangeCommand(model.AtomicGuardPrefix+info.id,
					ops.ClusterTransactionIndex(info.changeVector)), nil)
			}
			continue
		}
		if info.ignoreChanges {
			continue
		}

		body, changed, err := s.entityChanged(info)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		fire(&s.storeEvents.BeforeStore, &s.events.BeforeStore, &BeforeStoreEvent{
			Session:    s,
			DocumentID: info.id,
			Entity:     info.entity,
			Metadata:   info.metadata,
		})
		// listeners may have modified the entity or its metadata
		if body, err = toDocument(info.entity); err != nil {
			return nil, err
		}
		raw, err := documentJSON(body, info.metadata)
		if err != nil {
			return nil, err
		}
		data.add(commands.PutCommand(info.id, s.expectedChangeVector(info, clusterWide), raw),
			&saveEntry{key: key, info: info, body: body})
		if clusterWide {
			guard, _ := json.Marshal(map[string]string{"Id": info.id})
			data.add(commands.PutCompareExchangeCommand(model.AtomicGuardPrefix+info.id,
				ops.ClusterTransactionIndex(info.changeVector), guard), nil)
		}
	}

	if s.clusterTx != nil {
		for _, cmd := range s.clusterTx.commands() {
			data.add(cmd, nil)
		}
	}
	for _, cmd := range s.deferred {
		entry := &saveEntry{key: strings.ToLower(cmd.ID)}
		data.add(cmd, entry)
	}
	return data, nil
}

func (s *Session) expectedChangeVector(info *documentInfo, clusterWide bool) *string {
	if clusterWide {
		return nil
	}
	if info.expectedCV != nil {
		return info.expectedCV
	}
	if s.useOptimisticConcurrency && !info.isNew && info.changeVector != "" {
		cv := info.changeVector
		return &cv
	}
	return nil
}

// entityChanged serializes the entity and compares it with its snapshot
func (s *Session) entityChanged(info *documentInfo) (map[string]interface{}, bool, error) {
	body, err := toDocument(info.entity)
	if err != nil {
		return nil, false, err
	}
	if info.isNew || info.expectedCV != nil {
		return body, true, nil
	}
	if s.metadataChanged(info) {
		return body, true, nil
	}
	original, err := json.Marshal(info.snapshot)
	if err != nil {
		return nil, false, err
	}
	current, err := json.Marshal(body)
	if err != nil {
		return nil, false, err
	}
	if jsonpatch.Equal(original, current) {
		return body, false, nil
	}
	return body, algorithm.HasDifferences(info.snapshot, body), nil
}

func (s *Session) metadataChanged(info *documentInfo) bool {
	current, err := json.Marshal(info.metadata)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, info.metaSnapshot)
}

func documentJSON(body map[string]interface{}, meta *model.Metadata) (json.RawMessage, error) {
	doc := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		doc[k] = v
	}
	if meta != nil {
		doc[model.MetadataKey] = meta
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, docerrors.InvalidArgument("document is not serializable", err)
	}
	return raw, nil
}

func (s *Session) applySaveResult(data *saveData, result *commands.BatchResult) error {
	if result == nil {
		return docerrors.BadResponse("batch returned no result", nil)
	}
	if len(result.Results) != len(data.commands) {
		return docerrors.BadResponse(fmt.Sprintf("batch returned %d results for %d commands",
			len(result.Results), len(data.commands)), nil)
	}

	for i, res := range result.Results {
		entry := data.entries[i]
		switch res.Type {
		case commands.CommandPut:
			if entry == nil || entry.info == nil {
				continue
			}
			s.applyPut(entry, res)
		case commands.CommandDelete:
			if entry == nil {
				continue
			}
			s.untrack(entry.key)
			delete(s.deletes, entry.key)
			delete(s.included, entry.key)
			s.knownMissing[entry.key] = true
		case commands.CommandPatch:
			if err := s.applyPatch(res); err != nil {
				return err
			}
		case commands.CommandCompareExchangePut, commands.CommandCompareExchangeDelete:
			if s.clusterTx != nil {
				s.clusterTx.applyResult(res)
			}
		}
	}

	if result.TransactionIndex > s.info.LastClusterTransactionIndex {
		s.info.LastClusterTransactionIndex = result.TransactionIndex
	}
	if s.clusterTx != nil {
		s.clusterTx.afterSave()
	}
	s.deferred = nil
	s.compactOrder()
	return nil
}

func (s *Session) applyPut(entry *saveEntry, res commands.BatchResultItem) {
	info := entry.info
	if res.ID != "" && res.ID != info.id {
		// server generated the final id from a prefix
		s.untrack(entry.key)
		info.id = res.ID
		setIdentity(info.entity, res.ID)
		s.track(strings.ToLower(res.ID), info)
	}
	info.changeVector = res.ChangeVector
	info.snapshot = entry.body
	info.isNew = false
	info.expectedCV = nil

	info.metadata.Set(model.MetadataID, info.id)
	info.metadata.Set(model.MetadataChangeVector, res.ChangeVector)
	if res.Collection != "" {
		info.metadata.Set(model.MetadataCollection, res.Collection)
	}
	if res.LastModified != "" {
		info.metadata.Set(model.MetadataLastModified, res.LastModified)
	}
	info.metaSnapshot, _ = json.Marshal(info.metadata)

	fire(&s.storeEvents.AfterSaveChanges, &s.events.AfterSaveChanges, &AfterSaveChangesEvent{
		Session:    s,
		DocumentID: info.id,
		Entity:     info.entity,
		Metadata:   info.metadata,
	})
}

func (s *Session) applyPatch(res commands.BatchResultItem) error {
	if res.PatchStatus != "Patched" || len(res.ModifiedDocument) == 0 {
		return nil
	}
	key := strings.ToLower(res.ID)
	info, ok := s.byID[key]
	if !ok {
		// a later load must see the patched document
		delete(s.included, key)
		return nil
	}
	doc, err := parseDocument(res.ModifiedDocument)
	if err != nil {
		return err
	}
	if err := overwrite(info.entity, doc.bodyRaw); err != nil {
		return docerrors.BadResponse(fmt.Sprintf("cannot apply patched document '%s'", res.ID), err)
	}
	setIdentity(info.entity, info.id)
	info.snapshot = doc.body
	info.metadata = doc.metadata
	info.metaSnapshot, _ = json.Marshal(doc.metadata)
	info.changeVector = res.ChangeVector
	return nil
}

// compactOrder drops keys that are no longer tracked or pending
func (s *Session) compactOrder() {
	kept := s.order[:0]
	for _, key := range s.order {
		if _, ok := s.byID[key]; ok {
			kept = append(kept, key)
			continue
		}
		if _, ok := s.deletes[key]; ok {
			kept = append(kept, key)
		}
	}
	s.order = kept
}

// whatChanged diffs every tracked document against its snapshot
func (s *Session) whatChanged() (map[string][]model.DocumentChange, error) {
	out := make(map[string][]model.DocumentChange)
	for _, key := range s.order {
		if pd, ok := s.deletes[key]; ok {
			out[pd.id] = []model.DocumentChange{{Change: model.DocumentDeleted}}
			continue
		}
		info, ok := s.byID[key]
		if !ok || info.ignoreChanges {
			continue
		}
		changes, err := s.changesFor(info)
		if err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			out[info.id] = changes
		}
	}
	return out, nil
}

func (s *Session) changesFor(info *documentInfo) ([]model.DocumentChange, error) {
	switch {
	case info.deleted:
		if info.isNew {
			return nil, nil
		}
		return []model.DocumentChange{{Change: model.DocumentDeleted}}, nil
	case info.isNew:
		return []model.DocumentChange{{Change: model.DocumentAdded}}, nil
	}
	body, err := toDocument(info.entity)
	if err != nil {
		return nil, err
	}
	changes := algorithm.CollectDifferences(info.snapshot, body)
	if s.metadataChanged(info) {
		changes = append(changes, model.DocumentChange{
			FieldName: model.MetadataKey,
			Change:    model.FieldChanged,
		})
	}
	return changes, nil
}
