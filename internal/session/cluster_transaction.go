package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

type compareExchangeOp int

const (
	compareExchangeNone compareExchangeOp = iota
	compareExchangeCreate
	compareExchangeUpdate
	compareExchangeDelete
)

type compareExchangeState struct {
	key   string
	index int64
	value json.RawMessage
	op    compareExchangeOp
}

// ClusterTransaction manages compare exchange values saved together with
// the documents of a cluster-wide session
type ClusterTransaction struct {
	s      *Session
	values map[string]*compareExchangeState
	order  []string
}

// ClusterTransaction returns the compare exchange operations of the session.
// Only cluster-wide sessions have one.
func (s *Session) ClusterTransaction() (*ClusterTransaction, error) {
	if s.transactionMode != model.TransactionModeClusterWide {
		return nil, docerrors.InvalidOperation("compare exchange values require a cluster-wide session")
	}
	if s.clusterTx == nil {
		s.clusterTx = &ClusterTransaction{s: s, values: make(map[string]*compareExchangeState)}
	}
	return s.clusterTx, nil
}

func (t *ClusterTransaction) state(key string) (*compareExchangeState, bool) {
	st, ok := t.values[strings.ToLower(key)]
	return st, ok
}

func (t *ClusterTransaction) put(st *compareExchangeState) {
	k := strings.ToLower(st.key)
	if _, exists := t.values[k]; !exists {
		t.order = append(t.order, k)
	}
	t.values[k] = st
}

func (t *ClusterTransaction) drop(key string) {
	k := strings.ToLower(key)
	delete(t.values, k)
	for i, o := range t.order {
		if o == k {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// CreateCompareExchangeValue creates key on save, failing the save if it already exists
func (t *ClusterTransaction) CreateCompareExchangeValue(key string, value interface{}) error {
	if err := t.s.checkWritable(); err != nil {
		return err
	}
	if err := commands.ValidateCompareExchangeKey(key); err != nil {
		return err
	}
	if strings.HasPrefix(strings.ToLower(key), model.AtomicGuardPrefix) {
		return docerrors.InvalidArgument(fmt.Sprintf("'%s' is reserved for atomic guards", key), nil)
	}
	if st, ok := t.state(key); ok && st.op != compareExchangeDelete {
		return docerrors.InvalidOperation(fmt.Sprintf("compare exchange value '%s' is already tracked", key))
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return docerrors.InvalidArgument("compare exchange value is not serializable", err)
	}
	t.put(&compareExchangeState{key: key, value: raw, op: compareExchangeCreate})
	return nil
}

// GetCompareExchangeValue reads key, returning nil when it does not exist.
// A value already tracked by the transaction costs no request.
func (t *ClusterTransaction) GetCompareExchangeValue(ctx context.Context, key string) (*model.CompareExchangeValue, error) {
	if st, ok := t.state(key); ok {
		if st.op == compareExchangeDelete {
			return nil, nil
		}
		return &model.CompareExchangeValue{Key: st.key, Index: st.index, Value: st.value}, nil
	}
	cmd, err := commands.NewGetCompareExchangeValue(key)
	if err != nil {
		return nil, err
	}
	if err := t.s.execute(ctx, cmd); err != nil {
		return nil, err
	}
	if cmd.Result == nil {
		return nil, nil
	}
	t.put(&compareExchangeState{key: cmd.Result.Key, index: cmd.Result.Index, value: cmd.Result.Value})
	return cmd.Result, nil
}

// UpdateCompareExchangeValue replaces the value of a loaded key, on the
// condition that nobody changed it since it was read
func (t *ClusterTransaction) UpdateCompareExchangeValue(key string, value interface{}) error {
	if err := t.s.checkWritable(); err != nil {
		return err
	}
	st, ok := t.state(key)
	if !ok || st.op == compareExchangeDelete {
		return docerrors.InvalidOperation(fmt.Sprintf("compare exchange value '%s' must be loaded before it is updated", key))
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return docerrors.InvalidArgument("compare exchange value is not serializable", err)
	}
	st.value = raw
	if st.op != compareExchangeCreate {
		st.op = compareExchangeUpdate
	}
	return nil
}

// DeleteCompareExchangeValue deletes key on save if its index is still index
func (t *ClusterTransaction) DeleteCompareExchangeValue(key string, index int64) error {
	if err := t.s.checkWritable(); err != nil {
		return err
	}
	if err := commands.ValidateCompareExchangeKey(key); err != nil {
		return err
	}
	if st, ok := t.state(key); ok && st.op == compareExchangeCreate {
		// never sent, nothing to delete on the server
		t.drop(key)
		return nil
	}
	t.put(&compareExchangeState{key: key, index: index, op: compareExchangeDelete})
	return nil
}

func (t *ClusterTransaction) commands() []commands.CommandData {
	var out []commands.CommandData
	for _, k := range t.order {
		st, ok := t.values[k]
		if !ok {
			continue
		}
		switch st.op {
		case compareExchangeCreate:
			out = append(out, commands.PutCompareExchangeCommand(st.key, 0, st.value))
		case compareExchangeUpdate:
			out = append(out, commands.PutCompareExchangeCommand(st.key, st.index, st.value))
		case compareExchangeDelete:
			out = append(out, commands.DeleteCompareExchangeCommand(st.key, st.index))
		}
	}
	return out
}

func (t *ClusterTransaction) applyResult(res commands.BatchResultItem) {
	st, ok := t.state(res.Key)
	if !ok {
		return
	}
	if res.Type == commands.CommandCompareExchangeDelete {
		delete(t.values, strings.ToLower(res.Key))
		return
	}
	st.index = res.Index
	st.op = compareExchangeNone
}

func (t *ClusterTransaction) afterSave() {
	kept := t.order[:0]
	for _, k := range t.order {
		if _, ok := t.values[k]; ok {
			kept = append(kept, k)
		}
	}
	t.order = kept
}
