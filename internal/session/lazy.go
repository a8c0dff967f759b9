package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
)

// Lazy is a deferred read. Nothing is sent until Value is called or the
// session executes its pending lazy operations; then every pending operation
// of the session goes out in one multi get request.
type Lazy struct {
	s *Session
	// local operations resolve from the session without a request
	local   bool
	request commands.GetRequest
	resolve func(resp *commands.GetResponse) error

	done bool
	err  error
}

// Value resolves the operation and every other pending one. Later calls
// return the same outcome without a request.
func (l *Lazy) Value(ctx context.Context) error {
	if l.done {
		return l.err
	}
	if err := l.s.ExecuteAllPendingLazyOperations(ctx); err != nil && !l.done {
		return err
	}
	return l.err
}

// IsResolved reports whether the operation already ran
func (l *Lazy) IsResolved() bool {
	return l.done
}

func (l *Lazy) complete(resp *commands.GetResponse) {
	l.err = l.resolve(resp)
	l.done = true
}

// LazySession queues lazy operations on a session
type LazySession struct {
	s        *Session
	includes []string
}

// Lazily returns the lazy operations of the session
func (s *Session) Lazily() *LazySession {
	return &LazySession{s: s}
}

// Include adds include paths to the lazy loads
func (l *LazySession) Include(paths ...string) *LazySession {
	return &LazySession{s: l.s, includes: append(append([]string(nil), l.includes...), paths...)}
}

// Load defers loading id into result
func (l *LazySession) Load(result interface{}, id string) (*Lazy, error) {
	target, err := targetOf(result)
	if err != nil {
		return nil, err
	}
	return l.load([]string{id}, func() error {
		entity, err := l.s.resolveLocal(id, target.entityType)
		if err != nil {
			return err
		}
		return target.assign(entity)
	})
}

// LoadMany defers loading ids into results, a map keyed by id
func (l *LazySession) LoadMany(results interface{}, ids []string) (*Lazy, error) {
	if len(ids) == 0 {
		return nil, docerrors.InvalidArgument("ids cannot be empty", nil)
	}
	return l.load(ids, func() error {
		return l.s.loadMany(context.Background(), results, ids, nil)
	})
}

func (l *LazySession) load(ids []string, assign func() error) (*Lazy, error) {
	s := l.s
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	lazy := &Lazy{s: s}

	local := true
	for _, id := range ids {
		if id == "" {
			return nil, docerrors.InvalidArgument("id cannot be empty", nil)
		}
		if !s.knownLocally(id) || (len(l.includes) > 0 && !s.includesKnown(id, l.includes)) {
			local = false
		}
	}
	if local {
		lazy.local = true
		lazy.resolve = func(*commands.GetResponse) error { return assign() }
		s.lazy = append(s.lazy, lazy)
		return lazy, nil
	}

	get := commands.NewGetDocuments(ids, l.includes, false)
	path, q := get.Path()
	lazy.request = commands.GetRequest{URL: path, Query: commands.EncodeQuery(q)}
	lazy.resolve = func(resp *commands.GetResponse) error {
		if resp.StatusCode == http.StatusNotFound {
			for _, id := range ids {
				s.markMissing(id)
			}
			return assign()
		}
		var r commands.GetDocumentsResult
		if err := json.Unmarshal(resp.Result, &r); err != nil {
			return docerrors.BadResponse("invalid lazy load response", err)
		}
		if err := s.registerResults(ids, r.Results, r.Includes); err != nil {
			return err
		}
		return assign()
	}
	s.lazy = append(s.lazy, lazy)
	return lazy, nil
}

func (s *Session) markMissing(id string) {
	key := strings.ToLower(id)
	if _, tracked := s.byID[key]; !tracked {
		s.knownMissing[key] = true
	}
}

// ExecuteAllPendingLazyOperations resolves every pending lazy operation with
// at most one request
func (s *Session) ExecuteAllPendingLazyOperations(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	pending := s.lazy
	s.lazy = nil

	var (
		remote   []*Lazy
		requests []commands.GetRequest
	)
	for _, l := range pending {
		if l.done {
			continue
		}
		if l.local {
			l.complete(nil)
			continue
		}
		remote = append(remote, l)
		requests = append(requests, l.request)
	}
	if len(remote) == 0 {
		return nil
	}

	cmd := commands.NewMultiGet(requests, s.executor.Cache())
	cmd.NoCaching = s.info.NoCaching
	if err := s.execute(ctx, cmd); err != nil {
		// keep them pending so a later Value can retry
		s.lazy = append(remote, s.lazy...)
		return err
	}

	s.logger.Debug("Executed lazy operations", zap.Int("operations", len(remote)))
	for i, l := range remote {
		resp := &cmd.Result[i]
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
			l.err = docerrors.FromServer(resp.StatusCode, resp.Result)
			l.done = true
			continue
		}
		if resp.StatusCode == http.StatusNotFound && hasErrorBody(resp.Result) {
			l.err = docerrors.FromServer(resp.StatusCode, resp.Result)
			l.done = true
			continue
		}
		l.complete(resp)
	}
	return nil
}

// hasErrorBody tells a missing document from a missing index: both are 404
// but only the latter carries an error type
func hasErrorBody(body json.RawMessage) bool {
	if commands.IsNull(body) {
		return false
	}
	var envelope struct {
		Type string `json:"Type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return envelope.Type != ""
}

func queryRequest(q *commands.IndexQuery) (commands.GetRequest, error) {
	content, err := json.Marshal(q)
	if err != nil {
		return commands.GetRequest{}, docerrors.InvalidArgument("query is not serializable", err)
	}
	return commands.GetRequest{
		URL:     "/queries",
		Method:  http.MethodPost,
		Content: content,
	}, nil
}
