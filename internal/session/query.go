package session

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
)

// QueryStatistics describes the last execution of a query
type QueryStatistics struct {
	TotalResults int
	IndexName    string
	IsStale      bool
	ResultEtag   int64
}

// DocumentQuery is a query in the server query language. The text is opaque
// to the client; parameters are referenced from it as $name.
type DocumentQuery struct {
	s     *Session
	query commands.IndexQuery
	stats *QueryStatistics
}

// Query starts a query
func (s *Session) Query(text string) *DocumentQuery {
	return &DocumentQuery{s: s, query: commands.IndexQuery{Query: text}}
}

// AddParameter binds $name in the query text
func (q *DocumentQuery) AddParameter(name string, value interface{}) *DocumentQuery {
	if q.query.QueryParameters == nil {
		q.query.QueryParameters = make(map[string]interface{})
	}
	q.query.QueryParameters[strings.TrimPrefix(name, "$")] = value
	return q
}

// Include fetches the documents referenced by paths with the results
func (q *DocumentQuery) Include(paths ...string) *DocumentQuery {
	q.query.Includes = append(q.query.Includes, paths...)
	return q
}

// Skip sets the index of the first result
func (q *DocumentQuery) Skip(n int) *DocumentQuery {
	q.query.Start = n
	return q
}

// Take limits the number of results
func (q *DocumentQuery) Take(n int) *DocumentQuery {
	q.query.PageSize = n
	return q
}

// WaitForNonStaleResults asks the server to wait for the index to catch up
func (q *DocumentQuery) WaitForNonStaleResults() *DocumentQuery {
	q.query.WaitForNonStaleResults = true
	return q
}

// Statistics receives the statistics of the next execution
func (q *DocumentQuery) Statistics(stats *QueryStatistics) *DocumentQuery {
	q.stats = stats
	return q
}

// IndexQuery returns the query as it will be sent
func (q *DocumentQuery) IndexQuery() *commands.IndexQuery {
	return &q.query
}

// ToList runs the query and stores the results into results, a pointer to a
// slice of *T, maps or interface{}
func (q *DocumentQuery) ToList(ctx context.Context, results interface{}) error {
	slice, target, err := sliceTarget(results)
	if err != nil {
		return err
	}
	if err := q.s.checkOpen(); err != nil {
		return err
	}
	q.beforeQuery()

	cmd := commands.NewQuery(&q.query)
	if err := q.s.execute(ctx, cmd); err != nil {
		return err
	}
	return q.collect(cmd.Result, slice, target)
}

// First runs the query and stores its first result into result. It leaves
// result nil when there are none.
func (q *DocumentQuery) First(ctx context.Context, result interface{}) error {
	target, err := targetOf(result)
	if err != nil {
		return err
	}
	if q.query.PageSize == 0 || q.query.PageSize > 1 {
		q.query.PageSize = 1
	}
	list := reflect.New(reflect.SliceOf(target.value.Type()))
	if err := q.ToList(ctx, list.Interface()); err != nil {
		return err
	}
	if list.Elem().Len() == 0 {
		return target.assign(nil)
	}
	target.value.Set(list.Elem().Index(0))
	return nil
}

// Lazily defers the query until the session executes its lazy operations
func (q *DocumentQuery) Lazily(results interface{}) (*Lazy, error) {
	slice, target, err := sliceTarget(results)
	if err != nil {
		return nil, err
	}
	if err := q.s.checkOpen(); err != nil {
		return nil, err
	}
	q.beforeQuery()

	req, err := queryRequest(&q.query)
	if err != nil {
		return nil, err
	}
	lazy := &Lazy{s: q.s, request: req}
	lazy.resolve = func(resp *commands.GetResponse) error {
		var r commands.QueryResult
		if err := json.Unmarshal(resp.Result, &r); err != nil {
			return docerrors.BadResponse("invalid lazy query response", err)
		}
		return q.collect(&r, slice, target)
	}
	q.s.lazy = append(q.s.lazy, lazy)
	return lazy, nil
}

func (q *DocumentQuery) beforeQuery() {
	fire(&q.s.storeEvents.BeforeQuery, &q.s.events.BeforeQuery, &BeforeQueryEvent{
		Session: q.s,
		Query:   &q.query,
	})
}

func (q *DocumentQuery) collect(r *commands.QueryResult, slice reflect.Value, target resultTarget) error {
	if r == nil {
		return docerrors.BadResponse("query returned no result", nil)
	}
	if q.stats != nil {
		*q.stats = QueryStatistics{
			TotalResults: r.TotalResults,
			IndexName:    r.IndexName,
			IsStale:      r.IsStale,
			ResultEtag:   r.ResultEtag,
		}
	}

	s := q.s
	s.RegisterIncludes(r.Includes)
	out := reflect.MakeSlice(slice.Type(), 0, len(r.Results))
	for _, raw := range r.Results {
		if commands.IsNull(raw) {
			continue
		}
		doc, err := parseDocument(raw)
		if err != nil {
			return err
		}
		var entity interface{}
		if info, ok := s.byID[strings.ToLower(doc.id)]; ok && !s.noTracking && !info.deleted {
			entity = info.entity
		} else if doc.id != "" {
			if err := s.registerRaw(raw); err != nil {
				return err
			}
			if entity, err = s.resolveLocal(doc.id, target.entityType); err != nil {
				return err
			}
		} else if entity, err = s.materializeUntracked(doc, target.entityType); err != nil {
			return err
		}
		if err := target.assign(entity); err != nil {
			return err
		}
		out = reflect.Append(out, target.value)
	}
	slice.Set(out)
	return nil
}

// materializeUntracked converts projections, which have no identity
func (s *Session) materializeUntracked(doc *rawDocument, entityType reflect.Type) (interface{}, error) {
	if entityType == nil {
		var v map[string]interface{}
		if err := json.Unmarshal(doc.bodyRaw, &v); err != nil {
			return nil, docerrors.BadResponse("invalid projection", err)
		}
		return v, nil
	}
	entity, err := newEntity(entityType, doc.bodyRaw)
	if err != nil {
		return nil, docerrors.BadResponse("invalid projection", err)
	}
	return entity, nil
}

func sliceTarget(results interface{}) (reflect.Value, resultTarget, error) {
	v := reflect.ValueOf(results)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Slice {
		return reflect.Value{}, resultTarget{}, docerrors.InvalidArgument(
			fmt.Sprintf("results must be a pointer to a slice, got %T", results), nil)
	}
	slice := v.Elem()
	target, err := targetOf(reflect.New(slice.Type().Elem()).Interface())
	if err != nil {
		return reflect.Value{}, resultTarget{}, err
	}
	return slice, target, nil
}
