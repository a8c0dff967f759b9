package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/docstore/internal/cache"
	"github.com/devrev/pairdb/docstore/internal/commands"
	"github.com/devrev/pairdb/docstore/internal/conventions"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/testing/fakeserver"
	"github.com/devrev/pairdb/docstore/internal/topology"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

type recordingObserver struct {
	mu        sync.Mutex
	succeeded int
	failed    []string
	updates   int
}

func (o *recordingObserver) OnSucceedRequest(database string, req *transport.Request, resp *transport.Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded++
}

func (o *recordingObserver) OnFailedRequest(database, url string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, url)
}

func (o *recordingObserver) OnTopologyUpdated(t *model.Topology) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates++
}

type fixture struct {
	cluster  *fakeserver.Cluster
	cache    *cache.Cache
	observer *recordingObserver
	exec     *RequestExecutor
}

func newFixture(t *testing.T, conv *conventions.Conventions, tags ...string) *fixture {
	t.Helper()
	cluster := fakeserver.New("shop", tags...)
	backend := cache.NewMemoryBackend(128, time.Hour, nil)
	c := cache.New(backend, nil)
	if conv == nil {
		conv = conventions.Default()
	}
	observer := &recordingObserver{}
	exec, err := New(Config{
		Database:    "shop",
		URLs:        cluster.URLs(),
		Conventions: conv,
		Transport:   cluster.Transport(),
		Cache:       c,
		Observer:    observer,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		exec.Close()
		c.Close()
	})
	return &fixture{cluster: cluster, cache: c, observer: observer, exec: exec}
}

func TestInitialize_PicksClusterTopology(t *testing.T) {
	f := newFixture(t, nil, "A", "B", "C")
	require.NoError(t, f.exec.Initialize(context.Background()))

	top := f.exec.Topology()
	require.NotNil(t, top)
	require.Len(t, top.Nodes, 3)
	assert.Equal(t, "A", top.Nodes[0].ClusterTag)
	assert.Equal(t, 1, f.observer.updates)
}

func TestInitialize_DatabaseDoesNotExist(t *testing.T) {
	cluster := fakeserver.New("other", "A")
	exec, err := New(Config{Database: "shop", URLs: cluster.URLs(), Transport: cluster.Transport()})
	require.NoError(t, err)
	defer exec.Close()

	err = exec.Initialize(context.Background())
	assert.True(t, errors.Is(err, docerrors.ErrDatabaseDoesNotExist))
}

func TestInitialize_FallsBackToDiskCache(t *testing.T) {
	dir := t.TempDir()
	cluster := fakeserver.New("shop", "A", "B")

	first, err := New(Config{
		Database:      "shop",
		URLs:          cluster.URLs(),
		Transport:     cluster.Transport(),
		TopologyCache: topology.NewDiskCache(dir, nil),
	})
	require.NoError(t, err)
	require.NoError(t, first.Initialize(context.Background()))
	first.Close()

	cluster.SetNodeDown("A", true)
	cluster.SetNodeDown("B", true)
	second, err := New(Config{
		Database:      "shop",
		URLs:          cluster.URLs(),
		Transport:     cluster.Transport(),
		TopologyCache: topology.NewDiskCache(dir, nil),
	})
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Initialize(context.Background()))
	assert.Len(t, second.Topology().Nodes, 2)

	third, err := New(Config{Database: "shop", URLs: cluster.URLs(), Transport: cluster.Transport()})
	require.NoError(t, err)
	defer third.Close()
	err = third.Initialize(context.Background())
	assert.True(t, errors.Is(err, docerrors.ErrAllTopologyNodesDown))
}

func TestInitialize_DisabledTopologyUpdatesUsesSeeds(t *testing.T) {
	conv := conventions.Default()
	conv.DisableTopologyUpdates = true
	f := newFixture(t, conv, "A", "B")
	require.NoError(t, f.exec.Initialize(context.Background()))

	assert.Equal(t, 0, f.cluster.CountRequests("/topology"))
	assert.Equal(t, "?1", f.exec.Topology().Nodes[0].ClusterTag)
}

func TestExecute_AggressiveCacheHitSkipsNetwork(t *testing.T) {
	f := newFixture(t, nil, "A")
	f.cluster.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	f.cache.SetAggressive(time.Minute)
	ctx := context.Background()

	first := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, first, nil))
	before := f.exec.NumberOfServerRequests()

	second := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, second, nil))
	assert.Equal(t, before, f.exec.NumberOfServerRequests())
	assert.Equal(t, first.Result.Results, second.Result.Results)

	third := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, third, &model.SessionInfo{NoCaching: true}))
	assert.Equal(t, before+1, f.exec.NumberOfServerRequests())
}

func TestExecute_NotModifiedKeepsGeneration(t *testing.T) {
	f := newFixture(t, nil, "A")
	f.cluster.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	ctx := context.Background()

	first := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, first, nil))
	generation := f.cache.Generation()

	second := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, second, nil))
	assert.Equal(t, int64(3), f.exec.NumberOfServerRequests())
	assert.Equal(t, generation, f.cache.Generation())
	require.NotNil(t, second.Result)
	assert.Equal(t, first.Result.Results, second.Result.Results)
}

func TestExecute_StructuralWriteBustsCache(t *testing.T) {
	f := newFixture(t, nil, "A")
	f.cluster.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	ctx := context.Background()

	require.NoError(t, f.exec.Execute(ctx, commands.NewGetDocuments([]string{"users/1"}, nil, false), nil))
	generation := f.cache.Generation()

	batch := commands.NewBatch([]commands.CommandData{
		commands.PutCommand("users/1", nil, []byte(`{"Name":"Bob","@metadata":{"@collection":"Users"}}`)),
	}, "")
	require.NoError(t, f.exec.Execute(ctx, batch, nil))
	assert.Greater(t, f.cache.Generation(), generation)

	reload := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, reload, nil))
	assert.Contains(t, string(reload.Result.Results[0]), "Bob")
}

func TestExecute_MissingDocumentIsNotAnError(t *testing.T) {
	f := newFixture(t, nil, "A")
	cmd := commands.NewGetDocuments([]string{"users/404"}, nil, false)
	require.NoError(t, f.exec.Execute(context.Background(), cmd, nil))
	assert.Nil(t, cmd.Result)
}

func TestExecute_ServerErrorsAreMapped(t *testing.T) {
	f := newFixture(t, nil, "A")
	cmd := commands.NewQuery(&commands.IndexQuery{Query: "from index 'Users/ByName'"})
	err := f.exec.Execute(context.Background(), cmd, nil)
	assert.True(t, errors.Is(err, docerrors.ErrIndexDoesNotExist))
}

func TestExecute_FailsOverToNextNode(t *testing.T) {
	f := newFixture(t, nil, "A", "B", "C")
	f.cluster.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))

	f.cluster.SetNodeDown("A", true)
	before := f.cluster.RequestsTo("B")
	cmd := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, cmd, nil))
	require.NotNil(t, cmd.Result)
	assert.GreaterOrEqual(t, f.cluster.RequestsTo("B"), before+1)

	sel, err := f.exec.Selector().Preferred()
	require.NoError(t, err)
	assert.Equal(t, "B", sel.Node.ClusterTag)
}

func TestExecute_FailoverServesCachedEntryFromAnotherNode(t *testing.T) {
	f := newFixture(t, nil, "A", "B")
	f.cluster.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	ctx := context.Background()

	first := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, first, nil))

	f.cluster.SetNodeDown("A", true)
	second := commands.NewGetDocuments([]string{"users/1"}, nil, false)
	require.NoError(t, f.exec.Execute(ctx, second, nil))
	require.NotNil(t, second.Result)
	assert.Equal(t, first.Result.Results, second.Result.Results)
}

func TestExecute_AllNodesDown(t *testing.T) {
	f := newFixture(t, nil, "A", "B")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))

	f.cluster.SetNodeDown("A", true)
	f.cluster.SetNodeDown("B", true)
	err := f.exec.Execute(ctx, commands.NewGetDocuments([]string{"users/1"}, nil, false), nil)
	require.True(t, errors.Is(err, docerrors.ErrAllTopologyNodesDown))

	var de *docerrors.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 2, de.Detail("attempts"))
	assert.NotEmpty(t, f.observer.failed)
}

func TestExecute_NonIdempotentCommandDoesNotRetryAfterSend(t *testing.T) {
	cluster := fakeserver.New("shop", "A", "B")
	inner := cluster.Transport()
	var mu sync.Mutex
	sent := map[string]int{}
	tr := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Method == http.MethodPost {
			mu.Lock()
			sent[req.URL]++
			mu.Unlock()
			return nil, io.ErrUnexpectedEOF
		}
		return inner.Do(ctx, req)
	})
	exec, err := New(Config{Database: "shop", URLs: cluster.URLs(), Transport: tr})
	require.NoError(t, err)
	defer exec.Close()

	batch := commands.NewBatch([]commands.CommandData{
		commands.PutCommand("users/1", nil, []byte(`{"Name":"Ann"}`)),
	}, "")
	err = exec.Execute(context.Background(), batch, nil)
	require.True(t, errors.Is(err, docerrors.ErrNodeUnavailable))
	assert.Len(t, sent, 1)
}

func TestExecute_NonIdempotentCommandRetriesWhenRefused(t *testing.T) {
	f := newFixture(t, nil, "A", "B")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))
	f.cluster.SetNodeDown("A", true)

	batch := commands.NewBatch([]commands.CommandData{
		commands.PutCommand("users/1", nil, []byte(`{"Name":"Ann"}`)),
	}, "")
	require.NoError(t, f.exec.Execute(ctx, batch, nil))
	_, _, ok := f.cluster.Document("users/1")
	assert.True(t, ok)
}

func TestExecute_TimeoutDoesNotRetry(t *testing.T) {
	conv := conventions.Default()
	conv.RequestTimeout = 20 * time.Millisecond
	f := newFixture(t, conv, "A", "B")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))
	f.cluster.SetLatency("A", 500*time.Millisecond)

	before := f.exec.NumberOfServerRequests()
	err := f.exec.Execute(ctx, commands.NewGetDocuments([]string{"users/1"}, nil, false), nil)
	require.True(t, errors.Is(err, docerrors.ErrRequestTimeout))
	assert.Equal(t, before+1, f.exec.NumberOfServerRequests())

	var de *docerrors.Error
	require.True(t, errors.As(err, &de))
	assert.NotNil(t, de.Detail("elapsed"))
}

func TestExecute_ConnectionPoolExhaustedIsDistinct(t *testing.T) {
	cluster := fakeserver.New("shop", "A")
	inner := cluster.Transport()
	tr := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Method == http.MethodGet && req.Header.Get(transport.HeaderTopologyEtag) != "" {
			return nil, docerrors.ConnectionPoolExhausted(1, 1)
		}
		return inner.Do(ctx, req)
	})
	exec, err := New(Config{Database: "shop", URLs: cluster.URLs(), Transport: tr})
	require.NoError(t, err)
	defer exec.Close()

	err = exec.Execute(context.Background(), commands.NewGetDocuments([]string{"users/1"}, nil, false), nil)
	assert.True(t, errors.Is(err, docerrors.ErrConnectionPoolExhausted))
	assert.False(t, errors.Is(err, docerrors.ErrRequestTimeout))
}

func TestExecute_CanceledContext(t *testing.T) {
	f := newFixture(t, nil, "A")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.exec.Initialize(ctx))
	f.cluster.SetLatency("A", time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := f.exec.Execute(ctx, commands.NewGetDocuments([]string{"users/1"}, nil, false), nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecute_SessionContextIsSticky(t *testing.T) {
	conv := conventions.Default()
	conv.LoadBalanceBehavior = conventions.LoadBalanceUseSessionContext
	f := newFixture(t, conv, "A", "B", "C")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))

	nodeFor := func(key string) string {
		before := map[string]int{}
		for _, tag := range []string{"A", "B", "C"} {
			before[tag] = f.cluster.RequestsTo(tag)
		}
		cmd := commands.NewGetDocuments([]string{"users/1"}, nil, false)
		require.NoError(t, f.exec.Execute(ctx, cmd, &model.SessionInfo{ContextKey: key, NoCaching: true}))
		for _, tag := range []string{"A", "B", "C"} {
			if f.cluster.RequestsTo(tag) > before[tag] {
				return tag
			}
		}
		return ""
	}

	node := nodeFor("tenant-1")
	for i := 0; i < 5; i++ {
		assert.Equal(t, node, nodeFor("tenant-1"))
	}

	seen := map[string]bool{}
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		seen[nodeFor(key)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestExecute_RoundRobinSpreadsReads(t *testing.T) {
	conv := conventions.Default()
	conv.ReadBalanceBehavior = conventions.ReadBalanceRoundRobin
	f := newFixture(t, conv, "A", "B", "C")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))

	before := map[string]int{}
	for _, tag := range []string{"A", "B", "C"} {
		before[tag] = f.cluster.RequestsTo(tag)
	}
	for i := 0; i < 6; i++ {
		cmd := commands.NewGetDocuments([]string{"users/1"}, nil, false)
		require.NoError(t, f.exec.Execute(ctx, cmd, &model.SessionInfo{NoCaching: true}))
	}
	for _, tag := range []string{"A", "B", "C"} {
		assert.Equal(t, before[tag]+2, f.cluster.RequestsTo(tag), tag)
	}
}

func TestExecute_RefreshTopologyHeaderTriggersUpdate(t *testing.T) {
	f := newFixture(t, nil, "A", "B")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))

	f.cluster.ReorderNodes("B", "A")
	f.cluster.SetRefreshTopologyHint(true)
	require.NoError(t, f.exec.Execute(ctx, commands.NewGetDocuments([]string{"users/1"}, nil, false), nil))

	require.Eventually(t, func() bool {
		top := f.exec.Topology()
		return top.Etag == 2 && top.Nodes[0].ClusterTag == "B"
	}, time.Second, 10*time.Millisecond)
}

func TestExecute_SpecificNodeAffinity(t *testing.T) {
	f := newFixture(t, nil, "A", "B")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))

	before := f.cluster.RequestsTo("B")
	cmd := &pinnedCommand{GetDocuments: commands.NewGetDocuments([]string{"users/1"}, nil, false), tag: "B"}
	require.NoError(t, f.exec.Execute(ctx, cmd, nil))
	assert.Equal(t, before+1, f.cluster.RequestsTo("B"))
	assert.Equal(t, 1, f.cluster.RequestsTo("A"))

	f.cluster.SetNodeDown("B", true)
	err := f.exec.Execute(ctx, cmd, nil)
	assert.True(t, errors.Is(err, docerrors.ErrNodeUnavailable))
}

type pinnedCommand struct {
	*commands.GetDocuments
	tag string
}

func (c *pinnedCommand) Options() commands.Options {
	opts := c.GetDocuments.Options()
	opts.Affinity = commands.AffinitySpecific
	opts.SelectedNodeTag = c.tag
	opts.Cacheable = false
	return opts
}

func TestExecute_ClosedExecutor(t *testing.T) {
	f := newFixture(t, nil, "A")
	require.NoError(t, f.exec.Close())
	err := f.exec.Execute(context.Background(), commands.NewGetDocuments([]string{"users/1"}, nil, false), nil)
	assert.True(t, errors.Is(err, docerrors.ErrStoreClosed))
}

func TestHealthCheck_SkipsNodeAlreadyRestored(t *testing.T) {
	f := newFixture(t, nil, "A", "B")
	ctx := context.Background()
	require.NoError(t, f.exec.Initialize(ctx))

	selector := f.exec.Selector()
	sel, err := selector.Preferred()
	require.NoError(t, err)

	before := f.cluster.RequestCount()
	require.NoError(t, f.exec.checkNode(ctx, selector, sel))
	assert.Equal(t, before, f.cluster.RequestCount())

	selector.OnFailedRequest(sel)
	require.True(t, selector.IsFailed(sel))
	require.NoError(t, f.exec.checkNode(ctx, selector, sel))
	assert.Equal(t, before+1, f.cluster.RequestCount())
	assert.False(t, selector.IsFailed(sel))
}

func TestClose_ConcurrentWithBackgroundRefresh(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil, "A")
		require.NoError(t, f.exec.Initialize(context.Background()))

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 50; k++ {
					f.exec.triggerRefresh()
				}
			}()
		}
		require.NoError(t, f.exec.Close())
		wg.Wait()

		f.exec.triggerRefresh()
		assert.Zero(t, atomic.LoadInt32(&f.exec.refreshing))
	}
}
