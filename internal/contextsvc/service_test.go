package contextsvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitogen-go/multiplexer/internal/mconfig"
	"github.com/mitogen-go/multiplexer/internal/router"
)

func newTestService(t *testing.T, opts ...mconfig.Option) (*Service, *router.MemRouter) {
	t.Helper()
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	r.RegisterMethod(router.NewSudoMethod(r))
	cfg := mconfig.New(opts...)
	return New(r, cfg), r
}

func TestDedupConcurrentGet(t *testing.T) {
	svc, _ := newTestService(t)
	stack := []Spec{{Method: "local"}}

	const n = 8
	results := make([]GetResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Get(context.Background(), stack)
		}(i)
	}
	wg.Wait()

	var id string
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Empty(t, results[i].Msg)
		require.NotNil(t, results[i].Context)
		if id == "" {
			id = results[i].Context.ID()
		}
		assert.Equal(t, id, results[i].Context.ID(), "all callers must observe the same Context")
	}
	assert.Equal(t, n, svc.Refcount(id))
}

func TestChainEstablishesInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	stack := []Spec{
		{Method: "local"},
		{Method: "sudo", KWArgs: map[string]any{"username": "root"}},
	}
	res, err := svc.Get(context.Background(), stack)
	require.NoError(t, err)
	require.Empty(t, res.Msg)
	require.NotNil(t, res.Context)
	assert.Equal(t, 1, svc.Refcount(res.Context.ID()))
}

func TestUnsupportedMethodIsAFault(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Get(context.Background(), []Spec{{Method: "nope"}})
	require.Error(t, err)
}

func TestInvalidKWArgIsAFault(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Get(context.Background(), []Spec{{Method: "local", KWArgs: map[string]any{"bogus": 1}}})
	require.Error(t, err)
}

func TestPutDecrementsRefcount(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Get(context.Background(), []Spec{{Method: "local"}})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Refcount(res.Context.ID()))
	svc.Put(res.Context)
	assert.Equal(t, 0, svc.Refcount(res.Context.ID()))
}

func TestPutBelowZeroLogsAndNoops(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Get(context.Background(), []Spec{{Method: "local"}})
	require.NoError(t, err)
	svc.Put(res.Context)
	svc.Put(res.Context) // second put: refcount already 0
	assert.Equal(t, 0, svc.Refcount(res.Context.ID()))
}

func TestLRUEvictsZeroRefcountNewestFirst(t *testing.T) {
	svc, _ := newTestService(t, mconfig.NMax(2))
	root, err := svc.Get(context.Background(), []Spec{{Method: "local"}})
	require.NoError(t, err)

	var children []string
	for i, user := range []string{"a", "b", "c"} {
		res, err := svc.Get(context.Background(), []Spec{
			{Method: "local"},
			{Method: "sudo", KWArgs: map[string]any{"username": user}},
		})
		require.NoError(t, err, "establishing child %d", i)
		children = append(children, res.Context.ID())
		svc.Put(res.Context) // immediately idle, eligible for eviction
	}

	assert.LessOrEqual(t, svc.LRULen(root.Context.ID()), 2)
	// With a, b idle and the list full, establishing c scans newest-first
	// and evicts b; a (older) and c (new) stay cached.
	assert.True(t, svc.entriesHas(children[0]), "oldest idle child must survive")
	assert.False(t, svc.entriesHas(children[1]), "newest idle child must be evicted")
	assert.True(t, svc.entriesHas(children[2]), "new child must be cached")
}

func TestLRUNeverEvictsLiveRefcount(t *testing.T) {
	svc, _ := newTestService(t, mconfig.NMax(1))
	root, err := svc.Get(context.Background(), []Spec{{Method: "local"}})
	require.NoError(t, err)

	first, err := svc.Get(context.Background(), []Spec{
		{Method: "local"},
		{Method: "sudo", KWArgs: map[string]any{"username": "a"}},
	})
	require.NoError(t, err)
	// first is kept alive (no Put): refcount stays 1.

	second, err := svc.Get(context.Background(), []Spec{
		{Method: "local"},
		{Method: "sudo", KWArgs: map[string]any{"username": "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, svc.Refcount(first.Context.ID()), "live context must survive over-subscription")
	assert.NotNil(t, second.Context)
	_ = root
}

func TestDisconnectPurgesAndReestablishes(t *testing.T) {
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	svc := New(r, mconfig.New())

	res, err := svc.Get(context.Background(), []Spec{{Method: "local"}})
	require.NoError(t, err)
	firstID := res.Context.ID()

	stream, err := r.StreamByID(res.Context.StreamID())
	require.NoError(t, err)
	ms := stream.(*router.MemStream)
	ms.Disconnect()

	// onDisconnect runs on the broker goroutine; give it a moment.
	deadline := time.Now().Add(time.Second)
	for svc.Refcount(firstID) != 0 || svc.entriesHas(firstID) {
		if time.Now().After(deadline) {
			t.Fatal("disconnect purge did not complete in time")
		}
		time.Sleep(time.Millisecond)
	}

	res2, err := svc.Get(context.Background(), []Spec{{Method: "local"}})
	require.NoError(t, err)
	assert.NotEqual(t, firstID, res2.Context.ID(), "re-establishment must produce a fresh context")
}

// entriesHas is a small test hook: true if any cache entry still points at
// contextID (used only to await eventual-consistency of disconnect purge).
func (s *Service) entriesHas(contextID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.context.ID() == contextID {
			return true
		}
	}
	return false
}

func TestResetClearsTablesWithoutShutdown(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Get(context.Background(), []Spec{{Method: "local"}})
	require.NoError(t, err)
	svc.Reset()
	assert.Equal(t, 0, svc.Refcount(res.Context.ID()))
	assert.Equal(t, 0, svc.LRULen(res.Context.ID()))
}
