package filesvc

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitogen-go/multiplexer/internal/mconfig"
	"github.com/mitogen-go/multiplexer/internal/router"
)

// recordingSender wraps a router.MemSender and records every chunk it
// receives plus whether/when it was closed, so tests can assert on
// complete-and-in-order delivery without a real transport.
type recordingSender struct {
	*router.MemSender
	mu     chan struct{} // closed once Close() fires, for tests to await completion
	chunks [][]byte
}

func newRecordingSender(ctx *router.MemContext) *recordingSender {
	return &recordingSender{
		MemSender: router.NewMemSender(ctx),
		mu:        make(chan struct{}),
	}
}

func (s *recordingSender) Send(p []byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)
	s.chunks = append(s.chunks, cp)
	return s.MemSender.Send(p)
}

func (s *recordingSender) Close() error {
	select {
	case <-s.mu:
	default:
		close(s.mu)
	}
	return s.MemSender.Close()
}

func (s *recordingSender) awaitClose(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.mu:
	case <-time.After(timeout):
		t.Fatal("sender was never closed")
	}
}

func (s *recordingSender) total() int {
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

func newLocalContext(t *testing.T, r *router.MemRouter) *router.MemContext {
	t.Helper()
	c, err := r.Connect(context.Background(), "local", nil, nil)
	require.NoError(t, err)
	return c.(*router.MemContext)
}

func TestRegisterRejectsNonRegularFile(t *testing.T) {
	svc := New(router.NewMemRouter(), mconfig.New())
	defer svc.OnShutdown()

	_, err := svc.Register(t.TempDir())
	require.Error(t, err)
}

func TestFetchRequiresRegistration(t *testing.T) {
	svc := New(router.NewMemRouter(), mconfig.New())
	defer svc.OnShutdown()

	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	ctx := newLocalContext(t, r)
	sender := newRecordingSender(ctx)

	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	_, err := svc.Fetch(path, sender)
	require.ErrorIs(t, err, ErrUnregistered)
}

func TestFetchSmallFileDeliveredAndClosed(t *testing.T) {
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	svc := New(r, mconfig.New(mconfig.Chunk(4096), mconfig.QMax(1<<20), mconfig.TTick(5*time.Millisecond)))
	defer svc.OnShutdown()

	path := filepath.Join(t.TempDir(), "small.txt")
	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	md, err := svc.Register(path)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), md.Size)

	ctx := newLocalContext(t, r)
	sender := newRecordingSender(ctx)

	_, err = svc.Fetch(path, sender)
	require.NoError(t, err)

	sender.awaitClose(t, time.Second)
	assert.Equal(t, len(content), sender.total())
}

func TestFetchAppliesBackpressure(t *testing.T) {
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	// Tiny chunk/quota so a multi-chunk file must straddle several pump
	// ticks, and the stream's simulated "wire" never drains on its own —
	// the transfer can only complete once we call Drain from the test.
	cfg := mconfig.New(mconfig.Chunk(4), mconfig.QMax(8), mconfig.TTick(2*time.Millisecond))
	svc := New(r, cfg)
	defer svc.OnShutdown()

	path := filepath.Join(t.TempDir(), "big.bin")
	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))
	_, err := svc.Register(path)
	require.NoError(t, err)

	ctx := newLocalContext(t, r)
	sender := newRecordingSender(ctx)
	_, err = svc.Fetch(path, sender)
	require.NoError(t, err)

	// Without ever draining, delivered bytes must plateau at (roughly) the
	// QMax ceiling rather than running to completion immediately.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-sender.mu:
		t.Fatal("sender closed before backpressure should have stalled it")
	default:
	}
	assert.Less(t, sender.total(), len(content))

	// Draining the simulated wire in a loop lets the transfer finish.
	stream, err := r.StreamByID(ctx.StreamID())
	require.NoError(t, err)
	ms := stream.(*router.MemStream)
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case <-sender.mu:
			assert.Equal(t, len(content), sender.total())
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("transfer never completed despite draining")
		}
		ms.Drain(8)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOnShutdownClosesInFlightSenders(t *testing.T) {
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	cfg := mconfig.New(mconfig.Chunk(4), mconfig.QMax(4), mconfig.TTick(2*time.Millisecond))
	svc := New(r, cfg)

	path := filepath.Join(t.TempDir(), "stalled.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o644))
	_, err := svc.Register(path)
	require.NoError(t, err)

	ctx := newLocalContext(t, r)
	sender := newRecordingSender(ctx)
	_, err = svc.Fetch(path, sender)
	require.NoError(t, err)

	svc.OnShutdown()
	sender.awaitClose(t, time.Second)
}

func TestDebugSnapshotReportsRegisteredPaths(t *testing.T) {
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	svc := New(r, mconfig.New())
	defer svc.OnShutdown()

	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := svc.Register(path)
	require.NoError(t, err)

	snap := svc.DebugSnapshot()
	count, ok := snap[path]
	assert.True(t, ok)
	assert.GreaterOrEqual(t, count, 0)
}

// fifoLog records, under a mutex, which labeled transfer a chunk belonged to
// and in what order Send was actually called — the only way to observe P8
// (per-stream FIFO: every chunk of an earlier fetch precedes any chunk of a
// later one on the same stream) across two distinct Senders.
type fifoLog struct {
	mu    sync.Mutex
	order []string
}

func (l *fifoLog) record(label string) {
	l.mu.Lock()
	l.order = append(l.order, label)
	l.mu.Unlock()
}

// labeledSender wraps a router.MemSender, tagging every Send into a shared
// fifoLog and signaling completion via done, the same way recordingSender
// does for the single-fetch tests above.
type labeledSender struct {
	*router.MemSender
	label string
	log   *fifoLog
	done  chan struct{}
}

func newLabeledSender(ctx *router.MemContext, label string, log *fifoLog) *labeledSender {
	return &labeledSender{MemSender: router.NewMemSender(ctx), label: label, log: log, done: make(chan struct{})}
}

func (s *labeledSender) Send(p []byte) error {
	s.log.record(s.label)
	return s.MemSender.Send(p)
}

func (s *labeledSender) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.MemSender.Close()
}

func (s *labeledSender) awaitClose(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(timeout):
		t.Fatalf("%s sender was never closed", s.label)
	}
}

func TestFetchSameStreamPreservesPerStreamFIFO(t *testing.T) {
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	r.RegisterMethod(router.NewSudoMethod(r))
	cfg := mconfig.New(mconfig.Chunk(4), mconfig.QMax(1<<20), mconfig.TTick(2*time.Millisecond))
	svc := New(r, cfg)
	defer svc.OnShutdown()

	root := newLocalContext(t, r)
	// sudo multiplexes over its parent's physical stream, so root and child
	// share a StreamID — exactly the "two requests, one shared stream" case
	// P8 is about, without needing two independent transport methods.
	childCtx, err := r.Connect(context.Background(), "sudo", map[string]any{"username": "a"}, root)
	require.NoError(t, err)
	child := childCtx.(*router.MemContext)
	require.Equal(t, root.StreamID(), child.StreamID())

	pathA := filepath.Join(t.TempDir(), "a.bin")
	pathB := filepath.Join(t.TempDir(), "b.bin")
	require.NoError(t, os.WriteFile(pathA, bytes.Repeat([]byte{0xAA}, 40), 0o644))
	require.NoError(t, os.WriteFile(pathB, bytes.Repeat([]byte{0xBB}, 40), 0o644))
	_, err = svc.Register(pathA)
	require.NoError(t, err)
	_, err = svc.Register(pathB)
	require.NoError(t, err)

	log := &fifoLog{}
	senderA := newLabeledSender(root, "A", log)
	senderB := newLabeledSender(child, "B", log)

	_, err = svc.Fetch(pathA, senderA)
	require.NoError(t, err)
	_, err = svc.Fetch(pathB, senderB)
	require.NoError(t, err)

	senderA.awaitClose(t, time.Second)
	senderB.awaitClose(t, time.Second)

	log.mu.Lock()
	defer log.mu.Unlock()
	firstB := -1
	for i, label := range log.order {
		if label == "B" {
			firstB = i
			break
		}
	}
	require.NotEqual(t, -1, firstB, "B must have sent at least one chunk")
	for i := 0; i < firstB; i++ {
		assert.Equal(t, "A", log.order[i], "every chunk before B's first must belong to A")
	}
}
