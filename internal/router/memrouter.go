package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mitogen-go/multiplexer/internal/mlog"
)

var log = mlog.For("router")

// MemRouter is a concrete, minimal Router good enough to exercise the
// Context and File services end-to-end without a real network: streams are
// in-process pipes, and the "broker" is a single goroutine draining a
// channel of deferred closures, matching the real system's broker-owned
// I/O model closely enough for the Scheduler's backpressure read to be
// meaningful.
type MemRouter struct {
	broker *MemBroker

	mu       sync.Mutex
	methods  map[string]TransportMethod
	streams  map[string]*MemStream
	contexts map[string]Context
	nextID   int64
}

// NewMemRouter constructs a router with its broker goroutine running.
func NewMemRouter() *MemRouter {
	r := &MemRouter{
		broker:   newMemBroker(),
		methods:  map[string]TransportMethod{},
		streams:  map[string]*MemStream{},
		contexts: map[string]Context{},
	}
	return r
}

// RegisterMethod installs a TransportMethod under its own name.
func (r *MemRouter) RegisterMethod(m TransportMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m.Name()] = m
}

// Connect validates kwargs against the method's allow-list, then dispatches.
func (r *MemRouter) Connect(ctx context.Context, method string, kwargs map[string]any, via Context) (Context, error) {
	r.mu.Lock()
	m, ok := r.methods[method]
	r.mu.Unlock()
	if !ok {
		return nil, &ErrUnsupportedMethod{Method: method}
	}
	allowed := m.AllowedKWArgs()
	for k := range kwargs {
		if _, ok := allowed[k]; !ok {
			return nil, &ErrInvalidKWArg{Method: method, Key: k}
		}
	}
	c, err := m.Connect(ctx, kwargs, via)
	if err != nil {
		return nil, errors.Wrapf(err, "connect via method %s", method)
	}
	r.mu.Lock()
	r.contexts[c.ID()] = c
	r.mu.Unlock()
	return c, nil
}

// StreamByID looks up a registered physical stream.
func (r *MemRouter) StreamByID(streamID string) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("no such stream: %s", streamID)
	}
	return s, nil
}

// ContextByID looks up a context established through this router.
func (r *MemRouter) ContextByID(contextID string) (Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[contextID]
	if !ok {
		return nil, fmt.Errorf("no such context: %s", contextID)
	}
	return c, nil
}

// Broker returns the router's single broker goroutine.
func (r *MemRouter) Broker() Broker { return r.broker }

// NewStream registers a fresh physical stream and returns it, for use by
// TransportMethod implementations that need to mint one.
func (r *MemRouter) NewStream() *MemStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := &MemStream{id: fmt.Sprintf("stream-%d", r.nextID), broker: r.broker}
	r.streams[s.id] = s
	r.broker.register(s)
	return s
}

// ForgetContext drops a context from the router's index so a stale ID
// cannot be resolved again. Context Shutdown does not call it.
func (r *MemRouter) ForgetContext(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, id)
}

// MemStream is an in-process Stream: it tracks a pending-byte counter the
// way a real physical stream's send buffer would, and notifies disconnect
// listeners from the broker goroutine.
type MemStream struct {
	id      string
	broker  *MemBroker
	pending int64 // atomic; only ever mutated via broker.Defer

	mu        sync.Mutex
	listeners []func(string)
	closed    bool
}

func (s *MemStream) ID() string { return s.id }

func (s *MemStream) OnDisconnect(fn func(streamID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Send simulates handing bytes to the broker for transmission: the pending
// increment is deferred to the broker goroutine, as the real system defers
// the enqueue to the broker. Pending never falls on its own; only Drain
// decrements it.
func (s *MemStream) Send(p []byte) {
	n := int64(len(p))
	s.broker.Defer(func() {
		atomic.AddInt64(&s.pending, n)
	})
}

// Drain simulates the broker flushing bytes already handed to Send,
// freeing up backpressure headroom. Test code calls this to model network
// progress; production code would instead have the real transport driver
// invoke it as bytes leave the wire.
func (s *MemStream) Drain(n int64) {
	s.broker.Defer(func() {
		if atomic.AddInt64(&s.pending, -n) < 0 {
			atomic.StoreInt64(&s.pending, 0)
		}
	})
}

// Disconnect fires every registered listener on the broker goroutine and
// marks the stream closed.
func (s *MemStream) Disconnect() {
	s.broker.Defer(func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.closed = true
		listeners := append([]func(string){}, s.listeners...)
		s.mu.Unlock()
		for _, fn := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Warnf("disconnect listener for stream %s panicked: %v", s.id, r)
					}
				}()
				fn(s.id)
			}()
		}
	})
}

// MemBroker is the single goroutine performing all "physical" I/O for
// MemRouter's streams.
type MemBroker struct {
	deferCh chan func()

	mu      sync.Mutex
	streams map[string]*MemStream
}

func newMemBroker() *MemBroker {
	b := &MemBroker{
		deferCh: make(chan func(), 4096),
		streams: map[string]*MemStream{},
	}
	go b.loop()
	return b
}

func (b *MemBroker) register(s *MemStream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[s.id] = s
}

func (b *MemBroker) loop() {
	for fn := range b.deferCh {
		fn()
	}
}

// Defer schedules fn on the broker goroutine.
func (b *MemBroker) Defer(fn func()) {
	b.deferCh <- fn
}

// PendingBytes reads a stream's in-flight byte count on the broker
// goroutine, as the Scheduler's backpressure measurement requires.
func (b *MemBroker) PendingBytes(streamID string) int {
	result := make(chan int64, 1)
	b.Defer(func() {
		b.mu.Lock()
		s := b.streams[streamID]
		b.mu.Unlock()
		if s == nil {
			result <- 0
			return
		}
		result <- atomic.LoadInt64(&s.pending)
	})
	return int(<-result)
}
