package router

import (
	"context"
	"fmt"
	"sync/atomic"
)

var contextSeq int64

func nextContextID(method string) string {
	n := atomic.AddInt64(&contextSeq, 1)
	return fmt.Sprintf("%s-%d", method, n)
}

// MemContext is the in-process Context implementation shared by the local
// and sudo TransportMethods. A real implementation would proxy
// Call/CallAsync over the physical stream to a remote interpreter; this one
// answers a small fixed set of methods used by the Context Service's
// establishment procedure (expanduser, fork-parent priming) plus whatever
// handlers tests install.
type MemContext struct {
	id       string
	stream   *MemStream
	homeDir  string
	handlers map[string]func(args map[string]any) (any, error)
	shutdown func() error
}

func newMemContext(method string, stream *MemStream, homeDir string) *MemContext {
	return &MemContext{
		id:      nextContextID(method),
		stream:  stream,
		homeDir: homeDir,
		handlers: map[string]func(args map[string]any) (any, error){
			"expanduser": func(args map[string]any) (any, error) { return homeDir, nil },
			"fork_parent.prime": func(args map[string]any) (any, error) {
				return nil, nil
			},
		},
	}
}

func (c *MemContext) ID() string       { return c.id }
func (c *MemContext) StreamID() string { return c.stream.ID() }

func (c *MemContext) Call(_ context.Context, method string, args map[string]any) (any, error) {
	h, ok := c.handlers[method]
	if !ok {
		return nil, fmt.Errorf("context %s: no such method %q", c.id, method)
	}
	return h(args)
}

func (c *MemContext) CallAsync(method string, args map[string]any) {
	go func() {
		_, _ = c.Call(context.Background(), method, args)
	}()
}

func (c *MemContext) Shutdown() error {
	if c.shutdown != nil {
		return c.shutdown()
	}
	return nil
}

// MemSender is a Sender bound to a MemContext's stream. The scheduler sends
// chunks through it; the underlying stream's pending-byte counter rises on
// Send and falls only when MemStream.Drain is called.
type MemSender struct {
	ctx    *MemContext
	stream *MemStream
	closed int32
}

// NewMemSender wraps ctx's stream as a Sender.
func NewMemSender(ctx *MemContext) *MemSender {
	return &MemSender{ctx: ctx, stream: ctx.stream}
}

func (s *MemSender) ContextID() string { return s.ctx.ID() }

func (s *MemSender) Send(p []byte) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return fmt.Errorf("send on closed sender")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.stream.Send(cp)
	return nil
}

func (s *MemSender) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return nil
}
