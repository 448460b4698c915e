package main

import (
	"context"
	"fmt"

	"github.com/mitogen-go/multiplexer/internal/contextsvc"
	"github.com/mitogen-go/multiplexer/internal/filesvc"
	"github.com/mitogen-go/multiplexer/internal/mconfig"
	"github.com/mitogen-go/multiplexer/internal/router"
)

// handler is the net/rpc-registered object. Its exported methods follow the
// net/rpc shape (func(args T1, reply *T2) error) rather than the services'
// native Go signatures, since gob-encodable request/reply types cannot
// carry interfaces like router.Context directly.
type handler struct {
	router  *router.MemRouter
	ctxSvc  *contextsvc.Service
	fileSvc *filesvc.Service
}

func newHandler(cfg *mconfig.Config) *handler {
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	r.RegisterMethod(router.NewSudoMethod(r))
	r.RegisterMethod(router.NewSSHMethod(r))
	r.RegisterMethod(router.NewSFTPMethod(r))

	return &handler{
		router:  r,
		ctxSvc:  contextsvc.New(r, cfg),
		fileSvc: filesvc.New(r, cfg),
	}
}

// SpecArg is the wire form of contextsvc.Spec.
type SpecArg struct {
	Method string
	KWArgs map[string]any
}

// GetArgs requests a Context reachable via the given stack of hops.
type GetArgs struct {
	Stack []SpecArg
}

// GetReply carries either a live context ID or a soft error message, per
// the service's fault/soft-error split.
type GetReply struct {
	ContextID string
	Msg       string
}

func (h *handler) GetContext(args GetArgs, reply *GetReply) error {
	stack := make([]contextsvc.Spec, len(args.Stack))
	for i, s := range args.Stack {
		stack[i] = contextsvc.Spec{Method: s.Method, KWArgs: s.KWArgs}
	}
	res, err := h.ctxSvc.Get(context.Background(), stack)
	if err != nil {
		return err
	}
	reply.Msg = res.Msg
	if res.Context != nil {
		reply.ContextID = res.Context.ID()
	}
	return nil
}

func (h *handler) PutContext(contextID string, reply *struct{}) error {
	c, err := h.router.ContextByID(contextID)
	if err != nil {
		return err
	}
	h.ctxSvc.Put(c)
	return nil
}

// RegisterArgs names a path the caller wants to later Fetch.
type RegisterArgs struct {
	Path string
}

// RegisterReply mirrors filesvc.Metadata's caller-visible fields.
type RegisterReply struct {
	Size  int64
	Owner string
	Group string
}

func (h *handler) RegisterFile(args RegisterArgs, reply *RegisterReply) error {
	md, err := h.fileSvc.Register(args.Path)
	if err != nil {
		return err
	}
	reply.Size = md.Size
	if md.Owner != nil {
		reply.Owner = *md.Owner
	}
	if md.Group != nil {
		reply.Group = *md.Group
	}
	return nil
}

// FetchArgs requests path be streamed to the Context identified by
// ContextID, which must already be live via a prior GetContext call.
type FetchArgs struct {
	Path      string
	ContextID string
}

func (h *handler) FetchFile(args FetchArgs, reply *RegisterReply) error {
	c, err := h.router.ContextByID(args.ContextID)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	mc, ok := c.(*router.MemContext)
	if !ok {
		return fmt.Errorf("fetch: context %s has no sendable stream", args.ContextID)
	}
	sender := router.NewMemSender(mc)

	md, err := h.fileSvc.Fetch(args.Path, sender)
	if err != nil {
		return err
	}
	reply.Size = md.Size
	if md.Owner != nil {
		reply.Owner = *md.Owner
	}
	if md.Group != nil {
		reply.Group = *md.Group
	}
	return nil
}
