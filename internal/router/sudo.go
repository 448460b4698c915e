package router

import (
	"context"
	"fmt"
)

// SudoMethod is a synthetic via-requiring transport: it demonstrates
// chaining (a context reached only through a parent context) without
// needing a privileged test environment. Real deployments would shell out
// to sudo over the parent's stream; here the "child" simply multiplexes
// over the parent's physical stream, which is exactly what sudo-over-ssh
// does in practice (no new physical connection, a new logical interpreter).
// It is deliberately agnostic about the via's concrete type — it only needs
// via.StreamID() to resolve the shared physical stream — so it can ride any
// TransportMethod's Context (local, ssh, sftp), matching the original
// source's genericity (`method(via=via, **kwargs)`).
type SudoMethod struct {
	router *MemRouter
}

// NewSudoMethod builds the sudo transport bound to r.
func NewSudoMethod(r *MemRouter) *SudoMethod {
	return &SudoMethod{router: r}
}

func (m *SudoMethod) Name() string { return "sudo" }

func (m *SudoMethod) AllowedKWArgs() map[string]struct{} {
	return map[string]struct{}{"username": {}}
}

func (m *SudoMethod) Connect(_ context.Context, kwargs map[string]any, via Context) (Context, error) {
	if via == nil {
		return nil, fmt.Errorf("sudo: requires a via context")
	}
	stream, err := m.router.StreamByID(via.StreamID())
	if err != nil {
		return nil, fmt.Errorf("sudo: resolving via %s's stream: %w", via.ID(), err)
	}
	ms, ok := stream.(*MemStream)
	if !ok {
		return nil, fmt.Errorf("sudo: via %s's stream is not a MemStream", via.ID())
	}
	username, _ := kwargs["username"].(string)
	home := "/root"
	if username != "" && username != "root" {
		home = "/home/" + username
	}
	// sudo multiplexes over the parent's physical stream: no new Stream
	// is minted, matching how a privilege-escalation hop never opens a
	// new socket of its own.
	return newMemContext("sudo", ms, home), nil
}
