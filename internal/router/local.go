package router

import (
	"context"

	homedir "github.com/mitchellh/go-homedir"
)

// LocalMethod is the "local" transport: a direct connection (via must be
// nil) requiring no real I/O, used both as a smoke-test method and as the
// root of real stacks (ssh/sudo hops are always reached via some context
// ultimately rooted at a direct connection).
type LocalMethod struct {
	router *MemRouter
}

// NewLocalMethod builds the local transport bound to r, so it can mint
// streams through the router's broker.
func NewLocalMethod(r *MemRouter) *LocalMethod {
	return &LocalMethod{router: r}
}

func (m *LocalMethod) Name() string { return "local" }

func (m *LocalMethod) AllowedKWArgs() map[string]struct{} {
	return map[string]struct{}{}
}

func (m *LocalMethod) Connect(_ context.Context, _ map[string]any, via Context) (Context, error) {
	if via != nil {
		return nil, &ErrInvalidKWArg{Method: "local", Key: "via"}
	}
	home, err := homedir.Dir()
	if err != nil {
		home = "/root"
	}
	stream := m.router.NewStream()
	return newMemContext("local", stream, home), nil
}
