package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitogen-go/multiplexer/internal/router"
)

// ssh and sftp require a real network peer and have no tests in this
// module; LocalMethod, SudoMethod,
// and the MemRouter/MemBroker/MemStream plumbing are fully testable without
// one and are covered here.

func newTestRouter(t *testing.T) *router.MemRouter {
	t.Helper()
	r := router.NewMemRouter()
	r.RegisterMethod(router.NewLocalMethod(r))
	r.RegisterMethod(router.NewSudoMethod(r))
	return r
}

func TestLocalConnectRejectsVia(t *testing.T) {
	r := newTestRouter(t)
	direct, err := r.Connect(context.Background(), "local", nil, nil)
	require.NoError(t, err)

	_, err = r.Connect(context.Background(), "local", nil, direct)
	require.Error(t, err)
}

func TestSudoRequiresVia(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Connect(context.Background(), "sudo", map[string]any{"username": "root"}, nil)
	require.Error(t, err)
}

func TestSudoSharesParentStream(t *testing.T) {
	r := newTestRouter(t)
	parent, err := r.Connect(context.Background(), "local", nil, nil)
	require.NoError(t, err)

	child, err := r.Connect(context.Background(), "sudo", map[string]any{"username": "deploy"}, parent)
	require.NoError(t, err)

	assert.Equal(t, parent.StreamID(), child.StreamID(), "sudo must multiplex over the parent's physical stream")
}

func TestConnectRejectsUnknownMethod(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Connect(context.Background(), "nonexistent", nil, nil)
	var unsupported *router.ErrUnsupportedMethod
	require.ErrorAs(t, err, &unsupported)
}

func TestConnectRejectsDisallowedKWArg(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Connect(context.Background(), "local", map[string]any{"bogus": true}, nil)
	var invalid *router.ErrInvalidKWArg
	require.ErrorAs(t, err, &invalid)
}

func TestBrokerPendingBytesTracksSendAndDrain(t *testing.T) {
	r := newTestRouter(t)
	ctx, err := r.Connect(context.Background(), "local", nil, nil)
	require.NoError(t, err)

	stream, err := r.StreamByID(ctx.StreamID())
	require.NoError(t, err)
	ms := stream.(*router.MemStream)

	ms.Send(make([]byte, 100))
	require.Eventually(t, func() bool {
		return r.Broker().PendingBytes(ctx.StreamID()) == 100
	}, time.Second, time.Millisecond)

	ms.Drain(40)
	require.Eventually(t, func() bool {
		return r.Broker().PendingBytes(ctx.StreamID()) == 60
	}, time.Second, time.Millisecond)
}

func TestStreamDisconnectFiresListenersOnce(t *testing.T) {
	r := newTestRouter(t)
	ctx, err := r.Connect(context.Background(), "local", nil, nil)
	require.NoError(t, err)

	stream, err := r.StreamByID(ctx.StreamID())
	require.NoError(t, err)
	ms := stream.(*router.MemStream)

	fired := make(chan string, 4)
	ms.OnDisconnect(func(streamID string) { fired <- streamID })
	ms.Disconnect()
	ms.Disconnect() // idempotent: must not fire twice

	select {
	case id := <-fired:
		assert.Equal(t, ctx.StreamID(), id)
	case <-time.After(time.Second):
		t.Fatal("disconnect listener never fired")
	}

	select {
	case <-fired:
		t.Fatal("disconnect listener fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamDisconnectListenerPanicIsRecovered(t *testing.T) {
	r := newTestRouter(t)
	ctx, err := r.Connect(context.Background(), "local", nil, nil)
	require.NoError(t, err)

	stream, err := r.StreamByID(ctx.StreamID())
	require.NoError(t, err)
	ms := stream.(*router.MemStream)

	done := make(chan struct{})
	ms.OnDisconnect(func(string) { panic("boom") })
	ms.OnDisconnect(func(string) { close(done) })
	ms.Disconnect()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a panicking listener must not prevent later listeners from running")
	}
}
