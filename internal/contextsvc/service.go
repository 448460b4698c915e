// Package contextsvc implements the Context Service: a deduplicating,
// reference-counted, bounded-LRU cache of live remote connections built on
// top of a chained transport Router, with single-flight establishment and
// disconnect-driven invalidation.
package contextsvc

import (
	"context"
	goerrors "errors"
	"fmt"
	"sync"

	"github.com/mitogen-go/multiplexer/internal/fingerprint"
	"github.com/mitogen-go/multiplexer/internal/mconfig"
	"github.com/mitogen-go/multiplexer/internal/mlog"
	"github.com/mitogen-go/multiplexer/internal/router"
)

// isFault reports whether err represents a caller-side mistake (unsupported
// method or a disallowed kwarg) rather than a transport/stream failure; see
// §7's UnsupportedMethod vs StreamError taxonomy.
func isFault(err error) bool {
	var unsupported *router.ErrUnsupportedMethod
	var invalidKWArg *router.ErrInvalidKWArg
	return goerrors.As(err, &unsupported) || goerrors.As(err, &invalidKWArg)
}

var log = mlog.For("contextsvc")

// Spec mirrors a single stack entry as it arrives over the service-dispatch
// contract: a transport method name plus its keyword arguments.
type Spec struct {
	Method string
	KWArgs map[string]any
}

// GetResult is the response to Get, matching the service-dispatch contract
// in full: on success Msg is empty and Context/HomeDir are populated; on
// transport failure Context is nil, Msg names the error, and MethodName
// names the failing hop.
type GetResult struct {
	Context    router.Context
	HomeDir    string
	Msg        string
	MethodName string
}

// cacheEntry is the published record for a successfully established
// fingerprint. Failure entries are never cached (§3 CacheEntry).
type cacheEntry struct {
	context router.Context
	homeDir string
}

// TransportError wraps a transport/stream failure with the hop that caused
// it, matching the StreamError taxonomy (§7): soft, per-request, never
// cached.
type TransportError struct {
	MethodName string
	Cause      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.MethodName, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Service is the ContextService facade (C5), internally composing the
// SingleFlight+cache table (C2), the refcount/LRU tables (C3), and the
// disconnect invalidator (C4) behind one mutex, per §5's locking model.
type Service struct {
	router router.Router
	cfg    *mconfig.Config

	mu sync.Mutex

	// entries: fingerprint -> published CacheEntry.
	entries map[string]*cacheEntry
	// waiting: fingerprint -> channels awaiting the in-flight
	// establishment's result (the Waiters table, §3/§4.2).
	waiting map[string][]chan waitResult
	// refcount: context ID -> live reference count (I1–I3).
	refcount map[string]int
	// lru: parent context ID -> child context IDs in creation order
	// (I4/I5); direct (non-via) contexts never appear here.
	lru map[string][]string
	// fingerprintOf: context ID -> fingerprint, so disconnect/eviction
	// can find and remove the right cache entry.
	fingerprintOf map[string]string
	// streamOf: context ID -> stream ID, so disconnect purge can match
	// contexts routed through a given stream.
	streamOf map[string]string
	// parentOf: context ID -> via parent context ID, for LRU removal.
	parentOf map[string]string
	// subscribedStreams: stream IDs already given a disconnect listener,
	// so each physical stream is only ever subscribed once.
	subscribedStreams map[string]bool
}

type waitResult struct {
	entry *cacheEntry
	err   error
}

// New builds a Context Service over r.
func New(r router.Router, cfg *mconfig.Config) *Service {
	return &Service{
		router:            r,
		cfg:               cfg,
		entries:           map[string]*cacheEntry{},
		waiting:           map[string][]chan waitResult{},
		refcount:          map[string]int{},
		lru:               map[string][]string{},
		fingerprintOf:     map[string]string{},
		streamOf:          map[string]string{},
		parentOf:          map[string]string{},
		subscribedStreams: map[string]bool{},
	}
}

// Get establishes (or reuses) every hop of stack in order, threading each
// hop's Context as the next hop's via. Per §4.4: a transport/stream failure
// on hop k returns a populated GetResult naming that hop and leaves earlier
// hops' refcounts exactly as acquired (the caller must Put each Context it
// successfully received; it must not Put anything on failure, since none is
// returned). Any non-transport failure (unsupported method, an allow-list
// violation) is returned as a Go error (a "fault"), not as a soft GetResult.
func (s *Service) Get(ctx context.Context, stack []Spec) (GetResult, error) {
	var via router.Context
	var homeDir string
	for _, spec := range stack {
		fp := fingerprint.Of(viaID(via), fingerprint.Spec{Method: spec.Method, KWArgs: spec.KWArgs})
		entry, err := s.waitOrStart(ctx, fp, spec, via)
		if err != nil {
			var te *TransportError
			if asTransportError(err, &te) {
				return GetResult{Msg: te.Error(), MethodName: te.MethodName}, nil
			}
			return GetResult{}, err
		}
		via = entry.context
		homeDir = entry.homeDir
	}
	return GetResult{Context: via, HomeDir: homeDir}, nil
}

func asTransportError(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*target = te
	}
	return ok
}

func viaID(via router.Context) string {
	if via == nil {
		return ""
	}
	return via.ID()
}

// waitOrStart is C2's internal contract. Under the shared lock: a cache hit
// bumps refcount and returns immediately; otherwise the caller enrolls as a
// waiter. The first enrollee (Waiters was empty) performs establishment
// outside the lock, then reacquires it to publish the result to every
// waiter enrolled by that point and to set the winning Context's refcount
// to that waiter count — see the open question in §9 on why this must be a
// hand-rolled two-phase protocol rather than a layer over a generic
// singleflight.Group (a late waiter that could not join the in-flight call
// falls through to the cache-hit branch above instead, since publish always
// happens before the lock protecting entries[fp] is released).
//
// Per §5, the core has no request-level cancellation: once a waiter is
// enrolled here it observes the eventual result, full stop. Selecting on
// ctx.Done() alongside ch would let a caller walk away while its channel is
// still sitting in s.waiting[fp] — establishAndPublish would then count the
// abandoned channel into the winning Context's refcount, a unit that can
// never be Put back, permanently blocking that Context's LRU eviction.
func (s *Service) waitOrStart(ctx context.Context, fp string, spec Spec, via router.Context) (*cacheEntry, error) {
	s.mu.Lock()
	if entry, ok := s.entries[fp]; ok {
		s.bumpRefcountLocked(entry.context.ID())
		s.mu.Unlock()
		return entry, nil
	}

	ch := make(chan waitResult, 1)
	first := len(s.waiting[fp]) == 0
	s.waiting[fp] = append(s.waiting[fp], ch)
	s.mu.Unlock()

	if first {
		go s.establishAndPublish(ctx, fp, spec, via)
	}

	res := <-ch
	return res.entry, res.err
}

// establishAndPublish performs the establishment procedure (§4.5) outside
// the lock, then reacquires it to publish to every enrolled waiter.
func (s *Service) establishAndPublish(ctx context.Context, fp string, spec Spec, via router.Context) {
	entry, err := s.establish(ctx, fp, spec, via)

	s.mu.Lock()
	waiters := s.waiting[fp]
	delete(s.waiting, fp)
	if err != nil {
		s.mu.Unlock()
		for _, ch := range waiters {
			ch <- waitResult{err: err}
		}
		return
	}
	s.entries[fp] = entry
	s.fingerprintOf[entry.context.ID()] = fp
	s.refcount[entry.context.ID()] = len(waiters)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{entry: entry}
	}
}

// establish runs §4.5's procedure: resolve+invoke the transport method,
// apply the LRU update or subscribe the disconnect listener, then perform
// the synchronous home-directory round trip and the fire-and-forget
// fork-parent prime call.
func (s *Service) establish(ctx context.Context, fp string, spec Spec, via router.Context) (*cacheEntry, error) {
	newCtx, err := s.router.Connect(ctx, spec.Method, spec.KWArgs, via)
	if err != nil {
		log.WithFields(map[string]any{"method": spec.Method}).Errorf("establish failed: %v", err)
		if isFault(err) {
			// Unsupported method / disallowed kwarg: a fault, not a
			// soft per-request StreamError (§7) — propagate as-is so
			// Get returns it as a Go error rather than a GetResult.
			return nil, err
		}
		return nil, &TransportError{MethodName: spec.Method, Cause: err}
	}

	s.mu.Lock()
	s.streamOf[newCtx.ID()] = newCtx.StreamID()
	if via != nil {
		s.parentOf[newCtx.ID()] = via.ID()
		s.applyLRULocked(via.ID(), newCtx)
	}
	s.mu.Unlock()

	if via == nil {
		s.subscribeDisconnect(newCtx)
	}

	homeDir, err := s.requestHomeDir(ctx, newCtx)
	if err != nil {
		_ = newCtx.Shutdown()
		return nil, &TransportError{MethodName: spec.Method, Cause: err}
	}

	newCtx.CallAsync("fork_parent.prime", nil)

	if s.cfg.DumpThreadStacks {
		dumpGoroutineStacks(newCtx)
	}

	log.WithFields(map[string]any{
		"context_id": newCtx.ID(),
		"method":     spec.Method,
	}).Debugf("established")

	return &cacheEntry{context: newCtx, homeDir: homeDir}, nil
}

func (s *Service) requestHomeDir(ctx context.Context, c router.Context) (string, error) {
	v, err := c.Call(ctx, "expanduser", map[string]any{"path": "~"})
	if err != nil {
		return "", err
	}
	home, _ := v.(string)
	return home, nil
}

// subscribeDisconnect registers the disconnect invalidator (C4) on a
// direct-connected context's owning stream, once per stream (I5: direct
// contexts are never placed in any LRU; instead they rely on this).
func (s *Service) subscribeDisconnect(c router.Context) {
	s.mu.Lock()
	streamID := c.StreamID()
	already := s.subscribedStreams[streamID]
	s.subscribedStreams[streamID] = true
	s.mu.Unlock()
	if already {
		return
	}

	stream, err := s.router.StreamByID(streamID)
	if err != nil {
		log.Warnf("cannot subscribe disconnect for stream %s: %v", streamID, err)
		return
	}
	stream.OnDisconnect(s.onDisconnect)
}

// Put decrements a Context's refcount (§4.2/§4.4). A put on an already-zero
// context is logged and ignored (RefcountUnderflow, §7) — expected after a
// prior ShutdownAll or disconnect purge.
func (s *Service) Put(c router.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.refcount[c.ID()]
	if !ok || n <= 0 {
		log.Warnf("put on context %s with zero refcount", c.ID())
		return
	}
	s.refcount[c.ID()] = n - 1
}

func (s *Service) bumpRefcountLocked(contextID string) {
	s.refcount[contextID]++
}

// ShutdownAll shuts down every known Context in arbitrary order and resets
// the cache, refcount, LRU and index tables; the waiters table and the set
// of already-subscribed streams are left as they are. Test aid only (§4.4);
// concurrent Get callers may observe failure.
func (s *Service) ShutdownAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = map[string]*cacheEntry{}
	s.refcount = map[string]int{}
	s.lru = map[string][]string{}
	s.fingerprintOf = map[string]string{}
	s.streamOf = map[string]string{}
	s.parentOf = map[string]string{}
	s.mu.Unlock()

	for _, e := range entries {
		if err := e.context.Shutdown(); err != nil {
			log.Warnf("shutdown of %s failed: %v", e.context.ID(), err)
		}
	}
}

// Reset clears only the cache/refcount/LRU bookkeeping without shutting
// down any Context, matching the original source's test-only reset RPC
// (§12) — a cheaper state reset for harnesses that tear down contexts
// themselves.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]*cacheEntry{}
	s.waiting = map[string][]chan waitResult{}
	s.refcount = map[string]int{}
	s.lru = map[string][]string{}
	s.fingerprintOf = map[string]string{}
	s.streamOf = map[string]string{}
	s.parentOf = map[string]string{}
	s.subscribedStreams = map[string]bool{}
}

// Refcount exposes a Context's current reference count, for tests and for
// FileService.DebugSnapshot-style introspection.
func (s *Service) Refcount(contextID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount[contextID]
}

// LRULen exposes a via-parent's current LRU list length, for tests.
func (s *Service) LRULen(parentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lru[parentID])
}
