package contextsvc

import "github.com/mitogen-go/multiplexer/internal/router"

// applyLRULocked implements §4.2's LRU update rule. Must be called with
// s.mu held. newCtx has already been established and is about to be
// published; it is not yet present in s.refcount (refcount starts at 0 and
// is set by the publish step in establishAndPublish, so every candidate
// scanned here — other than newCtx itself — has a real, already-published
// refcount).
func (s *Service) applyLRULocked(parentID string, newCtx router.Context) {
	list := s.lru[parentID]
	if len(list) < s.cfg.NMax {
		s.lru[parentID] = append(list, newCtx.ID())
		return
	}

	// Scan newest-to-oldest for the first zero-refcount entry (§4.2's
	// intentional deviation from strict LRU: older entries are assumed
	// more load-bearing in a via-chain and are preserved when possible).
	for i := len(list) - 1; i >= 0; i-- {
		candidateID := list[i]
		if s.refcount[candidateID] == 0 {
			s.evictLocked(candidateID)
			list = append(list[:i], list[i+1:]...)
			list = append(list, newCtx.ID())
			s.lru[parentID] = list
			return
		}
	}

	// No zero-refcount entry: log and append anyway (over-subscription
	// is tolerated, not fatal — no request is failed because of it).
	log.Warnf("LRU for via %s is over-subscribed: every entry has refcount > 0, list now exceeds NMax=%d", parentID, s.cfg.NMax)
	s.lru[parentID] = append(list, newCtx.ID())
}

// evictLocked shuts down a zero-refcount Context found by the LRU scan and
// removes its bookkeeping. Must be called with s.mu held; Shutdown itself
// runs on its own goroutine, so the establishing caller that triggered
// eviction never waits on it and the mutex is not held across its I/O.
func (s *Service) evictLocked(contextID string) {
	ctxToShutdown := s.contextForID(contextID)
	fp, ok := s.fingerprintOf[contextID]
	if ok {
		if entry, ok := s.entries[fp]; ok && entry.context.ID() == contextID {
			delete(s.entries, fp)
		}
		delete(s.fingerprintOf, contextID)
	}
	delete(s.refcount, contextID)
	delete(s.parentOf, contextID)
	delete(s.streamOf, contextID)

	if ctxToShutdown != nil {
		go func() {
			if err := ctxToShutdown.Shutdown(); err != nil {
				log.Warnf("LRU eviction shutdown of %s failed: %v", contextID, err)
			}
		}()
	}
}

// contextForID finds the live Context object for an ID by scanning
// entries; the tables key everything else by context ID directly, but the
// Context object itself is only reachable through its cache entry.
func (s *Service) contextForID(contextID string) router.Context {
	for _, e := range s.entries {
		if e.context.ID() == contextID {
			return e.context
		}
	}
	return nil
}
