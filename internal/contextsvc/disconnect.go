package contextsvc

// onDisconnect is the DisconnectInvalidator (C4). It runs on the broker
// goroutine (per the Stream.OnDisconnect contract) and must never block: it
// only acquires the service mutex and mutates in-memory tables, performing
// no I/O and no remote calls. This is advisory cleanup (§4.3) — a request
// already in flight during the disconnect may still observe a stale
// Context and fail with a stream error reported to its caller, rather than
// being retried internally.
func (s *Service) onDisconnect(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for contextID, sid := range s.streamOf {
		if sid == streamID {
			affected = append(affected, contextID)
		}
	}
	if len(affected) == 0 {
		return
	}

	affectedSet := make(map[string]bool, len(affected))
	for _, id := range affected {
		affectedSet[id] = true
	}

	for _, contextID := range affected {
		if fp, ok := s.fingerprintOf[contextID]; ok {
			if entry, ok := s.entries[fp]; ok && entry.context.ID() == contextID {
				delete(s.entries, fp)
			}
			delete(s.fingerprintOf, contextID)
		}
		delete(s.refcount, contextID)
		delete(s.streamOf, contextID)
		if parentID, ok := s.parentOf[contextID]; ok {
			s.removeFromLRULocked(parentID, contextID)
			delete(s.parentOf, contextID)
		}
	}

	// Purge waiters for any fingerprint whose in-flight establishment
	// targets a now-disconnected via (rare: the via itself disconnected
	// mid-establishment of a child). In-flight establishments deliver
	// their own failure through the normal establish() error path, so
	// there is nothing further to purge here beyond the cache/LRU state
	// above — documented for clarity, matching §4.3's "purge matching
	// Waiters" being a no-op in the common case where the affected
	// fingerprint has no entry yet to begin with.

	log.WithFields(map[string]any{"stream_id": streamID, "contexts": affected}).Debugf("purged on disconnect")
}

// removeFromLRULocked removes contextID from parentID's LRU list without
// shutting it down (the stream already disconnected it). Must be called
// with s.mu held.
func (s *Service) removeFromLRULocked(parentID, contextID string) {
	list := s.lru[parentID]
	for i, id := range list {
		if id == contextID {
			s.lru[parentID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
