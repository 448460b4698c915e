package filesvc

import (
	"fmt"
	"os"
	"time"

	"github.com/mitogen-go/multiplexer/internal/mconfig"
	"github.com/mitogen-go/multiplexer/internal/router"
)

// Service is the File Service facade (C9): Register gates which paths may
// be read, Fetch opens a registered path and schedules it for streaming to
// a caller-supplied Sender, and OnShutdown drains every in-flight transfer.
type Service struct {
	registry  *Registry
	scheduler *Scheduler
}

// New builds a File Service over r, started immediately (its scheduler
// goroutine is already running when New returns).
func New(r router.Router, cfg *mconfig.Config) *Service {
	return &Service{
		registry:  NewRegistry(0),
		scheduler: NewScheduler(r, cfg),
	}
}

// Register authorizes path for later Fetch calls, returning its metadata.
func (s *Service) Register(path string) (Metadata, error) {
	return s.registry.Register(path)
}

// Fetch opens a previously-registered path and hands it to the scheduler
// for streaming to sender, returning the path's metadata immediately — the
// transfer itself completes asynchronously on the scheduler goroutine.
func (s *Service) Fetch(path string, sender router.Sender) (Metadata, error) {
	md, err := s.registry.Lookup(path)
	if err != nil {
		return Metadata{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("open %s: %w", path, err)
	}

	if err := s.scheduler.Enqueue(path, sender, f); err != nil {
		_ = f.Close()
		return Metadata{}, err
	}
	return md, nil
}

// OnShutdown stops the scheduler from accepting new fetches and waits for
// its queues to drain (every pending Sender and file handle closed) before
// returning.
func (s *Service) OnShutdown() {
	s.scheduler.Shutdown()
	// Shutdown only signals the pump goroutine; give it a bounded window to
	// actually finish closing handles before returning, mirroring the
	// service's other shutdown paths that prefer a bounded wait over an
	// unbounded one.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.scheduler.Snapshot()) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// DebugSnapshot reports every registered path alongside its current
// in-flight fetch count, supplementing the original's thread-dump debug
// surface with a File Service equivalent.
func (s *Service) DebugSnapshot() map[string]int {
	counts := s.scheduler.Snapshot()
	out := make(map[string]int)
	for _, path := range s.registry.Paths() {
		out[path] = counts[path]
	}
	return out
}
