package filesvc

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mitogen-go/multiplexer/internal/mconfig"
	"github.com/mitogen-go/multiplexer/internal/router"
)

// ErrShutdown is returned by Enqueue once the scheduler has been shut down.
var ErrShutdown = fmt.Errorf("scheduler is shut down")

// fetchJob is one outstanding transfer: a registered path's open handle
// paired with the Sender that will carry its bytes.
type fetchJob struct {
	path   string
	sender router.Sender
	file   *os.File
}

// Scheduler is the PerStreamQueue (C7) plus the dedicated pump goroutine
// (C8). It owns one FIFO of fetchJob per physical stream, runs entirely on
// its own goroutine, and is the only thing that ever Sends on a Sender or
// reads registered files. This mirrors backend/cache/handle.go's background
// worker-plus-channel shape, generalized from a single cache-fill worker to
// a fair, many-stream scheduler.
type Scheduler struct {
	router router.Router
	cfg    *mconfig.Config

	input   chan fetchJob
	debugCh chan chan map[string]int
	closed  chan struct{}

	fifo map[string][]fetchJob // keyed by stream ID
}

// NewScheduler starts the pump goroutine and returns a handle to it.
func NewScheduler(r router.Router, cfg *mconfig.Config) *Scheduler {
	s := &Scheduler{
		router:  r,
		cfg:     cfg,
		input:   make(chan fetchJob, 4096),
		debugCh: make(chan chan map[string]int),
		closed:  make(chan struct{}),
		fifo:    make(map[string][]fetchJob),
	}
	go s.run()
	return s
}

// Enqueue hands off a freshly opened file and its destination Sender to the
// scheduler. It returns ErrShutdown if the scheduler has already begun
// draining; callers must treat that as "fetch refused".
func (s *Scheduler) Enqueue(path string, sender router.Sender, file *os.File) error {
	select {
	case <-s.closed:
		return ErrShutdown
	default:
	}
	select {
	case s.input <- fetchJob{path: path, sender: sender, file: file}:
		return nil
	case <-s.closed:
		return ErrShutdown
	}
}

// Shutdown stops accepting new fetches and, once the pump goroutine drains
// its queues, every in-flight Sender and file handle has been closed.
func (s *Scheduler) Shutdown() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
}

// Snapshot reports, per registered path, how many fetches currently have
// bytes left to send — the in-flight half of DebugSnapshot. The request is
// answered on the pump goroutine so it reflects a single consistent instant
// of scheduler state, the same pattern MemBroker uses for PendingBytes. Once
// the pump goroutine has fully exited (shutdown drained) nothing answers
// debugCh any more, so both legs time out and report empty rather than
// blocking forever.
func (s *Scheduler) Snapshot() map[string]int {
	resp := make(chan map[string]int, 1)
	select {
	case s.debugCh <- resp:
	case <-time.After(200 * time.Millisecond):
		return map[string]int{}
	}
	select {
	case m := <-resp:
		return m
	case <-time.After(200 * time.Millisecond):
		return map[string]int{}
	}
}

func (s *Scheduler) run() {
	for s.sleepPhase() {
		s.pump()
	}
	s.drainAll()
}

// sleepPhase waits for work: if any stream has queued bytes it wakes again
// after T_TICK even with no new arrivals (to re-check backpressure), and
// otherwise blocks until a fetch is enqueued, the scheduler is shut down, or
// a debug snapshot is requested. Once shut down it returns false
// unconditionally — shutdown abandons backpressure and moves straight to
// closing whatever is still queued, rather than waiting for a slow or
// stalled peer to drain.
func (s *Scheduler) sleepPhase() bool {
	for {
		select {
		case <-s.closed:
			return false
		default:
		}

		hasPending := len(s.fifo) > 0

		var timeout <-chan time.Time
		if hasPending {
			timeout = time.After(s.cfg.TTick)
		}

		select {
		case job := <-s.input:
			s.enqueueJob(job)
			return true
		case <-timeout:
			return true
		case resp := <-s.debugCh:
			resp <- s.snapshot()
			continue
		case <-s.closed:
			return false
		}
	}
}

func (s *Scheduler) enqueueJob(job fetchJob) {
	ctx, err := s.router.ContextByID(job.sender.ContextID())
	if err != nil {
		log.Warnf("fetch enqueued for unknown context %s: %v", job.sender.ContextID(), err)
		_ = job.sender.Close()
		_ = job.file.Close()
		return
	}
	streamID := ctx.StreamID()
	s.fifo[streamID] = append(s.fifo[streamID], job)
}

// pump visits every stream with queued work exactly once, sending as many
// chunks as each stream's backpressure budget allows before moving on —
// the fairness guarantee is that no single stream can starve another within
// one tick, not that all streams finish at the same rate.
func (s *Scheduler) pump() {
	broker := s.router.Broker()
	for streamID, queue := range s.fifo {
		for len(queue) > 0 {
			pending := broker.PendingBytes(streamID)
			if pending >= s.cfg.QMax {
				break
			}

			head := queue[0]
			buf := make([]byte, s.cfg.Chunk)
			n, rerr := head.file.Read(buf)
			if n > 0 {
				if sendErr := head.sender.Send(buf[:n]); sendErr != nil {
					log.Warnf("send failed on stream %s: %v", streamID, sendErr)
					rerr = sendErr
				}
			}
			if n == 0 || rerr != nil {
				if rerr != nil && rerr != io.EOF {
					log.Warnf("read failed for %s: %v", head.path, rerr)
				}
				_ = head.sender.Close()
				_ = head.file.Close()
				queue = queue[1:]
				continue
			}
		}

		if len(queue) == 0 {
			delete(s.fifo, streamID)
		} else {
			s.fifo[streamID] = queue
		}
	}
}

// drainAll runs once, after sleepPhase reports shutdown with nothing left
// to wait for: every job still queued gets its Sender and file closed so no
// remote reader is left hanging.
func (s *Scheduler) drainAll() {
	for streamID, queue := range s.fifo {
		for _, job := range queue {
			_ = job.sender.Close()
			_ = job.file.Close()
		}
		delete(s.fifo, streamID)
	}
	// Drain any fetches that arrived concurrently with Shutdown.
	for {
		select {
		case job := <-s.input:
			_ = job.sender.Close()
			_ = job.file.Close()
		default:
			return
		}
	}
}

func (s *Scheduler) snapshot() map[string]int {
	counts := make(map[string]int)
	for _, queue := range s.fifo {
		for _, job := range queue {
			counts[job.path]++
		}
	}
	return counts
}
