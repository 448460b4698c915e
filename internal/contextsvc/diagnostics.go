package contextsvc

import (
	"runtime"

	"github.com/mitogen-go/multiplexer/internal/router"
)

// dumpGoroutineStacks logs the multiplexer process's own goroutine stacks
// when MITOGEN_DUMP_THREAD_STACKS is set, at establishment time for newCtx.
// The original asks the remote interpreter to dump its OS thread stacks to
// its own logger; Go's unit of concurrency is the goroutine, not the OS
// thread, so this logs the multiplexer side's goroutines instead — purely
// diagnostic, never on the request's success/failure path.
func dumpGoroutineStacks(newCtx router.Context) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	log.WithFields(map[string]any{"context_id": newCtx.ID()}).Debugf("goroutine stacks at establishment:\n%s", buf[:n])
}
