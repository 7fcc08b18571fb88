package eternity

import (
	"context"
	"runtime"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// deadlockMutex and deadlockRWMutex are drop-in replacements for
// sync.Mutex/sync.RWMutex that additionally detect lock-ordering
// deadlocks; detection is active in every build. Every long-lived lock in this
// engine (scheduler map, memory storage) uses these instead of the
// stdlib ones, trading a small overhead for a stack trace instead of
// a silent hang when two locks are taken out of order.
type deadlockMutex = deadlock.Mutex
type deadlockRWMutex = deadlock.RWMutex

func init() {
	deadlock.Opts.DeadlockTimeout = 2 * time.Second
	deadlock.Opts.OnPotentialDeadlock = func() {
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, true)
		logger := NewDefaultLogger()
		logger.Error(context.Background(), "potential deadlock detected", "stack", string(buf[:n]))
	}
}
