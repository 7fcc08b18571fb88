package memory

import "github.com/sasha-s/go-deadlock"

// deadlockMutex is a drop-in sync.Mutex replacement that reports
// potential deadlocks instead of hanging silently; the engine's own
// root package uses the same library for the same reason.
type deadlockMutex = deadlock.Mutex
