package eternity

import (
	"context"
	"time"
)

// LockHandle is the opaque token returned by AcquireLock: an
// exclusive, time-bounded per-workflow lease. The engine holds it for
// one replay pass (RunOnce); activity invocations running on the
// worker pool do not take it.
type LockHandle struct {
	WorkflowID WorkflowID
	SequenceID int64
	Token      string
	ExpiresAt  time.Time
}

// Storage is the persistence contract the engine consumes.
// It deliberately says nothing about rows, tables, or partitions:
// three implementations ship in this module (storage/memory,
// storage/sqlite, storage/redisstore), any of which can be swapped in
// without touching the engine.
//
// Requirements on every implementation:
//   - SaveWorkflow / SaveActivity enforce optimistic concurrency on
//     Version (an etag stand-in): a stale Version on the argument must
//     fail with ErrContention. SaveWorkflowAndActivity is a single
//     transaction in storage/memory and storage/sqlite; storage/redisstore
//     performs it as two separate saves.
//   - PollDue does not lock what it returns: concurrent pollers may
//     receive the same entity. Only one of them runs it at a time,
//     through AcquireLock in RunOnce.
//   - InsertActivity assigns a strictly increasing SequenceID per
//     workflow and, when route is non-nil, upserts it in the same
//     transaction as the activity insert.
type Storage interface {
	SaveWorkflow(ctx context.Context, wf *WorkflowEntity) error
	GetWorkflow(ctx context.Context, id WorkflowID) (*WorkflowEntity, error)
	DeleteWorkflow(ctx context.Context, id WorkflowID) error
	ListPausedWorkflows(ctx context.Context) ([]WorkflowID, error)

	// ListTerminalWorkflows returns ids of Completed/Failed workflow
	// entities last updated at or before cutoff, for the garbage
	// collector sweep.
	ListTerminalWorkflows(ctx context.Context, cutoff time.Time) ([]WorkflowID, error)

	// ListWorkflows returns up to limit workflow entities ordered by
	// most-recently-updated first, for monitoring tools (eternitytop,
	// eternityctl) rather than the dispatcher's hot path.
	ListWorkflows(ctx context.Context, limit int) ([]*WorkflowEntity, error)

	// InsertActivity creates a new, Queued activity entity and assigns
	// its SequenceID. If route is non-nil it is upserted atomically
	// with the insert (used by WaitForExternalEvents).
	InsertActivity(ctx context.Context, act *ActivityEntity, route *EventRoute) (*ActivityEntity, error)
	SaveActivity(ctx context.Context, act *ActivityEntity) error
	GetActivity(ctx context.Context, id ActivityID) (*ActivityEntity, error)

	// SaveWorkflowAndActivity persists both together: used when an
	// activity invocation completes (activity -> terminal, workflow's
	// UtcUpdated/virtual-clock position advances together). A child
	// workflow's termination bumps the parent's UtcETA with a separate
	// SaveWorkflow, not through this call.
	SaveWorkflowAndActivity(ctx context.Context, wf *WorkflowEntity, act *ActivityEntity) error

	// PollDue returns up to max non-terminal workflow entities with
	// UtcETA <= now that are not paused. It marks nothing: an entity
	// stays visible to every poller until it is saved with a later
	// UtcETA, paused, or terminal.
	PollDue(ctx context.Context, max int, now time.Time) ([]*WorkflowEntity, error)

	// AcquireLock blocks (bounded) until the per-workflow execution
	// lease for workflowID is free, then grants it. The lease is keyed
	// by workflowID alone; sequenceID is only recorded on the handle.
	AcquireLock(ctx context.Context, workflowID WorkflowID, sequenceID int64) (LockHandle, error)
	ReleaseLock(ctx context.Context, handle LockHandle) error

	GetEventRoute(ctx context.Context, workflowID WorkflowID, name string) (*EventRoute, error)
	DeleteEventRoute(ctx context.Context, workflowID WorkflowID, name string) error

	// DeleteHistory removes every activity entity (and event route)
	// belonging to workflowID; it does not touch the workflow entity
	// itself.
	DeleteHistory(ctx context.Context, workflowID WorkflowID) error

	// Close releases backend resources (connections, file handles).
	Close() error
}
