package eternity

import (
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

// State is the lifecycle stage of a Workflow or Activity entity.
// Queued/Running/Suspended are transient; Completed/Failed are sticky
// terminal states: only GC deletes them.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether s is Completed or Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// trigger names the edges of the entity state machine below.
type trigger string

const (
	triggerClaim    trigger = "claim"    // Queued|Suspended -> Running
	triggerSuspend  trigger = "suspend"  // Running -> Suspended
	triggerComplete trigger = "complete" // Running -> Completed
	triggerFail     trigger = "fail"     // Running -> Failed
)

// newEntityMachine builds the stateless.StateMachine shared by
// Workflow and Activity entities. It exists to make illegal
// transitions (e.g. completing a Queued entity, or reviving a
// terminal one) a configuration error caught by Fire rather than a
// silent storage write.
func newEntityMachine(initial State) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(initial)

	fsm.Configure(StateQueued).
		Permit(triggerClaim, StateRunning)

	fsm.Configure(StateRunning).
		Permit(triggerSuspend, StateSuspended).
		Permit(triggerComplete, StateCompleted).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateSuspended).
		Permit(triggerClaim, StateRunning)

	fsm.Configure(StateCompleted)
	fsm.Configure(StateFailed)

	return fsm
}

// applyTransition validates and returns the next state for from on
// trigger t, without mutating any entity — storage callers persist the
// returned state themselves inside their own transaction.
func applyTransition(from State, t trigger) (State, error) {
	fsm := newEntityMachine(from)
	if !fsm.MustState().(State).IsTerminal() {
		canFire, _ := fsm.CanFire(t)
		if !canFire {
			return from, fmt.Errorf("eternity: illegal transition %s on state %s", t, from)
		}
	} else {
		return from, fmt.Errorf("eternity: entity in terminal state %s cannot transition", from)
	}
	if err := fsm.Fire(t); err != nil {
		return from, fmt.Errorf("eternity: transition %s from %s: %w", t, from, err)
	}
	return fsm.MustState().(State), nil
}

// WorkflowEntity is one workflow instance.
type WorkflowEntity struct {
	ID               WorkflowID
	TypeName         string
	Input            []byte
	State            State
	Response         []byte // encoded result (Completed) or error string (Failed)
	UtcCreated       time.Time
	UtcUpdated       time.Time
	UtcETA           time.Time

	// CurrentUtc is the workflow's virtual clock: seeded from UtcCreated
	// and advanced to each durable primitive's UtcUpdated as it
	// completes, never read from the wall clock directly. WorkflowContext.Now()
	// returns this value so a workflow branching on "now" takes the
	// same branch on every replay.
	CurrentUtc time.Time

	ParentID         *WorkflowID
	CurrentWaitingID *ActivityID

	// IsPaused, when true, excludes this workflow from dispatch until
	// Resume clears it.
	IsPaused bool

	// Version is the optimistic-concurrency token storage backends
	// compare-and-swap on Save; analogous to an etag.
	Version uint64
}

// ActivityEntity is one persisted call site evaluated by its workflow:
// an activity, a Delay, or a WaitForExternalEvents call.
type ActivityEntity struct {
	ID         ActivityID
	WorkflowID WorkflowID
	Method     string
	Parameters []byte
	State      State
	Response   []byte
	UtcCreated time.Time
	UtcUpdated time.Time
	UtcETA     time.Time
	SequenceID int64
	Version    uint64
}

// EventRoute is the secondary index RaiseEvent uses to find the
// activity entity a workflow is waiting on for a named event, without
// scanning.
type EventRoute struct {
	WorkflowID WorkflowID
	Name       string
	ActivityID ActivityID
}
