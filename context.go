package eternity

import (
	"context"
	"time"
)

// ActivityContext is passed to every registered activity function. It
// carries cancellation (propagated from the engine's root context) and
// gives the activity body access to the resolved dependency Scope for
// any Inject-tagged parameters it did not receive directly.
type ActivityContext struct {
	ctx        context.Context
	WorkflowID WorkflowID
	ActivityID ActivityID
	scope      Scope
	logger     Logger
}

func (c *ActivityContext) Context() context.Context { return c.ctx }
func (c *ActivityContext) Deadline() (time.Time, bool) { return c.ctx.Deadline() }
func (c *ActivityContext) Done() <-chan struct{}       { return c.ctx.Done() }
func (c *ActivityContext) Err() error                  { return c.ctx.Err() }
func (c *ActivityContext) Logger() Logger              { return c.logger }

// Resolve looks up a named dependency from the engine's Scope; used by
// activity bodies that prefer an explicit lookup over an Inject tag.
func (c *ActivityContext) Resolve(name string) (interface{}, bool) {
	return c.scope.Resolve(name)
}

// suspendedSignal holds a resume time. ErrSuspended carries no payload
// and nothing constructs this type: the resume time of a suspension is
// recorded on the WorkflowContext (nextWake) instead.
type suspendedSignal struct {
	resumeAt time.Time
}

// WorkflowContext is passed to every registered workflow function. Its
// methods are the complete set of durable primitives:
// ScheduleActivity, Delay, WaitForExternalEvents, Child. Each one is a
// commit point: it either returns a previously-observed result (pure
// replay, no side effect) or persists new state and unwinds the
// workflow function via ErrSuspended — a sentinel return, never a
// panic or goroutine kill.
type WorkflowContext struct {
	ctx        context.Context
	id         WorkflowID
	engine     *Engine
	wf         *WorkflowEntity
	logger     Logger
	callSeq    int
	currentUtc time.Time  // virtual clock, advanced at each primitive's commit point
	nextWake   *time.Time // earliest point a pending suspension may resolve
}

func (c *WorkflowContext) Context() context.Context { return c.ctx }
func (c *WorkflowContext) WorkflowID() WorkflowID   { return c.id }
func (c *WorkflowContext) Logger() Logger           { return c.logger }

// Now returns the workflow's virtual clock, never wall time directly:
// it only moves when a durable primitive commits, so a workflow that
// branches on Now() takes the same branch on every replay.
func (c *WorkflowContext) Now() time.Time { return c.currentUtc }

// advanceTo moves the virtual clock forward to t, the UtcUpdated of
// whichever primitive just committed. It never moves backward: a
// replay that revisits an earlier call site must not un-advance time
// already observed by the workflow body.
func (c *WorkflowContext) advanceTo(t time.Time) {
	if t.After(c.currentUtc) {
		c.currentUtc = t
	}
}

func (c *WorkflowContext) nextCallSeq() int {
	seq := c.callSeq
	c.callSeq++
	return seq
}

func (c *WorkflowContext) suspend(resumeAt time.Time) error {
	if c.nextWake == nil || resumeAt.Before(*c.nextWake) {
		c.nextWake = &resumeAt
	}
	return ErrSuspended
}

// ScheduleActivity invokes the named registered activity with args,
// decoding its result into out (a pointer, or nil if the activity
// returns no value). On first encounter this persists a new Queued
// ActivityEntity and enqueues it for execution, then returns
// ErrSuspended; on a later replay, once the activity has reached a
// terminal state, it decodes the stored Response directly without
// rerunning anything.
func (c *WorkflowContext) ScheduleActivity(method string, out interface{}, args ...interface{}) error {
	seq := c.nextCallSeq()
	desc, err := c.engine.registry.activity(method)
	if err != nil {
		return err
	}

	encodedArgs, err := c.engine.encodeActivityArgs(desc, args)
	if err != nil {
		return err
	}
	id := activityKey(c.id, method, encodedArgs, desc.UniqueByArgs, seq)

	act, err := c.engine.storage.GetActivity(c.ctx, id)
	if err != nil && err != ErrNotFound {
		return err
	}
	if act == nil {
		now := c.engine.clock.Now()
		act = &ActivityEntity{
			ID:         id,
			WorkflowID: c.id,
			Method:     method,
			Parameters: encodedArgs,
			State:      StateQueued,
			UtcCreated: now,
			UtcUpdated: now,
			UtcETA:     now,
			SequenceID: int64(seq),
		}
		if _, err := c.engine.storage.InsertActivity(c.ctx, act, nil); err != nil {
			return err
		}
		c.engine.dispatchActivity(act)
		return c.suspend(now)
	}

	switch act.State {
	case StateCompleted:
		c.advanceTo(act.UtcUpdated)
		if out != nil && len(act.Response) > 0 {
			return c.engine.serializer.Decode(act.Response, out)
		}
		return nil
	case StateFailed:
		c.advanceTo(act.UtcUpdated)
		return &ActivityFailedError{Method: method, Message: string(act.Response)}
	default:
		return c.suspend(act.UtcETA)
	}
}

// Delay suspends the workflow until d has elapsed on the engine's
// clock. Implemented as a call-site-keyed timer entity (uniqueByArgs
// false, since the duration itself carries no replay identity once
// the first UtcETA is committed).
func (c *WorkflowContext) Delay(d time.Duration) error {
	seq := c.nextCallSeq()
	id := activityKey(c.id, "$delay", nil, false, seq)

	act, err := c.engine.storage.GetActivity(c.ctx, id)
	if err != nil && err != ErrNotFound {
		return err
	}
	now := c.engine.clock.Now()
	if act == nil {
		eta := now.Add(d)
		act = &ActivityEntity{
			ID:         id,
			WorkflowID: c.id,
			Method:     "$delay",
			State:      StateQueued,
			UtcCreated: now,
			UtcUpdated: now,
			UtcETA:     eta,
			SequenceID: int64(seq),
		}
		if _, err := c.engine.storage.InsertActivity(c.ctx, act, nil); err != nil {
			return err
		}
		return c.suspend(eta)
	}
	if act.State.IsTerminal() {
		c.advanceTo(act.UtcUpdated)
		return nil
	}
	if !now.Before(act.UtcETA) {
		if err := c.engine.completeVirtualActivity(c.ctx, c.wf, act, nil); err != nil {
			return err
		}
		c.advanceTo(act.UtcUpdated)
		return nil
	}
	return c.suspend(act.UtcETA)
}

// ExternalEvent is the payload delivered by RaiseEvent to a workflow
// blocked in WaitForExternalEvents.
type ExternalEvent struct {
	Name    string
	Payload []byte
}

// WaitForExternalEvents suspends the workflow until any one of the
// named events is raised via Engine.RaiseEvent, or timeout elapses. It
// returns the name of whichever event fired (or a timeout error) and
// decodes that event's payload into out.
func (c *WorkflowContext) WaitForExternalEvents(out interface{}, timeout time.Duration, names ...string) (string, error) {
	seq := c.nextCallSeq()
	now := c.engine.clock.Now()

	for _, name := range names {
		id := activityKey(c.id, "$wait:"+name, nil, false, seq)
		act, err := c.engine.storage.GetActivity(c.ctx, id)
		if err != nil && err != ErrNotFound {
			return "", err
		}
		if act == nil {
			eta := now.Add(timeout)
			act = &ActivityEntity{
				ID:         id,
				WorkflowID: c.id,
				Method:     "$wait:" + name,
				State:      StateQueued,
				UtcCreated: now,
				UtcUpdated: now,
				UtcETA:     eta,
				SequenceID: int64(seq),
			}
			route := &EventRoute{WorkflowID: c.id, Name: name, ActivityID: id}
			if _, err := c.engine.storage.InsertActivity(c.ctx, act, route); err != nil {
				return "", err
			}
			continue
		}
		if act.State == StateCompleted {
			c.advanceTo(act.UtcUpdated)
			if out != nil && len(act.Response) > 0 {
				if err := c.engine.serializer.Decode(act.Response, out); err != nil {
					return "", err
				}
			}
			return name, nil
		}
	}

	// None fired yet: find the earliest timeout among the sibling wait
	// entities, bind CurrentWaitingID to it so the workflow entity's
	// UtcETA and the activity it is blocked on agree, and suspend until
	// then, or fail once all have expired.
	var earliest *time.Time
	var earliestID ActivityID
	for _, name := range names {
		id := activityKey(c.id, "$wait:"+name, nil, false, seq)
		act, err := c.engine.storage.GetActivity(c.ctx, id)
		if err != nil {
			return "", err
		}
		if earliest == nil || act.UtcETA.Before(*earliest) {
			eta := act.UtcETA
			earliest = &eta
			earliestID = id
		}
	}
	if earliest != nil && !now.Before(*earliest) {
		c.wf.CurrentWaitingID = nil
		return "", ErrNotWaiting
	}
	eta := now
	if earliest != nil {
		eta = *earliest
		c.wf.CurrentWaitingID = &earliestID
	}
	return "", c.suspend(eta)
}

// Child starts (or observes) a child workflow of childType with input,
// decoding its terminal result into out once available. Child workflow
// identity is derived deterministically from the parent id, childType
// and call-site sequence, so replay never spawns duplicate children.
func (c *WorkflowContext) Child(childType string, input interface{}, out interface{}) error {
	seq := c.nextCallSeq()
	childID := childWorkflowID(c.id, childType, seq)

	child, err := c.engine.storage.GetWorkflow(c.ctx, childID)
	if err != nil && err != ErrNotFound {
		return err
	}
	now := c.engine.clock.Now()
	if child == nil {
		encoded, err := c.engine.serializer.Encode(input)
		if err != nil {
			return err
		}
		parent := c.id
		child = &WorkflowEntity{
			ID:         childID,
			TypeName:   childType,
			Input:      encoded,
			State:      StateQueued,
			UtcCreated: now,
			UtcUpdated: now,
			UtcETA:     now,
			ParentID:   &parent,
		}
		if err := retrySave(c.ctx, func() error { return c.engine.storage.SaveWorkflow(c.ctx, child) }); err != nil {
			return err
		}
		c.engine.wake(childID)
		return c.suspend(now)
	}

	switch child.State {
	case StateCompleted:
		c.advanceTo(child.UtcUpdated)
		if out != nil && len(child.Response) > 0 {
			return c.engine.serializer.Decode(child.Response, out)
		}
		return nil
	case StateFailed:
		c.advanceTo(child.UtcUpdated)
		return &ActivityFailedError{Method: childType, Message: string(child.Response)}
	default:
		return c.suspend(child.UtcETA)
	}
}
