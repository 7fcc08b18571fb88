package eternity

import (
	"context"
	"fmt"
	"time"
)

// Create starts a new workflow instance of typeName with input, due
// immediately, and returns its generated id.
func (e *Engine) Create(ctx context.Context, typeName string, input interface{}) (WorkflowID, error) {
	return e.createAt(ctx, NewWorkflowID(), typeName, input, e.clock.Now())
}

// CreateAt starts a new workflow instance due at eta rather than now.
func (e *Engine) CreateAt(ctx context.Context, typeName string, input interface{}, eta time.Time) (WorkflowID, error) {
	return e.createAt(ctx, NewWorkflowID(), typeName, input, eta)
}

// CreateUnique starts a workflow under a caller-chosen id, failing
// with ErrAlreadyExists if one is already registered under it. This
// is how the daily scheduler achieves idempotent enqueue: the id is
// derived from typeName and the UTC date, so a retry or a second
// replica racing the same tick is a harmless no-op.
func (e *Engine) CreateUnique(ctx context.Context, id WorkflowID, typeName string, input interface{}) (WorkflowID, error) {
	existing, err := e.storage.GetWorkflow(ctx, id)
	if err != nil && err != ErrNotFound {
		return "", err
	}
	if existing != nil {
		return "", ErrAlreadyExists
	}
	return e.createAt(ctx, id, typeName, input, e.clock.Now())
}

func (e *Engine) createAt(ctx context.Context, id WorkflowID, typeName string, input interface{}, eta time.Time) (WorkflowID, error) {
	if _, err := e.registry.workflow(typeName); err != nil {
		return "", err
	}
	encoded, err := e.serializer.Encode(input)
	if err != nil {
		return "", err
	}
	now := e.clock.Now()
	wf := &WorkflowEntity{
		ID:         id,
		TypeName:   typeName,
		Input:      encoded,
		State:      StateQueued,
		UtcCreated: now,
		UtcUpdated: now,
		UtcETA:     eta,
	}
	if err := retrySave(ctx, func() error { return e.storage.SaveWorkflow(ctx, wf) }); err != nil {
		return "", err
	}
	if !eta.After(now) {
		e.wake(id)
	}
	return id, nil
}

// GetStatus returns the current entity for id, for inspection.
func (e *Engine) GetStatus(ctx context.Context, id WorkflowID) (*WorkflowEntity, error) {
	return e.storage.GetWorkflow(ctx, id)
}

// GetResult blocks only in the sense of a single read: it decodes the
// terminal Response into out, or returns ErrNotWaiting if the
// workflow has not yet reached a terminal state, or the recorded
// failure as an error if it failed.
func (e *Engine) GetResult(ctx context.Context, id WorkflowID, out interface{}) error {
	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	switch wf.State {
	case StateCompleted:
		if out == nil || len(wf.Response) == 0 {
			return nil
		}
		return e.serializer.Decode(wf.Response, out)
	case StateFailed:
		return &ActivityFailedError{Method: wf.TypeName, Message: string(wf.Response)}
	default:
		return ErrNotWaiting
	}
}

// RaiseEvent delivers payload to whichever workflow is currently
// blocked in WaitForExternalEvents under name, and wakes it.
func (e *Engine) RaiseEvent(ctx context.Context, workflowID WorkflowID, name string, payload interface{}) error {
	route, err := e.storage.GetEventRoute(ctx, workflowID, name)
	if err != nil {
		return err
	}
	act, err := e.storage.GetActivity(ctx, route.ActivityID)
	if err != nil {
		return err
	}
	if act.State.IsTerminal() {
		return ErrNotWaiting
	}
	wf, err := e.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	encoded, err := e.serializer.Encode(payload)
	if err != nil {
		return err
	}
	if err := e.completeVirtualActivity(ctx, wf, act, encoded); err != nil {
		return err
	}
	if err := e.storage.DeleteEventRoute(ctx, workflowID, name); err != nil {
		e.logger.Warn(ctx, "raise event: route cleanup failed", "workflowID", workflowID, "name", name, "error", err)
	}
	select {
	case e.wakeCh <- workflowID:
	default:
	}
	return nil
}

// Pause prevents a workflow from being claimed by the dispatcher until
// Resume is called.
func (e *Engine) Pause(ctx context.Context, id WorkflowID) error {
	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.State.IsTerminal() {
		return fmt.Errorf("eternity: cannot pause workflow %s: %w", id, ErrPaused)
	}
	wf.IsPaused = true
	return retrySave(ctx, func() error { return e.storage.SaveWorkflow(ctx, wf) })
}

// Resume clears a Pause and nudges the workflow for immediate replay.
func (e *Engine) Resume(ctx context.Context, id WorkflowID) error {
	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	wf.IsPaused = false
	wf.UtcETA = e.clock.Now()
	if err := retrySave(ctx, func() error { return e.storage.SaveWorkflow(ctx, wf) }); err != nil {
		return err
	}
	e.wake(id)
	return nil
}

// Cancel force-fails a non-terminal workflow with ErrCancelled.
func (e *Engine) Cancel(ctx context.Context, id WorkflowID) error {
	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.State.IsTerminal() {
		return nil
	}
	if wf.State == StateQueued || wf.State == StateSuspended {
		next, err := applyTransition(wf.State, triggerClaim)
		if err != nil {
			return err
		}
		wf.State = next
	}
	return e.failWorkflow(ctx, wf, ErrCancelled)
}

// ListPausedWorkflows returns the ids of every currently paused
// workflow.
func (e *Engine) ListPausedWorkflows(ctx context.Context) ([]WorkflowID, error) {
	return e.storage.ListPausedWorkflows(ctx)
}

// ListWorkflows returns up to limit workflow entities, most-recently
// updated first; backs eternitytop and eternityctl.
func (e *Engine) ListWorkflows(ctx context.Context, limit int) ([]*WorkflowEntity, error) {
	return e.storage.ListWorkflows(ctx, limit)
}
