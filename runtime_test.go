package eternity

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// driveToTerminal repeatedly calls RunOnce for id, advancing clock past
// any pending ETA between attempts, until the workflow reaches a
// terminal state or timeout elapses. Activities run on the engine's
// own worker pool in the background, so each attempt may need to wait
// briefly for one to land before the next replay observes it.
func driveToTerminal(t *testing.T, ctx context.Context, e *Engine, clock *FixedClock, id WorkflowID, timeout time.Duration) *WorkflowEntity {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := e.storage.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow(%s): %v", id, err)
		}
		if wf.State.IsTerminal() {
			return wf
		}
		if wf.UtcETA.After(clock.Now()) {
			clock.Set(wf.UtcETA)
		}
		if err := e.RunOnce(ctx, wf); err != nil {
			t.Fatalf("RunOnce(%s): %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state within %s", id, timeout)
	return nil
}

func newTestEngine(t *testing.T, registry *Registry, clock *FixedClock) *Engine {
	t.Helper()
	store, err := newTestMemStore()
	if err != nil {
		t.Fatalf("newTestMemStore: %v", err)
	}
	e, err := NewEngine(store, registry, WithClock(clock), WithLogger(noopLogger{}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestScheduleActivityExecutesOnceAndMemoizes(t *testing.T) {
	calls := 0
	chargeCard := func(ctx *ActivityContext, amount int) (string, error) {
		calls++
		return fmt.Sprintf("charged-%d", amount), nil
	}
	checkout := func(ctx *WorkflowContext, amount int) (string, error) {
		var receipt string
		if err := ctx.ScheduleActivity("ChargeCard", &receipt, amount); err != nil {
			return "", err
		}
		return receipt, nil
	}

	registry := NewRegistry()
	if err := registry.RegisterActivity("ChargeCard", chargeCard); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	if err := registry.RegisterWorkflow("Checkout", checkout, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	clock := NewFixedClock(time.Unix(0, 0))
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "Checkout", 42)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wf := driveToTerminal(t, ctx, e, clock, id, 5*time.Second)
	if wf.State != StateCompleted {
		t.Fatalf("workflow state = %q, want %q (response: %s)", wf.State, StateCompleted, wf.Response)
	}
	if calls != 1 {
		t.Errorf("activity executed %d times, want exactly 1 (replay should memoize)", calls)
	}

	var result string
	if err := e.GetResult(ctx, id, &result); err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result != "charged-42" {
		t.Errorf("GetResult = %q, want %q", result, "charged-42")
	}
}

func TestScheduleActivityFailurePropagates(t *testing.T) {
	boom := func(ctx *ActivityContext) error {
		return fmt.Errorf("card declined")
	}
	workflowFn := func(ctx *WorkflowContext, _ string) (string, error) {
		if err := ctx.ScheduleActivity("Boom", nil); err != nil {
			return "", err
		}
		return "done", nil
	}

	registry := NewRegistry()
	if err := registry.RegisterActivity("Boom", boom); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	if err := registry.RegisterWorkflow("BoomWorkflow", workflowFn, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	clock := NewFixedClock(time.Unix(0, 0))
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "BoomWorkflow", "ignored")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wf := driveToTerminal(t, ctx, e, clock, id, 5*time.Second)
	if wf.State != StateFailed {
		t.Fatalf("workflow state = %q, want %q", wf.State, StateFailed)
	}

	var out string
	err = e.GetResult(ctx, id, &out)
	if err == nil {
		t.Fatal("GetResult on a failed workflow should return an error")
	}
}

func TestDelaySuspendsUntilETA(t *testing.T) {
	sleeper := func(ctx *WorkflowContext, _ string) (string, error) {
		if err := ctx.Delay(time.Hour); err != nil {
			return "", err
		}
		return "woke up", nil
	}
	registry := NewRegistry()
	if err := registry.RegisterWorkflow("Sleeper", sleeper, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	start := time.Unix(0, 0)
	clock := NewFixedClock(start)
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "Sleeper", "ignored")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if err := e.RunOnce(ctx, wf); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wf, err = e.storage.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.State != StateSuspended {
		t.Fatalf("workflow state after first replay = %q, want %q", wf.State, StateSuspended)
	}
	if !wf.UtcETA.After(start) {
		t.Fatalf("UtcETA = %v, want strictly after %v", wf.UtcETA, start)
	}

	// Replaying before the delay elapses must re-suspend, not complete.
	if err := e.RunOnce(ctx, wf); err != nil {
		t.Fatalf("RunOnce (too early): %v", err)
	}
	wf, _ = e.storage.GetWorkflow(ctx, id)
	if wf.State != StateSuspended {
		t.Fatalf("workflow completed before its delay elapsed")
	}

	clock.Advance(2 * time.Hour)
	wf = driveToTerminal(t, ctx, e, clock, id, 5*time.Second)
	if wf.State != StateCompleted {
		t.Fatalf("workflow state = %q, want %q", wf.State, StateCompleted)
	}
}

func TestWaitForExternalEventsDeliveredByRaiseEvent(t *testing.T) {
	approvalFlow := func(ctx *WorkflowContext, _ string) (string, error) {
		var payload string
		name, err := ctx.WaitForExternalEvents(&payload, time.Hour, "approved", "rejected")
		if err != nil {
			return "", err
		}
		return name + ":" + payload, nil
	}
	registry := NewRegistry()
	if err := registry.RegisterWorkflow("ApprovalFlow", approvalFlow, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	clock := NewFixedClock(time.Unix(0, 0))
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "ApprovalFlow", "ignored")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if err := e.RunOnce(ctx, wf); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wf, _ = e.storage.GetWorkflow(ctx, id)
	if wf.State != StateSuspended {
		t.Fatalf("workflow state after registering the wait = %q, want %q", wf.State, StateSuspended)
	}

	if err := e.RaiseEvent(ctx, id, "approved", "yes"); err != nil {
		t.Fatalf("RaiseEvent: %v", err)
	}

	wf = driveToTerminal(t, ctx, e, clock, id, 5*time.Second)
	if wf.State != StateCompleted {
		t.Fatalf("workflow state = %q, want %q", wf.State, StateCompleted)
	}
	var result string
	if err := e.GetResult(ctx, id, &result); err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result != "approved:yes" {
		t.Errorf("GetResult = %q, want %q", result, "approved:yes")
	}
}

func TestWaitForExternalEventsTimesOut(t *testing.T) {
	approvalFlow := func(ctx *WorkflowContext, _ string) (string, error) {
		var payload string
		_, err := ctx.WaitForExternalEvents(&payload, time.Minute, "approved")
		return "", err
	}
	registry := NewRegistry()
	if err := registry.RegisterWorkflow("ApprovalFlow", approvalFlow, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	start := time.Unix(0, 0)
	clock := NewFixedClock(start)
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "ApprovalFlow", "ignored")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wf, _ := e.storage.GetWorkflow(ctx, id)
	if err := e.RunOnce(ctx, wf); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	clock.Advance(2 * time.Minute)
	wf = driveToTerminal(t, ctx, e, clock, id, 5*time.Second)
	if wf.State != StateFailed {
		t.Fatalf("workflow state = %q, want %q (should fail with ErrNotWaiting once the timeout elapses)", wf.State, StateFailed)
	}
}

func TestChildWorkflowCompletesParent(t *testing.T) {
	child := func(ctx *WorkflowContext, name string) (string, error) {
		return "hello " + name, nil
	}
	parent := func(ctx *WorkflowContext, name string) (string, error) {
		var greeting string
		if err := ctx.Child("Greeter", name, &greeting); err != nil {
			return "", err
		}
		return greeting, nil
	}

	registry := NewRegistry()
	if err := registry.RegisterWorkflow("Greeter", child, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow(Greeter): %v", err)
	}
	if err := registry.RegisterWorkflow("Parent", parent, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow(Parent): %v", err)
	}

	clock := NewFixedClock(time.Unix(0, 0))
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "Parent", "world")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Drive the parent until it has spawned the child and suspended.
	for i := 0; i < 10; i++ {
		wf, _ := e.storage.GetWorkflow(ctx, id)
		if wf.State.IsTerminal() {
			break
		}
		_ = e.RunOnce(ctx, wf)

		children, err := e.storage.ListWorkflows(ctx, 10)
		if err != nil {
			t.Fatalf("ListWorkflows: %v", err)
		}
		for _, c := range children {
			if c.TypeName == "Greeter" && !c.State.IsTerminal() {
				if err := e.RunOnce(ctx, c); err != nil {
					t.Fatalf("RunOnce(child): %v", err)
				}
			}
		}
	}

	wf := driveToTerminal(t, ctx, e, clock, id, 5*time.Second)
	if wf.State != StateCompleted {
		t.Fatalf("parent workflow state = %q, want %q (response: %s)", wf.State, StateCompleted, wf.Response)
	}
	var result string
	if err := e.GetResult(ctx, id, &result); err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result != "hello world" {
		t.Errorf("GetResult = %q, want %q", result, "hello world")
	}
}

func TestPauseBlocksDispatchUntilResume(t *testing.T) {
	noop := func(ctx *WorkflowContext, _ string) (string, error) {
		return "done", nil
	}
	registry := NewRegistry()
	if err := registry.RegisterWorkflow("Noop", noop, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	clock := NewFixedClock(time.Unix(0, 0))
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "Noop", "ignored")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Pause(ctx, id); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	wf, _ := e.storage.GetWorkflow(ctx, id)
	if err := e.RunOnce(ctx, wf); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wf, _ = e.storage.GetWorkflow(ctx, id)
	if wf.State.IsTerminal() {
		t.Fatal("a paused workflow must not be claimed by RunOnce")
	}

	if err := e.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	wf = driveToTerminal(t, ctx, e, clock, id, 5*time.Second)
	if wf.State != StateCompleted {
		t.Fatalf("workflow state after resume = %q, want %q", wf.State, StateCompleted)
	}
}

func TestCancelFailsNonTerminalWorkflow(t *testing.T) {
	blocked := func(ctx *WorkflowContext, _ string) (string, error) {
		return "", ctx.Delay(time.Hour)
	}
	registry := NewRegistry()
	if err := registry.RegisterWorkflow("Blocked", blocked, DefaultWorkflowOptions()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	clock := NewFixedClock(time.Unix(0, 0))
	e := newTestEngine(t, registry, clock)
	ctx := context.Background()

	id, err := e.Create(ctx, "Blocked", "ignored")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wf, _ := e.storage.GetWorkflow(ctx, id)
	if err := e.RunOnce(ctx, wf); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if err := e.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	wf, _ = e.storage.GetWorkflow(ctx, id)
	if wf.State != StateFailed {
		t.Fatalf("workflow state after Cancel = %q, want %q", wf.State, StateFailed)
	}
}
