package eternity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
)

// contentionRetries bounds how many times the engine retries a Save
// that lost an optimistic-concurrency race (ErrContention) before
// giving up on the current dispatch cycle; the lock lease expires and
// another poll tick retakes the entity.
const contentionRetries = 5

// retrySave retries fn while it returns ErrContention, up to
// contentionRetries times, with a short constant backoff between
// attempts. Any other error, or exhausting the retries, is returned
// as-is.
func retrySave(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(contentionRetries, retry.NewConstant(20*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(); err != nil {
			if errors.Is(err, ErrContention) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// activityTask is the unit of work handed to the activity worker pool.
type activityTask struct {
	act *ActivityEntity
}

// activityWorker adapts Engine.executeActivity to retrypool.Worker
// so the activity pool can dispatch through the standard retrypool
// worker interface.
type activityWorker struct {
	engine *Engine
}

func (w *activityWorker) Run(ctx context.Context, task activityTask) error {
	return w.engine.executeActivity(ctx, task.act)
}

// Engine is the durable workflow runtime: it owns the registry,
// storage backend, and the worker pool that actually invokes activity
// functions, and drives workflow replay.
type Engine struct {
	registry   *Registry
	storage    Storage
	serializer Serializer
	clock      Clock
	scope      Scope
	logger     Logger

	activityPool *retrypool.Pool[activityTask]

	rootCtx context.Context
	cancel  context.CancelFunc

	// inflight coalesces concurrent replay attempts for the same
	// workflow id within this process: a workflow already
	// being replayed is skipped rather than double-dispatched, since
	// storage.AcquireLock only prevents concurrent *persistence*, not
	// wasted duplicate work.
	inflight map[WorkflowID]bool
	mu       deadlockMutex

	// sem bounds how many workflow replays run concurrently across the
	// whole engine.
	sem *semaphore.Weighted

	wakeCh chan WorkflowID
}

// NewEngine constructs an Engine from its required collaborators plus
// functional Options (see options.go).
func NewEngine(storage Storage, registry *Registry, opts ...Option) (*Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("eternity: NewEngine: storage is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("eternity: NewEngine: registry is nil")
	}
	e := &Engine{
		registry:   registry,
		storage:    storage,
		serializer: DefaultSerializer(),
		clock:      SystemClock(),
		scope:      emptyScope{},
		logger:     NewDefaultLogger(),
		inflight:   map[WorkflowID]bool{},
		wakeCh:     make(chan WorkflowID, 1024),
	}
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(e, &cfg)
	}
	e.sem = semaphore.NewWeighted(int64(cfg.maxConcurrentWorkflows))
	e.rootCtx, e.cancel = context.WithCancel(context.Background())

	workers := make([]retrypool.Worker[activityTask], cfg.activityWorkers)
	for i := range workers {
		workers[i] = &activityWorker{engine: e}
	}
	pool := retrypool.New(e.rootCtx, workers,
		retrypool.WithOnTaskSuccess[activityTask](func(_ retrypool.WorkerController[activityTask], _ int, _ retrypool.Worker[activityTask], task activityTask, _ int, _ time.Duration, _ time.Duration, _ time.Duration, _ time.Time, _ map[int]bool, _ []error, _ []time.Duration, _ []time.Time, _ []time.Time) {
			e.logger.Debug(e.rootCtx, "activity completed", "activityID", task.act.ID, "method", task.act.Method)
		}),
		retrypool.WithOnTaskFailure[activityTask](func(_ retrypool.WorkerController[activityTask], _ int, _ retrypool.Worker[activityTask], task activityTask, _ int, _ time.Duration, _ time.Duration, _ time.Duration, _ time.Time, _ map[int]bool, _ []error, _ []time.Duration, _ []time.Time, _ []time.Time, err error) retrypool.DeadTaskAction {
			e.logger.Warn(e.rootCtx, "activity failed", "activityID", task.act.ID, "method", task.act.Method, "error", err)
			return retrypool.DeadTaskActionRetry
		}),
	)
	e.activityPool = pool
	return e, nil
}

// Close stops background work and releases the storage backend.
func (e *Engine) Close() error {
	e.cancel()
	if e.activityPool != nil {
		e.activityPool.Close()
	}
	return e.storage.Close()
}

// wake nudges workflowID's UtcETA to now and queues it for prompt
// replay, instead of waiting for the dispatcher's next poll tick.
func (e *Engine) wake(id WorkflowID) {
	wf, err := e.storage.GetWorkflow(e.rootCtx, id)
	if err != nil {
		e.logger.Warn(e.rootCtx, "wake: lookup failed", "workflowID", id, "error", err)
		return
	}
	if wf.State.IsTerminal() || wf.IsPaused {
		return
	}
	wf.UtcETA = e.clock.Now()
	if err := retrySave(e.rootCtx, func() error { return e.storage.SaveWorkflow(e.rootCtx, wf) }); err != nil {
		e.logger.Warn(e.rootCtx, "wake: save failed", "workflowID", id, "error", err)
		return
	}
	select {
	case e.wakeCh <- id:
	default:
	}
}

func (e *Engine) dispatchActivity(act *ActivityEntity) {
	if err := e.activityPool.Submit(activityTask{act: act}); err != nil {
		e.logger.Error(e.rootCtx, "submitting activity", "activityID", act.ID, "error", err)
	}
}

// RunOnce drives exactly one replay pass of wf: claims it, invokes its
// registered workflow function up to the point it suspends or
// terminates, and persists the resulting state. It is the unit of
// work the dispatcher submits per poll tick.
func (e *Engine) RunOnce(ctx context.Context, wf *WorkflowEntity) error {
	e.mu.Lock()
	if e.inflight[wf.ID] {
		e.mu.Unlock()
		return nil
	}
	e.inflight[wf.ID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, wf.ID)
		e.mu.Unlock()
	}()

	if !e.sem.TryAcquire(1) {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	defer e.sem.Release(1)

	lock, err := e.storage.AcquireLock(ctx, wf.ID, int64(wf.Version))
	if err != nil {
		return fmt.Errorf("eternity: acquiring lock for %s: %w", wf.ID, err)
	}
	defer func() {
		if err := e.storage.ReleaseLock(ctx, lock); err != nil {
			e.logger.Warn(ctx, "release lock", "workflowID", wf.ID, "error", err)
		}
	}()

	fresh, err := e.storage.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	wf = fresh
	if wf.State.IsTerminal() || wf.IsPaused {
		return nil
	}

	if wf.State == StateQueued || wf.State == StateSuspended {
		next, err := applyTransition(wf.State, triggerClaim)
		if err != nil {
			return err
		}
		wf.State = next
	}

	desc, err := e.registry.workflow(wf.TypeName)
	if err != nil {
		return e.failWorkflow(ctx, wf, fatalf("eternity: unregistered workflow type %q: %w", wf.TypeName, err))
	}

	input := reflect.New(desc.InType)
	if err := e.serializer.Decode(wf.Input, input.Interface()); err != nil {
		return e.failWorkflow(ctx, wf, fatalf("eternity: decoding input for workflow %s: %w", wf.ID, err))
	}

	virtualNow := wf.CurrentUtc
	if virtualNow.IsZero() {
		virtualNow = wf.UtcCreated
	}
	wctx := &WorkflowContext{
		ctx:        ctx,
		id:         wf.ID,
		engine:     e,
		wf:         wf,
		logger:     e.logger,
		currentUtc: virtualNow,
	}

	results := desc.Fn.Call([]reflect.Value{reflect.ValueOf(wctx), input.Elem()})
	outVal, errVal := results[0], results[1]
	var runErr error
	if !errVal.IsNil() {
		runErr = errVal.Interface().(error)
	}

	now := e.clock.Now()
	wf.UtcUpdated = now
	wf.CurrentUtc = wctx.currentUtc

	switch {
	case errors.Is(runErr, ErrSuspended):
		next, err := applyTransition(wf.State, triggerSuspend)
		if err != nil {
			return err
		}
		wf.State = next
		if wctx.nextWake != nil {
			wf.UtcETA = *wctx.nextWake
		} else {
			wf.UtcETA = now
		}
		return retrySave(ctx, func() error { return e.storage.SaveWorkflow(ctx, wf) })

	case runErr != nil:
		return e.failWorkflow(ctx, wf, runErr)

	default:
		resp, err := e.serializer.Encode(outVal.Interface())
		if err != nil {
			return e.failWorkflow(ctx, wf, fatalf("eternity: encoding result for workflow %s: %w", wf.ID, err))
		}
		next, err := applyTransition(wf.State, triggerComplete)
		if err != nil {
			return err
		}
		wf.State = next
		wf.Response = resp
		wf.UtcETA = now
		if err := retrySave(ctx, func() error { return e.storage.SaveWorkflow(ctx, wf) }); err != nil {
			return err
		}
		if wf.ParentID != nil {
			e.wake(*wf.ParentID)
		}
		return nil
	}
}

func (e *Engine) failWorkflow(ctx context.Context, wf *WorkflowEntity, cause error) error {
	next, err := applyTransition(wf.State, triggerFail)
	if err != nil {
		return err
	}
	wf.State = next
	wf.Response = []byte(cause.Error())
	wf.UtcUpdated = e.clock.Now()
	if err := retrySave(ctx, func() error { return e.storage.SaveWorkflow(ctx, wf) }); err != nil {
		return err
	}
	if wf.ParentID != nil {
		e.wake(*wf.ParentID)
	}
	return nil
}

// executeActivity runs one activity invocation to completion and
// persists its terminal state; invoked from the activity worker pool,
// never inline with workflow replay.
func (e *Engine) executeActivity(ctx context.Context, act *ActivityEntity) error {
	desc, err := e.registry.activity(act.Method)
	if err != nil {
		return e.terminateActivity(ctx, act, nil, err)
	}

	if act.State == StateQueued {
		next, err := applyTransition(act.State, triggerClaim)
		if err != nil {
			return err
		}
		act.State = next
		if err := retrySave(ctx, func() error { return e.storage.SaveActivity(ctx, act) }); err != nil {
			return err
		}
	}

	argVals, err := e.decodeActivityArgs(desc, act.Parameters)
	if err != nil {
		return e.terminateActivity(ctx, act, nil, err)
	}

	actx := &ActivityContext{
		ctx:        ctx,
		WorkflowID: act.WorkflowID,
		ActivityID: act.ID,
		scope:      e.scope,
		logger:     e.logger,
	}
	callArgs := append([]reflect.Value{reflect.ValueOf(actx)}, argVals...)
	results := desc.Fn.Call(callArgs)

	errVal := results[len(results)-1]
	if !errVal.IsNil() {
		return e.terminateActivity(ctx, act, nil, errVal.Interface().(error))
	}
	if len(results) == 2 {
		return e.terminateActivity(ctx, act, results[0].Interface(), nil)
	}
	return e.terminateActivity(ctx, act, nil, nil)
}

// completeVirtualActivity transitions a never-dispatched entity
// (a $delay timer or a $wait:<event> route) straight from Queued to
// Completed, folding the intermediate Running state into one save.
// Used for entities whose "execution" is just the passage of time or
// the arrival of an external event, never a pool-dispatched call. wf
// is saved alongside act in the same write, clearing CurrentWaitingID
// if act is what wf was blocked on and nudging wf.UtcETA so the
// dispatcher picks it up immediately.
func (e *Engine) completeVirtualActivity(ctx context.Context, wf *WorkflowEntity, act *ActivityEntity, response []byte) error {
	if act.State == StateQueued {
		running, err := applyTransition(act.State, triggerClaim)
		if err != nil {
			return err
		}
		act.State = running
	}
	next, err := applyTransition(act.State, triggerComplete)
	if err != nil {
		return err
	}
	act.State = next
	act.Response = response
	now := e.clock.Now()
	act.UtcUpdated = now

	if wf.CurrentWaitingID != nil && *wf.CurrentWaitingID == act.ID {
		wf.CurrentWaitingID = nil
	}
	wf.UtcUpdated = now
	if !wf.State.IsTerminal() && !wf.IsPaused {
		wf.UtcETA = now
	}
	return retrySave(ctx, func() error { return e.storage.SaveWorkflowAndActivity(ctx, wf, act) })
}

// terminateActivity persists act's terminal outcome transactionally
// with the owning workflow entity's UtcUpdated, then wakes the
// workflow directly rather than through a separate fetch-and-save.
func (e *Engine) terminateActivity(ctx context.Context, act *ActivityEntity, result interface{}, cause error) error {
	now := e.clock.Now()
	act.UtcUpdated = now
	if cause != nil {
		next, err := applyTransition(act.State, triggerFail)
		if err != nil {
			return err
		}
		act.State = next
		act.Response = []byte(cause.Error())
	} else {
		resp, err := e.serializer.Encode(result)
		if err != nil {
			return err
		}
		next, err := applyTransition(act.State, triggerComplete)
		if err != nil {
			return err
		}
		act.State = next
		act.Response = resp
	}

	wf, err := e.storage.GetWorkflow(ctx, act.WorkflowID)
	if err != nil {
		return err
	}
	wf.UtcUpdated = now
	if !wf.State.IsTerminal() && !wf.IsPaused {
		wf.UtcETA = now
	}
	if err := retrySave(ctx, func() error { return e.storage.SaveWorkflowAndActivity(ctx, wf, act) }); err != nil {
		return err
	}
	select {
	case e.wakeCh <- act.WorkflowID:
	default:
	}
	return cause
}

// encodeActivityArgs serializes the subset of args that are not
// resolved via Scope injection, in declared order, as a length-
// prefixed sequence so decodeActivityArgs can reconstruct each value
// with its original concrete type.
func (e *Engine) encodeActivityArgs(desc *activityDescriptor, args []interface{}) ([]byte, error) {
	serializedIdx := desc.serializedArgIndexes()
	if len(args) != len(desc.ArgTypes) {
		return nil, fmt.Errorf("eternity: activity %q expects %d arguments, got %d", desc.Name, len(desc.ArgTypes), len(args))
	}
	parts := make([][]byte, 0, len(serializedIdx))
	for _, idx := range serializedIdx {
		b, err := e.serializer.Encode(args[idx])
		if err != nil {
			return nil, err
		}
		parts = append(parts, b)
	}
	return e.serializer.Encode(parts)
}

func (e *Engine) decodeActivityArgs(desc *activityDescriptor, data []byte) ([]reflect.Value, error) {
	var parts [][]byte
	if len(data) > 0 {
		if err := e.serializer.Decode(data, &parts); err != nil {
			return nil, err
		}
	}
	injectedByIdx := map[int]string{}
	for _, inj := range desc.Injected {
		injectedByIdx[inj.Index] = inj.Name
	}

	out := make([]reflect.Value, len(desc.ArgTypes))
	partPos := 0
	for i, t := range desc.ArgTypes {
		if name, ok := injectedByIdx[i]; ok {
			v, found := e.scope.Resolve(name)
			if !found {
				return nil, fmt.Errorf("eternity: activity %q: no dependency registered for injected parameter %q", desc.Name, name)
			}
			rv := reflect.ValueOf(v)
			if !rv.IsValid() || !rv.Type().AssignableTo(t) {
				return nil, fmt.Errorf("eternity: activity %q: injected parameter %q has type %T, want %s", desc.Name, name, v, t)
			}
			out[i] = rv
			continue
		}
		ptr := reflect.New(t)
		if partPos < len(parts) {
			if err := e.serializer.Decode(parts[partPos], ptr.Interface()); err != nil {
				return nil, err
			}
		}
		partPos++
		out[i] = ptr.Elem()
	}
	return out, nil
}
