package eternity

import (
	"context"
	"time"

	"github.com/buraksezer/consistent"
	"golang.org/x/sync/errgroup"
)

// consistentHasher adapts WorkflowID bytes to consistent.Hasher using
// FNV-1a, the same non-cryptographic hash the consistent package's
// own examples reach for.
type consistentHasher struct{}

func (consistentHasher) Sum64(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// member adapts a replica name to consistent.Member.
type member string

func (m member) String() string { return string(m) }

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets how often PollDue is consulted when no wake
// signal arrives in the meantime.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.pollInterval = d }
}

// WithBatchSize bounds how many due workflows one poll tick claims.
func WithBatchSize(n int) DispatcherOption {
	return func(disp *Dispatcher) { disp.batchSize = n }
}

// WithGCInterval sets how often the terminal-entity sweep runs.
func WithGCInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.gcInterval = d }
}

// WithReplicas enables consistent-hash partitioning across a fixed
// set of replica names: a Dispatcher only runs workflows whose id
// hashes to its own replicaID, letting several dispatcher processes
// share one storage backend without duplicating work.
func WithReplicas(replicaID string, allReplicas []string) DispatcherOption {
	return func(disp *Dispatcher) {
		cfg := consistent.Config{
			PartitionCount:    271,
			ReplicationFactor: 20,
			Load:              1.25,
			Hasher:            consistentHasher{},
		}
		members := make([]consistent.Member, len(allReplicas))
		for i, r := range allReplicas {
			members[i] = member(r)
		}
		disp.ring = consistent.New(members, cfg)
		disp.replicaID = replicaID
	}
}

// Dispatcher drives an Engine: it polls Storage for due workflows,
// submits each to RunOnce, and periodically garbage-collects terminal
// entities past their retention window.
type Dispatcher struct {
	engine       *Engine
	storage      Storage
	registry     *Registry
	pollInterval time.Duration
	batchSize    int
	gcInterval   time.Duration
	ring         *consistent.Consistent
	replicaID    string
	logger       Logger
}

// NewDispatcher builds a Dispatcher bound to engine.
func NewDispatcher(engine *Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:       engine,
		storage:      engine.storage,
		registry:     engine.registry,
		pollInterval: 2 * time.Second,
		batchSize:    64,
		gcInterval:   5 * time.Minute,
		logger:       engine.logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) owns(id WorkflowID) bool {
	if d.ring == nil {
		return true
	}
	owner := d.ring.LocateKey([]byte(id))
	return owner != nil && owner.String() == d.replicaID
}

// Run blocks, driving poll and GC loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(d.pollInterval)
	defer pollTicker.Stop()
	gcTicker := time.NewTicker(d.gcInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-d.engine.wakeCh:
			if !d.owns(id) {
				continue
			}
			wf, err := d.storage.GetWorkflow(ctx, id)
			if err != nil {
				d.logger.Warn(ctx, "dispatcher: wake lookup failed", "workflowID", id, "error", err)
				continue
			}
			if err := d.engine.RunOnce(ctx, wf); err != nil {
				d.logger.Error(ctx, "dispatcher: run failed", "workflowID", id, "error", err)
			}
		case <-pollTicker.C:
			if err := d.pollOnce(ctx); err != nil {
				d.logger.Error(ctx, "dispatcher: poll failed", "error", err)
			}
		case <-gcTicker.C:
			if err := d.gcOnce(ctx); err != nil {
				d.logger.Error(ctx, "dispatcher: gc failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) error {
	due, err := d.storage.PollDue(ctx, d.batchSize, d.engine.clock.Now())
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, wf := range due {
		if !d.owns(wf.ID) {
			continue
		}
		wf := wf
		g.Go(func() error {
			if err := d.engine.RunOnce(gctx, wf); err != nil {
				d.logger.Error(gctx, "dispatcher: run failed", "workflowID", wf.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// gcOnce deletes terminal workflow entities (and, where the type
// requests it, their activity history) once they have sat past the
// type's configured PreserveTime/FailurePreserveTime.
func (d *Dispatcher) gcOnce(ctx context.Context) error {
	now := d.engine.clock.Now()
	// The storage query lists every terminal entity updated at or
	// before now; the per-entity check below applies the type's own
	// retention window before deleting anything.
	ids, err := d.storage.ListTerminalWorkflows(ctx, now)
	if err != nil {
		return err
	}
	for _, id := range ids {
		wf, err := d.storage.GetWorkflow(ctx, id)
		if err != nil {
			continue
		}
		if !wf.State.IsTerminal() {
			continue
		}
		desc, err := d.registry.workflow(wf.TypeName)
		if err != nil {
			continue
		}
		preserve := desc.Options.PreserveTime
		if wf.State == StateFailed {
			preserve = desc.Options.FailurePreserveTime
		}
		if now.Sub(wf.UtcUpdated) < preserve {
			continue
		}
		if desc.Options.DeleteHistory {
			if err := d.storage.DeleteHistory(ctx, id); err != nil {
				d.logger.Warn(ctx, "gc: delete history failed", "workflowID", id, "error", err)
				continue
			}
		}
		if err := d.storage.DeleteWorkflow(ctx, id); err != nil {
			d.logger.Warn(ctx, "gc: delete workflow failed", "workflowID", id, "error", err)
		}
	}
	return nil
}
