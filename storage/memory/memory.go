// Package memory is the reference eternity.Storage implementation:
// backed by github.com/hashicorp/go-memdb, it gives snapshot-isolated
// read transactions and atomic write transactions without a running
// database process. It is the backend the test suite exercises most.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/sethvargo/go-retry"

	"github.com/eternity-run/eternity"
)

type routeRecord struct {
	Key   string
	Route eternity.EventRoute
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"workflow": {
			Name: "workflow",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		},
		"activity": {
			Name: "activity",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		},
		"route": {
			Name: "route",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
			},
		},
	},
}

// Store is the go-memdb-backed Storage implementation.
type Store struct {
	db *memdb.MemDB

	// leases holds process-local execution locks. They are
	// intentionally outside memdb: a lease is a time-bounded right,
	// not durable state worth snapshotting.
	mu     deadlockMutex
	leases map[string]eternity.LockHandle
	seq    map[eternity.WorkflowID]int64
}

// New constructs an empty in-memory Store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("eternity/storage/memory: %w", err)
	}
	return &Store{
		db:     db,
		leases: map[string]eternity.LockHandle{},
		seq:    map[eternity.WorkflowID]int64{},
	}, nil
}

func (s *Store) SaveWorkflow(_ context.Context, wf *eternity.WorkflowEntity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("workflow", "id", string(wf.ID))
	if err != nil {
		return err
	}
	if raw != nil {
		existing := raw.(*eternity.WorkflowEntity)
		if wf.Version != 0 && wf.Version != existing.Version {
			return eternity.ErrContention
		}
	}
	wf.Version++
	cp := *wf
	if err := txn.Insert("workflow", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id eternity.WorkflowID) (*eternity.WorkflowEntity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("workflow", "id", string(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, eternity.ErrNotFound
	}
	cp := *raw.(*eternity.WorkflowEntity)
	return &cp, nil
}

func (s *Store) DeleteWorkflow(_ context.Context, id eternity.WorkflowID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("workflow", "id", string(id))
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete("workflow", raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListPausedWorkflows(_ context.Context) ([]eternity.WorkflowID, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("workflow", "id")
	if err != nil {
		return nil, err
	}
	var out []eternity.WorkflowID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*eternity.WorkflowEntity)
		if wf.IsPaused {
			out = append(out, wf.ID)
		}
	}
	return out, nil
}

func (s *Store) ListTerminalWorkflows(_ context.Context, cutoff time.Time) ([]eternity.WorkflowID, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("workflow", "id")
	if err != nil {
		return nil, err
	}
	var out []eternity.WorkflowID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*eternity.WorkflowEntity)
		if wf.State.IsTerminal() && !wf.UtcUpdated.After(cutoff) {
			out = append(out, wf.ID)
		}
	}
	return out, nil
}

func (s *Store) ListWorkflows(_ context.Context, limit int) ([]*eternity.WorkflowEntity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("workflow", "id")
	if err != nil {
		return nil, err
	}
	var all []*eternity.WorkflowEntity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*eternity.WorkflowEntity)
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UtcUpdated.After(all[j].UtcUpdated) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) InsertActivity(_ context.Context, act *eternity.ActivityEntity, route *eternity.EventRoute) (*eternity.ActivityEntity, error) {
	s.mu.Lock()
	s.seq[act.WorkflowID]++
	act.SequenceID = s.seq[act.WorkflowID]
	s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()
	act.Version = 1
	cp := *act
	if err := txn.Insert("activity", &cp); err != nil {
		return nil, err
	}
	if route != nil {
		rr := routeRecord{Key: string(route.WorkflowID) + "|" + route.Name, Route: *route}
		if err := txn.Insert("route", &rr); err != nil {
			return nil, err
		}
	}
	txn.Commit()
	return act, nil
}

func (s *Store) SaveActivity(_ context.Context, act *eternity.ActivityEntity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("activity", "id", string(act.ID))
	if err != nil {
		return err
	}
	if raw != nil {
		existing := raw.(*eternity.ActivityEntity)
		if act.Version != 0 && act.Version != existing.Version {
			return eternity.ErrContention
		}
	}
	act.Version++
	cp := *act
	if err := txn.Insert("activity", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) GetActivity(_ context.Context, id eternity.ActivityID) (*eternity.ActivityEntity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("activity", "id", string(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, eternity.ErrNotFound
	}
	cp := *raw.(*eternity.ActivityEntity)
	return &cp, nil
}

func (s *Store) SaveWorkflowAndActivity(_ context.Context, wf *eternity.WorkflowEntity, act *eternity.ActivityEntity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First("workflow", "id", string(wf.ID)); err != nil {
		return err
	} else if raw != nil {
		existing := raw.(*eternity.WorkflowEntity)
		if wf.Version != 0 && wf.Version != existing.Version {
			return eternity.ErrContention
		}
	}
	if raw, err := txn.First("activity", "id", string(act.ID)); err != nil {
		return err
	} else if raw != nil {
		existing := raw.(*eternity.ActivityEntity)
		if act.Version != 0 && act.Version != existing.Version {
			return eternity.ErrContention
		}
	}
	wf.Version++
	act.Version++
	wfCp, actCp := *wf, *act
	if err := txn.Insert("workflow", &wfCp); err != nil {
		return err
	}
	if err := txn.Insert("activity", &actCp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) PollDue(_ context.Context, max int, now time.Time) ([]*eternity.WorkflowEntity, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get("workflow", "id")
	if err != nil {
		txn.Abort()
		return nil, err
	}
	var due []*eternity.WorkflowEntity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*eternity.WorkflowEntity)
		if wf.State.IsTerminal() || wf.IsPaused {
			continue
		}
		if wf.UtcETA.After(now) {
			continue
		}
		cp := *wf
		due = append(due, &cp)
	}
	txn.Abort()

	sort.Slice(due, func(i, j int) bool { return due[i].UtcETA.Before(due[j].UtcETA) })
	if len(due) > max {
		due = due[:max]
	}
	return due, nil
}

// AcquireLock retries on a bounded Fibonacci backoff rather than
// polling forever: a lease that never frees (a crashed holder whose
// lease TTL is itself stuck) fails fast instead of hanging the caller
// forever.
func (s *Store) AcquireLock(ctx context.Context, workflowID eternity.WorkflowID, sequenceID int64) (eternity.LockHandle, error) {
	key := string(workflowID)
	var handle eternity.LockHandle

	backoff := retry.NewFibonacci(10 * time.Millisecond)
	backoff = retry.WithMaxDuration(30*time.Second, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s.mu.Lock()
		existing, locked := s.leases[key]
		if !locked || time.Now().After(existing.ExpiresAt) {
			handle = eternity.LockHandle{
				WorkflowID: workflowID,
				SequenceID: sequenceID,
				Token:      uuid.NewString(),
				ExpiresAt:  time.Now().Add(30 * time.Second),
			}
			s.leases[key] = handle
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return retry.RetryableError(fmt.Errorf("eternity/storage/memory: lease for %s still held", workflowID))
	})
	if err != nil {
		return eternity.LockHandle{}, err
	}
	return handle, nil
}

func (s *Store) ReleaseLock(_ context.Context, handle eternity.LockHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(handle.WorkflowID)
	if cur, ok := s.leases[key]; ok && cur.Token == handle.Token {
		delete(s.leases, key)
	}
	return nil
}

func (s *Store) GetEventRoute(_ context.Context, workflowID eternity.WorkflowID, name string) (*eternity.EventRoute, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("route", "id", string(workflowID)+"|"+name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, eternity.ErrNotFound
	}
	rr := raw.(*routeRecord)
	cp := rr.Route
	return &cp, nil
}

func (s *Store) DeleteEventRoute(_ context.Context, workflowID eternity.WorkflowID, name string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("route", "id", string(workflowID)+"|"+name)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete("route", raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) DeleteHistory(_ context.Context, workflowID eternity.WorkflowID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get("activity", "id")
	if err != nil {
		return err
	}
	var toDelete []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		act := raw.(*eternity.ActivityEntity)
		if act.WorkflowID == workflowID {
			toDelete = append(toDelete, raw)
		}
	}

	rit, err := txn.Get("route", "id")
	if err != nil {
		return err
	}
	for raw := rit.Next(); raw != nil; raw = rit.Next() {
		rr := raw.(*routeRecord)
		if rr.Route.WorkflowID == workflowID {
			toDelete = append(toDelete, raw)
		}
	}

	for _, raw := range toDelete {
		switch raw.(type) {
		case *eternity.ActivityEntity:
			if err := txn.Delete("activity", raw); err != nil {
				return err
			}
		case *routeRecord:
			if err := txn.Delete("route", raw); err != nil {
				return err
			}
		}
	}
	txn.Commit()

	s.mu.Lock()
	delete(s.seq, workflowID)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }
