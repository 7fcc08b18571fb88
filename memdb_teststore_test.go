package eternity

// testMemStore is a go-memdb-backed Storage implementation identical
// to storage/memory.Store, duplicated here (rather than imported) so
// these in-package tests can exercise a real Storage backend without
// storage/memory's import of this package creating an import cycle in
// the test binary.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/sethvargo/go-retry"
)

type testRouteRecord struct {
	Key   string
	Route EventRoute
}

var testMemStoreSchema = &memdb.DBSchema{
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

// testMemStore is the go-memdb-backed Storage implementation used by tests.
type testMemStore struct {
	db *memdb.MemDB

	mu     deadlockMutex
	leases map[string]LockHandle
	seq    map[WorkflowID]int64
}

// newTestMemStore constructs an empty in-memory Store.
func newTestMemStore() (*testMemStore, error) {
	db, err := memdb.NewMemDB(testMemStoreSchema)
	if err != nil {
		return nil, fmt.Errorf("eternity: newTestMemStore: %w", err)
	}
	return &testMemStore{
		db:     db,
		leases: map[string]LockHandle{},
		seq:    map[WorkflowID]int64{},
	}, nil
}

func (s *testMemStore) SaveWorkflow(_ context.Context, wf *WorkflowEntity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("workflow", "id", string(wf.ID))
	if err != nil {
		return err
	}
	if raw != nil {
		existing := raw.(*WorkflowEntity)
		if wf.Version != 0 && wf.Version != existing.Version {
			return ErrContention
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

func (s *testMemStore) GetWorkflow(_ context.Context, id WorkflowID) (*WorkflowEntity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("workflow", "id", string(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	cp := *raw.(*WorkflowEntity)
	return &cp, nil
}

func (s *testMemStore) DeleteWorkflow(_ context.Context, id WorkflowID) error {
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

func (s *testMemStore) ListPausedWorkflows(_ context.Context) ([]WorkflowID, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("workflow", "id")
	if err != nil {
		return nil, err
	}
	var out []WorkflowID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*WorkflowEntity)
		if wf.IsPaused {
			out = append(out, wf.ID)
		}
	}
	return out, nil
}

func (s *testMemStore) ListTerminalWorkflows(_ context.Context, cutoff time.Time) ([]WorkflowID, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("workflow", "id")
	if err != nil {
		return nil, err
	}
	var out []WorkflowID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*WorkflowEntity)
		if wf.State.IsTerminal() && !wf.UtcUpdated.After(cutoff) {
			out = append(out, wf.ID)
		}
	}
	return out, nil
}

func (s *testMemStore) ListWorkflows(_ context.Context, limit int) ([]*WorkflowEntity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("workflow", "id")
	if err != nil {
		return nil, err
	}
	var all []*WorkflowEntity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*WorkflowEntity)
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UtcUpdated.After(all[j].UtcUpdated) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *testMemStore) InsertActivity(_ context.Context, act *ActivityEntity, route *EventRoute) (*ActivityEntity, error) {
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
		rr := testRouteRecord{Key: string(route.WorkflowID) + "|" + route.Name, Route: *route}
		if err := txn.Insert("route", &rr); err != nil {
			return nil, err
		}
	}
	txn.Commit()
	return act, nil
}

func (s *testMemStore) SaveActivity(_ context.Context, act *ActivityEntity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("activity", "id", string(act.ID))
	if err != nil {
		return err
	}
	if raw != nil {
		existing := raw.(*ActivityEntity)
		if act.Version != 0 && act.Version != existing.Version {
			return ErrContention
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

func (s *testMemStore) GetActivity(_ context.Context, id ActivityID) (*ActivityEntity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("activity", "id", string(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	cp := *raw.(*ActivityEntity)
	return &cp, nil
}

func (s *testMemStore) SaveWorkflowAndActivity(_ context.Context, wf *WorkflowEntity, act *ActivityEntity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First("workflow", "id", string(wf.ID)); err != nil {
		return err
	} else if raw != nil {
		existing := raw.(*WorkflowEntity)
		if wf.Version != 0 && wf.Version != existing.Version {
			return ErrContention
		}
	}
	if raw, err := txn.First("activity", "id", string(act.ID)); err != nil {
		return err
	} else if raw != nil {
		existing := raw.(*ActivityEntity)
		if act.Version != 0 && act.Version != existing.Version {
			return ErrContention
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

func (s *testMemStore) PollDue(_ context.Context, max int, now time.Time) ([]*WorkflowEntity, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get("workflow", "id")
	if err != nil {
		txn.Abort()
		return nil, err
	}
	var due []*WorkflowEntity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*WorkflowEntity)
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

func (s *testMemStore) AcquireLock(ctx context.Context, workflowID WorkflowID, sequenceID int64) (LockHandle, error) {
	key := string(workflowID)
	var handle LockHandle

	backoff := retry.NewFibonacci(10 * time.Millisecond)
	backoff = retry.WithMaxDuration(30*time.Second, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s.mu.Lock()
		existing, locked := s.leases[key]
		if !locked || time.Now().After(existing.ExpiresAt) {
			handle = LockHandle{
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
		return retry.RetryableError(fmt.Errorf("eternity: lease for %s still held", workflowID))
	})
	if err != nil {
		return LockHandle{}, err
	}
	return handle, nil
}

func (s *testMemStore) ReleaseLock(_ context.Context, handle LockHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(handle.WorkflowID)
	if cur, ok := s.leases[key]; ok && cur.Token == handle.Token {
		delete(s.leases, key)
	}
	return nil
}

func (s *testMemStore) GetEventRoute(_ context.Context, workflowID WorkflowID, name string) (*EventRoute, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("route", "id", string(workflowID)+"|"+name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	rr := raw.(*testRouteRecord)
	cp := rr.Route
	return &cp, nil
}

func (s *testMemStore) DeleteEventRoute(_ context.Context, workflowID WorkflowID, name string) error {
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

func (s *testMemStore) DeleteHistory(_ context.Context, workflowID WorkflowID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get("activity", "id")
	if err != nil {
		return err
	}
	var toDelete []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		act := raw.(*ActivityEntity)
		if act.WorkflowID == workflowID {
			toDelete = append(toDelete, raw)
		}
	}

	rit, err := txn.Get("route", "id")
	if err != nil {
		return err
	}
	for raw := rit.Next(); raw != nil; raw = rit.Next() {
		rr := raw.(*testRouteRecord)
		if rr.Route.WorkflowID == workflowID {
			toDelete = append(toDelete, raw)
		}
	}

	for _, raw := range toDelete {
		switch raw.(type) {
		case *ActivityEntity:
			if err := txn.Delete("activity", raw); err != nil {
				return err
			}
		case *testRouteRecord:
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

func (s *testMemStore) Close() error { return nil }
