// Package redisstore is a github.com/redis/go-redis/v9-backed
// eternity.Storage implementation. Workflow and activity entities are
// Redis hashes; due-polling is a sorted set keyed by UtcETA so PollDue
// is a single ZRANGEBYSCORE. Store.Wake and Store.Subscribe offer a
// Pub/Sub wake channel between processes sharing the backend; the
// engine and dispatcher do not call them, so nothing is broadcast
// unless a caller invokes Wake.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/eternity-run/eternity"
)

const (
	wakeChannel = "eternity:wake"
	dueZSet     = "eternity:due"
	pausedSet   = "eternity:paused"
)

// Store is the Redis-backed Storage implementation.
type Store struct {
	rdb *redis.Client
}

// New wraps an already-constructed redis.Client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func wfKey(id eternity.WorkflowID) string    { return "eternity:wf:" + string(id) }
func actKey(id eternity.ActivityID) string   { return "eternity:act:" + string(id) }
func routeKey(wf eternity.WorkflowID, name string) string {
	return "eternity:route:" + string(wf) + ":" + name
}
func leaseKey(id eternity.WorkflowID) string { return "eternity:lease:" + string(id) }

func b(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Subscribe returns a channel of workflow ids woken by any process
// sharing this Redis backend; a Dispatcher can select on it exactly
// like the in-process wake channel Engine.wake feeds.
func (s *Store) Subscribe(ctx context.Context) <-chan eternity.WorkflowID {
	sub := s.rdb.Subscribe(ctx, wakeChannel)
	out := make(chan eternity.WorkflowID, 256)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- eternity.WorkflowID(msg.Payload):
				default:
				}
			}
		}
	}()
	return out
}

func (s *Store) publishWake(ctx context.Context, id eternity.WorkflowID) {
	s.rdb.Publish(ctx, wakeChannel, string(id))
}

func workflowFields(wf *eternity.WorkflowEntity) map[string]interface{} {
	f := map[string]interface{}{
		"type_name":   wf.TypeName,
		"input":       wf.Input,
		"state":       string(wf.State),
		"response":    wf.Response,
		"utc_created": wf.UtcCreated.UnixNano(),
		"utc_updated": wf.UtcUpdated.UnixNano(),
		"utc_eta":     wf.UtcETA.UnixNano(),
		"current_utc": wf.CurrentUtc.UnixNano(),
		"is_paused":   b(wf.IsPaused),
		"version":     wf.Version,
	}
	if wf.ParentID != nil {
		f["parent_id"] = string(*wf.ParentID)
	}
	if wf.CurrentWaitingID != nil {
		f["current_waiting_id"] = string(*wf.CurrentWaitingID)
	}
	return f
}

func (s *Store) SaveWorkflow(ctx context.Context, wf *eternity.WorkflowEntity) error {
	key := wfKey(wf.ID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		curVersionStr, err := tx.HGet(ctx, key, "version").Result()
		exists := err != redis.Nil
		if err != nil && err != redis.Nil {
			return err
		}
		if exists {
			curVersion, _ := strconv.ParseUint(curVersionStr, 10, 64)
			if wf.Version != 0 && wf.Version != curVersion {
				return eternity.ErrContention
			}
			wf.Version = curVersion + 1
		} else {
			wf.Version = 1
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, workflowFields(wf))
			if wf.CurrentWaitingID == nil {
				// HSet only ever adds/overwrites fields; a cleared
				// pointer needs an explicit HDel or the stale value
				// from a prior WaitForExternalEvents call lingers.
				pipe.HDel(ctx, key, "current_waiting_id")
			}
			if wf.State.IsTerminal() || wf.IsPaused {
				pipe.ZRem(ctx, dueZSet, string(wf.ID))
			} else {
				pipe.ZAdd(ctx, dueZSet, redis.Z{Score: float64(wf.UtcETA.UnixNano()), Member: string(wf.ID)})
			}
			if wf.IsPaused {
				pipe.SAdd(ctx, pausedSet, string(wf.ID))
			} else {
				pipe.SRem(ctx, pausedSet, string(wf.ID))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	return nil
}

func scanWorkflow(id eternity.WorkflowID, f map[string]string) (*eternity.WorkflowEntity, error) {
	if len(f) == 0 {
		return nil, eternity.ErrNotFound
	}
	created, _ := strconv.ParseInt(f["utc_created"], 10, 64)
	updated, _ := strconv.ParseInt(f["utc_updated"], 10, 64)
	eta, _ := strconv.ParseInt(f["utc_eta"], 10, 64)
	cur, _ := strconv.ParseInt(f["current_utc"], 10, 64)
	version, _ := strconv.ParseUint(f["version"], 10, 64)
	wf := &eternity.WorkflowEntity{
		ID:         id,
		TypeName:   f["type_name"],
		Input:      []byte(f["input"]),
		State:      eternity.State(f["state"]),
		Response:   []byte(f["response"]),
		UtcCreated: time.Unix(0, created).UTC(),
		UtcUpdated: time.Unix(0, updated).UTC(),
		UtcETA:     time.Unix(0, eta).UTC(),
		CurrentUtc: time.Unix(0, cur).UTC(),
		IsPaused:   f["is_paused"] == "1",
		Version:    version,
	}
	if p, ok := f["parent_id"]; ok && p != "" {
		pid := eternity.WorkflowID(p)
		wf.ParentID = &pid
	}
	if w, ok := f["current_waiting_id"]; ok && w != "" {
		wid := eternity.ActivityID(w)
		wf.CurrentWaitingID = &wid
	}
	return wf, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id eternity.WorkflowID) (*eternity.WorkflowEntity, error) {
	f, err := s.rdb.HGetAll(ctx, wfKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return scanWorkflow(id, f)
}

func (s *Store) DeleteWorkflow(ctx context.Context, id eternity.WorkflowID) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, wfKey(id))
	pipe.ZRem(ctx, dueZSet, string(id))
	pipe.SRem(ctx, pausedSet, string(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ListPausedWorkflows(ctx context.Context) ([]eternity.WorkflowID, error) {
	ids, err := s.rdb.SMembers(ctx, pausedSet).Result()
	if err != nil {
		return nil, err
	}
	out := make([]eternity.WorkflowID, len(ids))
	for i, id := range ids {
		out[i] = eternity.WorkflowID(id)
	}
	return out, nil
}

func (s *Store) ListTerminalWorkflows(ctx context.Context, cutoff time.Time) ([]eternity.WorkflowID, error) {
	// Terminal entities are removed from dueZSet by SaveWorkflow, so
	// they must be discovered by scanning keys; acceptable for a GC
	// sweep that runs on a multi-minute interval, not the hot path.
	var out []eternity.WorkflowID
	iter := s.rdb.Scan(ctx, 0, "eternity:wf:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := eternity.WorkflowID(key[len("eternity:wf:"):])
		f, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}
		wf, err := scanWorkflow(id, f)
		if err != nil {
			continue
		}
		if wf.State.IsTerminal() && !wf.UtcUpdated.After(cutoff) {
			out = append(out, id)
		}
	}
	return out, iter.Err()
}

func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]*eternity.WorkflowEntity, error) {
	var out []*eternity.WorkflowEntity
	iter := s.rdb.Scan(ctx, 0, "eternity:wf:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := eternity.WorkflowID(key[len("eternity:wf:"):])
		f, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}
		wf, err := scanWorkflow(id, f)
		if err != nil {
			continue
		}
		out = append(out, wf)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UtcUpdated.After(out[j].UtcUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertActivity(ctx context.Context, act *eternity.ActivityEntity, route *eternity.EventRoute) (*eternity.ActivityEntity, error) {
	seqKey := "eternity:seq:" + string(act.WorkflowID)
	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return nil, err
	}
	act.SequenceID = seq
	act.Version = 1

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, actKey(act.ID), map[string]interface{}{
		"workflow_id": string(act.WorkflowID),
		"method":      act.Method,
		"parameters":  act.Parameters,
		"state":       string(act.State),
		"response":    act.Response,
		"utc_created": act.UtcCreated.UnixNano(),
		"utc_updated": act.UtcUpdated.UnixNano(),
		"utc_eta":     act.UtcETA.UnixNano(),
		"sequence_id": act.SequenceID,
		"version":     act.Version,
	})
	if route != nil {
		pipe.Set(ctx, routeKey(route.WorkflowID, route.Name), string(route.ActivityID), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return act, nil
}

func scanActivity(id eternity.ActivityID, f map[string]string) (*eternity.ActivityEntity, error) {
	if len(f) == 0 {
		return nil, eternity.ErrNotFound
	}
	created, _ := strconv.ParseInt(f["utc_created"], 10, 64)
	updated, _ := strconv.ParseInt(f["utc_updated"], 10, 64)
	eta, _ := strconv.ParseInt(f["utc_eta"], 10, 64)
	seq, _ := strconv.ParseInt(f["sequence_id"], 10, 64)
	version, _ := strconv.ParseUint(f["version"], 10, 64)
	return &eternity.ActivityEntity{
		ID:         id,
		WorkflowID: eternity.WorkflowID(f["workflow_id"]),
		Method:     f["method"],
		Parameters: []byte(f["parameters"]),
		State:      eternity.State(f["state"]),
		Response:   []byte(f["response"]),
		UtcCreated: time.Unix(0, created).UTC(),
		UtcUpdated: time.Unix(0, updated).UTC(),
		UtcETA:     time.Unix(0, eta).UTC(),
		SequenceID: seq,
		Version:    version,
	}, nil
}

func (s *Store) SaveActivity(ctx context.Context, act *eternity.ActivityEntity) error {
	key := actKey(act.ID)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		curVersionStr, err := tx.HGet(ctx, key, "version").Result()
		if err != nil {
			return err
		}
		curVersion, _ := strconv.ParseUint(curVersionStr, 10, 64)
		if act.Version != 0 && act.Version != curVersion {
			return eternity.ErrContention
		}
		act.Version = curVersion + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"state":       string(act.State),
				"response":    act.Response,
				"utc_updated": act.UtcUpdated.UnixNano(),
				"utc_eta":     act.UtcETA.UnixNano(),
				"version":     act.Version,
			})
			return nil
		})
		return err
	}, key)
}

func (s *Store) GetActivity(ctx context.Context, id eternity.ActivityID) (*eternity.ActivityEntity, error) {
	f, err := s.rdb.HGetAll(ctx, actKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return scanActivity(id, f)
}

// SaveWorkflowAndActivity saves act and then wf as two separate
// transactions; it is not atomic, and if the workflow save fails the
// activity save has already been applied.
func (s *Store) SaveWorkflowAndActivity(ctx context.Context, wf *eternity.WorkflowEntity, act *eternity.ActivityEntity) error {
	if err := s.SaveActivity(ctx, act); err != nil {
		return err
	}
	return s.SaveWorkflow(ctx, wf)
}

func (s *Store) PollDue(ctx context.Context, max int, now time.Time) ([]*eternity.WorkflowEntity, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, dueZSet, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixNano(), 10),
		Offset: 0,
		Count:  int64(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*eternity.WorkflowEntity, 0, len(ids))
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, eternity.WorkflowID(id))
		if err != nil {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

// AcquireLock retries SETNX on a bounded Fibonacci backoff.
func (s *Store) AcquireLock(ctx context.Context, workflowID eternity.WorkflowID, sequenceID int64) (eternity.LockHandle, error) {
	token := uuid.NewString()
	var handle eternity.LockHandle

	backoff := retry.NewFibonacci(10 * time.Millisecond)
	backoff = retry.WithMaxDuration(30*time.Second, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := s.rdb.SetNX(ctx, leaseKey(workflowID), token, 30*time.Second).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(fmt.Errorf("eternity/storage/redisstore: lease for %s still held", workflowID))
		}
		handle = eternity.LockHandle{
			WorkflowID: workflowID,
			SequenceID: sequenceID,
			Token:      token,
			ExpiresAt:  time.Now().Add(30 * time.Second),
		}
		return nil
	})
	if err != nil {
		return eternity.LockHandle{}, err
	}
	return handle, nil
}

// releaseLockScript deletes the lease only if it is still held by the
// caller's token, avoiding releasing a lease some other holder has
// since acquired after this one expired.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

func (s *Store) ReleaseLock(ctx context.Context, handle eternity.LockHandle) error {
	return s.rdb.Eval(ctx, releaseLockScript, []string{leaseKey(handle.WorkflowID)}, handle.Token).Err()
}

func (s *Store) GetEventRoute(ctx context.Context, workflowID eternity.WorkflowID, name string) (*eternity.EventRoute, error) {
	activityID, err := s.rdb.Get(ctx, routeKey(workflowID, name)).Result()
	if err == redis.Nil {
		return nil, eternity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &eternity.EventRoute{WorkflowID: workflowID, Name: name, ActivityID: eternity.ActivityID(activityID)}, nil
}

func (s *Store) DeleteEventRoute(ctx context.Context, workflowID eternity.WorkflowID, name string) error {
	return s.rdb.Del(ctx, routeKey(workflowID, name)).Err()
}

func (s *Store) DeleteHistory(ctx context.Context, workflowID eternity.WorkflowID) error {
	iter := s.rdb.Scan(ctx, 0, "eternity:act:*", 0).Iterator()
	var actKeys []string
	for iter.Next(ctx) {
		key := iter.Val()
		wfID, err := s.rdb.HGet(ctx, key, "workflow_id").Result()
		if err == nil && wfID == string(workflowID) {
			actKeys = append(actKeys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	routeIter := s.rdb.Scan(ctx, 0, "eternity:route:"+string(workflowID)+":*", 0).Iterator()
	for routeIter.Next(ctx) {
		actKeys = append(actKeys, routeIter.Val())
	}
	if err := routeIter.Err(); err != nil {
		return err
	}
	if len(actKeys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, actKeys...).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

// Wake is exported for a dispatcher that wants to combine an
// in-process wake with the cross-process broadcast; Engine.wake only
// touches the hash/zset via SaveWorkflow, so this publishes separately.
func (s *Store) Wake(ctx context.Context, id eternity.WorkflowID) {
	s.publishWake(ctx, id)
}
