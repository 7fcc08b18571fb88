// Package sqlite is a modernc.org/sqlite-backed eternity.Storage
// implementation: a durable, single-file alternative to storage/memory
// for a process that needs its workflow state to survive a restart
// without standing up a separate database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/eternity-run/eternity"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS workflow (
	id TEXT PRIMARY KEY,
	type_name TEXT NOT NULL,
	input BLOB,
	state TEXT NOT NULL,
	response BLOB,
	utc_created INTEGER NOT NULL,
	utc_updated INTEGER NOT NULL,
	utc_eta INTEGER NOT NULL,
	current_utc INTEGER NOT NULL DEFAULT 0,
	parent_id TEXT,
	current_waiting_id TEXT,
	is_paused INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workflow_state_eta ON workflow(state, utc_eta);
CREATE INDEX IF NOT EXISTS idx_workflow_paused ON workflow(is_paused);

CREATE TABLE IF NOT EXISTS activity (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	method TEXT NOT NULL,
	parameters BLOB,
	state TEXT NOT NULL,
	response BLOB,
	utc_created INTEGER NOT NULL,
	utc_updated INTEGER NOT NULL,
	utc_eta INTEGER NOT NULL,
	sequence_id INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_activity_workflow ON activity(workflow_id);

CREATE TABLE IF NOT EXISTS event_route (
	workflow_id TEXT NOT NULL,
	name TEXT NOT NULL,
	activity_id TEXT NOT NULL,
	PRIMARY KEY (workflow_id, name)
);

CREATE TABLE IF NOT EXISTS lease (
	workflow_id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// Store is the sqlite-backed Storage implementation.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates a sqlite database at dsn, e.g.
// "file:/var/lib/eternity/state.db?_pragma=busy_timeout(5000)".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eternity/storage/sqlite: open: %w", err)
	}
	// sqlite tolerates exactly one writer at a time; modernc.org/sqlite
	// does not multiplex writes across connections any better than the
	// C driver does, so the pool is pinned to one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eternity/storage/sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullableID(id *eternity.WorkflowID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullableActivityID(id *eternity.ActivityID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func (s *Store) SaveWorkflow(ctx context.Context, wf *eternity.WorkflowEntity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curVersion uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM workflow WHERE id = ?`, string(wf.ID)).Scan(&curVersion)
	switch {
	case err == sql.ErrNoRows:
		wf.Version = 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow (id, type_name, input, state, response, utc_created, utc_updated, utc_eta, current_utc, parent_id, current_waiting_id, is_paused, version)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			string(wf.ID), wf.TypeName, wf.Input, string(wf.State), wf.Response,
			wf.UtcCreated.UnixNano(), wf.UtcUpdated.UnixNano(), wf.UtcETA.UnixNano(), wf.CurrentUtc.UnixNano(),
			nullableID(wf.ParentID), nullableActivityID(wf.CurrentWaitingID), boolToInt(wf.IsPaused), wf.Version)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if wf.Version != 0 && wf.Version != curVersion {
			return eternity.ErrContention
		}
		wf.Version = curVersion + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE workflow SET type_name=?, input=?, state=?, response=?, utc_created=?, utc_updated=?, utc_eta=?, current_utc=?,
				parent_id=?, current_waiting_id=?, is_paused=?, version=?
			WHERE id=?`,
			wf.TypeName, wf.Input, string(wf.State), wf.Response,
			wf.UtcCreated.UnixNano(), wf.UtcUpdated.UnixNano(), wf.UtcETA.UnixNano(), wf.CurrentUtc.UnixNano(),
			nullableID(wf.ParentID), nullableActivityID(wf.CurrentWaitingID), boolToInt(wf.IsPaused), wf.Version,
			string(wf.ID))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanWorkflow(row interface {
	Scan(dest ...interface{}) error
}) (*eternity.WorkflowEntity, error) {
	var (
		wf                         eternity.WorkflowEntity
		id, typeName, state        string
		created, updated, eta, cur int64
		parentID, waitingID        sql.NullString
		isPaused                   int64
		version                    uint64
	)
	if err := row.Scan(&id, &typeName, &wf.Input, &state, &wf.Response, &created, &updated, &eta, &cur, &parentID, &waitingID, &isPaused, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, eternity.ErrNotFound
		}
		return nil, err
	}
	wf.ID = eternity.WorkflowID(id)
	wf.TypeName = typeName
	wf.State = eternity.State(state)
	wf.UtcCreated = time.Unix(0, created).UTC()
	wf.UtcUpdated = time.Unix(0, updated).UTC()
	wf.UtcETA = time.Unix(0, eta).UTC()
	wf.CurrentUtc = time.Unix(0, cur).UTC()
	wf.IsPaused = isPaused != 0
	wf.Version = version
	if parentID.Valid {
		p := eternity.WorkflowID(parentID.String)
		wf.ParentID = &p
	}
	if waitingID.Valid {
		w := eternity.ActivityID(waitingID.String)
		wf.CurrentWaitingID = &w
	}
	return &wf, nil
}

const workflowColumns = `id, type_name, input, state, response, utc_created, utc_updated, utc_eta, current_utc, parent_id, current_waiting_id, is_paused, version`

func (s *Store) GetWorkflow(ctx context.Context, id eternity.WorkflowID) (*eternity.WorkflowEntity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow WHERE id = ?`, string(id))
	return scanWorkflow(row)
}

func (s *Store) DeleteWorkflow(ctx context.Context, id eternity.WorkflowID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow WHERE id = ?`, string(id))
	return err
}

func (s *Store) ListPausedWorkflows(ctx context.Context) ([]eternity.WorkflowID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflow WHERE is_paused = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []eternity.WorkflowID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, eternity.WorkflowID(id))
	}
	return out, rows.Err()
}

func (s *Store) ListTerminalWorkflows(ctx context.Context, cutoff time.Time) ([]eternity.WorkflowID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflow WHERE state IN ('completed','failed') AND utc_updated <= ?`, cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []eternity.WorkflowID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, eternity.WorkflowID(id))
	}
	return out, rows.Err()
}

func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]*eternity.WorkflowEntity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflow ORDER BY utc_updated DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*eternity.WorkflowEntity
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *Store) InsertActivity(ctx context.Context, act *eternity.ActivityEntity, route *eternity.EventRoute) (*eternity.ActivityEntity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence_id) FROM activity WHERE workflow_id = ?`, string(act.WorkflowID)).Scan(&maxSeq); err != nil {
		return nil, err
	}
	act.SequenceID = maxSeq.Int64 + 1
	act.Version = 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activity (id, workflow_id, method, parameters, state, response, utc_created, utc_updated, utc_eta, sequence_id, version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		string(act.ID), string(act.WorkflowID), act.Method, act.Parameters, string(act.State), act.Response,
		act.UtcCreated.UnixNano(), act.UtcUpdated.UnixNano(), act.UtcETA.UnixNano(), act.SequenceID, act.Version)
	if err != nil {
		return nil, err
	}
	if route != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO event_route (workflow_id, name, activity_id) VALUES (?,?,?)
			ON CONFLICT(workflow_id, name) DO UPDATE SET activity_id = excluded.activity_id`,
			string(route.WorkflowID), route.Name, string(route.ActivityID))
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return act, nil
}

func scanActivity(row interface {
	Scan(dest ...interface{}) error
}) (*eternity.ActivityEntity, error) {
	var (
		act                    eternity.ActivityEntity
		id, workflowID, method string
		state                  string
		created, updated, eta  int64
	)
	if err := row.Scan(&id, &workflowID, &method, &act.Parameters, &state, &act.Response, &created, &updated, &eta, &act.SequenceID, &act.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, eternity.ErrNotFound
		}
		return nil, err
	}
	act.ID = eternity.ActivityID(id)
	act.WorkflowID = eternity.WorkflowID(workflowID)
	act.Method = method
	act.State = eternity.State(state)
	act.UtcCreated = time.Unix(0, created).UTC()
	act.UtcUpdated = time.Unix(0, updated).UTC()
	act.UtcETA = time.Unix(0, eta).UTC()
	return &act, nil
}

const activityColumns = `id, workflow_id, method, parameters, state, response, utc_created, utc_updated, utc_eta, sequence_id, version`

func (s *Store) SaveActivity(ctx context.Context, act *eternity.ActivityEntity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curVersion uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM activity WHERE id = ?`, string(act.ID)).Scan(&curVersion)
	if err != nil {
		return err
	}
	if act.Version != 0 && act.Version != curVersion {
		return eternity.ErrContention
	}
	act.Version = curVersion + 1
	_, err = tx.ExecContext(ctx, `
		UPDATE activity SET state=?, response=?, utc_updated=?, utc_eta=?, version=? WHERE id=?`,
		string(act.State), act.Response, act.UtcUpdated.UnixNano(), act.UtcETA.UnixNano(), act.Version, string(act.ID))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetActivity(ctx context.Context, id eternity.ActivityID) (*eternity.ActivityEntity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activity WHERE id = ?`, string(id))
	return scanActivity(row)
}

func (s *Store) SaveWorkflowAndActivity(ctx context.Context, wf *eternity.WorkflowEntity, act *eternity.ActivityEntity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var wfVersion uint64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM workflow WHERE id = ?`, string(wf.ID)).Scan(&wfVersion); err != nil {
		return err
	}
	if wf.Version != 0 && wf.Version != wfVersion {
		return eternity.ErrContention
	}
	var actVersion uint64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM activity WHERE id = ?`, string(act.ID)).Scan(&actVersion); err != nil {
		return err
	}
	if act.Version != 0 && act.Version != actVersion {
		return eternity.ErrContention
	}

	wf.Version = wfVersion + 1
	act.Version = actVersion + 1

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow SET state=?, response=?, utc_updated=?, utc_eta=?, current_utc=?, current_waiting_id=?, version=? WHERE id=?`,
		string(wf.State), wf.Response, wf.UtcUpdated.UnixNano(), wf.UtcETA.UnixNano(), wf.CurrentUtc.UnixNano(),
		nullableActivityID(wf.CurrentWaitingID), wf.Version, string(wf.ID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE activity SET state=?, response=?, utc_updated=?, utc_eta=?, version=? WHERE id=?`,
		string(act.State), act.Response, act.UtcUpdated.UnixNano(), act.UtcETA.UnixNano(), act.Version, string(act.ID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PollDue(ctx context.Context, max int, now time.Time) ([]*eternity.WorkflowEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflow
		WHERE state NOT IN ('completed','failed') AND is_paused = 0 AND utc_eta <= ?
		ORDER BY utc_eta ASC LIMIT ?`, now.UnixNano(), max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*eternity.WorkflowEntity
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// AcquireLock retries on a bounded Fibonacci backoff.
func (s *Store) AcquireLock(ctx context.Context, workflowID eternity.WorkflowID, sequenceID int64) (eternity.LockHandle, error) {
	var handle eternity.LockHandle
	backoff := retry.NewFibonacci(10 * time.Millisecond)
	backoff = retry.WithMaxDuration(30*time.Second, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var expires int64
		err = tx.QueryRowContext(ctx, `SELECT expires_at FROM lease WHERE workflow_id = ?`, string(workflowID)).Scan(&expires)
		free := err == sql.ErrNoRows || (err == nil && time.Now().UnixNano() > expires)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if !free {
			return retry.RetryableError(fmt.Errorf("eternity/storage/sqlite: lease for %s still held", workflowID))
		}

		token := uuid.NewString()
		exp := time.Now().Add(30 * time.Second)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lease (workflow_id, token, expires_at) VALUES (?,?,?)
			ON CONFLICT(workflow_id) DO UPDATE SET token=excluded.token, expires_at=excluded.expires_at`,
			string(workflowID), token, exp.UnixNano())
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		handle = eternity.LockHandle{WorkflowID: workflowID, SequenceID: sequenceID, Token: token, ExpiresAt: exp}
		return nil
	})
	if err != nil {
		return eternity.LockHandle{}, err
	}
	return handle, nil
}

func (s *Store) ReleaseLock(ctx context.Context, handle eternity.LockHandle) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lease WHERE workflow_id = ? AND token = ?`, string(handle.WorkflowID), handle.Token)
	return err
}

func (s *Store) GetEventRoute(ctx context.Context, workflowID eternity.WorkflowID, name string) (*eternity.EventRoute, error) {
	var activityID string
	err := s.db.QueryRowContext(ctx, `SELECT activity_id FROM event_route WHERE workflow_id = ? AND name = ?`, string(workflowID), name).Scan(&activityID)
	if err == sql.ErrNoRows {
		return nil, eternity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &eternity.EventRoute{WorkflowID: workflowID, Name: name, ActivityID: eternity.ActivityID(activityID)}, nil
}

func (s *Store) DeleteEventRoute(ctx context.Context, workflowID eternity.WorkflowID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_route WHERE workflow_id = ? AND name = ?`, string(workflowID), name)
	return err
}

func (s *Store) DeleteHistory(ctx context.Context, workflowID eternity.WorkflowID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity WHERE workflow_id = ?`, string(workflowID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_route WHERE workflow_id = ?`, string(workflowID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Close() error { return s.db.Close() }
