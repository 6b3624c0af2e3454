package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

const taskColumns = `id, session_id, user_id, type, status, payload, result, last_error, sequence, created_at, updated_at`

// TaskStore implements ports.TaskStore on SQLite.
type TaskStore struct {
	db  *DB
	now func() time.Time
}

// NewTaskStore creates a task store on an open database
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t                 task.Task
		typ, status       string
		payload           string
		result, lastError sql.NullString
		created, updated  int64
	)
	if err := r.Scan(&t.ID, &t.SessionID, &t.UserID, &typ, &status, &payload, &result, &lastError, &t.Sequence, &created, &updated); err != nil {
		return nil, err
	}
	t.Type = task.Type(typ)
	t.Status = task.Status(status)

	var err error
	if t.Payload, err = task.DecodePayload(payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if result.Valid {
		if t.Result, err = task.DecodePayload(result.String); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if lastError.Valid {
		msg := lastError.String
		t.LastError = &msg
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return &t, nil
}

func getTask(ctx context.Context, q querier, id string) (*task.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.NewNotFoundError("task")
	}
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("get task", err)
	}
	return t, nil
}

func (s *TaskStore) insert(ctx context.Context, q querier, spec task.Spec) (*task.Task, error) {
	var owner string
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT user_id, next_sequence FROM sessions WHERE id = ?`, spec.SessionID).Scan(&owner, &seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := q.ExecContext(ctx, `INSERT INTO sessions (id, user_id) VALUES (?, ?)`, spec.SessionID, spec.UserID); err != nil {
			return nil, pkgerrors.NewDatabaseError("create session", err)
		}
	case err != nil:
		return nil, pkgerrors.NewDatabaseError("load session", err)
	case owner != spec.UserID:
		return nil, pkgerrors.NewForbiddenError("session belongs to another user")
	}

	res, err := q.ExecContext(ctx,
		`UPDATE sessions SET next_sequence = next_sequence + 1 WHERE id = ? AND next_sequence = ?`,
		spec.SessionID, seq)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("advance sequence", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, pkgerrors.NewConflictError("session sequence moved concurrently")
	}

	now := s.now()
	t := &task.Task{
		ID:        spec.ID,
		SessionID: spec.SessionID,
		UserID:    spec.UserID,
		Type:      spec.Type,
		Status:    task.StatusPending,
		Payload:   spec.Payload.Clone(),
		Sequence:  seq + 1,
		CreatedAt: spec.CreatedAt,
		UpdatedAt: now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	payload, err := t.Payload.Encode()
	if err != nil {
		return nil, pkgerrors.NewValidationError("payload is not serializable").WithCause(err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, user_id, type, status, payload, sequence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.UserID, string(t.Type), string(t.Status), payload, t.Sequence,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("insert task", err)
	}
	return t, nil
}

func (s *TaskStore) Create(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var created *task.Task
	err := s.db.inTx(ctx, func(q querier) error {
		var err error
		created, err = s.insert(ctx, q, spec)
		return err
	})
	if err != nil {
		return nil, asAppError("create task", err)
	}
	return created, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return getTask(ctx, s.db.db, id)
}

func (s *TaskStore) ListBySession(ctx context.Context, sessionID, userID string) ([]*task.Task, error) {
	var owner string
	err := s.db.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.NewNotFoundError("session")
	}
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("load session", err)
	}
	if owner != userID {
		return nil, pkgerrors.NewForbiddenError("session belongs to another user")
	}

	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("list tasks", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.NewDatabaseError("list tasks", err)
	}
	return out, nil
}

// writeStatus persists t's mutable columns, guarded by its previous status.
func writeStatus(ctx context.Context, q querier, t *task.Task, prev task.Status) error {
	var result, lastError any
	if t.Result != nil {
		enc, err := t.Result.Encode()
		if err != nil {
			return pkgerrors.NewValidationError("result is not serializable").WithCause(err)
		}
		result = enc
	}
	if t.LastError != nil {
		lastError = *t.LastError
	}

	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(t.Status), result, lastError, t.UpdatedAt.UnixNano(), t.ID, string(prev))
	if err != nil {
		return pkgerrors.NewDatabaseError("update task", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return pkgerrors.NewConflictError(fmt.Sprintf("task '%s' changed concurrently", t.ID))
	}
	return nil
}

func releaseSlot(ctx context.Context, q querier, sessionID, taskID string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sessions SET running_task_id = '' WHERE id = ? AND running_task_id = ?`, sessionID, taskID)
	if err != nil {
		return pkgerrors.NewDatabaseError("release session slot", err)
	}
	return nil
}

func (s *TaskStore) UpdateStatus(ctx context.Context, id string, u task.StatusUpdate) (*task.Task, error) {
	var updated *task.Task
	err := s.db.inTx(ctx, func(q querier) error {
		t, err := getTask(ctx, q, id)
		if err != nil {
			return err
		}
		if !u.Allows(t.Status) {
			return pkgerrors.NewConflictError(fmt.Sprintf("task '%s' is %s", id, t.Status))
		}

		if u.To == task.StatusRunning {
			res, err := q.ExecContext(ctx,
				`UPDATE sessions SET running_task_id = ? WHERE id = ? AND (running_task_id = '' OR running_task_id = ?)`,
				id, t.SessionID, id)
			if err != nil {
				return pkgerrors.NewDatabaseError("claim session slot", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return pkgerrors.NewConflictError(fmt.Sprintf("session '%s' already has a running task", t.SessionID))
			}
		} else if err := releaseSlot(ctx, q, t.SessionID, id); err != nil {
			return err
		}

		prev := t.Status
		u.Apply(t, s.now())
		if err := writeStatus(ctx, q, t, prev); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, asAppError("update status", err)
	}
	return updated, nil
}

func (s *TaskStore) CompleteAndEnqueue(ctx context.Context, id string, result task.Payload, next *task.Spec) (*task.Task, *task.Task, error) {
	if next != nil {
		if err := next.Validate(); err != nil {
			return nil, nil, err
		}
	}

	var done, successor *task.Task
	err := s.db.inTx(ctx, func(q querier) error {
		t, err := getTask(ctx, q, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusRunning {
			return pkgerrors.NewConflictError(fmt.Sprintf("task '%s' is %s", id, t.Status))
		}

		if next != nil {
			if next.SessionID != t.SessionID || next.UserID != t.UserID {
				return pkgerrors.NewValidationError("successor must stay in the same session")
			}
			if successor, err = s.insert(ctx, q, *next); err != nil {
				return err
			}
		}

		if err := releaseSlot(ctx, q, t.SessionID, id); err != nil {
			return err
		}
		task.StatusUpdate{From: []task.Status{task.StatusRunning}, To: task.StatusSucceeded, Result: result}.Apply(t, s.now())
		if err := writeStatus(ctx, q, t, task.StatusRunning); err != nil {
			return err
		}
		done = t
		return nil
	})
	if err != nil {
		return nil, nil, asAppError("complete task", err)
	}
	return done, successor, nil
}

func (s *TaskStore) NextPending(ctx context.Context, sessionID string) (*task.Task, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND status = ? ORDER BY sequence ASC LIMIT 1`,
		sessionID, string(task.StatusPending))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("next pending", err)
	}
	return t, nil
}

func (s *TaskStore) PendingSessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT session_id, MIN(created_at) AS oldest FROM tasks WHERE status = ?
		 GROUP BY session_id ORDER BY oldest ASC, session_id ASC LIMIT ?`,
		string(task.StatusPending), limit)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("pending sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var oldest int64
		if err := rows.Scan(&id, &oldest); err != nil {
			return nil, pkgerrors.NewDatabaseError("scan pending session", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func asAppError(op string, err error) error {
	if pkgerrors.IsAppError(err) {
		return err
	}
	return pkgerrors.NewDatabaseError(op, err)
}
