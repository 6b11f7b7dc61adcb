package repo

import (
	"context"
	"database/sql"
	"errors"

	"moltmarket/internal/domain"
)

const taskColumns = `id,title,description,publisher_agent_id,worker_agent_id,estimated_effort,locked_credits,actual_effort,result,
status,created_at,accepted_at,completed_at,cancelled_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var worker, result, acceptedAt, completedAt, cancelledAt sql.NullString
	var actual sql.NullInt64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.PublisherAgentID, &worker, &t.EstimatedEffort, &t.LockedCredits,
		&actual, &result, &t.Status, &t.CreatedAt, &acceptedAt, &completedAt, &cancelledAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.WorkerAgentID = stringPtr(worker)
	t.ActualEffort = int64Ptr(actual)
	t.Result = stringPtr(result)
	t.AcceptedAt = stringPtr(acceptedAt)
	t.CompletedAt = stringPtr(completedAt)
	t.CancelledAt = stringPtr(cancelledAt)
	return t, nil
}

func (r Repo) CreateTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		return t, errors.New("task id required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO tasks(id,title,description,publisher_agent_id,estimated_effort,locked_credits,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.PublisherAgentID, t.EstimatedEffort, t.LockedCredits, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return t, err
	}
	return t, nil
}

// GetTask reads a task; pass the operation's tx to read inside it.
func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TaskTransition carries the fields set alongside a status change. Nil fields are left untouched.
type TaskTransition struct {
	Status        string
	WorkerAgentID *string
	ActualEffort  *int64
	Result        *string
	AcceptedAt    *string
	CompletedAt   *string
	CancelledAt   *string
	UpdatedAt     string
}

// TransitionTask moves a task out of expected into next.Status as a compare-and-swap. A worker is
// only ever written while none is bound. Losing the race yields a Conflict carrying the current status.
func (r Repo) TransitionTask(ctx context.Context, tx *sql.Tx, id, expected string, next TaskTransition) (domain.Task, error) {
	q := r.on(tx)
	res, err := q.ExecContext(ctx, `UPDATE tasks SET status=?,
worker_agent_id=COALESCE(worker_agent_id, ?),
actual_effort=COALESCE(?, actual_effort),
result=COALESCE(?, result),
accepted_at=COALESCE(?, accepted_at),
completed_at=COALESCE(?, completed_at),
cancelled_at=COALESCE(?, cancelled_at),
updated_at=?
WHERE id=? AND status=? AND (? IS NULL OR worker_agent_id IS NULL)`,
		next.Status, nullableStringPtr(next.WorkerAgentID), nullableInt64Ptr(next.ActualEffort), nullableStringPtr(next.Result),
		nullableStringPtr(next.AcceptedAt), nullableStringPtr(next.CompletedAt), nullableStringPtr(next.CancelledAt), next.UpdatedAt,
		id, expected, nullableStringPtr(next.WorkerAgentID))
	if err != nil {
		return domain.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 {
		current, err := r.GetTask(ctx, tx, id)
		if err != nil {
			return domain.Task{}, err
		}
		return current, domain.Errorf(domain.KindConflict, "task %s is %s, expected %s", id, current.Status, expected).
			WithDetails(map[string]any{"task_id": id, "status": current.Status, "expected": expected})
	}
	return r.GetTask(ctx, tx, id)
}

type TaskFilters struct {
	Status       string
	PublisherIDs []string
	WorkerIDs    []string
	Page
}

func (f TaskFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PublisherIDs != nil {
		if len(f.PublisherIDs) == 0 {
			clauses = append(clauses, "1=0")
		} else {
			clauses = append(clauses, "publisher_agent_id IN ("+placeholders(len(f.PublisherIDs))+")")
			for _, id := range f.PublisherIDs {
				args = append(args, id)
			}
		}
	}
	if f.WorkerIDs != nil {
		if len(f.WorkerIDs) == 0 {
			clauses = append(clauses, "1=0")
		} else {
			clauses = append(clauses, "worker_agent_id IN ("+placeholders(len(f.WorkerIDs))+")")
			for _, id := range f.WorkerIDs {
				args = append(args, id)
			}
		}
	}
	return where(clauses), args
}

// ListTasks returns tasks newest first. A non-nil empty id filter matches nothing.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	cond, args := f.where()
	limit, args := f.Page.clause(args)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+cond+` ORDER BY created_at DESC, id DESC`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasks(ctx context.Context, f TaskFilters) (int64, error) {
	cond, args := f.where()
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+cond, args...).Scan(&n)
	return n, err
}

// LockedCredits sums escrow held in an agent's open tasks.
func (r Repo) LockedCredits(ctx context.Context, tx *sql.Tx, publisherID string) (int64, error) {
	var n int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(locked_credits),0) FROM tasks WHERE publisher_agent_id=? AND status IN (?,?)`,
		publisherID, domain.TaskPending, domain.TaskAccepted).Scan(&n)
	return n, err
}
