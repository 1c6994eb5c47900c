package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"leadline/internal/domain"
)

const taskColumns = `id,type,status,user_email,input_json,output_json,error_message,attempts,started_at,completed_at,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var input, output, errMsg, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.UserEmail, &input, &output, &errMsg, &t.Attempts, &startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if input.Valid && input.String != "" {
		t.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		t.Output = json.RawMessage(output.String)
	}
	t.ErrorMessage = ptr(errMsg)
	t.StartedAt = ptr(startedAt)
	t.CompletedAt = ptr(completedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Status, t.UserEmail, rawJSON(t.Input), rawJSON(t.Output), nullableStringPtr(t.ErrorMessage),
		t.Attempts, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status          string
	Type            string
	UserEmail       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.UserEmail != "" {
		clauses = append(clauses, "user_email=?")
		args = append(args, f.UserEmail)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

// StartTask marks a PENDING task RUNNING and counts the attempt. It reports
// false when the task is no longer pending.
func (r Repo) StartTask(ctx context.Context, id, at string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, attempts=attempts+1, started_at=COALESCE(started_at,?), updated_at=?
WHERE id=? AND status IN (?,?)`, domain.TaskRunning, at, at, id, domain.TaskPending, domain.TaskRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishTask records a terminal outcome unless the task already failed, so a
// cancellation is never overwritten.
func (r Repo) FinishTask(ctx context.Context, id string, status domain.TaskStatus, output json.RawMessage, errMsg *string, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, output_json=COALESCE(?,output_json), error_message=?, completed_at=?, updated_at=?
WHERE id=? AND status<>?`, status, rawJSON(output), nullableStringPtr(errMsg), at, at, id, domain.TaskFailed)
	return err
}

// RetryTask returns a RUNNING task to PENDING with the last error.
func (r Repo) RetryTask(ctx context.Context, id, errMsg, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, error_message=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskPending, errMsg, at, id, domain.TaskRunning)
	return err
}

// FailTask marks a PENDING or RUNNING task FAILED. It reports false when the
// task was already finished.
func (r Repo) FailTask(ctx context.Context, id, errMsg, at string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, error_message=?, completed_at=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.TaskFailed, errMsg, at, at, id, domain.TaskPending, domain.TaskRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteFinishedTasks removes completed or failed tasks finished before cutoff.
func (r Repo) DeleteFinishedTasks(ctx context.Context, before string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE status IN (?,?) AND completed_at IS NOT NULL AND completed_at<?`,
		domain.TaskCompleted, domain.TaskFailed, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func rawJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
