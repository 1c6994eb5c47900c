package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"leadline/internal/audit"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

// TaskCancelled is stored on tasks cancelled through the API or CLI.
const TaskCancelled = "Task cancelled by user"

// CreateTask inserts a PENDING task record for a dispatched job.
func (e Engine) CreateTask(ctx context.Context, taskType string, input json.RawMessage, userEmail string) (string, error) {
	now := e.nowString()
	t := domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Status:    domain.TaskPending,
		UserEmail: userEmail,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertTask(ctx, nil, t); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	e.taskLog(ctx, t.ID, "task_created", map[string]any{"type": taskType, "user_email": userEmail})
	return t.ID, nil
}

func (e Engine) StartTask(ctx context.Context, id string) (bool, error) {
	ok, err := e.Repo.StartTask(ctx, id, e.nowString())
	if err != nil || !ok {
		return ok, err
	}
	e.taskLog(ctx, id, "task_started", nil)
	return true, nil
}

func (e Engine) CompleteTask(ctx context.Context, id string, output any) error {
	var raw json.RawMessage
	switch v := output.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode task output: %w", err)
		}
		raw = data
	}
	if err := e.Repo.FinishTask(ctx, id, domain.TaskCompleted, raw, nil, e.nowString()); err != nil {
		return err
	}
	e.taskLog(ctx, id, "task_completed", nil)
	return nil
}

// RetryTask puts a RUNNING task back to PENDING ahead of another attempt.
func (e Engine) RetryTask(ctx context.Context, id, errMsg string) error {
	if err := e.Repo.RetryTask(ctx, id, errMsg, e.nowString()); err != nil {
		return err
	}
	e.taskLog(ctx, id, "task_retry_scheduled", map[string]any{"error": errMsg})
	return nil
}

func (e Engine) FailTask(ctx context.Context, id, errMsg string) error {
	ok, err := e.Repo.FailTask(ctx, id, errMsg, e.nowString())
	if err != nil {
		return err
	}
	if ok {
		e.taskLog(ctx, id, "task_failed", map[string]any{"error": errMsg})
	}
	return nil
}

// CancelTask fails a PENDING or RUNNING task. Work already running is not
// interrupted; the worker checks the task before every attempt.
func (e Engine) CancelTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskRunning {
		return t, &domain.ValidationError{Reason: fmt.Sprintf("task is already %s", t.Status), IDs: []string{id}}
	}
	ok, err := e.Repo.FailTask(ctx, id, TaskCancelled, e.nowString())
	if err != nil {
		return t, err
	}
	if !ok {
		return t, &domain.ValidationError{Reason: "task finished before it could be cancelled", IDs: []string{id}}
	}
	e.audit(ctx, audit.Entry{Actor: actorID, Action: "task_cancelled", ResourceType: "task", ResourceID: id})
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// TaskLogs returns the provenance entries recorded for a task.
func (e Engine) TaskLogs(ctx context.Context, id string, limit int) ([]domain.Provenance, error) {
	if _, err := e.Repo.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListProvenance(ctx, repo.ProvenanceFilters{ResourceType: "task", ResourceID: id, Limit: limit})
}

func (e Engine) taskLog(ctx context.Context, id, action string, details map[string]any) {
	actor := e.WorkerID
	if actor == "" {
		actor = "system"
	}
	e.audit(ctx, audit.Entry{Actor: actor, Action: action, ResourceType: "task", ResourceID: id, Details: details})
}
