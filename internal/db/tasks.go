package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/internal/models"
)

// CreateTask inserts a new task record in PENDING.
func (c *Client) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt

	q := c.db.Rebind(`
		INSERT INTO tasks (id, title, input_prompt, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := c.db.ExecContext(ctx, q, t.ID, t.Title, t.InputPrompt, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// FetchTask returns the task record or ErrNotFound.
func (c *Client) FetchTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	q := c.db.Rebind(`SELECT * FROM tasks WHERE id = ?`)
	if err := c.db.GetContext(ctx, &t, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	return &t, nil
}

// ListTasks returns a page of tasks ordered newest first, with the total
// count for the filter.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}

	where := ""
	args := []interface{}{}
	if f.Status != "" {
		where = " WHERE status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := c.db.GetContext(ctx, &total, c.db.Rebind(`SELECT COUNT(*) FROM tasks`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	tasks := []Task{}
	q := c.db.Rebind(`SELECT * FROM tasks` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	if err := c.db.SelectContext(ctx, &tasks, q, args...); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// UpdateTaskTitle renames a task and returns the updated record.
func (c *Client) UpdateTaskTitle(ctx context.Context, id, title string) (*Task, error) {
	q := c.db.Rebind(`UPDATE tasks SET title = ?, updated_at = ? WHERE id = ?`)
	res, err := c.db.ExecContext(ctx, q, title, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update task title: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return c.FetchTask(ctx, id)
}

// UpdateTaskStatus transitions the task record. resultSummary and
// errorMessage are applied only when non-empty, so terminal writers can set
// exactly one of them.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, resultSummary, errorMessage string) error {
	q := c.db.Rebind(`
		UPDATE tasks
		SET status = ?,
		    result_summary = COALESCE(?, result_summary),
		    error_message = COALESCE(?, error_message),
		    updated_at = ?
		WHERE id = ?
	`)
	res, err := c.db.ExecContext(ctx, q, status, nullIfEmpty(resultSummary), nullIfEmpty(errorMessage), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes the task; event_log, agent_runs, and artifacts rows
// cascade with it.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	q := c.db.Rebind(`DELETE FROM tasks WHERE id = ?`)
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
