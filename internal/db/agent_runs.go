package db

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/internal/models"
)

// StartAgentRun records a stage invocation beginning and returns its id.
func (c *Client) StartAgentRun(ctx context.Context, taskID, agentName string) (int64, error) {
	now := time.Now().UTC()

	if c.driver == "postgres" {
		var id int64
		q := c.db.Rebind(`
			INSERT INTO agent_runs (task_id, agent_name, status, started_at)
			VALUES (?, ?, ?, ?) RETURNING id
		`)
		if err := c.db.GetContext(ctx, &id, q, taskID, agentName, models.AgentRunStarted, now); err != nil {
			return 0, fmt.Errorf("start agent run: %w", err)
		}
		return id, nil
	}

	q := c.db.Rebind(`
		INSERT INTO agent_runs (task_id, agent_name, status, started_at)
		VALUES (?, ?, ?, ?)
	`)
	res, err := c.db.ExecContext(ctx, q, taskID, agentName, models.AgentRunStarted, now)
	if err != nil {
		return 0, fmt.Errorf("start agent run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("start agent run id: %w", err)
	}
	return id, nil
}

// MarkAgentRunRunning flips a fresh run from STARTED to RUNNING.
func (c *Client) MarkAgentRunRunning(ctx context.Context, id int64) error {
	q := c.db.Rebind(`UPDATE agent_runs SET status = ? WHERE id = ?`)
	if _, err := c.db.ExecContext(ctx, q, models.AgentRunRunning, id); err != nil {
		return fmt.Errorf("mark agent run running: %w", err)
	}
	return nil
}

// FinishAgentRun finalizes a stage invocation.
func (c *Client) FinishAgentRun(ctx context.Context, id int64, status models.AgentRunStatus, outputSummary string) error {
	q := c.db.Rebind(`
		UPDATE agent_runs
		SET status = ?, finished_at = ?, output_summary = COALESCE(?, output_summary)
		WHERE id = ?
	`)
	if _, err := c.db.ExecContext(ctx, q, status, time.Now().UTC(), nullIfEmpty(outputSummary), id); err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	return nil
}

// FinalizeOpenAgentRuns closes every run for the task that never finished.
// Worker teardown calls this so no run is left dangling on any exit path.
func (c *Client) FinalizeOpenAgentRuns(ctx context.Context, taskID string, status models.AgentRunStatus) error {
	q := c.db.Rebind(`
		UPDATE agent_runs
		SET status = ?, finished_at = ?
		WHERE task_id = ? AND finished_at IS NULL
	`)
	if _, err := c.db.ExecContext(ctx, q, status, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("finalize agent runs: %w", err)
	}
	return nil
}

// ListAgentRuns returns a task's stage invocations in start order.
func (c *Client) ListAgentRuns(ctx context.Context, taskID string) ([]AgentRun, error) {
	runs := []AgentRun{}
	q := c.db.Rebind(`SELECT * FROM agent_runs WHERE task_id = ? ORDER BY id ASC`)
	if err := c.db.SelectContext(ctx, &runs, q, taskID); err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	return runs, nil
}
