package db

import (
	"context"
	"fmt"
)

// Relational layout: tasks own event_log, agent_runs, and artifacts rows;
// deleting a task cascades through all three.

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	title          TEXT,
	input_prompt   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	result_summary TEXT,
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS event_log (
	id         BIGSERIAL PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	event_id   BIGINT NOT NULL,
	event_kind TEXT NOT NULL,
	stage_name TEXT,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (task_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_event_log_task ON event_log (task_id, event_id);

CREATE TABLE IF NOT EXISTS agent_runs (
	id             BIGSERIAL PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	agent_name     TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	output_summary TEXT
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs (task_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id         BIGSERIAL PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	file_path  TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	content    TEXT NOT NULL,
	language   TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (task_id, file_path, version)
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	title          TEXT,
	input_prompt   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	result_summary TEXT,
	error_message  TEXT,
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS event_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	event_id   INTEGER NOT NULL,
	event_kind TEXT NOT NULL,
	stage_name TEXT,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (task_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_event_log_task ON event_log (task_id, event_id);

CREATE TABLE IF NOT EXISTS agent_runs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	agent_name     TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	finished_at    TIMESTAMP,
	output_summary TEXT
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs (task_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	file_path  TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	content    TEXT NOT NULL,
	language   TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (task_id, file_path, version)
);
`

// EnsureSchema creates the relations when missing. Idempotent; keeps dev and
// test environments self-contained without external migration tooling.
func (c *Client) EnsureSchema(ctx context.Context) error {
	ddl := schemaPostgres
	if c.driver == "sqlite3" {
		ddl = schemaSQLite
		// Cascade deletes require the pragma on every sqlite connection.
		if _, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
