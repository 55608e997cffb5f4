package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SaveArtifact stores a new version of a file. Versions start at 1 and
// increment per (task, path); earlier versions stay readable.
func (c *Client) SaveArtifact(ctx context.Context, a *Artifact) (int, error) {
	if a == nil {
		return 0, nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err := c.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		var next int
		q := tx.Rebind(`SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE task_id = ? AND file_path = ?`)
		if err := tx.GetContext(ctx, &next, q, a.TaskID, a.FilePath); err != nil {
			return err
		}
		a.Version = next

		q = tx.Rebind(`
			INSERT INTO artifacts (task_id, file_path, version, content, language, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		_, err := tx.ExecContext(ctx, q, a.TaskID, a.FilePath, a.Version, a.Content, a.Language, a.CreatedAt)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save artifact: %w", err)
	}
	return a.Version, nil
}

// ListArtifacts returns the latest version of every file the task produced.
func (c *Client) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	artifacts := []Artifact{}
	q := c.db.Rebind(`
		SELECT a.* FROM artifacts a
		JOIN (
			SELECT file_path, MAX(version) AS version
			FROM artifacts WHERE task_id = ?
			GROUP BY file_path
		) latest ON a.file_path = latest.file_path AND a.version = latest.version
		WHERE a.task_id = ?
		ORDER BY a.file_path ASC
	`)
	if err := c.db.SelectContext(ctx, &artifacts, q, taskID, taskID); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

// FetchArtifact returns one version of a file; version <= 0 means latest.
func (c *Client) FetchArtifact(ctx context.Context, taskID, filePath string, version int) (*Artifact, error) {
	var a Artifact
	var err error
	if version > 0 {
		q := c.db.Rebind(`SELECT * FROM artifacts WHERE task_id = ? AND file_path = ? AND version = ?`)
		err = c.db.GetContext(ctx, &a, q, taskID, filePath, version)
	} else {
		q := c.db.Rebind(`SELECT * FROM artifacts WHERE task_id = ? AND file_path = ? ORDER BY version DESC LIMIT 1`)
		err = c.db.GetContext(ctx, &a, q, taskID, filePath)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	return &a, nil
}
