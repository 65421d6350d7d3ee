package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// Record inserts an audit event.
func (db *DB) Record(ctx context.Context, ev models.AuditEvent) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO audit_events (
			kind, task_id, project_id, workflow_id, status, retry_count,
			provider, cost, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(ev.Kind), ev.TaskID, ev.ProjectID, ev.WorkflowID, string(ev.Status), ev.RetryCount,
		ev.Provider, ev.Cost, ev.Detail, formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Events returns matching events, oldest first, capped at the query limit.
func (db *DB) Events(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("task_id", q.TaskID)
	add("project_id", q.ProjectID)
	add("workflow_id", q.WorkflowID)
	add("kind", string(q.Kind))

	query := `SELECT id, kind, task_id, project_id, workflow_id, status, retry_count,
		provider, cost, detail, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Take the newest rows, then present them oldest first.
	query = "SELECT * FROM (" + query + " ORDER BY id DESC LIMIT ?) ORDER BY id ASC"
	args = append(args, q.limit())

	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var (
			ev                   models.AuditEvent
			kind, status, create string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.TaskID, &ev.ProjectID, &ev.WorkflowID, &status,
			&ev.RetryCount, &ev.Provider, &ev.Cost, &ev.Detail, &create); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Kind = models.AuditKind(kind)
		ev.Status = models.TaskStatus(status)
		if ev.Timestamp, err = parseTime(create); err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", create, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
