package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// PostgresStore keeps the audit trail in Postgres for multi-instance deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initAuditSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initAuditSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			provider TEXT NOT NULL DEFAULT '',
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_events (task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_project_created ON audit_events (project_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_workflow ON audit_events (workflow_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init audit schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Record inserts an audit event.
func (s *PostgresStore) Record(ctx context.Context, ev models.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (
			kind, task_id, project_id, workflow_id, status, retry_count,
			provider, cost, detail, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		string(ev.Kind), ev.TaskID, ev.ProjectID, ev.WorkflowID, string(ev.Status), ev.RetryCount,
		ev.Provider, ev.Cost, ev.Detail, ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Events returns matching events, oldest first, capped at the query limit.
func (s *PostgresStore) Events(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
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
	args = append(args, q.limit())
	query = fmt.Sprintf("SELECT * FROM (%s ORDER BY id DESC LIMIT $%d) recent ORDER BY id ASC", query, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		ev, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanAuditRow(row pgx.Row) (models.AuditEvent, error) {
	var (
		ev           models.AuditEvent
		kind, status string
	)
	if err := row.Scan(&ev.ID, &kind, &ev.TaskID, &ev.ProjectID, &ev.WorkflowID, &status,
		&ev.RetryCount, &ev.Provider, &ev.Cost, &ev.Detail, &ev.Timestamp); err != nil {
		return models.AuditEvent{}, fmt.Errorf("scan audit event: %w", err)
	}
	ev.Kind = models.AuditKind(kind)
	ev.Status = models.TaskStatus(status)
	return ev, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
