package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// AuditQuery filters audit events. Zero fields match everything.
type AuditQuery struct {
	TaskID     string
	ProjectID  string
	WorkflowID string
	Kind       models.AuditKind
	// Limit caps the result; zero means DefaultQueryLimit.
	Limit int
}

// DefaultQueryLimit bounds audit queries without an explicit limit.
const DefaultQueryLimit = 100

func (q AuditQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// AuditStore persists and queries the task audit trail.
type AuditStore interface {
	io.Closer
	Record(ctx context.Context, ev models.AuditEvent) error
	Events(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error)
}

var (
	_ AuditStore = (*DB)(nil)
	_ AuditStore = (*PostgresStore)(nil)
)
