package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new migrated temporary database.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	rows, err := db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		versions = append(versions, v)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("versions = %v, want [1 2]", versions)
	}
}

func auditEvent(kind models.AuditKind, task, project string, at time.Time) models.AuditEvent {
	return models.AuditEvent{
		Kind:      kind,
		TaskID:    task,
		ProjectID: project,
		Status:    models.TaskStatusQueued,
		Timestamp: at,
	}
}

func TestRecordAndEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []models.AuditEvent{
		auditEvent(models.AuditEnqueued, "t1", "alpha", base),
		auditEvent(models.AuditStarted, "t1", "alpha", base.Add(time.Second)),
		auditEvent(models.AuditEnqueued, "t2", "beta", base.Add(2*time.Second)),
	}
	done := auditEvent(models.AuditCompleted, "t1", "alpha", base.Add(3*time.Second))
	done.Status = models.TaskStatusCompleted
	done.Provider = "anthropic"
	done.Cost = 0.0125
	done.WorkflowID = "wf-1"
	events = append(events, done)

	for _, ev := range events {
		if err := db.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	tests := []struct {
		name  string
		query AuditQuery
		want  []models.AuditKind
	}{
		{"all", AuditQuery{}, []models.AuditKind{models.AuditEnqueued, models.AuditStarted, models.AuditEnqueued, models.AuditCompleted}},
		{"by task", AuditQuery{TaskID: "t1"}, []models.AuditKind{models.AuditEnqueued, models.AuditStarted, models.AuditCompleted}},
		{"by project", AuditQuery{ProjectID: "beta"}, []models.AuditKind{models.AuditEnqueued}},
		{"by kind", AuditQuery{Kind: models.AuditEnqueued}, []models.AuditKind{models.AuditEnqueued, models.AuditEnqueued}},
		{"by workflow", AuditQuery{WorkflowID: "wf-1"}, []models.AuditKind{models.AuditCompleted}},
		{"limit keeps newest", AuditQuery{TaskID: "t1", Limit: 2}, []models.AuditKind{models.AuditStarted, models.AuditCompleted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Events(ctx, tt.query)
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, ev := range got {
				if ev.Kind != tt.want[i] {
					t.Errorf("event %d kind = %s, want %s", i, ev.Kind, tt.want[i])
				}
			}
		})
	}

	got, err := db.Events(ctx, AuditQuery{Kind: models.AuditCompleted})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d completed events, want 1", len(got))
	}
	ev := got[0]
	if ev.Provider != "anthropic" || ev.Cost != 0.0125 || ev.Status != models.TaskStatusCompleted {
		t.Errorf("round trip lost fields: %+v", ev)
	}
	if !ev.Timestamp.Equal(done.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, done.Timestamp)
	}
	if ev.ID == 0 {
		t.Error("expected ID to be assigned")
	}
}

func TestPurgeBefore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.Record(ctx, auditEvent(models.AuditEnqueued, "old", "p", time.Now().Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := db.Record(ctx, auditEvent(models.AuditEnqueued, "new", "p", time.Now())); err != nil {
		t.Fatal(err)
	}

	n, err := db.PurgeBefore(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	left, _ := db.Events(ctx, AuditQuery{})
	if len(left) != 1 || left[0].TaskID != "new" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestFormatAndParseTime(t *testing.T) {
	in := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.FixedZone("x", 3600))
	out, err := parseTime(formatTime(in))
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("got %v, want %v", out, in)
	}
}
