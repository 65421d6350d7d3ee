package models

import (
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"queued is valid", TaskStatusQueued, true},
		{"scheduled is valid", TaskStatusScheduled, true},
		{"running is valid", TaskStatusRunning, true},
		{"completed is valid", TaskStatusCompleted, true},
		{"failed is valid", TaskStatusFailed, true},
		{"cancelled is valid", TaskStatusCancelled, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("done"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusQueued, false},
		{TaskStatusScheduled, false},
		{TaskStatusRunning, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPriority_Rank(t *testing.T) {
	if PriorityHigh.Rank() >= PriorityNormal.Rank() {
		t.Error("high should drain before normal")
	}
	if PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Error("normal should drain before low")
	}
	if Priority("").Rank() != PriorityNormal.Rank() {
		t.Error("empty priority should rank as normal")
	}
	for i, p := range Priorities {
		if p.Rank() != i {
			t.Errorf("Priorities[%d] = %s has rank %d", i, p, p.Rank())
		}
	}
}

func TestTask_Duration(t *testing.T) {
	task := Task{}
	if task.Duration() != 0 {
		t.Errorf("expected zero duration for unstarted task, got %v", task.Duration())
	}

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(90 * time.Second)
	task.StartedAt = &start
	task.CompletedAt = &end
	if task.Duration() != 90*time.Second {
		t.Errorf("expected 90s, got %v", task.Duration())
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := Task{
		ID:           "t1",
		AllowedTools: []string{"read_file"},
		DependsOn:    []string{"t0"},
		StartedAt:    &now,
		Result:       &JobResult{Logs: []string{"a"}},
	}

	c := orig.Clone()
	c.AllowedTools[0] = "write_file"
	c.DependsOn[0] = "other"
	*c.StartedAt = now.Add(time.Hour)
	c.Result.Logs[0] = "b"

	if orig.AllowedTools[0] != "read_file" {
		t.Error("AllowedTools shared with clone")
	}
	if orig.DependsOn[0] != "t0" {
		t.Error("DependsOn shared with clone")
	}
	if !orig.StartedAt.Equal(now) {
		t.Error("StartedAt shared with clone")
	}
	if orig.Result.Logs[0] != "a" {
		t.Error("Result shared with clone")
	}
}
