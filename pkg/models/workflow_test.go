package models

import "testing"

func TestWorkflowStatus_Terminal(t *testing.T) {
	tests := []struct {
		status WorkflowStatus
		want   bool
	}{
		{WorkflowAnalyzing, false},
		{WorkflowPlanned, false},
		{WorkflowRunning, false},
		{WorkflowManagerReview, false},
		{WorkflowAwaitingCEO, false},
		{WorkflowPaused, false},
		{WorkflowCompleted, true},
		{WorkflowFailed, true},
		{WorkflowCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
			if !tt.status.Valid() {
				t.Errorf("expected %q to be valid", tt.status)
			}
		})
	}
}

func TestWorkflowTask_Done(t *testing.T) {
	tests := []struct {
		name string
		task WorkflowTask
		want bool
	}{
		{"unsubmitted", WorkflowTask{}, false},
		{"running", WorkflowTask{Status: TaskStatusRunning}, false},
		{"completed", WorkflowTask{Status: TaskStatusCompleted}, true},
		{"skipped", WorkflowTask{Skipped: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Done(); got != tt.want {
				t.Errorf("Done() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCostTierAndIntent(t *testing.T) {
	if !TierPremium.Valid() || CostTier("gold").Valid() {
		t.Error("unexpected CostTier validity")
	}
	if Intent("").OrDefault() != IntentGeneral {
		t.Error("empty intent should default to general")
	}
	if IntentCoding.OrDefault() != IntentCoding {
		t.Error("known intent should be preserved")
	}
}
