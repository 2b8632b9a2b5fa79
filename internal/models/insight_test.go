package models

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to InsightStatus
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusPending, StatusDismissed, true},
		{StatusInProgress, StatusDismissed, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusDismissed, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusDismissed, StatusPending, false},
		{StatusDismissed, StatusInProgress, false},
		{StatusInProgress, StatusPending, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestInsightStatus_IsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusInProgress.IsTerminal() {
		t.Error("open statuses reported terminal")
	}
	if !StatusCompleted.IsTerminal() || !StatusDismissed.IsTerminal() {
		t.Error("terminal statuses not reported terminal")
	}
}

func TestPriority_Escalate(t *testing.T) {
	tests := map[Priority]Priority{
		PriorityLow:      PriorityMedium,
		PriorityMedium:   PriorityHigh,
		PriorityHigh:     PriorityCritical,
		PriorityCritical: PriorityCritical,
	}
	for in, want := range tests {
		if got := in.Escalate(); got != want {
			t.Errorf("%s.Escalate() = %s, want %s", in, got, want)
		}
	}
}
