package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("done").Valid() {
		t.Error("expected 'done' to be invalid")
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskStatusPending, TaskStatusAssigned, true},
		{TaskStatusPending, TaskStatusRunning, false},
		{TaskStatusAssigned, TaskStatusRunning, true},
		// Worker loss before execution returns the task to pending.
		{TaskStatusAssigned, TaskStatusPending, true},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		// Worker loss mid-flight also returns the task to pending.
		{TaskStatusRunning, TaskStatusPending, true},
		// Retry below the ceiling.
		{TaskStatusFailed, TaskStatusPending, true},
		{TaskStatusCompleted, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if !TaskStatusCompleted.Terminal() || !TaskStatusFailed.Terminal() {
		t.Error("completed and failed must be terminal")
	}
	if TaskStatusPending.Terminal() || TaskStatusAssigned.Terminal() || TaskStatusRunning.Terminal() {
		t.Error("pending, assigned and running must not be terminal")
	}
}

func TestProblemStateValid(t *testing.T) {
	valid := []ProblemState{
		ProblemStateRunning, ProblemStateValidating, ProblemStateSolved, ProblemStateFailed,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if ProblemState("finished").Valid() {
		t.Error("expected 'finished' to be invalid")
	}

	if !ProblemStateSolved.Terminal() || !ProblemStateFailed.Terminal() {
		t.Error("solved and failed must be terminal")
	}
	if ProblemStateRunning.Terminal() || ProblemStateValidating.Terminal() {
		t.Error("running and validating must not be terminal")
	}
}
