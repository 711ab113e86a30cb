package models

import "testing"

// TestStateMachineHappyPath walks the full lifecycle of a successful job.
func TestStateMachineHappyPath(t *testing.T) {
	j := NewTranscriptionJob("u", "/tmp/a.wav", JobOptions{Model: "small"}, "auto", "float32")
	if j.State() != JobStatePending {
		t.Fatalf("initial state = %s, want pending", j.State())
	}

	for _, to := range []JobState{
		JobStateAdmitted,
		JobStateSlotAcquiring,
		JobStateModelResolving,
		JobStateRunning,
		JobStateSucceeded,
	} {
		if err := j.SetState(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if !j.State().Terminal() {
		t.Fatal("succeeded should be terminal")
	}
}

// TestStateMachineRejectsSkips checks illegal forward jumps are refused.
func TestStateMachineRejectsSkips(t *testing.T) {
	j := NewTranscriptionJob("u", "/tmp/a.wav", JobOptions{Model: "small"}, "auto", "float32")

	if err := j.SetState(JobStateRunning); err == nil {
		t.Fatal("pending -> running should be rejected")
	}
	if err := j.SetState(JobStateSucceeded); err == nil {
		t.Fatal("pending -> succeeded should be rejected")
	}
}

// TestStateMachineRetryEdge allows running back to slot_acquiring for the
// next attempt.
func TestStateMachineRetryEdge(t *testing.T) {
	j := NewTranscriptionJob("u", "/tmp/a.wav", JobOptions{Model: "small"}, "auto", "float32")
	for _, to := range []JobState{JobStateAdmitted, JobStateSlotAcquiring, JobStateModelResolving, JobStateRunning} {
		if err := j.SetState(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	if err := j.SetState(JobStateSlotAcquiring); err != nil {
		t.Fatalf("retry edge rejected: %v", err)
	}
}

// TestTerminalStatesAreFinal verifies nothing leaves a terminal state, not
// even cancellation.
func TestTerminalStatesAreFinal(t *testing.T) {
	j := NewTranscriptionJob("u", "/tmp/a.wav", JobOptions{Model: "small"}, "auto", "float32")
	for _, to := range []JobState{JobStateAdmitted, JobStateSlotAcquiring, JobStateModelResolving, JobStateRunning, JobStateFailed} {
		if err := j.SetState(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	if err := j.SetState(JobStateCancelled); err == nil {
		t.Fatal("failed -> cancelled should be rejected")
	}
	if err := j.SetState(JobStateRunning); err == nil {
		t.Fatal("failed -> running should be rejected")
	}
}

// TestCancelFromAnyNonTerminalState checks the cancel edge exists everywhere
// before the terminal states.
func TestCancelFromAnyNonTerminalState(t *testing.T) {
	paths := [][]JobState{
		{},
		{JobStateAdmitted},
		{JobStateAdmitted, JobStateSlotAcquiring},
		{JobStateAdmitted, JobStateSlotAcquiring, JobStateModelResolving},
		{JobStateAdmitted, JobStateSlotAcquiring, JobStateModelResolving, JobStateRunning},
	}
	for _, path := range paths {
		j := NewTranscriptionJob("u", "/tmp/a.wav", JobOptions{Model: "small"}, "auto", "float32")
		for _, to := range path {
			if err := j.SetState(to); err != nil {
				t.Fatalf("transition to %s: %v", to, err)
			}
		}
		if err := j.SetState(JobStateCancelled); err != nil {
			t.Fatalf("cancel from %s: %v", j.State(), err)
		}
	}
}

// TestCancelIdempotent checks repeated Cancel calls are safe and observable.
func TestCancelIdempotent(t *testing.T) {
	j := NewTranscriptionJob("u", "/tmp/a.wav", JobOptions{Model: "small"}, "auto", "float32")
	if j.Cancelled() {
		t.Fatal("new job should not be cancelled")
	}

	j.Cancel()
	j.Cancel()
	if !j.Cancelled() {
		t.Fatal("cancel flag not set")
	}
	select {
	case <-j.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

// TestModelTag includes precision so float16 and float32 instances never
// share a warm slot.
func TestModelTag(t *testing.T) {
	a := NewTranscriptionJob("u", "/a.wav", JobOptions{Model: "small"}, "auto", "float16")
	b := NewTranscriptionJob("u", "/b.wav", JobOptions{Model: "small"}, "auto", "float32")
	if a.ModelTag() == b.ModelTag() {
		t.Fatalf("tags collide: %s", a.ModelTag())
	}
	if a.ModelTag() != "small/float16" {
		t.Fatalf("tag = %s, want small/float16", a.ModelTag())
	}
}
