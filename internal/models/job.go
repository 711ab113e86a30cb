package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStatePending        JobState = "pending"
	JobStateAdmitted       JobState = "admitted"
	JobStateSlotAcquiring  JobState = "slot_acquiring"
	JobStateModelResolving JobState = "model_resolving"
	JobStateRunning        JobState = "running"
	JobStateSucceeded      JobState = "succeeded"
	JobStateFailed         JobState = "failed"
	JobStateCancelled      JobState = "cancelled"
)

// Terminal reports whether no further transitions can occur.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// JobOptions are the caller-chosen transcription parameters.
type JobOptions struct {
	Model        string
	Language     string
	ResultFormat ResultFormat
	AlignMode    bool
	Preprocess   bool
}

// TranscriptionJob is one transcription request from submission to terminal
// outcome. State is mutated only by the scheduler; cancellation is a
// cooperative flag observed at checkpoints.
type TranscriptionJob struct {
	ID               string
	UserID           string
	AudioPath        string
	AudioDuration    time.Duration // 0 when unknown; used by shortest-first queue policy
	Options          JobOptions
	DevicePreference string // "auto", "cpu", or an exact slot id like "cuda:0"
	Precision        string
	SubmittedAt      time.Time

	mu       sync.Mutex
	state    JobState
	attempts int
	lastErr  string

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func NewTranscriptionJob(userID, audioPath string, opts JobOptions, devicePref, precision string) *TranscriptionJob {
	if devicePref == "" {
		devicePref = "auto"
	}
	return &TranscriptionJob{
		ID:               uuid.NewString(),
		UserID:           userID,
		AudioPath:        audioPath,
		Options:          opts,
		DevicePreference: devicePref,
		Precision:        precision,
		SubmittedAt:      time.Now().UTC(),
		state:            JobStatePending,
		cancelled:        make(chan struct{}),
	}
}

func (j *TranscriptionJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetState validates and applies a state transition.
func (j *TranscriptionJob) SetState(to JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if to == j.state {
		return nil
	}
	if !validTransition(j.state, to) {
		return fmt.Errorf("invalid transition: %s -> %s", j.state, to)
	}
	j.state = to
	return nil
}

func (j *TranscriptionJob) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *TranscriptionJob) IncAttempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
	return j.attempts
}

func (j *TranscriptionJob) LastError() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

func (j *TranscriptionJob) SetLastError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastErr = msg
}

// Cancel requests cooperative cancellation. Safe to call more than once.
func (j *TranscriptionJob) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancelled) })
}

// Done is closed once cancellation has been requested.
func (j *TranscriptionJob) Done() <-chan struct{} { return j.cancelled }

func (j *TranscriptionJob) Cancelled() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// ModelTag identifies the model+precision pair a device slot keeps warm.
func (j *TranscriptionJob) ModelTag() string {
	return j.Options.Model + "/" + j.Precision
}

// Snapshot is a read-only copy for API consumers.
type JobSnapshot struct {
	ID          string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (j *TranscriptionJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSnapshot{
		ID:          j.ID,
		UserID:      j.UserID,
		State:       j.state,
		Attempts:    j.attempts,
		LastError:   j.lastErr,
		SubmittedAt: j.SubmittedAt,
	}
}

// validTransition enforces the job state machine. Backward edges to
// slot_acquiring exist for retries after transient failures; any
// non-terminal state may move to cancelled.
func validTransition(from, to JobState) bool {
	if to == JobStateCancelled {
		return !from.Terminal()
	}
	switch from {
	case JobStatePending:
		return to == JobStateAdmitted
	case JobStateAdmitted:
		return to == JobStateSlotAcquiring
	case JobStateSlotAcquiring:
		return to == JobStateModelResolving || to == JobStateFailed
	case JobStateModelResolving:
		return to == JobStateRunning || to == JobStateSlotAcquiring || to == JobStateFailed
	case JobStateRunning:
		return to == JobStateSucceeded || to == JobStateFailed || to == JobStateSlotAcquiring
	default:
		return false
	}
}
