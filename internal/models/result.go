package models

import (
	"time"

	"gorm.io/datatypes"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// TranscriptionResult is the immutable terminal outcome of a job. Exactly
// one is produced per job. Unpersisted marks results whose durable write
// failed and which await reconciliation.
type TranscriptionResult struct {
	JobID         string        `json:"job_id"`
	UserID        string        `json:"user_id"`
	Outcome       Outcome       `json:"outcome"`
	Transcript    *Transcript   `json:"transcript,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Duration      time.Duration `json:"duration"`
	Device        string        `json:"device,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
	Unpersisted   bool          `json:"unpersisted,omitempty"`
}

// TranscriptionRecord is the relational row behind the result sink.
// job_id is unique so re-persisting the same result is a no-op.
type TranscriptionRecord struct {
	ID            string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	JobID         string         `gorm:"column:job_id;type:uuid;uniqueIndex" json:"job_id"`
	UserID        string         `gorm:"column:user_id;type:uuid;index" json:"user_id"`
	Outcome       string         `gorm:"column:outcome;type:text" json:"outcome"`
	Text          string         `gorm:"column:text;type:text" json:"text"`
	Language      string         `gorm:"column:language;type:text" json:"language"`
	Segments      datatypes.JSON `gorm:"column:segments;type:jsonb" json:"segments,omitempty"`
	Words         datatypes.JSON `gorm:"column:words;type:jsonb" json:"words,omitempty"`
	FailureReason string         `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	DurationMS    int64          `gorm:"column:duration_ms" json:"duration_ms"`
	Device        string         `gorm:"column:device;type:text" json:"device,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;type:timestamptz" json:"created_at"`
}

func (TranscriptionRecord) TableName() string { return "transcription_results" }
