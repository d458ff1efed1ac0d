package models

import (
	"time"
)

// The canonical five-step pipeline every file moves through.
const (
	PipelineTotalSteps = 5

	ProgressStatusUploaded   = "uploaded"
	ProgressStatusValidated  = "validated"
	ProgressStatusQueued     = "queued"
	ProgressStatusProcessing = "processing"
	ProgressStatusCompleted  = "completed"
	ProgressStatusFailed     = "failed"
	ProgressStatusCancelled  = "cancelled"
)

// Session aggregate states.
const (
	SessionStatusActive              = "active"
	SessionStatusCompleted           = "completed"
	SessionStatusPartialFailure      = "partial_failure"
	SessionStatusPartialCancellation = "partial_cancellation"
	SessionStatusCancelled           = "cancelled"
)

// FileProgress tracks one file through the pipeline. Progress stays equal to
// CompletedSteps/TotalSteps unless a caller overrides the fraction directly,
// and is always clamped to [0, 1].
type FileProgress struct {
	FileID         string        `json:"file_id"`
	SessionID      string        `json:"session_id,omitempty"`
	Filename       string        `json:"filename"`
	Status         string        `json:"status"`
	Progress       float64       `json:"progress"`
	CurrentStep    string        `json:"current_step,omitempty"`
	TotalSteps     int           `json:"total_steps"`
	CompletedSteps int           `json:"completed_steps"`
	Size           int64         `json:"size"`
	ProcessedSize  int64         `json:"processed_size"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
	Error          string        `json:"error,omitempty"`
	JobID          string        `json:"job_id,omitempty"`
	RetryCount     int           `json:"retry_count"`
}

// TerminalStatus reports whether the file reached an end state.
func (f *FileProgress) TerminalStatus() bool {
	switch f.Status {
	case ProgressStatusCompleted, ProgressStatusFailed, ProgressStatusCancelled:
		return true
	}
	return false
}

// SessionProgress aggregates every file in one upload session. Counts are
// recomputed from the member file records on each update, never incremented
// in place, so concurrent workers cannot drift them.
type SessionProgress struct {
	SessionID       string     `json:"session_id"`
	UserID          string     `json:"user_id,omitempty"`
	TotalFiles      int        `json:"total_files"`
	ProcessedFiles  int        `json:"processed_files"`
	FailedFiles     int        `json:"failed_files"`
	CancelledFiles  int        `json:"cancelled_files"`
	TotalSize       int64      `json:"total_size"`
	ProcessedSize   int64      `json:"processed_size"`
	OverallProgress float64    `json:"overall_progress"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
