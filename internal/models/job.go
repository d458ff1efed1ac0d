package models

import (
	"time"

	"document-ingestion-queue/internal/retry"
)

// Job lifecycle states. A failed job is terminal unless a retry spawns a
// new job that references it; cancelled is reachable from queued or started.
const (
	JobStatusQueued    = "queued"
	JobStatusStarted   = "started"
	JobStatusFinished  = "finished"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job types dispatched by the worker loop.
const (
	JobTypeDocument = "document"
	JobTypeBatch    = "batch"
)

// JobInfo is the runtime record of one queued unit of work. Retries never
// mutate an existing record: a retry copies the payload under a new job id
// and points back at its predecessor via OriginalJobID, so the chain stays
// auditable.
type JobInfo struct {
	JobID         string         `json:"job_id"`
	FileID        string         `json:"file_id,omitempty"`
	BatchID       string         `json:"batch_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Queue         string         `json:"queue"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	RetryCount    int            `json:"retry_count"`
	OriginalJobID string         `json:"original_job_id,omitempty"`
	RetryPolicy   *retry.Policy  `json:"retry_policy,omitempty"`
	Progress      float64        `json:"progress"`
	CurrentStep   string         `json:"current_step,omitempty"`
	WorkerID      string         `json:"worker_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// Terminal reports whether the job can no longer change state on its own.
func (j *JobInfo) Terminal() bool {
	switch j.Status {
	case JobStatusFinished, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// QueueStats summarizes one named queue. Finished/Failed and the derived
// rate and average come from lifetime counters kept next to the registries,
// so both always describe the same window.
type QueueStats struct {
	Name              string        `json:"name"`
	Depth             int64         `json:"depth"`
	Started           int64         `json:"started"`
	Finished          int64         `json:"finished"`
	Failed            int64         `json:"failed"`
	Deferred          int64         `json:"deferred"`
	FailedJobRate     float64       `json:"failed_job_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// WorkerInfo is one worker's heartbeat snapshot.
type WorkerInfo struct {
	WorkerID     string    `json:"worker_id"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// WorkerStats aggregates the live worker registry.
type WorkerStats struct {
	Total   int          `json:"total"`
	Busy    int          `json:"busy"`
	Idle    int          `json:"idle"`
	Workers []WorkerInfo `json:"workers,omitempty"`
}

// QueueStatsReport is the full snapshot returned by QueueManager.
type QueueStatsReport struct {
	Queues  map[string]QueueStats `json:"queues"`
	Workers WorkerStats           `json:"workers"`
}
