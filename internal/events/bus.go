// Package events defines the lifecycle event bus shared by the queue
// manager, progress tracker, and processors. The bus is always an injected
// collaborator; implementations are selected by configuration at startup.
package events

import (
	"context"
	"time"
)

// Event types published by the processing core.
const (
	JobEnqueued   = "job_enqueued"
	BatchEnqueued = "batch_enqueued"
	JobStarted    = "job_started"
	JobCompleted  = "job_completed"
	JobFailed     = "job_failed"
	JobRetried    = "job_retried"
	JobCancelled  = "job_cancelled"

	BatchStarted   = "batch_started"
	BatchCompleted = "batch_completed"
	BatchFailed    = "batch_failed"

	ProgressUpdated        = "progress_updated"
	SessionProgressUpdated = "session_progress_updated"
)

// Event is one lifecycle notification. FileID, BatchID, and SessionID are
// set when relevant; Data carries the type-specific payload.
type Event struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	FileID    string         `json:"file_id,omitempty"`
	BatchID   string         `json:"batch_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes one event. Handlers must not block for long; the memory
// bus invokes them synchronously on the publisher's goroutine, the redis bus
// on a subscription goroutine.
type Handler func(Event)

// Bus publishes lifecycle events and dispatches them to subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(eventType string, h Handler)
}
