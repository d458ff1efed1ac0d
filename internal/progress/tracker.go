// Package progress owns per-file and per-session progress state. Records
// live in Redis with per-key TTLs; a small in-process cache serves the read
// path first. Session aggregates are always rederived from the member file
// records; incremental counters race under concurrent workers, rederivation
// is idempotent.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"document-ingestion-queue/internal/config"
	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/models"
)

func fileKey(fileID string) string {
	return "docprog:file:" + fileID
}

func sessionKey(sessionID string) string {
	return "docprog:session:" + sessionID
}

func sessionFilesKey(sessionID string) string {
	return "docprog:session:" + sessionID + ":files"
}

// Tracker persists and aggregates progress, and publishes progress events.
type Tracker struct {
	client     *redis.Client
	bus        events.Bus
	fileTTL    time.Duration
	sessionTTL time.Duration
	log        *logrus.Entry

	mu       sync.RWMutex
	files    map[string]*models.FileProgress
	sessions map[string]*models.SessionProgress
}

func NewTracker(cfg config.Config, client *redis.Client, bus events.Bus, log *logrus.Logger) *Tracker {
	return &Tracker{
		client:     client,
		bus:        bus,
		fileTTL:    cfg.FileProgressTTL,
		sessionTTL: cfg.SessionProgressTTL,
		log:        log.WithField("component", "progress"),
		files:      make(map[string]*models.FileProgress),
		sessions:   make(map[string]*models.SessionProgress),
	}
}

// BindQueueEvents subscribes the tracker to queue lifecycle events: a file
// advances to "queued" the moment its job lands on a queue, and moves to
// "cancelled" when its job is cancelled, which is the only lifecycle
// transition no processor reports.
func (t *Tracker) BindQueueEvents(bus events.Bus) {
	bus.Subscribe(events.JobEnqueued, func(evt events.Event) {
		if evt.FileID == "" {
			return
		}
		steps := 3
		_, err := t.UpdateFileProgress(context.Background(), evt.FileID, Update{
			Status:         models.ProgressStatusQueued,
			CurrentStep:    "queued",
			CompletedSteps: &steps,
			JobID:          evt.JobID,
		})
		if err != nil {
			t.log.WithError(err).WithField("file_id", evt.FileID).
				Warn("failed to advance file to queued")
		}
	})
	bus.Subscribe(events.JobCancelled, func(evt events.Event) {
		if evt.FileID == "" {
			return
		}
		_, err := t.UpdateFileProgress(context.Background(), evt.FileID, Update{
			Status:      models.ProgressStatusCancelled,
			CurrentStep: "cancelled",
			JobID:       evt.JobID,
		})
		if err != nil {
			t.log.WithError(err).WithField("file_id", evt.FileID).
				Warn("failed to mark file cancelled")
		}
	})
}

// InitSession creates the session aggregate and one FileProgress per file.
// Total size is the sum of declared file sizes.
func (t *Tracker) InitSession(ctx context.Context, sessionID string, files []*models.FileMetadata, userID string) (*models.SessionProgress, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	var totalSize int64
	for _, f := range files {
		totalSize += f.Size
	}
	session := &models.SessionProgress{
		SessionID:  sessionID,
		UserID:     userID,
		TotalFiles: len(files),
		TotalSize:  totalSize,
		Status:     models.SessionStatusActive,
		StartedAt:  time.Now().UTC(),
	}
	if err := t.saveSession(ctx, session); err != nil {
		return nil, err
	}

	for _, f := range files {
		if _, err := t.InitFile(ctx, sessionID, f.FileID, f.Filename, f.Size, f.JobID); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// InitFile registers one file at step 1 of the canonical pipeline
// (uploaded → validated → queued → processing → completed).
func (t *Tracker) InitFile(ctx context.Context, sessionID, fileID, filename string, size int64, jobID string) (*models.FileProgress, error) {
	if fileID == "" {
		return nil, errors.New("file id is required")
	}
	fp := &models.FileProgress{
		FileID:         fileID,
		SessionID:      sessionID,
		Filename:       filename,
		Status:         models.ProgressStatusUploaded,
		TotalSteps:     models.PipelineTotalSteps,
		CompletedSteps: 1,
		Progress:       1.0 / float64(models.PipelineTotalSteps),
		Size:           size,
		JobID:          jobID,
	}
	if err := t.saveFile(ctx, fp); err != nil {
		return nil, err
	}
	if sessionID != "" {
		pipe := t.client.TxPipeline()
		pipe.SAdd(ctx, sessionFilesKey(sessionID), fileID)
		pipe.Expire(ctx, sessionFilesKey(sessionID), t.fileTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("register file %s in session %s: %w", fileID, sessionID, err)
		}
	}
	return fp, nil
}

// Update describes one progress transition. Exactly one of Progress or
// CompletedSteps determines the new fraction; with both nil the fraction is
// unchanged.
type Update struct {
	Status         string
	CurrentStep    string
	Progress       *float64
	CompletedSteps *int
	Error          string
	JobID          string
	RetryCount     *int
	ProcessingTime time.Duration
}

// UpdateFileProgress applies one transition, recomputes the owning session's
// aggregate from every member file, and publishes progress_updated. Returns
// nil for a file the tracker does not know: callers must treat that as
// "untracked", not as zero progress.
func (t *Tracker) UpdateFileProgress(ctx context.Context, fileID string, upd Update) (*models.FileProgress, error) {
	fp, err := t.GetFileProgress(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if fp == nil {
		t.log.WithField("file_id", fileID).Warn("progress update for untracked file")
		return nil, nil
	}

	if upd.Status != "" {
		if upd.Status == models.ProgressStatusProcessing && fp.StartedAt == nil {
			now := time.Now().UTC()
			fp.StartedAt = &now
		}
		fp.Status = upd.Status
	}
	if upd.CurrentStep != "" {
		fp.CurrentStep = upd.CurrentStep
	}
	switch {
	case upd.Progress != nil:
		fp.Progress = clamp(*upd.Progress)
	case upd.CompletedSteps != nil:
		fp.CompletedSteps = *upd.CompletedSteps
		if fp.TotalSteps > 0 {
			fp.Progress = clamp(float64(fp.CompletedSteps) / float64(fp.TotalSteps))
		}
	}
	if upd.Error != "" {
		fp.Error = upd.Error
	}
	if upd.JobID != "" {
		fp.JobID = upd.JobID
	}
	if upd.RetryCount != nil {
		fp.RetryCount = *upd.RetryCount
	}

	if fp.TerminalStatus() && fp.CompletedAt == nil {
		now := time.Now().UTC()
		fp.CompletedAt = &now
		switch {
		case upd.ProcessingTime > 0:
			fp.ProcessingTime = upd.ProcessingTime
		case fp.StartedAt != nil:
			fp.ProcessingTime = now.Sub(*fp.StartedAt)
		}
		if fp.Status == models.ProgressStatusCompleted {
			fp.ProcessedSize = fp.Size
		}
	}

	if err := t.saveFile(ctx, fp); err != nil {
		return nil, err
	}
	if fp.SessionID != "" {
		if err := t.recomputeSession(ctx, fp.SessionID); err != nil {
			t.log.WithError(err).WithField("session_id", fp.SessionID).
				Warn("session aggregate recompute failed")
		}
	}

	t.publish(ctx, events.Event{
		Type:      events.ProgressUpdated,
		FileID:    fp.FileID,
		SessionID: fp.SessionID,
		JobID:     fp.JobID,
		Data: map[string]any{
			"status":       fp.Status,
			"progress":     fp.Progress,
			"current_step": fp.CurrentStep,
		},
	})
	copied := *fp
	return &copied, nil
}

// GetFileProgress reads cache-first, falling back to the store. Absent
// records return nil.
func (t *Tracker) GetFileProgress(ctx context.Context, fileID string) (*models.FileProgress, error) {
	t.mu.RLock()
	cached, ok := t.files[fileID]
	t.mu.RUnlock()
	if ok {
		copied := *cached
		return &copied, nil
	}

	raw, err := t.client.Get(ctx, fileKey(fileID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch file progress %s: %w", fileID, err)
	}
	var fp models.FileProgress
	if err := json.Unmarshal([]byte(raw), &fp); err != nil {
		return nil, fmt.Errorf("decode file progress %s: %w", fileID, err)
	}
	t.cacheFile(&fp)
	return &fp, nil
}

// GetSessionProgress reads cache-first, falling back to the store.
func (t *Tracker) GetSessionProgress(ctx context.Context, sessionID string) (*models.SessionProgress, error) {
	t.mu.RLock()
	cached, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if ok {
		copied := *cached
		return &copied, nil
	}

	raw, err := t.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session progress %s: %w", sessionID, err)
	}
	var sp models.SessionProgress
	if err := json.Unmarshal([]byte(raw), &sp); err != nil {
		return nil, fmt.Errorf("decode session progress %s: %w", sessionID, err)
	}
	t.cacheSession(&sp)
	return &sp, nil
}

// MarkSessionComplete stamps CompletedAt and settles the final status:
// partial_failure when any file failed, otherwise cancelled/
// partial_cancellation when all/any were cancelled, otherwise completed.
func (t *Tracker) MarkSessionComplete(ctx context.Context, sessionID string) (bool, error) {
	session, err := t.GetSessionProgress(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		t.log.WithField("session_id", sessionID).Warn("cannot complete unknown session")
		return false, nil
	}
	if err := t.recomputeSession(ctx, sessionID); err != nil {
		return false, err
	}
	session, err = t.GetSessionProgress(ctx, sessionID)
	if err != nil || session == nil {
		return false, err
	}

	now := time.Now().UTC()
	session.CompletedAt = &now
	switch {
	case session.FailedFiles > 0:
		session.Status = models.SessionStatusPartialFailure
	case session.CancelledFiles > 0 && session.CancelledFiles == session.TotalFiles:
		session.Status = models.SessionStatusCancelled
	case session.CancelledFiles > 0:
		session.Status = models.SessionStatusPartialCancellation
	default:
		session.Status = models.SessionStatusCompleted
	}
	if err := t.saveSession(ctx, session); err != nil {
		return false, err
	}

	t.publish(ctx, events.Event{
		Type:      events.SessionProgressUpdated,
		SessionID: sessionID,
		Data: map[string]any{
			"status":           session.Status,
			"overall_progress": session.OverallProgress,
			"processed_files":  session.ProcessedFiles,
			"failed_files":     session.FailedFiles,
			"cancelled_files":  session.CancelledFiles,
		},
	})
	return true, nil
}

// recomputeSession rederives every aggregate from the member file records.
// Last write wins across concurrent callers, which is safe because the
// computation is idempotent over authoritative per-file state.
func (t *Tracker) recomputeSession(ctx context.Context, sessionID string) error {
	session, err := t.GetSessionProgress(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	fileIDs, err := t.client.SMembers(ctx, sessionFilesKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("session %s membership: %w", sessionID, err)
	}

	var processed, failed, cancelled int
	var processedSize int64
	var progressSum float64
	tracked := 0
	for _, id := range fileIDs {
		fp, err := t.GetFileProgress(ctx, id)
		if err != nil {
			return err
		}
		if fp == nil {
			continue
		}
		tracked++
		progressSum += fp.Progress
		processedSize += fp.ProcessedSize
		switch fp.Status {
		case models.ProgressStatusCompleted:
			processed++
		case models.ProgressStatusFailed:
			failed++
		case models.ProgressStatusCancelled:
			cancelled++
		}
	}

	session.ProcessedFiles = processed
	session.FailedFiles = failed
	session.CancelledFiles = cancelled
	session.ProcessedSize = processedSize
	if tracked > 0 {
		session.OverallProgress = progressSum / float64(tracked)
	}
	return t.saveSession(ctx, session)
}

func (t *Tracker) saveFile(ctx context.Context, fp *models.FileProgress) error {
	payload, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encode file progress %s: %w", fp.FileID, err)
	}
	if err := t.client.Set(ctx, fileKey(fp.FileID), payload, t.fileTTL).Err(); err != nil {
		return fmt.Errorf("persist file progress %s: %w", fp.FileID, err)
	}
	t.cacheFile(fp)
	return nil
}

func (t *Tracker) saveSession(ctx context.Context, sp *models.SessionProgress) error {
	payload, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sp.SessionID, err)
	}
	if err := t.client.Set(ctx, sessionKey(sp.SessionID), payload, t.sessionTTL).Err(); err != nil {
		return fmt.Errorf("persist session %s: %w", sp.SessionID, err)
	}
	t.cacheSession(sp)
	return nil
}

func (t *Tracker) cacheFile(fp *models.FileProgress) {
	copied := *fp
	t.mu.Lock()
	t.files[fp.FileID] = &copied
	t.mu.Unlock()
}

func (t *Tracker) cacheSession(sp *models.SessionProgress) {
	copied := *sp
	t.mu.Lock()
	t.sessions[sp.SessionID] = &copied
	t.mu.Unlock()
}

func (t *Tracker) publish(ctx context.Context, evt events.Event) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, evt); err != nil {
		t.log.WithError(err).WithField("event", evt.Type).Warn("event publish failed")
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
