// Package queue owns the job lifecycle: enqueue, status, retry, cancel, and
// the bookkeeping workers need to lease and complete jobs. Redis is the
// backing store; every record mutation is keyed and atomic, and no lock is
// held across a network round-trip.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"document-ingestion-queue/internal/config"
	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/models"
	"document-ingestion-queue/internal/ratelimit"
	"document-ingestion-queue/internal/retry"
	"document-ingestion-queue/internal/telemetry"
)

// ErrRateLimited is returned when an uploader exceeds the enqueue rate limit.
var ErrRateLimited = errors.New("enqueue rate limit exceeded")

// Manager implements the queue contract. Lookup misses are absorbed into
// nil/false returns; enqueue, retry, and cancel infrastructure failures
// propagate to the caller.
type Manager struct {
	cfg           config.Config
	client        *redis.Client
	bus           events.Bus
	limiter       *ratelimit.Limiter
	defaultPolicy retry.Policy
	log           *logrus.Entry

	mu   sync.RWMutex
	jobs map[string]*models.JobInfo
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithLimiter gates EnqueueFile per uploader.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithDefaultPolicy overrides the retry policy used by jobs without one.
func WithDefaultPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.defaultPolicy = p }
}

func NewManager(cfg config.Config, client *redis.Client, bus events.Bus, log *logrus.Logger, opts ...Option) *Manager {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	policy.InitialDelay = cfg.RetryDelay
	policy.MaxDelay = cfg.RetryMaxDelay

	m := &Manager{
		cfg:           cfg,
		client:        client,
		bus:           bus,
		defaultPolicy: policy,
		log:           log.WithField("component", "queue"),
		jobs:          make(map[string]*models.JobInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnqueueOptions tune one enqueue call.
type EnqueueOptions struct {
	Priority bool
	Policy   *retry.Policy
	Delay    time.Duration
}

// EnqueueFile places one document job on the priority or default queue and
// publishes job_enqueued. A positive Delay defers scheduling by that much.
func (m *Manager) EnqueueFile(ctx context.Context, meta *models.FileMetadata, opts EnqueueOptions) (string, error) {
	if meta == nil || meta.FileID == "" {
		return "", errors.New("file metadata with a file id is required")
	}
	if m.limiter != nil && meta.UploaderID != "" {
		allowed, err := m.limiter.Allow(ctx, meta.UploaderID)
		if err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return "", ErrRateLimited
		}
	}

	job := &models.JobInfo{
		JobID:       uuid.New().String(),
		FileID:      meta.FileID,
		SessionID:   meta.SessionID,
		Queue:       m.pickQueue(opts.Priority),
		Type:        models.JobTypeDocument,
		Status:      models.JobStatusQueued,
		RetryPolicy: opts.Policy,
		Payload:     documentPayload(meta),
		CreatedAt:   time.Now().UTC(),
	}

	if err := m.saveJob(ctx, job); err != nil {
		return "", err
	}
	if opts.Delay > 0 {
		if err := m.schedule(ctx, job, time.Now().Add(opts.Delay)); err != nil {
			return "", fmt.Errorf("schedule job %s: %w", job.JobID, err)
		}
	} else {
		if err := m.pushReady(ctx, job); err != nil {
			return "", fmt.Errorf("enqueue job %s: %w", job.JobID, err)
		}
	}

	m.track(job)
	telemetry.DocumentsEnqueued.Inc()
	m.publish(ctx, events.Event{
		Type:      events.JobEnqueued,
		JobID:     job.JobID,
		FileID:    meta.FileID,
		SessionID: meta.SessionID,
		Data: map[string]any{
			"queue":         job.Queue,
			"priority":      opts.Priority,
			"delay_seconds": opts.Delay.Seconds(),
		},
	})
	return job.JobID, nil
}

// EnqueueBatch splits files into sub-batches of the configured size and
// enqueues each sub-batch as one processing unit. The batch id is generated
// when absent. Returns the job id of every sub-batch.
func (m *Manager) EnqueueBatch(ctx context.Context, files []*models.FileMetadata, priority bool, batchID string) ([]string, error) {
	if len(files) == 0 {
		return nil, errors.New("batch requires at least one file")
	}
	if batchID == "" {
		batchID = uuid.New().String()
	}

	size := m.cfg.BatchSize
	if size <= 0 {
		size = len(files)
	}
	totalBatches := (len(files) + size - 1) / size

	jobIDs := make([]string, 0, totalBatches)
	for index := 0; index < totalBatches; index++ {
		lo := index * size
		hi := lo + size
		if hi > len(files) {
			hi = len(files)
		}

		job := &models.JobInfo{
			JobID:     uuid.New().String(),
			BatchID:   batchID,
			SessionID: chunkSessionID(files[lo:hi]),
			Queue:     m.pickQueue(priority),
			Type:      models.JobTypeBatch,
			Status:    models.JobStatusQueued,
			Payload: map[string]any{
				"batch_id":      batchID,
				"batch_index":   index,
				"total_batches": totalBatches,
				"files":         batchFiles(files[lo:hi]),
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := m.saveJob(ctx, job); err != nil {
			return jobIDs, err
		}
		if err := m.pushReady(ctx, job); err != nil {
			return jobIDs, fmt.Errorf("enqueue batch job %s: %w", job.JobID, err)
		}
		m.track(job)
		jobIDs = append(jobIDs, job.JobID)
	}

	m.publish(ctx, events.Event{
		Type:    events.BatchEnqueued,
		BatchID: batchID,
		Data: map[string]any{
			"job_ids":     jobIDs,
			"total_files": len(files),
			"batches":     totalBatches,
		},
	})
	return jobIDs, nil
}

// GetJobStatus reconciles the locally tracked record with the authoritative
// store record. Nil means the job expired or never existed; callers must
// treat that as terminal, not retryable.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (*models.JobInfo, error) {
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		m.log.WithField("job_id", jobID).Warn("job not found in store")
		m.untrack(jobID)
		return nil, nil
	}
	m.track(job)
	copied := *job
	return &copied, nil
}

// RetryFailedJob re-enqueues a failed job's payload under a new job id after
// consulting its retry policy. The original record is never touched, so
// retries form a traceable chain. Returns "" when the policy denies another
// attempt or the job is unknown.
func (m *Manager) RetryFailedJob(ctx context.Context, jobID string) (string, error) {
	job, err := m.GetJobStatus(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", nil
	}
	if job.Status != models.JobStatusFailed {
		return "", fmt.Errorf("job %s has status %q, only failed jobs can be retried", jobID, job.Status)
	}

	policy := m.defaultPolicy
	if job.RetryPolicy != nil {
		policy = *job.RetryPolicy
	}
	attempt := job.RetryCount + 1
	if !policy.ShouldRetry(attempt, retry.Classify(job.Error)) {
		m.log.WithFields(logrus.Fields{"job_id": jobID, "attempt": attempt}).
			Info("retry denied by policy")
		return "", nil
	}
	delay := policy.Delay(attempt)

	next := &models.JobInfo{
		JobID:         uuid.New().String(),
		FileID:        job.FileID,
		BatchID:       job.BatchID,
		SessionID:     job.SessionID,
		Queue:         job.Queue,
		Type:          job.Type,
		Status:        models.JobStatusQueued,
		Payload:       job.Payload,
		RetryCount:    attempt,
		OriginalJobID: job.JobID,
		RetryPolicy:   job.RetryPolicy,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.saveJob(ctx, next); err != nil {
		return "", err
	}
	if err := m.schedule(ctx, next, time.Now().Add(delay)); err != nil {
		return "", fmt.Errorf("schedule retry of %s: %w", jobID, err)
	}

	m.track(next)
	telemetry.JobsRetried.Inc()
	m.publish(ctx, events.Event{
		Type:      events.JobRetried,
		JobID:     next.JobID,
		FileID:    next.FileID,
		BatchID:   next.BatchID,
		SessionID: next.SessionID,
		Data: map[string]any{
			"original_job_id": job.JobID,
			"retry_count":     attempt,
			"delay_seconds":   delay.Seconds(),
		},
	})
	return next.JobID, nil
}

// CancelJob removes a queued or running job, best-effort. A worker that has
// already dequeued the job re-checks its status before executing, but is not
// preempted mid-extraction. Returns false, with no event, for unknown or
// already-terminal jobs.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := m.GetJobStatus(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if job.Terminal() {
		return false, nil
	}

	pipe := m.client.TxPipeline()
	for _, q := range m.cfg.QueueNames() {
		pipe.LRem(ctx, readyKey(q), 0, jobID)
	}
	pipe.ZRem(ctx, keyScheduled, jobID)
	pipe.ZRem(ctx, keyInFlight, jobID)
	pipe.ZRem(ctx, registryKey(job.Queue, registryDeferred), jobID)
	pipe.ZRem(ctx, registryKey(job.Queue, registryStarted), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusCancelled
	job.EndedAt = &now
	if err := m.saveJob(ctx, job); err != nil {
		return false, err
	}

	m.track(job)
	telemetry.JobsCancelled.Inc()
	m.publish(ctx, events.Event{
		Type:      events.JobCancelled,
		JobID:     jobID,
		FileID:    job.FileID,
		BatchID:   job.BatchID,
		SessionID: job.SessionID,
	})
	return true, nil
}

// MarkJobStarted transitions a leased job to started and stamps the worker.
// Returns the refreshed record.
func (m *Manager) MarkJobStarted(ctx context.Context, jobID, workerID string) (*models.JobInfo, error) {
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusStarted
	job.StartedAt = &now
	job.WorkerID = workerID
	if err := m.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := m.client.ZAdd(ctx, registryKey(job.Queue, registryStarted),
		redis.Z{Score: float64(now.UnixMilli()), Member: jobID}).Err(); err != nil {
		return nil, err
	}
	m.track(job)
	return job, nil
}

// MarkJobFinished records a successful completion and rolls the lifetime
// stats counters the queue report is derived from.
func (m *Manager) MarkJobFinished(ctx context.Context, jobID string, result map[string]any) error {
	return m.finish(ctx, jobID, models.JobStatusFinished, result, "")
}

// MarkJobFailed records a failure with its error message.
func (m *Manager) MarkJobFailed(ctx context.Context, jobID, errMsg string) error {
	return m.finish(ctx, jobID, models.JobStatusFailed, nil, errMsg)
}

func (m *Manager) finish(ctx context.Context, jobID, status string, result map[string]any, errMsg string) error {
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		m.log.WithField("job_id", jobID).Warn("cannot finalize unknown job")
		return nil
	}

	now := time.Now().UTC()
	job.Status = status
	job.EndedAt = &now
	job.Result = result
	job.Error = errMsg
	if status == models.JobStatusFinished {
		job.Progress = 1.0
	}
	if err := m.saveJob(ctx, job); err != nil {
		return err
	}

	registry := registryFinished
	statField := "finished"
	if status == models.JobStatusFailed {
		registry = registryFailed
		statField = "failed"
	}

	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, registryKey(job.Queue, registryStarted), jobID)
	pipe.ZAdd(ctx, registryKey(job.Queue, registry), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.HIncrBy(ctx, statsKey(job.Queue), statField, 1)
	if status == models.JobStatusFinished && job.StartedAt != nil {
		pipe.HIncrBy(ctx, statsKey(job.Queue), "total_ms", now.Sub(*job.StartedAt).Milliseconds())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	m.track(job)
	return nil
}

// Heartbeat refreshes a worker's registry entry with its current job.
func (m *Manager) Heartbeat(ctx context.Context, workerID, currentJobID string) error {
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, keyWorkerSet, workerID)
	pipe.HSet(ctx, workerKey(workerID),
		"current_job", currentJobID,
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, workerKey(workerID), m.cfg.WorkerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// QueueStats reports per-queue depth, registry counts, failure rate, average
// processing time, and the live worker registry. Rate and average both come
// from the same lifetime counters, so the two never describe different
// windows.
func (m *Manager) QueueStats(ctx context.Context) (*models.QueueStatsReport, error) {
	report := &models.QueueStatsReport{Queues: make(map[string]models.QueueStats)}

	for _, name := range m.cfg.QueueNames() {
		depth, err := m.client.LLen(ctx, readyKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue depth %s: %w", name, err)
		}
		started, err := m.client.ZCard(ctx, registryKey(name, registryStarted)).Result()
		if err != nil {
			return nil, err
		}
		deferred, err := m.client.ZCard(ctx, registryKey(name, registryDeferred)).Result()
		if err != nil {
			return nil, err
		}
		raw, err := m.client.HGetAll(ctx, statsKey(name)).Result()
		if err != nil {
			return nil, err
		}
		finished := parseInt64(raw["finished"])
		failed := parseInt64(raw["failed"])
		totalMs := parseInt64(raw["total_ms"])

		stats := models.QueueStats{
			Name:     name,
			Depth:    depth,
			Started:  started,
			Finished: finished,
			Failed:   failed,
			Deferred: deferred,
		}
		if finished+failed > 0 {
			stats.FailedJobRate = float64(failed) / float64(finished+failed)
		}
		if finished > 0 {
			stats.AvgProcessingTime = time.Duration(totalMs/finished) * time.Millisecond
		}
		report.Queues[name] = stats
		telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(depth))
	}

	workers, err := m.workerSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	report.Workers.Workers = workers
	report.Workers.Total = len(workers)
	for _, w := range workers {
		if w.CurrentJobID != "" {
			report.Workers.Busy++
		}
	}
	report.Workers.Idle = report.Workers.Total - report.Workers.Busy
	return report, nil
}

func (m *Manager) workerSnapshots(ctx context.Context) ([]models.WorkerInfo, error) {
	ids, err := m.client.SMembers(ctx, keyWorkerSet).Result()
	if err != nil {
		return nil, err
	}
	workers := make([]models.WorkerInfo, 0, len(ids))
	for _, id := range ids {
		fields, err := m.client.HGetAll(ctx, workerKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			// Heartbeat expired; drop the stale registry member.
			m.client.SRem(ctx, keyWorkerSet, id)
			continue
		}
		info := models.WorkerInfo{WorkerID: id, CurrentJobID: fields["current_job"]}
		if ts, err := time.Parse(time.RFC3339Nano, fields["last_seen"]); err == nil {
			info.LastSeen = ts
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// CleanupOldJobs deletes finished and failed job records older than the
// cutoff from both the store registries and local tracking. Returns how many
// records were removed.
func (m *Manager) CleanupOldJobs(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	removed := 0

	for _, name := range m.cfg.QueueNames() {
		for _, registry := range []string{registryFinished, registryFailed} {
			key := registryKey(name, registry)
			ids, err := m.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min: "-inf",
				Max: fmt.Sprintf("%d", cutoff),
			}).Result()
			if err != nil {
				return removed, err
			}
			if len(ids) == 0 {
				continue
			}
			pipe := m.client.TxPipeline()
			for _, id := range ids {
				pipe.Del(ctx, jobKey(id))
			}
			pipe.ZRem(ctx, key, toMembers(ids)...)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, err
			}
			for _, id := range ids {
				m.untrack(id)
			}
			removed += len(ids)
		}
	}
	return removed, nil
}

// IsHealthy reports false when the store is unreachable or any ready queue
// is deeper than the configured threshold.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	if err := m.client.Ping(ctx).Err(); err != nil {
		m.log.WithError(err).Warn("redis unreachable")
		return false
	}
	for _, name := range m.cfg.QueueNames() {
		depth, err := m.client.LLen(ctx, readyKey(name)).Result()
		if err != nil {
			return false
		}
		if depth > m.cfg.DepthThreshold {
			m.log.WithFields(logrus.Fields{"queue": name, "depth": depth}).
				Warn("queue depth over threshold")
			return false
		}
	}
	return true
}

func (m *Manager) pickQueue(priority bool) string {
	if priority {
		return m.cfg.PriorityQueue
	}
	return m.cfg.DefaultQueue
}

func (m *Manager) publish(ctx context.Context, evt events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.log.WithError(err).WithField("event", evt.Type).Warn("event publish failed")
	}
}

func (m *Manager) track(job *models.JobInfo) {
	copied := *job
	m.mu.Lock()
	m.jobs[job.JobID] = &copied
	m.mu.Unlock()
}

func (m *Manager) untrack(jobID string) {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
}

func documentPayload(meta *models.FileMetadata) map[string]any {
	return map[string]any{
		"file_id":      meta.FileID,
		"file_path":    meta.StorageLocation,
		"filename":     meta.Filename,
		"session_id":   meta.SessionID,
		"size":         meta.Size,
		"content_hash": meta.ContentHash,
		"uploader_id":  meta.UploaderID,
	}
}

// chunkSessionID returns the session shared by every file in the chunk, or
// "" when the chunk spans sessions; per-file session ids stay in the payload.
func chunkSessionID(files []*models.FileMetadata) string {
	if len(files) == 0 {
		return ""
	}
	session := files[0].SessionID
	for _, f := range files[1:] {
		if f.SessionID != session {
			return ""
		}
	}
	return session
}

func batchFiles(files []*models.FileMetadata) []map[string]any {
	out := make([]map[string]any, len(files))
	for i, f := range files {
		out[i] = documentPayload(f)
	}
	return out
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
