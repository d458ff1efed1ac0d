// Package worker drives the dequeue/execute loop. Workers are the unit of
// real parallelism: each leases one job at a time and hands it to the
// document or batch processor.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"document-ingestion-queue/internal/config"
	"document-ingestion-queue/internal/models"
	"document-ingestion-queue/internal/processor"
	"document-ingestion-queue/internal/queue"
	"document-ingestion-queue/internal/telemetry"
)

// Worker polls the queues, executes leased jobs, and applies retry policy
// to failures.
type Worker struct {
	cfg     config.Config
	manager *queue.Manager
	docs    *processor.DocumentProcessor
	batch   *processor.BatchProcessor
	id      string
	log     *logrus.Entry
}

func New(cfg config.Config, manager *queue.Manager, docs *processor.DocumentProcessor, batch *processor.BatchProcessor, workerID string, log *logrus.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		manager: manager,
		docs:    docs,
		batch:   batch,
		id:      workerID,
		log:     log.WithFields(logrus.Fields{"component": "worker", "worker_id": workerID}),
	}
}

// Run loops until the context is cancelled: promote due scheduled jobs,
// reclaim expired leases, then lease and execute the next job.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithField("poll_interval", w.cfg.WorkerPollInterval).Info("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := w.manager.PromoteScheduled(ctx, int64(w.cfg.ScheduledBatchSize)); err != nil {
			w.log.WithError(err).Warn("promote scheduled jobs failed")
		}
		w.reclaimExpired(ctx)
		if err := w.manager.Heartbeat(ctx, w.id, ""); err != nil {
			w.log.WithError(err).Warn("heartbeat failed")
		}

		jobID, err := w.manager.DequeueWithLease(ctx)
		if err != nil {
			w.log.WithError(err).Warn("dequeue failed")
			w.sleep(ctx)
			continue
		}
		if jobID == "" {
			w.sleep(ctx)
			continue
		}
		w.execute(ctx, jobID)
	}
}

// reclaimExpired turns timed-out leases into failed jobs, which keeps them
// retry-eligible under their policy.
func (w *Worker) reclaimExpired(ctx context.Context) {
	ids, err := w.manager.ReclaimExpired(ctx, 100)
	if err != nil {
		w.log.WithError(err).Warn("reclaim expired leases failed")
		return
	}
	for _, id := range ids {
		telemetry.InFlightGauge.Dec()
		w.log.WithField("job_id", id).Warn("job lease expired, marking failed")
		if err := w.manager.MarkJobFailed(ctx, id, "timeout error: job lease expired"); err != nil {
			w.log.WithError(err).WithField("job_id", id).Warn("failed to mark timed-out job")
			continue
		}
		if newID, err := w.manager.RetryFailedJob(ctx, id); err != nil {
			w.log.WithError(err).WithField("job_id", id).Warn("retry of timed-out job failed")
		} else if newID != "" {
			w.log.WithFields(logrus.Fields{"job_id": id, "retry_job_id": newID}).
				Info("timed-out job re-enqueued")
		}
	}
}

func (w *Worker) execute(ctx context.Context, jobID string) {
	job, err := w.manager.GetJobStatus(ctx, jobID)
	if err != nil || job == nil {
		_ = w.manager.Ack(ctx, jobID)
		return
	}
	if job.Status == models.JobStatusCancelled {
		_ = w.manager.Ack(ctx, jobID)
		return
	}

	job, err = w.manager.MarkJobStarted(ctx, jobID, w.id)
	if err != nil || job == nil {
		_ = w.manager.Ack(ctx, jobID)
		return
	}
	_ = w.manager.Heartbeat(ctx, w.id, jobID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stopLease := w.keepLeaseAlive(ctx, jobID)
	var failMsg string
	var result map[string]any

	switch job.Type {
	case models.JobTypeBatch:
		res := w.batch.ProcessBatch(ctx, job)
		result = map[string]any{
			"batch_id":         res.BatchID,
			"total_files":      res.TotalFiles,
			"successful_files": res.SuccessfulFiles,
			"failed_files":     res.FailedFiles,
			"skipped_files":    res.SkippedFiles,
			"error_summary":    res.ErrorSummary,
		}
		// A batch job only fails as a unit when nothing in it succeeded;
		// per-file failures are already recorded on the files themselves.
		if res.TotalFiles > 0 && res.FailedFiles == res.TotalFiles {
			failMsg = fmt.Sprintf("all %d files in batch %s failed", res.TotalFiles, res.BatchID)
		}
	case models.JobTypeDocument:
		res := w.docs.Process(ctx, job, true)
		result = map[string]any{
			"status":             res.Status,
			"elements_extracted": res.ElementsExtracted,
			"pages_processed":    res.PagesProcessed,
		}
		if res.Status != models.ResultStatusSuccess {
			failMsg = res.ErrorMessage
		}
	default:
		failMsg = fmt.Sprintf("no handler for job type %q", job.Type)
	}
	stopLease()

	_ = w.manager.Ack(ctx, jobID)
	if failMsg == "" {
		if err := w.manager.MarkJobFinished(ctx, jobID, result); err != nil {
			w.log.WithError(err).WithField("job_id", jobID).Warn("failed to record completion")
		}
	} else {
		if err := w.manager.MarkJobFailed(ctx, jobID, failMsg); err != nil {
			w.log.WithError(err).WithField("job_id", jobID).Warn("failed to record failure")
		}
		if newID, err := w.manager.RetryFailedJob(ctx, jobID); err != nil {
			w.log.WithError(err).WithField("job_id", jobID).Warn("automatic retry failed")
		} else if newID != "" {
			w.log.WithFields(logrus.Fields{"job_id": jobID, "retry_job_id": newID}).
				Info("failed job re-enqueued")
		}
	}
	_ = w.manager.Heartbeat(ctx, w.id, "")
}

// keepLeaseAlive extends the visibility lease at half its duration until the
// returned stop function is called, so long extractions are not reclaimed
// mid-flight.
func (w *Worker) keepLeaseAlive(ctx context.Context, jobID string) func() {
	interval := w.cfg.JobTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.manager.ExtendLease(ctx, jobID, w.cfg.JobTimeout); err != nil {
					w.log.WithError(err).WithField("job_id", jobID).Warn("lease extension failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.WorkerPollInterval):
	}
}
