// Package processor executes queued jobs: one document at a time, or a
// batch fanned out under a concurrency bound. Neither entry point ever lets
// an error escape; every failure becomes a typed result plus a published
// event.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/extract"
	"document-ingestion-queue/internal/fetch"
	"document-ingestion-queue/internal/models"
	"document-ingestion-queue/internal/progress"
	"document-ingestion-queue/internal/telemetry"
)

// ProgressReporter is the slice of the tracker the processor needs.
type ProgressReporter interface {
	UpdateFileProgress(ctx context.Context, fileID string, upd progress.Update) (*models.FileProgress, error)
}

// MetadataStore persists processing outcomes onto the file records owned by
// the upload layer.
type MetadataStore interface {
	UpsertFileResult(ctx context.Context, res models.FileResult) error
}

// DocumentProcessor runs one extraction job end to end.
type DocumentProcessor struct {
	extractor extract.Client
	fetcher   fetch.Fetcher
	tracker   ProgressReporter
	meta      MetadataStore
	bus       events.Bus
	log       *logrus.Entry
}

func NewDocumentProcessor(extractor extract.Client, fetcher fetch.Fetcher, tracker ProgressReporter, meta MetadataStore, bus events.Bus, log *logrus.Logger) *DocumentProcessor {
	return &DocumentProcessor{
		extractor: extractor,
		fetcher:   fetcher,
		tracker:   tracker,
		meta:      meta,
		bus:       bus,
		log:       log.WithField("component", "processor"),
	}
}

// Process executes one document job and always returns a ProcessingResult,
// converting every failure (including panics) into a failed result so batch
// fan-out needs no per-call recovery.
func (p *DocumentProcessor) Process(ctx context.Context, job *models.JobInfo, updateProgress bool) (res models.ProcessingResult) {
	start := time.Now()
	fileID := payloadString(job.Payload, "file_id")
	filename := payloadString(job.Payload, "filename")
	filePath := payloadString(job.Payload, "file_path")

	defer func() {
		if r := recover(); r != nil {
			res = p.fail(ctx, job, fileID, filename, fmt.Sprintf("panic during processing: %v", r), start, updateProgress)
		}
	}()

	p.publish(ctx, events.Event{
		Type:      events.JobStarted,
		JobID:     job.JobID,
		FileID:    fileID,
		SessionID: job.SessionID,
		BatchID:   job.BatchID,
	})

	if fileID == "" || filePath == "" {
		return p.fail(ctx, job, fileID, filename, "validation error: job payload missing file_id or file_path", start, updateProgress)
	}

	if updateProgress {
		steps := 4
		p.updateProgress(ctx, fileID, progress.Update{
			Status:         models.ProgressStatusProcessing,
			CurrentStep:    "extracting",
			CompletedSteps: &steps,
			JobID:          job.JobID,
			RetryCount:     &job.RetryCount,
		})
	}

	path, cleanup, err := p.fetcher.Fetch(ctx, filePath)
	if err != nil {
		return p.fail(ctx, job, fileID, filename, fmt.Sprintf("fetch %s: %v", filePath, err), start, updateProgress)
	}
	defer cleanup()

	extractStart := time.Now()
	extracted, err := p.extractor.ProcessFile(ctx, extract.Request{
		FilePath:        path,
		Filename:        filename,
		Strategy:        extract.StrategyAuto,
		IncludeMetadata: true,
		ExtractImages:   true,
		ExtractTables:   true,
	})
	telemetry.ExtractionDuration.Observe(time.Since(extractStart).Seconds())
	if err != nil {
		return p.fail(ctx, job, fileID, filename, err.Error(), start, updateProgress)
	}

	res = models.ProcessingResult{
		FileID:            fileID,
		Filename:          filename,
		Status:            models.ResultStatusSuccess,
		ElementsExtracted: len(extracted.Elements),
		PagesProcessed:    extracted.Pages,
		Metadata:          extracted.Metadata,
		ProcessingTime:    time.Since(start),
	}

	if updateProgress {
		steps := models.PipelineTotalSteps
		p.updateProgress(ctx, fileID, progress.Update{
			Status:         models.ProgressStatusCompleted,
			CurrentStep:    "completed",
			CompletedSteps: &steps,
			JobID:          job.JobID,
			ProcessingTime: res.ProcessingTime,
		})
	}
	p.persistResult(ctx, job, models.FileResult{
		FileID:            fileID,
		Status:            models.FileStatusProcessed,
		JobID:             job.JobID,
		RetryCount:        job.RetryCount,
		ElementsExtracted: res.ElementsExtracted,
		PagesProcessed:    res.PagesProcessed,
		ProcessedAt:       time.Now().UTC(),
	})

	telemetry.DocumentsProcessed.Inc()
	p.publish(ctx, events.Event{
		Type:      events.JobCompleted,
		JobID:     job.JobID,
		FileID:    fileID,
		SessionID: job.SessionID,
		BatchID:   job.BatchID,
		Data: map[string]any{
			"elements_extracted": res.ElementsExtracted,
			"pages_processed":    res.PagesProcessed,
			"processing_time_s":  res.ProcessingTime.Seconds(),
		},
	})
	return res
}

func (p *DocumentProcessor) fail(ctx context.Context, job *models.JobInfo, fileID, filename, errMsg string, start time.Time, updateProgress bool) models.ProcessingResult {
	p.log.WithFields(logrus.Fields{"job_id": job.JobID, "file_id": fileID}).
		WithField("error", errMsg).Warn("document processing failed")

	if updateProgress && fileID != "" {
		p.updateProgress(ctx, fileID, progress.Update{
			Status:      models.ProgressStatusFailed,
			CurrentStep: "failed",
			Error:       errMsg,
			JobID:       job.JobID,
			RetryCount:  &job.RetryCount,
		})
	}
	if fileID != "" {
		p.persistResult(ctx, job, models.FileResult{
			FileID:       fileID,
			Status:       models.FileStatusFailed,
			JobID:        job.JobID,
			RetryCount:   job.RetryCount,
			ErrorMessage: errMsg,
			ProcessedAt:  time.Now().UTC(),
		})
	}

	telemetry.DocumentsFailed.Inc()
	p.publish(ctx, events.Event{
		Type:      events.JobFailed,
		JobID:     job.JobID,
		FileID:    fileID,
		SessionID: job.SessionID,
		BatchID:   job.BatchID,
		Data:      map[string]any{"error": errMsg},
	})
	return models.ProcessingResult{
		FileID:         fileID,
		Filename:       filename,
		Status:         models.ResultStatusFailed,
		ErrorMessage:   errMsg,
		ProcessingTime: time.Since(start),
	}
}

func (p *DocumentProcessor) updateProgress(ctx context.Context, fileID string, upd progress.Update) {
	if p.tracker == nil {
		return
	}
	if _, err := p.tracker.UpdateFileProgress(ctx, fileID, upd); err != nil {
		p.log.WithError(err).WithField("file_id", fileID).Warn("progress update failed")
	}
}

func (p *DocumentProcessor) persistResult(ctx context.Context, job *models.JobInfo, res models.FileResult) {
	if p.meta == nil {
		return
	}
	if err := p.meta.UpsertFileResult(ctx, res); err != nil {
		p.log.WithError(err).WithField("file_id", res.FileID).Warn("metadata upsert failed")
	}
}

func (p *DocumentProcessor) publish(ctx context.Context, evt events.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, evt); err != nil {
		p.log.WithError(err).WithField("event", evt.Type).Warn("event publish failed")
	}
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]any, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
