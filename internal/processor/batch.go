package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/models"
	"document-ingestion-queue/internal/retry"
	"document-ingestion-queue/internal/telemetry"
)

// BatchProcessor fans a batch job's files out to the document processor
// under a concurrency bound.
type BatchProcessor struct {
	docs          *DocumentProcessor
	bus           events.Bus
	maxConcurrent int
	timeout       time.Duration
	log           *logrus.Entry
}

func NewBatchProcessor(docs *DocumentProcessor, bus events.Bus, maxConcurrent int, timeout time.Duration, log *logrus.Logger) *BatchProcessor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &BatchProcessor{
		docs:          docs,
		bus:           bus,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		log:           log.WithField("component", "batch"),
	}
}

// ProcessBatch processes every file in the batch concurrently and always
// returns a BatchResult. A failure in one file never aborts the batch; a
// failure of the orchestration itself marks every file failed with the
// batch-level error and publishes batch_failed.
func (b *BatchProcessor) ProcessBatch(ctx context.Context, job *models.JobInfo) (res models.BatchResult) {
	start := time.Now()
	batchID := payloadString(job.Payload, "batch_id")
	if batchID == "" {
		batchID = job.BatchID
	}
	res = models.BatchResult{
		BatchID:      batchID,
		BatchIndex:   payloadInt(job.Payload, "batch_index"),
		TotalBatches: payloadInt(job.Payload, "total_batches"),
	}

	files := batchFilePayloads(job.Payload)
	res.TotalFiles = len(files)

	defer func() {
		if r := recover(); r != nil {
			res = b.failBatch(ctx, job, res, files, fmt.Sprintf("panic during batch orchestration: %v", r), start)
		}
	}()

	b.publish(ctx, events.Event{
		Type:    events.BatchStarted,
		JobID:   job.JobID,
		BatchID: batchID,
		Data: map[string]any{
			"batch_index":   res.BatchIndex,
			"total_batches": res.TotalBatches,
			"total_files":   res.TotalFiles,
		},
	})

	if len(files) == 0 {
		return b.failBatch(ctx, job, res, files, "batch payload contains no files", start)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	results := make([]models.ProcessingResult, len(files))
	sem := make(chan struct{}, b.maxConcurrent)
	var wg sync.WaitGroup
	for i, filePayload := range files {
		wg.Add(1)
		go func(i int, filePayload map[string]any) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = models.ProcessingResult{
						FileID:       payloadString(filePayload, "file_id"),
						Filename:     payloadString(filePayload, "filename"),
						Status:       models.ResultStatusFailed,
						ErrorMessage: fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()

			fileJob := &models.JobInfo{
				JobID:      job.JobID,
				FileID:     payloadString(filePayload, "file_id"),
				BatchID:    batchID,
				SessionID:  payloadString(filePayload, "session_id"),
				Queue:      job.Queue,
				Type:       models.JobTypeDocument,
				Status:     models.JobStatusStarted,
				Payload:    filePayload,
				RetryCount: job.RetryCount,
			}
			results[i] = b.docs.Process(ctx, fileJob, true)
		}(i, filePayload)
	}
	wg.Wait()

	res.Results = results
	res.ErrorSummary = make(map[string]int)
	for _, r := range results {
		switch r.Status {
		case models.ResultStatusSuccess:
			res.SuccessfulFiles++
		case models.ResultStatusSkipped:
			res.SkippedFiles++
		default:
			res.FailedFiles++
			res.ErrorSummary[retry.Classify(r.ErrorMessage)]++
		}
	}
	res.Duration = time.Since(start)

	telemetry.BatchesProcessed.Inc()
	b.publish(ctx, events.Event{
		Type:    events.BatchCompleted,
		JobID:   job.JobID,
		BatchID: batchID,
		Data: map[string]any{
			"successful_files": res.SuccessfulFiles,
			"failed_files":     res.FailedFiles,
			"skipped_files":    res.SkippedFiles,
			"error_summary":    res.ErrorSummary,
			"duration_s":       res.Duration.Seconds(),
		},
	})
	return res
}

// failBatch marks every file in the batch failed with the orchestration
// error and publishes batch_failed.
func (b *BatchProcessor) failBatch(ctx context.Context, job *models.JobInfo, res models.BatchResult, files []map[string]any, errMsg string, start time.Time) models.BatchResult {
	b.log.WithFields(logrus.Fields{"job_id": job.JobID, "batch_id": res.BatchID}).
		WithField("error", errMsg).Error("batch orchestration failed")

	res.Results = make([]models.ProcessingResult, 0, len(files))
	res.ErrorSummary = map[string]int{retry.Classify(errMsg): maxInt(len(files), 1)}
	res.FailedFiles = len(files)
	for _, filePayload := range files {
		res.Results = append(res.Results, models.ProcessingResult{
			FileID:       payloadString(filePayload, "file_id"),
			Filename:     payloadString(filePayload, "filename"),
			Status:       models.ResultStatusFailed,
			ErrorMessage: errMsg,
		})
	}
	res.Duration = time.Since(start)

	b.publish(ctx, events.Event{
		Type:    events.BatchFailed,
		JobID:   job.JobID,
		BatchID: res.BatchID,
		Data:    map[string]any{"error": errMsg, "total_files": len(files)},
	})
	return res
}

func (b *BatchProcessor) publish(ctx context.Context, evt events.Event) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(ctx, evt); err != nil {
		b.log.WithError(err).WithField("event", evt.Type).Warn("event publish failed")
	}
}

// batchFilePayloads tolerates both in-process ([]map[string]any) and
// JSON-decoded ([]any) payload shapes.
func batchFilePayloads(payload map[string]any) []map[string]any {
	if payload == nil {
		return nil
	}
	switch raw := payload["files"].(type) {
	case []map[string]any:
		return raw
	case []any:
		out := make([]map[string]any, 0, len(raw))
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
