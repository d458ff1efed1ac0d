package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"document-ingestion-queue/internal/config"
	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/extract"
	"document-ingestion-queue/internal/models"
	"document-ingestion-queue/internal/processor"
	"document-ingestion-queue/internal/queue"
)

type fakeExtractor struct {
	failSubstring string
}

func (f *fakeExtractor) ProcessFile(_ context.Context, req extract.Request) (*extract.Result, error) {
	if f.failSubstring != "" && strings.Contains(req.Filename, f.failSubstring) {
		return nil, &extract.ProcessingError{Reason: "extraction service unreachable"}
	}
	return &extract.Result{Elements: []extract.Element{{Type: "Text", Text: "ok"}}, Pages: 1}, nil
}

type passthroughFetcher struct{}

func (passthroughFetcher) Fetch(_ context.Context, location string) (string, func(), error) {
	return location, func() {}, nil
}

func workerFixture(t *testing.T, extractor extract.Client) (*Worker, *queue.Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Config{
		DefaultQueue:       "documents",
		PriorityQueue:      "documents-priority",
		JobTimeout:         time.Minute,
		JobRetention:       time.Hour,
		DepthThreshold:     100,
		MaxRetries:         3,
		RetryDelay:         time.Minute,
		RetryMaxDelay:      time.Hour,
		BatchSize:          10,
		MaxConcurrent:      2,
		WorkerPollInterval: 5 * time.Millisecond,
		WorkerTTL:          time.Minute,
		ScheduledBatchSize: 100,
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	bus := events.NewMemoryBus()
	manager := queue.NewManager(cfg, client, bus, log)
	docs := processor.NewDocumentProcessor(extractor, passthroughFetcher{}, nil, nil, bus, log)
	batch := processor.NewBatchProcessor(docs, bus, cfg.MaxConcurrent, 0, log)
	return New(cfg, manager, docs, batch, "w-test", log), manager
}

func runUntil(t *testing.T, w *Worker, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if check() {
			cancel()
			<-done
			return
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerFinishesDocumentJob(t *testing.T) {
	ctx := context.Background()
	w, manager := workerFixture(t, &fakeExtractor{})

	jobID, err := manager.EnqueueFile(ctx, &models.FileMetadata{
		FileID:          "f1",
		Filename:        "f1.pdf",
		StorageLocation: "/uploads/f1.pdf",
	}, queue.EnqueueOptions{})
	require.NoError(t, err)

	runUntil(t, w, func() bool {
		job, err := manager.GetJobStatus(ctx, jobID)
		return err == nil && job != nil && job.Status == models.JobStatusFinished
	})

	job, err := manager.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, "w-test", job.WorkerID)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.EndedAt)
	require.EqualValues(t, 1, job.Progress)
}

func TestWorkerFailsAndSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	w, manager := workerFixture(t, &fakeExtractor{failSubstring: "f1"})

	jobID, err := manager.EnqueueFile(ctx, &models.FileMetadata{
		FileID:          "f1",
		Filename:        "f1.pdf",
		StorageLocation: "/uploads/f1.pdf",
	}, queue.EnqueueOptions{})
	require.NoError(t, err)

	runUntil(t, w, func() bool {
		job, err := manager.GetJobStatus(ctx, jobID)
		return err == nil && job != nil && job.Status == models.JobStatusFailed
	})

	job, err := manager.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Contains(t, job.Error, "unreachable")
}

func TestWorkerProcessesBatchJob(t *testing.T) {
	ctx := context.Background()
	w, manager := workerFixture(t, &fakeExtractor{failSubstring: "f2"})

	files := []*models.FileMetadata{
		{FileID: "f1", Filename: "f1.pdf", StorageLocation: "/uploads/f1.pdf"},
		{FileID: "f2", Filename: "f2.pdf", StorageLocation: "/uploads/f2.pdf"},
		{FileID: "f3", Filename: "f3.pdf", StorageLocation: "/uploads/f3.pdf"},
	}
	jobIDs, err := manager.EnqueueBatch(ctx, files, false, "batch-1")
	require.NoError(t, err)
	require.Len(t, jobIDs, 1)

	runUntil(t, w, func() bool {
		job, err := manager.GetJobStatus(ctx, jobIDs[0])
		return err == nil && job != nil && job.Terminal()
	})

	// One file failed out of three, so the batch unit still finishes.
	job, err := manager.GetJobStatus(ctx, jobIDs[0])
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFinished, job.Status)
	require.EqualValues(t, 2, job.Result["successful_files"])
	require.EqualValues(t, 1, job.Result["failed_files"])
}

func TestWorkerSkipsCancelledJob(t *testing.T) {
	ctx := context.Background()
	w, manager := workerFixture(t, &fakeExtractor{})

	jobID, err := manager.EnqueueFile(ctx, &models.FileMetadata{
		FileID:          "f1",
		Filename:        "f1.pdf",
		StorageLocation: "/uploads/f1.pdf",
	}, queue.EnqueueOptions{})
	require.NoError(t, err)

	ok, err := manager.CancelJob(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	ctx2, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx2)

	job, err := manager.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, job.Status)
}
