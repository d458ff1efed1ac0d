package progress

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"document-ingestion-queue/internal/config"
	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/models"
	"document-ingestion-queue/internal/queue"
)

func newTestTracker(t *testing.T) (*Tracker, *events.MemoryBus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Config{
		FileProgressTTL:    time.Hour,
		SessionProgressTTL: 2 * time.Hour,
	}
	bus := events.NewMemoryBus()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewTracker(cfg, client, bus, log), bus
}

func sessionFiles(n int) []*models.FileMetadata {
	files := make([]*models.FileMetadata, n)
	for i := range files {
		files[i] = &models.FileMetadata{
			FileID:   "file-" + string(rune('a'+i)),
			Filename: "doc.pdf",
			Size:     100,
		}
	}
	return files
}

func TestInitFileStartsAtStepOne(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	fp, err := tr.InitFile(ctx, "", "f1", "doc.pdf", 2048, "")
	require.NoError(t, err)
	require.Equal(t, models.ProgressStatusUploaded, fp.Status)
	require.Equal(t, models.PipelineTotalSteps, fp.TotalSteps)
	require.Equal(t, 1, fp.CompletedSteps)
	require.InDelta(t, 0.2, fp.Progress, 1e-9)
}

func TestUpdateFileProgressToCompletion(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	_, err := tr.InitFile(ctx, "", "f1", "doc.pdf", 2048, "")
	require.NoError(t, err)

	steps := 4
	fp, err := tr.UpdateFileProgress(ctx, "f1", Update{
		Status:         models.ProgressStatusProcessing,
		CurrentStep:    "extracting",
		CompletedSteps: &steps,
	})
	require.NoError(t, err)
	require.InDelta(t, 0.8, fp.Progress, 1e-9)
	require.NotNil(t, fp.StartedAt)
	require.Nil(t, fp.CompletedAt)

	steps = models.PipelineTotalSteps
	fp, err = tr.UpdateFileProgress(ctx, "f1", Update{
		Status:         models.ProgressStatusCompleted,
		CurrentStep:    "completed",
		CompletedSteps: &steps,
	})
	require.NoError(t, err)
	require.InDelta(t, 1.0, fp.Progress, 1e-9)
	require.NotNil(t, fp.CompletedAt)
	require.Equal(t, fp.Size, fp.ProcessedSize)
	require.GreaterOrEqual(t, fp.ProcessingTime, time.Duration(0))
}

func TestUpdateFileProgressClampsFraction(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	_, err := tr.InitFile(ctx, "", "f1", "doc.pdf", 10, "")
	require.NoError(t, err)

	over := 1.7
	fp, err := tr.UpdateFileProgress(ctx, "f1", Update{Progress: &over})
	require.NoError(t, err)
	require.InDelta(t, 1.0, fp.Progress, 1e-9)

	under := -0.3
	fp, err = tr.UpdateFileProgress(ctx, "f1", Update{Progress: &under})
	require.NoError(t, err)
	require.InDelta(t, 0.0, fp.Progress, 1e-9)
}

func TestUpdateUntrackedFileReturnsNil(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	fp, err := tr.UpdateFileProgress(ctx, "ghost", Update{Status: models.ProgressStatusProcessing})
	require.NoError(t, err)
	require.Nil(t, fp)
}

func TestGetFileProgressSurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	_, err := tr.InitFile(ctx, "", "f1", "doc.pdf", 10, "")
	require.NoError(t, err)

	// Drop the in-process cache; the store copy must still serve reads.
	tr.mu.Lock()
	delete(tr.files, "f1")
	tr.mu.Unlock()

	fp, err := tr.GetFileProgress(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, fp)
	require.Equal(t, models.ProgressStatusUploaded, fp.Status)
}

func TestSessionAggregateRecomputed(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	files := sessionFiles(3)

	session, err := tr.InitSession(ctx, "s1", files, "user-1")
	require.NoError(t, err)
	require.Equal(t, 3, session.TotalFiles)
	require.EqualValues(t, 300, session.TotalSize)
	require.Equal(t, models.SessionStatusActive, session.Status)

	steps := models.PipelineTotalSteps
	_, err = tr.UpdateFileProgress(ctx, files[0].FileID, Update{
		Status:         models.ProgressStatusCompleted,
		CompletedSteps: &steps,
	})
	require.NoError(t, err)
	_, err = tr.UpdateFileProgress(ctx, files[1].FileID, Update{
		Status: models.ProgressStatusFailed,
		Error:  "unsupported file format",
	})
	require.NoError(t, err)

	sp, err := tr.GetSessionProgress(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, sp.ProcessedFiles)
	require.Equal(t, 1, sp.FailedFiles)
	require.Equal(t, 0, sp.CancelledFiles)
	require.LessOrEqual(t, sp.ProcessedFiles+sp.FailedFiles+sp.CancelledFiles, sp.TotalFiles)
	require.EqualValues(t, 100, sp.ProcessedSize)
	require.Greater(t, sp.OverallProgress, 0.0)
	require.LessOrEqual(t, sp.OverallProgress, 1.0)

	// Reading again without intervening updates is idempotent.
	again, err := tr.GetSessionProgress(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, sp, again)
}

func TestMarkSessionCompleteStatuses(t *testing.T) {
	ctx := context.Background()
	steps := models.PipelineTotalSteps

	t.Run("all completed", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		files := sessionFiles(2)
		_, err := tr.InitSession(ctx, "s1", files, "")
		require.NoError(t, err)
		for _, f := range files {
			_, err = tr.UpdateFileProgress(ctx, f.FileID, Update{
				Status:         models.ProgressStatusCompleted,
				CompletedSteps: &steps,
			})
			require.NoError(t, err)
		}

		ok, err := tr.MarkSessionComplete(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		sp, err := tr.GetSessionProgress(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusCompleted, sp.Status)
		require.NotNil(t, sp.CompletedAt)
	})

	t.Run("partial failure", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		files := sessionFiles(2)
		_, err := tr.InitSession(ctx, "s1", files, "")
		require.NoError(t, err)
		_, err = tr.UpdateFileProgress(ctx, files[0].FileID, Update{
			Status:         models.ProgressStatusCompleted,
			CompletedSteps: &steps,
		})
		require.NoError(t, err)
		_, err = tr.UpdateFileProgress(ctx, files[1].FileID, Update{
			Status: models.ProgressStatusFailed,
			Error:  "timeout",
		})
		require.NoError(t, err)

		ok, err := tr.MarkSessionComplete(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		sp, err := tr.GetSessionProgress(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusPartialFailure, sp.Status)
	})

	t.Run("all cancelled", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		files := sessionFiles(2)
		_, err := tr.InitSession(ctx, "s1", files, "")
		require.NoError(t, err)
		for _, f := range files {
			_, err = tr.UpdateFileProgress(ctx, f.FileID, Update{Status: models.ProgressStatusCancelled})
			require.NoError(t, err)
		}

		ok, err := tr.MarkSessionComplete(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		sp, err := tr.GetSessionProgress(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusCancelled, sp.Status)
	})

	t.Run("partial cancellation", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		files := sessionFiles(2)
		_, err := tr.InitSession(ctx, "s1", files, "")
		require.NoError(t, err)
		_, err = tr.UpdateFileProgress(ctx, files[0].FileID, Update{
			Status:         models.ProgressStatusCompleted,
			CompletedSteps: &steps,
		})
		require.NoError(t, err)
		_, err = tr.UpdateFileProgress(ctx, files[1].FileID, Update{Status: models.ProgressStatusCancelled})
		require.NoError(t, err)

		ok, err := tr.MarkSessionComplete(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		sp, err := tr.GetSessionProgress(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusPartialCancellation, sp.Status)
	})

	t.Run("unknown session", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		ok, err := tr.MarkSessionComplete(ctx, "ghost")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestCancelledJobReachesTracker(t *testing.T) {
	ctx := context.Background()
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
		MaxRetries:         3,
		RetryDelay:         time.Second,
		RetryMaxDelay:      time.Minute,
		FileProgressTTL:    time.Hour,
		SessionProgressTTL: 2 * time.Hour,
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	bus := events.NewMemoryBus()
	manager := queue.NewManager(cfg, client, bus, log)
	tr := NewTracker(cfg, client, bus, log)
	tr.BindQueueEvents(bus)

	meta := &models.FileMetadata{
		FileID:          "f1",
		Filename:        "f1.pdf",
		Size:            100,
		SessionID:       "s1",
		StorageLocation: "/uploads/f1.pdf",
	}
	_, err = tr.InitSession(ctx, "s1", []*models.FileMetadata{meta}, "")
	require.NoError(t, err)

	jobID, err := manager.EnqueueFile(ctx, meta, queue.EnqueueOptions{})
	require.NoError(t, err)
	fp, err := tr.GetFileProgress(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, models.ProgressStatusQueued, fp.Status)

	ok, err := manager.CancelJob(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	fp, err = tr.GetFileProgress(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, models.ProgressStatusCancelled, fp.Status)

	sp, err := tr.GetSessionProgress(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, sp.CancelledFiles)

	ok, err = tr.MarkSessionComplete(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	sp, err = tr.GetSessionProgress(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCancelled, sp.Status)
}

func TestBindQueueEventsMarksCancelled(t *testing.T) {
	ctx := context.Background()
	tr, bus := newTestTracker(t)
	tr.BindQueueEvents(bus)

	files := sessionFiles(2)
	_, err := tr.InitSession(ctx, "s1", files, "")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.Event{
		Type:      events.JobEnqueued,
		JobID:     "job-1",
		FileID:    files[0].FileID,
		SessionID: "s1",
	}))
	require.NoError(t, bus.Publish(ctx, events.Event{
		Type:      events.JobCancelled,
		JobID:     "job-1",
		FileID:    files[0].FileID,
		SessionID: "s1",
	}))

	fp, err := tr.GetFileProgress(ctx, files[0].FileID)
	require.NoError(t, err)
	require.Equal(t, models.ProgressStatusCancelled, fp.Status)
	require.Equal(t, "cancelled", fp.CurrentStep)
	require.NotNil(t, fp.CompletedAt)

	sp, err := tr.GetSessionProgress(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, sp.CancelledFiles)
}

func TestBindQueueEventsAdvancesToQueued(t *testing.T) {
	ctx := context.Background()
	tr, bus := newTestTracker(t)
	tr.BindQueueEvents(bus)

	_, err := tr.InitFile(ctx, "", "f1", "doc.pdf", 10, "")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.Event{
		Type:   events.JobEnqueued,
		JobID:  "job-1",
		FileID: "f1",
	}))

	fp, err := tr.GetFileProgress(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, models.ProgressStatusQueued, fp.Status)
	require.Equal(t, "queued", fp.CurrentStep)
	require.Equal(t, 3, fp.CompletedSteps)
	require.Equal(t, "job-1", fp.JobID)
}
