package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func opsFixture(t *testing.T) (*httptest.Server, *queue.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Config{
		DefaultQueue:   "documents",
		PriorityQueue:  "documents-priority",
		JobTimeout:     time.Minute,
		JobRetention:   time.Hour,
		DepthThreshold: 10,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RetryMaxDelay:  time.Minute,
		WorkerTTL:      time.Minute,
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	manager := queue.NewManager(cfg, client, events.NewMemoryBus(), log)

	srv := httptest.NewServer(New(manager).Router())
	t.Cleanup(srv.Close)
	return srv, manager, mr
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, mr := opsFixture(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mr.Close()
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestQueuesEndpoint(t *testing.T) {
	srv, manager, _ := opsFixture(t)
	ctx := context.Background()

	_, err := manager.EnqueueFile(ctx, &models.FileMetadata{
		FileID:          "f1",
		Filename:        "f1.pdf",
		StorageLocation: "/uploads/f1.pdf",
	}, queue.EnqueueOptions{})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/queues")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report models.QueueStatsReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.EqualValues(t, 1, report.Queues["documents"].Depth)
	require.EqualValues(t, 0, report.Queues["documents-priority"].Depth)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := opsFixture(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
