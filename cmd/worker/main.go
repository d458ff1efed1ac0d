package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"document-ingestion-queue/internal/config"
	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/extract"
	"document-ingestion-queue/internal/fetch"
	"document-ingestion-queue/internal/ops"
	"document-ingestion-queue/internal/processor"
	"document-ingestion-queue/internal/progress"
	"document-ingestion-queue/internal/queue"
	"document-ingestion-queue/internal/ratelimit"
	"document-ingestion-queue/internal/store"
	workerproc "document-ingestion-queue/internal/worker"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	if cfg.Env == "dev" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var bus events.Bus
	switch cfg.EventBus {
	case "redis":
		bus = events.NewRedisBus(client, log)
	default:
		bus = events.NewMemoryBus()
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	limiter := ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	manager := queue.NewManager(cfg, client, bus, log, queue.WithLimiter(limiter))
	tracker := progress.NewTracker(cfg, client, bus, log)
	tracker.BindQueueEvents(bus)
	bindAuditTrail(bus, st, log)

	fetcher, err := fetch.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init storage fetcher")
	}
	extractor := extract.NewHTTPClient(cfg.ExtractionURL, cfg.ExtractionTimeout)
	docs := processor.NewDocumentProcessor(extractor, fetcher, tracker, st, bus, log)
	batch := processor.NewBatchProcessor(docs, bus, cfg.MaxConcurrent, cfg.BatchTimeout, log)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	w := workerproc.New(cfg, manager, docs, batch, workerID, log)

	opsServer := &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: ops.New(manager).Router(),
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ops server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"job_timeout": cfg.JobTimeout,
		"queues":      cfg.QueueNames(),
	}).Info("worker starting")
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Error("worker stopped")
	}

	if rb, ok := bus.(*events.RedisBus); ok {
		if err := rb.Close(); err != nil {
			log.WithError(err).Warn("event bus close failed")
		}
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = opsServer.Shutdown(shutdownCtx)
}

// bindAuditTrail copies job lifecycle events into the Postgres audit table.
func bindAuditTrail(bus events.Bus, st *store.Store, log *logrus.Logger) {
	for _, eventType := range []string{
		events.JobEnqueued,
		events.JobStarted,
		events.JobCompleted,
		events.JobFailed,
		events.JobRetried,
		events.JobCancelled,
	} {
		bus.Subscribe(eventType, func(evt events.Event) {
			if evt.JobID == "" {
				return
			}
			if err := st.AppendAudit(context.Background(), evt.JobID, evt.Type, evt.FileID); err != nil {
				log.WithError(err).WithField("event", evt.Type).Warn("audit append failed")
			}
		})
	}
}
