// queuectl is the operator CLI for the document ingestion queue: enqueue
// files and batches, inspect job and progress state, retry, cancel, and
// clean up old records.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"document-ingestion-queue/internal/config"
	"document-ingestion-queue/internal/events"
	"document-ingestion-queue/internal/models"
	"document-ingestion-queue/internal/progress"
	"document-ingestion-queue/internal/queue"
	"document-ingestion-queue/internal/ratelimit"
	"document-ingestion-queue/internal/retry"
	"document-ingestion-queue/internal/store"
)

type app struct {
	cfg     config.Config
	client  *redis.Client
	manager *queue.Manager
	tracker *progress.Tracker
}

func newApp() *app {
	cfg := config.Load()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bus := events.NewMemoryBus()
	limiter := ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	manager := queue.NewManager(cfg, client, bus, log, queue.WithLimiter(limiter))
	tracker := progress.NewTracker(cfg, client, bus, log)
	tracker.BindQueueEvents(bus)

	return &app{cfg: cfg, client: client, manager: manager, tracker: tracker}
}

func main() {
	a := newApp()
	defer a.client.Close()

	root := &cobra.Command{
		Use:          "queuectl",
		Short:        "Operate the document ingestion queue",
		SilenceUsage: true,
	}
	root.AddCommand(
		a.enqueueCmd(),
		a.enqueueBatchCmd(),
		a.statusCmd(),
		a.progressCmd(),
		a.resultCmd(),
		a.retryCmd(),
		a.cancelCmd(),
		a.statsCmd(),
		a.cleanupCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) enqueueCmd() *cobra.Command {
	var (
		fileID    string
		session   string
		uploader  string
		priority  bool
		delay     time.Duration
		attempts  int
		backoff   string
		delayBase time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <path>",
		Short: "Enqueue one document for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			if fileID == "" {
				fileID = fmt.Sprintf("file-%d", time.Now().UnixNano())
			}

			meta := &models.FileMetadata{
				FileID:          fileID,
				Filename:        filepath.Base(path),
				Size:            info.Size(),
				SessionID:       session,
				UploaderID:      uploader,
				StorageLocation: path,
				Status:          models.FileStatusValidated,
			}
			if _, err := a.tracker.InitFile(ctx, session, fileID, meta.Filename, meta.Size, ""); err != nil {
				return err
			}
			steps := 2
			if _, err := a.tracker.UpdateFileProgress(ctx, fileID, progress.Update{
				Status:         models.ProgressStatusValidated,
				CurrentStep:    "validated",
				CompletedSteps: &steps,
			}); err != nil {
				return err
			}

			opts := queue.EnqueueOptions{Priority: priority, Delay: delay}
			if cmd.Flags().Changed("retry-attempts") || cmd.Flags().Changed("retry-backoff") {
				p := retry.DefaultPolicy()
				p.MaxAttempts = attempts
				p.Backoff = retry.BackoffType(backoff)
				p.InitialDelay = delayBase
				opts.Policy = &p
			}

			jobID, err := a.manager.EnqueueFile(ctx, meta, opts)
			if errors.Is(err, queue.ErrRateLimited) {
				color.Red("rejected: uploader %s is over the enqueue rate limit", uploader)
				return err
			}
			if err != nil {
				return err
			}
			color.Green("enqueued %s as job %s", fileID, jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&fileID, "file-id", "", "file id (generated when empty)")
	cmd.Flags().StringVar(&session, "session", "", "upload session id")
	cmd.Flags().StringVar(&uploader, "uploader", "", "uploader id, enables rate limiting")
	cmd.Flags().BoolVar(&priority, "priority", false, "use the priority queue")
	cmd.Flags().DurationVar(&delay, "delay", 0, "defer processing by this much")
	cmd.Flags().IntVar(&attempts, "retry-attempts", 3, "max retry attempts")
	cmd.Flags().StringVar(&backoff, "retry-backoff", string(retry.BackoffExponential), "backoff type: fixed, linear, exponential")
	cmd.Flags().DurationVar(&delayBase, "retry-delay", 2*time.Second, "initial retry delay")
	return cmd
}

// manifestEntry is one line of an enqueue-batch manifest file.
type manifestEntry struct {
	FileID   string `json:"file_id"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

func (a *app) enqueueBatchCmd() *cobra.Command {
	var (
		session  string
		uploader string
		batchID  string
		priority bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue-batch <manifest.json>",
		Short: "Enqueue a batch of documents from a JSON manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var entries []manifestEntry
			if err := json.Unmarshal(raw, &entries); err != nil {
				return fmt.Errorf("decode manifest: %w", err)
			}
			if len(entries) == 0 {
				return errors.New("manifest is empty")
			}

			files := make([]*models.FileMetadata, 0, len(entries))
			for i, e := range entries {
				if e.FileID == "" {
					e.FileID = fmt.Sprintf("file-%d-%d", time.Now().UnixNano(), i)
				}
				if e.Filename == "" {
					e.Filename = filepath.Base(e.Path)
				}
				files = append(files, &models.FileMetadata{
					FileID:          e.FileID,
					Filename:        e.Filename,
					Size:            e.Size,
					SessionID:       session,
					UploaderID:      uploader,
					StorageLocation: e.Path,
					Status:          models.FileStatusValidated,
				})
			}
			if session != "" {
				if _, err := a.tracker.InitSession(ctx, session, files, uploader); err != nil {
					return err
				}
			}

			jobIDs, err := a.manager.EnqueueBatch(ctx, files, priority, batchID)
			if err != nil {
				return err
			}
			color.Green("enqueued %d files as %d batch jobs", len(files), len(jobIDs))
			for _, id := range jobIDs {
				fmt.Println("  " + id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "upload session id")
	cmd.Flags().StringVar(&uploader, "uploader", "", "uploader id")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch id (generated when empty)")
	cmd.Flags().BoolVar(&priority, "priority", false, "use the priority queue")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.manager.GetJobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				color.Yellow("job %s not found (expired or never existed)", args[0])
				return nil
			}
			printJSON(job)
			return nil
		},
	}
}

func (a *app) progressCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "progress [file-id]",
		Short: "Show file or session progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if sessionID != "" {
				sp, err := a.tracker.GetSessionProgress(ctx, sessionID)
				if err != nil {
					return err
				}
				if sp == nil {
					color.Yellow("session %s not tracked", sessionID)
					return nil
				}
				printJSON(sp)
				return nil
			}
			if len(args) == 0 {
				return errors.New("a file id or --session is required")
			}
			fp, err := a.tracker.GetFileProgress(ctx, args[0])
			if err != nil {
				return err
			}
			if fp == nil {
				color.Yellow("file %s not tracked", args[0])
				return nil
			}
			printJSON(fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "show the session aggregate instead")
	return cmd
}

func (a *app) resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <file-id>",
		Short: "Show the persisted processing outcome for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := store.New(ctx, a.cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer st.Close()

			res, err := st.GetFileResult(ctx, args[0])
			if err != nil {
				return err
			}
			if res == nil {
				color.Yellow("file %s has no persisted result", args[0])
				return nil
			}
			printJSON(res)
			return nil
		},
	}
}

func (a *app) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-enqueue a failed job under its retry policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newID, err := a.manager.RetryFailedJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if newID == "" {
				color.Yellow("retry denied: job unknown or policy exhausted")
				return nil
			}
			color.Green("retry scheduled as job %s", newID)
			return nil
		},
	}
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.manager.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				color.Yellow("job %s was not cancellable (unknown or already terminal)", args[0])
				return nil
			}
			color.Green("job %s cancelled", args[0])
			return nil
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depths, outcomes, and live workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.manager.QueueStats(cmd.Context())
			if err != nil {
				return err
			}

			bold := color.New(color.Bold)
			for _, name := range a.cfg.QueueNames() {
				stats := report.Queues[name]
				bold.Printf("%s\n", name)
				fmt.Printf("  depth=%d started=%d deferred=%d finished=%d failed=%d\n",
					stats.Depth, stats.Started, stats.Deferred, stats.Finished, stats.Failed)
				line := fmt.Sprintf("  failure_rate=%.1f%% avg_processing=%s",
					stats.FailedJobRate*100, stats.AvgProcessingTime)
				if stats.FailedJobRate > 0.25 {
					color.Red(line)
				} else {
					fmt.Println(line)
				}
			}

			bold.Printf("workers: %d total, %d busy, %d idle\n",
				report.Workers.Total, report.Workers.Busy, report.Workers.Idle)
			for _, w := range report.Workers.Workers {
				state := "idle"
				if w.CurrentJobID != "" {
					state = "job " + w.CurrentJobID
				}
				fmt.Printf("  %s  %s  last seen %s\n", w.WorkerID, state, w.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (a *app) cleanupCmd() *cobra.Command {
	var (
		days  int
		audit bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished and failed job records older than N days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			removed, err := a.manager.CleanupOldJobs(ctx, days)
			if err != nil {
				return err
			}
			color.Green("removed %d job records", removed)

			if audit {
				st, err := store.New(ctx, a.cfg.PostgresDSN)
				if err != nil {
					return fmt.Errorf("connect postgres for audit cleanup: %w", err)
				}
				defer st.Close()
				rows, err := st.CleanupAudit(ctx, time.Now().AddDate(0, 0, -days))
				if err != nil {
					return err
				}
				color.Green("removed %d audit rows", rows)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "age cutoff in days")
	cmd.Flags().BoolVar(&audit, "audit", false, "also delete Postgres audit rows past the cutoff")
	return cmd
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
