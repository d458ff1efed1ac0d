package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"document-ingestion-queue/internal/models"
)

// Redis key layout. Job records are JSON strings with a retention TTL;
// registries are zsets scored by event time so cleanup can range over them.
const (
	keyScheduled = "docq:scheduled"
	keyInFlight  = "docq:inflight"
	keyWorkerSet = "docq:workers"
)

func readyKey(queue string) string {
	return "docq:ready:" + queue
}

func jobKey(jobID string) string {
	return "docq:job:" + jobID
}

func registryKey(queue, registry string) string {
	return fmt.Sprintf("docq:registry:%s:%s", queue, registry)
}

func statsKey(queue string) string {
	return "docq:stats:" + queue
}

func workerKey(workerID string) string {
	return "docq:worker:" + workerID
}

// Registry names per queue.
const (
	registryStarted  = "started"
	registryFinished = "finished"
	registryFailed   = "failed"
	registryDeferred = "deferred"
)

// loadJob fetches and decodes one job record. A missing key returns
// (nil, nil): the record expired or never existed.
func (m *Manager) loadJob(ctx context.Context, jobID string) (*models.JobInfo, error) {
	raw, err := m.client.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	var job models.JobInfo
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// saveJob persists the record with the retention TTL refreshed.
func (m *Manager) saveJob(ctx context.Context, job *models.JobInfo) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	if err := m.client.Set(ctx, jobKey(job.JobID), payload, m.cfg.JobRetention).Err(); err != nil {
		return fmt.Errorf("persist job %s: %w", job.JobID, err)
	}
	return nil
}

// pushReady appends a queued job to its ready list.
func (m *Manager) pushReady(ctx context.Context, job *models.JobInfo) error {
	return m.client.RPush(ctx, readyKey(job.Queue), job.JobID).Err()
}

// schedule defers a job until runAt and records it in the deferred registry.
func (m *Manager) schedule(ctx context.Context, job *models.JobInfo, runAt time.Time) error {
	score := float64(runAt.UnixMilli())
	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: score, Member: job.JobID})
	pipe.ZAdd(ctx, registryKey(job.Queue, registryDeferred), redis.Z{Score: score, Member: job.JobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due deferred jobs onto their ready lists and
// returns how many were promoted.
func (m *Manager) PromoteScheduled(ctx context.Context, limit int64) (int, error) {
	now := time.Now()
	ids, err := m.client.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, id := range ids {
		job, err := m.loadJob(ctx, id)
		if err != nil {
			return promoted, err
		}
		pipe := m.client.TxPipeline()
		pipe.ZRem(ctx, keyScheduled, id)
		if job != nil {
			pipe.ZRem(ctx, registryKey(job.Queue, registryDeferred), id)
			pipe.RPush(ctx, readyKey(job.Queue), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, err
		}
		if job != nil {
			promoted++
		}
	}
	return promoted, nil
}

// DequeueWithLease pops the next job id, priority queue first, and parks it
// in the in-flight set with a visibility deadline. Empty string means no
// work was ready.
func (m *Manager) DequeueWithLease(ctx context.Context) (string, error) {
	keys := []string{readyKey(m.cfg.PriorityQueue), readyKey(m.cfg.DefaultQueue), keyInFlight}
	deadline := time.Now().Add(m.cfg.JobTimeout).UnixMilli()

	res, err := dequeueScript.Run(ctx, m.client, keys, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for a running job.
func (m *Manager) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return m.client.ZAdd(ctx, keyInFlight, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking once the worker is done with it.
func (m *Manager) Ack(ctx context.Context, jobID string) error {
	return m.client.ZRem(ctx, keyInFlight, jobID).Err()
}

// ReclaimExpired removes jobs whose lease deadline passed from the in-flight
// set and returns their ids. The worker treats each as a timed-out failure,
// which keeps them retry-eligible under their policy.
func (m *Manager) ReclaimExpired(ctx context.Context, limit int64) ([]string, error) {
	now := time.Now()
	ids, err := m.client.ZRangeByScore(ctx, keyInFlight, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := m.client.ZRem(ctx, keyInFlight, toMembers(ids)...).Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func toMembers(ids []string) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return members
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
