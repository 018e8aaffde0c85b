// Package scheduler is a small delayed job queue on redis. Jobs live in a
// hash keyed by id and are ordered by run time in a sorted set; a worker
// claims due jobs by removing them from the set.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrJobNotFound = errors.New("job not found")

type Job struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	RunAt     time.Time       `json:"runAt"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Handler processes one due job
type Handler func(ctx context.Context, job *Job) error

type Queue struct {
	client redis.UniversalClient
	name   string
	log    *slog.Logger
	now    func() time.Time
}

func NewQueue(client redis.UniversalClient, name string, log *slog.Logger) *Queue {
	return &Queue{
		client: client,
		name:   name,
		log:    log.With("queue", name),
		now:    time.Now,
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) scheduleKey() string {
	return fmt.Sprintf("queue:%s:scheduled", q.name)
}

func (q *Queue) jobsKey() string {
	return fmt.Sprintf("queue:%s:jobs", q.name)
}

// Add schedules a job to run after delay
func (q *Queue) Add(ctx context.Context, name string, data any, delay time.Duration) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job data: %w", err)
	}

	now := q.now()
	job := &Job{
		ID:        uuid.New().String(),
		Name:      name,
		Data:      payload,
		RunAt:     now.Add(delay),
		CreatedAt: now,
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey(), job.ID, encoded)
		pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule job: %w", err)
	}

	q.log.Info("Job scheduled", "jobID", job.ID, "name", name, "runAt", job.RunAt)
	return job, nil
}

// GetJob returns the job, or (nil, nil) when it no longer exists
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, nil
	}

	raw, err := q.client.HGet(ctx, q.jobsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// Remove cancels a pending job. It returns ErrJobNotFound when the job was
// already gone.
func (q *Queue) Remove(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.scheduleKey(), id)
		removed = pipe.HDel(ctx, q.jobsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove job %s: %w", id, err)
	}
	if removed.Val() == 0 {
		return ErrJobNotFound
	}
	q.log.Info("Job removed", "jobID", id)
	return nil
}

// Run polls for due jobs every interval until ctx is done
func (q *Queue) Run(ctx context.Context, interval time.Duration, handler Handler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.log.Info("Queue worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			q.log.Info("Queue worker stopped")
			return
		case <-ticker.C:
			if _, err := q.ProcessDue(ctx, handler); err != nil && ctx.Err() == nil {
				q.log.Error("Failed to process due jobs", "error", err)
			}
		}
	}
}

// ProcessDue runs every job whose time has come and returns how many were
// handled. A job is claimed by removing it from the schedule, so concurrent
// workers never run the same job twice.
func (q *Queue) ProcessDue(ctx context.Context, handler Handler) (int, error) {
	until := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.scheduleKey(), &redis.ZRangeBy{Min: "-inf", Max: until}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list due jobs: %w", err)
	}

	handled := 0
	for _, id := range ids {
		claimed, err := q.client.ZRem(ctx, q.scheduleKey(), id).Result()
		if err != nil {
			return handled, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if claimed == 0 {
			continue
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.log.Error("Failed to load claimed job", "jobID", id, "error", err)
			continue
		}
		if job == nil {
			continue
		}

		if err := handler(ctx, job); err != nil {
			q.log.Error("Job failed", "jobID", id, "name", job.Name, "error", err)
		} else {
			q.log.Info("Job completed", "jobID", id, "name", job.Name)
		}
		if err := q.client.HDel(ctx, q.jobsKey(), id).Err(); err != nil {
			q.log.Error("Failed to delete finished job", "jobID", id, "error", err)
		}
		handled++
	}
	return handled, nil
}
