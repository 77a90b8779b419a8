// ============================================================================
// transcodeq Job Manager - Job State Machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Manages the full job lifecycle and status transitions against the
// shared state store.
//
// Job state machine:
//   Uploading (presigned PUT issued)
//      | upload event / recovery sweep
//   Pending (in jobs:pending, waiting for a worker)
//      | Pop()
//   Running (bound to a machine in jobs:active)
//      | Complete() / Fail() / Requeue()
//   Completed / Failed (terminal; record expires after the status TTL)
//
// Allowed backward edge: running|failed -> pending via Requeue() while
// retries < the configured maximum.
//
// Consistency: a jobId lives in the pending queue XOR the active map XOR
// neither. Every transition moves the record fields and the index
// membership together in one pipeline. The only uncovered instant is
// between Pop()'s atomic pop-min and its status pipeline; a worker crash
// exactly there orphans the job until a recovery sweep reclaims it.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/schema"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/pkg/types"
)

var (
	// ErrJobNotFound is returned when no record exists for a job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidJobData is returned when a record exists but does not
	// decode to a usable job.
	ErrInvalidJobData = errors.New("invalid job data")
)

// MaxRetriesError is the terminal failure message written by Requeue.
const MaxRetriesError = "Max retries exceeded"

// Manager coordinates job state in the store.
type Manager struct {
	store      *store.Client
	statusTTL  time.Duration
	maxRetries int
	log        *zap.Logger
	metrics    *metrics.Collector
}

// New builds a job manager. statusTTL bounds record lifetime; maxRetries
// bounds the requeue backward edge.
func New(st *store.Client, statusTTL time.Duration, maxRetries int, log *zap.Logger, m *metrics.Collector) *Manager {
	if statusTTL <= 0 {
		statusTTL = schema.DefaultJobStatusTTL
	}
	if maxRetries < 0 {
		maxRetries = schema.DefaultMaxJobRetries
	}
	return &Manager{store: st, statusTTL: statusTTL, maxRetries: maxRetries, log: log, metrics: m}
}

// Enqueue writes the job record as pending and adds it to the pending
// queue, all in one pipeline. A missing id is assigned; a missing
// createdAt defaults to now. Returns the stored job.
func (m *Manager) Enqueue(ctx context.Context, job *types.Job) (*types.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := schema.NowMillis()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.Status = types.StatusPending
	job.Retries = 0
	job.QueuedAt = now

	key := schema.JobStatusKey(job.ID)
	pipe := m.store.Pipeline()
	pipe.HSet(ctx, key, flatten(schema.EncodeJob(job))...)
	pipe.Expire(ctx, key, m.statusTTL)
	pipe.ZAdd(ctx, schema.KeyPendingQueue, redis.Z{Score: float64(now), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	m.metrics.RecordEnqueue()
	m.log.Info("job enqueued",
		zap.String("jobId", job.ID),
		zap.String("preset", job.Preset))
	return job, nil
}

// PersistUploading writes a job record in uploading state without queueing
// it. Used when a presigned PUT is issued and the bytes are still in
// flight.
func (m *Manager) PersistUploading(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidJobData)
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = schema.NowMillis()
	}
	job.Status = types.StatusUploading

	key := schema.JobStatusKey(job.ID)
	pipe := m.store.Pipeline()
	pipe.HSet(ctx, key, flatten(schema.EncodeJob(job))...)
	pipe.Expire(ctx, key, m.statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist uploading job %s: %w", job.ID, err)
	}
	return nil
}

// Pop claims the oldest pending job for a machine. Returns (nil, nil) on an
// empty queue. A queue member with no backing record fails ErrJobNotFound;
// an undecodable record fails ErrInvalidJobData. In both error cases the
// member has already left the queue and is not restored.
func (m *Manager) Pop(ctx context.Context, machineID string) (*types.Job, error) {
	jobID, ok, err := m.store.PopMin(ctx, schema.KeyPendingQueue)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	fields, err := m.store.Redis().HGetAll(ctx, schema.JobStatusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job := schema.DecodeJob(fields)
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobData, jobID)
	}

	now := schema.NowMillis()
	job.Status = types.StatusRunning
	job.MachineID = machineID
	job.StartedAt = now

	pipe := m.store.Pipeline()
	pipe.HSet(ctx, schema.JobStatusKey(jobID),
		schema.FieldStatus, string(types.StatusRunning),
		schema.FieldMachineID, machineID,
		schema.FieldStartedAt, now)
	pipe.HSet(ctx, schema.KeyActiveMap, jobID, machineID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}

	m.log.Info("job claimed",
		zap.String("jobId", jobID),
		zap.String("machineId", machineID))
	return job, nil
}

// CompleteOptions carries the optional result fields of a success.
type CompleteOptions struct {
	Outputs    map[string]string
	DurationMS int64
}

// Complete marks a job completed and unbinds it from the active map.
func (m *Manager) Complete(ctx context.Context, jobID string, opts CompleteOptions) error {
	now := schema.NowMillis()
	args := []any{
		schema.FieldStatus, string(types.StatusCompleted),
		schema.FieldCompletedAt, now,
	}
	if len(opts.Outputs) > 0 {
		encoded := schema.EncodeJob(&types.Job{ID: jobID, Outputs: opts.Outputs})
		args = append(args, schema.FieldOutputs, encoded[schema.FieldOutputs])
	}
	if opts.DurationMS > 0 {
		args = append(args, schema.FieldDuration, opts.DurationMS)
	}

	pipe := m.store.Pipeline()
	pipe.HSet(ctx, schema.JobStatusKey(jobID), args...)
	pipe.HDel(ctx, schema.KeyActiveMap, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}

	m.metrics.RecordCompleted(float64(opts.DurationMS) / 1000)
	m.log.Info("job completed", zap.String("jobId", jobID))
	return nil
}

// Fail marks a job failed with an explanatory error and unbinds it.
func (m *Manager) Fail(ctx context.Context, jobID, errMsg string) error {
	pipe := m.store.Pipeline()
	pipe.HSet(ctx, schema.JobStatusKey(jobID),
		schema.FieldStatus, string(types.StatusFailed),
		schema.FieldCompletedAt, schema.NowMillis(),
		schema.FieldError, errMsg)
	pipe.HDel(ctx, schema.KeyActiveMap, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}

	m.metrics.RecordFailed()
	m.log.Warn("job failed",
		zap.String("jobId", jobID),
		zap.String("error", errMsg))
	return nil
}

// Requeue puts a job back on the pending queue with one more retry. At the
// retry cap the job is failed terminally instead and false is returned.
func (m *Manager) Requeue(ctx context.Context, jobID string) (bool, error) {
	retries, err := m.store.Redis().HGet(ctx, schema.JobStatusKey(jobID), schema.FieldRetries).Result()
	if errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("read retries for %s: %w", jobID, err)
	}

	current, err := strconv.Atoi(retries)
	if err != nil {
		return false, fmt.Errorf("retries field for %s: %w", jobID, err)
	}
	if current >= m.maxRetries {
		if err := m.Fail(ctx, jobID, MaxRetriesError); err != nil {
			return false, err
		}
		return false, nil
	}

	now := schema.NowMillis()
	pipe := m.store.Pipeline()
	pipe.ZAdd(ctx, schema.KeyPendingQueue, redis.Z{Score: float64(now), Member: jobID})
	pipe.HSet(ctx, schema.JobStatusKey(jobID),
		schema.FieldStatus, string(types.StatusPending),
		schema.FieldRetries, current+1)
	pipe.HDel(ctx, schema.JobStatusKey(jobID), schema.FieldMachineID)
	pipe.HDel(ctx, schema.KeyActiveMap, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("requeue job %s: %w", jobID, err)
	}

	m.metrics.RecordRequeue()
	m.log.Info("job requeued",
		zap.String("jobId", jobID),
		zap.Int("retries", current+1))
	return true, nil
}

// GetStatus reads a job record. ErrJobNotFound when absent,
// ErrInvalidJobData when undecodable.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*types.Job, error) {
	fields, err := m.store.Redis().HGetAll(ctx, schema.JobStatusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job := schema.DecodeJob(fields)
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobData, jobID)
	}
	return job, nil
}

// PendingCount returns the pending-queue depth.
func (m *Manager) PendingCount(ctx context.Context) (int64, error) {
	return m.store.Redis().ZCard(ctx, schema.KeyPendingQueue).Result()
}

// ActiveJobs returns the current jobId -> machineId bindings.
func (m *Manager) ActiveJobs(ctx context.Context) (map[string]string, error) {
	return m.store.Redis().HGetAll(ctx, schema.KeyActiveMap).Result()
}

// flatten turns a field map into the alternating key/value slice HSET
// expects.
func flatten(fields map[string]string) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
