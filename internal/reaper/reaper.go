// ============================================================================
// transcodeq Reaper - Idle Machines & Stuck Uploads
// ============================================================================
//
// Package: internal/reaper
// File: reaper.go
// Purpose: Periodic janitor with two duties per pass:
//
//  1. Idle machine reaping: stop machines that have sat idle longer than
//     the idle timeout so compute spend tracks demand.
//
//  2. Stuck-upload recovery: uploads go through a presigned URL, so the
//     control plane never sees the upload finish if the completion
//     callback is lost. Records stuck in uploading past the presigned-URL
//     lifetime (plus a safety buffer) are checked against the object store
//     directly: the object exists -> queue the job; the object is still
//     missing after an extended wait -> fail the job.
//
// The sweep walks job records with a persisted SCAN cursor so each pass
// resumes where the previous one left off; one pass inspects a bounded
// number of records regardless of keyspace size.
//
// ============================================================================

package reaper

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/internal/jobmanager"
	"github.com/fleetcode/transcodeq/internal/machinepool"
	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/schema"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/pkg/types"
)

// sweepBatch bounds how many job records one pass inspects.
const sweepBatch = 100

// Failure messages recorded on abandoned uploads.
const (
	failNoInputKey = "Upload never completed (no input key)"
	failNotFound   = "Upload never completed (file not found after extended wait)"
)

// ObjectStore is the blob-store surface the sweep needs.
type ObjectStore interface {
	Head(ctx context.Context, bucket, key string) (exists bool, size int64, err error)
	CanonicalURL(bucket, key string) string
}

// Spawner is the best-effort spawn hook invoked after a rescue.
type Spawner interface {
	MaybeSpawnWorker(ctx context.Context) error
}

// Reaper performs one janitor pass per Run call. Scheduling lives with the
// caller.
type Reaper struct {
	cfg     *config.Config
	store   *store.Client
	pool    *machinepool.Pool
	jobs    *jobmanager.Manager
	objects ObjectStore
	spawner Spawner
	metrics *metrics.Collector
	log     *zap.Logger
}

// New builds a reaper. objects and spawner may be nil; the corresponding
// duties degrade gracefully.
func New(cfg *config.Config, st *store.Client, pool *machinepool.Pool, jobs *jobmanager.Manager,
	objects ObjectStore, sp Spawner, m *metrics.Collector, log *zap.Logger) *Reaper {
	return &Reaper{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		jobs:    jobs,
		objects: objects,
		spawner: sp,
		metrics: m,
		log:     log,
	}
}

// Run executes one full pass: idle reaping, then the upload sweep. Errors
// from individual records are logged and skipped so one bad record cannot
// wedge the janitor. The two duties are independent: a failure in one never
// prevents the other from running.
func (r *Reaper) Run(ctx context.Context) error {
	return errors.Join(
		r.reapIdleMachines(ctx),
		r.sweepStuckUploads(ctx),
	)
}

// reapIdleMachines stops every machine idle past the timeout. Skipped in
// dev mode since there is no provider to stop machines with.
func (r *Reaper) reapIdleMachines(ctx context.Context) error {
	if r.cfg.DevMode() {
		return nil
	}

	entries, err := r.pool.Entries(ctx)
	if err != nil {
		return fmt.Errorf("reap idle machines: %w", err)
	}

	now := schema.NowMillis()
	cutoff := r.cfg.Orchestrator.IdleTimeout.Milliseconds()
	for id, entry := range entries {
		if entry.State != types.MachineIdle {
			continue
		}
		if now-entry.LastActiveAt < cutoff {
			continue
		}
		if err := r.pool.Stop(ctx, id); err != nil {
			r.log.Warn("failed to stop idle machine",
				zap.String("machineId", id),
				zap.Error(err))
			continue
		}
		r.metrics.RecordIdleStop()
		r.log.Info("stopped idle machine",
			zap.String("machineId", id),
			zap.Int64("idleMs", now-entry.LastActiveAt))
	}
	return nil
}

// sweepStuckUploads inspects up to sweepBatch job records starting from the
// persisted cursor and recovers or fails uploads abandoned past the
// presigned-URL lifetime.
func (r *Reaper) sweepStuckUploads(ctx context.Context) error {
	rdb := r.store.Redis()

	cursor := uint64(0)
	if raw, err := rdb.Get(ctx, schema.KeyUploadCursor).Result(); err == nil {
		if parsed, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			cursor = parsed
		}
	} else if err != redis.Nil {
		return fmt.Errorf("read sweep cursor: %w", err)
	}

	keys, next, err := rdb.Scan(ctx, cursor, schema.JobStatusPattern, sweepBatch).Result()
	if err != nil {
		return fmt.Errorf("scan job records: %w", err)
	}
	if len(keys) > sweepBatch {
		keys = keys[:sweepBatch]
	}

	for _, key := range keys {
		if err := r.inspectRecord(ctx, key); err != nil {
			r.log.Warn("upload sweep record failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	if err := rdb.Set(ctx, schema.KeyUploadCursor, strconv.FormatUint(next, 10), 0).Err(); err != nil {
		return fmt.Errorf("persist sweep cursor: %w", err)
	}
	return nil
}

func (r *Reaper) inspectRecord(ctx context.Context, key string) error {
	jobID := schema.JobIDFromStatusKey(key)
	if jobID == "" {
		return nil
	}

	fields, err := r.store.Redis().HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}
	job := schema.DecodeJob(fields)
	if job == nil || job.Status != types.StatusUploading {
		return nil
	}

	now := schema.NowMillis()
	stuckAfter := (r.cfg.Orchestrator.PresignedURLExpiry + r.cfg.Orchestrator.UploadingRecoveryBuffer).Milliseconds()
	age := now - job.CreatedAt
	if age < stuckAfter {
		return nil
	}

	if job.InputKey == "" {
		r.log.Warn("failing upload with no input key", zap.String("jobId", jobID))
		return r.jobs.Fail(ctx, jobID, failNoInputKey)
	}

	if r.objects == nil {
		return nil
	}
	exists, _, err := r.objects.Head(ctx, r.cfg.ObjectStore.InputBucket, job.InputKey)
	if err != nil {
		return err
	}

	if !exists {
		// The url may still be live when the buffer is generous; only give
		// up after the extended window.
		if age >= 2*stuckAfter {
			r.log.Warn("failing upload: object never arrived", zap.String("jobId", jobID))
			return r.jobs.Fail(ctx, jobID, failNotFound)
		}
		return nil
	}

	return r.rescue(ctx, jobID, job)
}

// rescue re-reads the record to confirm it is still uploading (the upload
// callback may have landed between the scan and the head check) and then
// promotes it to pending.
func (r *Reaper) rescue(ctx context.Context, jobID string, job *types.Job) error {
	status, err := r.store.Redis().HGet(ctx, schema.JobStatusKey(jobID), schema.FieldStatus).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if types.JobStatus(status) != types.StatusUploading {
		return nil
	}

	now := schema.NowMillis()
	inputURL := r.objects.CanonicalURL(r.cfg.ObjectStore.InputBucket, job.InputKey)

	pipe := r.store.Pipeline()
	pipe.HSet(ctx, schema.JobStatusKey(jobID),
		schema.FieldStatus, string(types.StatusPending),
		schema.FieldInputURL, inputURL,
		schema.FieldUploadedAt, strconv.FormatInt(now, 10),
		schema.FieldQueuedAt, strconv.FormatInt(now, 10),
	)
	pipe.ZAdd(ctx, schema.KeyPendingQueue, redis.Z{Score: float64(now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rescue job %s: %w", jobID, err)
	}

	r.metrics.RecordUploadRescue()
	r.log.Info("rescued stuck upload", zap.String("jobId", jobID))

	if r.spawner != nil {
		if err := r.spawner.MaybeSpawnWorker(ctx); err != nil {
			r.log.Warn("spawn after rescue failed", zap.Error(err))
		}
	}
	return nil
}
