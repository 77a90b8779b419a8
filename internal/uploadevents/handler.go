// ============================================================================
// transcodeq Upload Event Handler
// ============================================================================
//
// Package: internal/uploadevents
// File: handler.go
// Purpose: Turns object-store upload notifications into queued jobs. Clients
// upload inputs under inputs/{jobId}/..., so the job id is recovered from
// the key. A notification for a known uploading record promotes it to
// pending; a notification with no record creates a fresh job with defaults,
// which lets uploads flow in without a prior /upload call.
//
// Delivery is at-least-once: every path here is idempotent, and a handler
// error means the message should be redelivered (NAK), not dropped.
//
// ============================================================================

package uploadevents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/internal/jobmanager"
	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/schema"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/pkg/types"
)

// keyPattern recovers the job id from an object key. Only the first path
// segment after the prefix matters.
var keyPattern = regexp.MustCompile(`^(?:inputs|outputs)/([^/]+)/`)

// ObjectStore resolves canonical URLs for event keys.
type ObjectStore interface {
	CanonicalURL(bucket, key string) string
}

// Spawner is the best-effort spawn hook invoked once a job is queued.
type Spawner interface {
	MaybeSpawnWorker(ctx context.Context) error
}

// Handler processes upload events into job-queue state.
type Handler struct {
	cfg     *config.Config
	store   *store.Client
	jobs    *jobmanager.Manager
	objects ObjectStore
	spawner Spawner
	metrics *metrics.Collector
	log     *zap.Logger
}

// New builds a handler. objects and spawner may be nil in tests.
func New(cfg *config.Config, st *store.Client, jobs *jobmanager.Manager,
	objects ObjectStore, sp Spawner, m *metrics.Collector, log *zap.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   st,
		jobs:    jobs,
		objects: objects,
		spawner: sp,
		metrics: m,
		log:     log,
	}
}

// JobIDFromKey extracts the job id from an object key, or "" when the key
// does not follow the inputs/{jobId}/ layout.
func JobIDFromKey(key string) string {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return ""
	}
	return m[1]
}

// Handle processes one event. A nil return means the message can be acked;
// an error means it should be redelivered.
func (h *Handler) Handle(ctx context.Context, ev *types.UploadEvent) error {
	if ev.Action != types.ActionPutObject && ev.Action != types.ActionCompleteMultipartUpload {
		h.log.Debug("ignoring event action", zap.String("action", ev.Action))
		return nil
	}
	if ev.Bucket != h.cfg.ObjectStore.InputBucket {
		h.log.Debug("ignoring event bucket", zap.String("bucket", ev.Bucket))
		return nil
	}

	jobID := JobIDFromKey(ev.Key)
	if jobID == "" {
		h.log.Warn("upload key does not carry a job id", zap.String("key", ev.Key))
		return nil
	}

	existing, err := h.jobs.GetStatus(ctx, jobID)
	if err != nil && !errors.Is(err, jobmanager.ErrJobNotFound) {
		return fmt.Errorf("read job %s: %w", jobID, err)
	}

	if existing == nil {
		return h.createFromUpload(ctx, jobID, ev)
	}
	return h.promote(ctx, existing, ev)
}

// createFromUpload builds a brand new pending job around the uploaded
// object, with default preset and the conventional output prefix.
func (h *Handler) createFromUpload(ctx context.Context, jobID string, ev *types.UploadEvent) error {
	now := schema.NowMillis()
	job := &types.Job{
		ID:         jobID,
		Status:     types.StatusPending,
		InputKey:   ev.Key,
		OutputURL:  "outputs/" + jobID,
		Preset:     types.PresetDefault,
		CreatedAt:  now,
		UploadedAt: now,
		QueuedAt:   now,
	}
	if h.objects != nil {
		job.InputURL = h.objects.CanonicalURL(ev.Bucket, ev.Key)
	}

	if _, err := h.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue upload job %s: %w", jobID, err)
	}
	h.log.Info("created job from upload",
		zap.String("jobId", jobID),
		zap.String("key", ev.Key))
	h.afterQueue(ctx)
	return nil
}

// promote moves an uploading record to pending and queues it. Events for
// records already past uploading are duplicates and ack cleanly.
func (h *Handler) promote(ctx context.Context, job *types.Job, ev *types.UploadEvent) error {
	if job.Status != types.StatusUploading {
		h.log.Debug("duplicate upload event", zap.String("jobId", job.ID))
		return nil
	}

	now := schema.NowMillis()
	inputURL := job.InputURL
	if h.objects != nil {
		inputURL = h.objects.CanonicalURL(ev.Bucket, ev.Key)
	}

	pipe := h.store.Pipeline()
	pipe.HSet(ctx, schema.JobStatusKey(job.ID),
		schema.FieldStatus, string(types.StatusPending),
		schema.FieldInputKey, ev.Key,
		schema.FieldInputURL, inputURL,
		schema.FieldUploadedAt, strconv.FormatInt(now, 10),
		schema.FieldQueuedAt, strconv.FormatInt(now, 10),
	)
	pipe.ZAdd(ctx, schema.KeyPendingQueue, redis.Z{Score: float64(now), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("promote job %s: %w", job.ID, err)
	}
	h.metrics.RecordEnqueue()

	h.log.Info("upload complete, job queued",
		zap.String("jobId", job.ID),
		zap.Int64("size", ev.ObjectSize))
	h.afterQueue(ctx)
	return nil
}

func (h *Handler) afterQueue(ctx context.Context) {
	if h.spawner == nil {
		return
	}
	if err := h.spawner.MaybeSpawnWorker(ctx); err != nil {
		h.log.Warn("spawn after upload failed", zap.Error(err))
	}
}
