package uploadevents

// ============================================================================
// Upload Event Handler Tests
// Purpose: Verify job-id extraction from object keys, the promote-vs-create
// split, duplicate-event idempotence, and filtering by action and bucket.
// ============================================================================

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/internal/jobmanager"
	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/schema"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/pkg/types"
)

type fakeObjects struct{}

func (fakeObjects) CanonicalURL(bucket, key string) string {
	return "https://acct.r2.example.com/" + bucket + "/" + key
}

type fakeSpawner struct{ calls int }

func (f *fakeSpawner) MaybeSpawnWorker(_ context.Context) error {
	f.calls++
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *jobmanager.Manager, *store.Client, *fakeSpawner) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithClient(rdb)

	cfg := &config.Config{}
	cfg.ObjectStore.InputBucket = "inputs"

	log := zap.NewNop()
	jobs := jobmanager.New(st, 24*time.Hour, 3, log, metrics.NewCollector())
	sp := &fakeSpawner{}
	h := New(cfg, st, jobs, fakeObjects{}, sp, metrics.NewCollector(), log)
	return h, jobs, st, sp
}

func putEvent(key string) *types.UploadEvent {
	return &types.UploadEvent{
		Bucket:     "inputs",
		Key:        key,
		Action:     types.ActionPutObject,
		ObjectSize: 42,
	}
}

func TestJobIDFromKey(t *testing.T) {
	assert.Equal(t, "j1", JobIDFromKey("inputs/j1/video.mp4"))
	assert.Equal(t, "j2", JobIDFromKey("outputs/j2/default.mp4"))
	assert.Equal(t, "", JobIDFromKey("misc/j1/video.mp4"))
	assert.Equal(t, "", JobIDFromKey("inputs/orphan"))
	assert.Equal(t, "", JobIDFromKey(""))
}

func TestPromoteUploadingJob(t *testing.T) {
	h, jobs, st, sp := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, jobs.PersistUploading(ctx, &types.Job{
		ID:       "j1",
		InputKey: "inputs/j1/video.mp4",
		Preset:   types.PresetHLS,
	}))

	require.NoError(t, h.Handle(ctx, putEvent("inputs/j1/video.mp4")))

	job, err := jobs.GetStatus(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, types.PresetHLS, job.Preset, "promotion keeps the chosen preset")
	assert.Equal(t, "https://acct.r2.example.com/inputs/inputs/j1/video.mp4", job.InputURL)
	assert.NotZero(t, job.UploadedAt)

	_, err = st.Redis().ZScore(ctx, schema.KeyPendingQueue, "j1").Result()
	assert.NoError(t, err)
	assert.Equal(t, 1, sp.calls)
}

func TestCreateJobFromUnknownUpload(t *testing.T) {
	h, jobs, st, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, &types.UploadEvent{
		Bucket: "inputs",
		Key:    "inputs/j9/raw.mov",
		Action: types.ActionCompleteMultipartUpload,
	}))

	job, err := jobs.GetStatus(ctx, "j9")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, "inputs/j9/raw.mov", job.InputKey)
	assert.Equal(t, "outputs/j9", job.OutputURL)
	assert.Equal(t, types.PresetDefault, job.Preset)

	_, err = st.Redis().ZScore(ctx, schema.KeyPendingQueue, "j9").Result()
	assert.NoError(t, err)
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	h, jobs, st, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, jobs.PersistUploading(ctx, &types.Job{
		ID:       "j1",
		InputKey: "inputs/j1/video.mp4",
	}))
	require.NoError(t, h.Handle(ctx, putEvent("inputs/j1/video.mp4")))

	// Claim the job, then replay the event: the running job must not be
	// requeued.
	_, err := jobs.Pop(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, putEvent("inputs/j1/video.mp4")))

	job, err := jobs.GetStatus(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)

	count, err := st.Redis().ZCard(ctx, schema.KeyPendingQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIgnoredEvents(t *testing.T) {
	h, jobs, _, sp := newTestHandler(t)
	ctx := context.Background()

	// Wrong action.
	require.NoError(t, h.Handle(ctx, &types.UploadEvent{
		Bucket: "inputs", Key: "inputs/j1/video.mp4", Action: types.ActionDeleteObject,
	}))
	// Wrong bucket.
	require.NoError(t, h.Handle(ctx, &types.UploadEvent{
		Bucket: "outputs", Key: "inputs/j2/video.mp4", Action: types.ActionPutObject,
	}))
	// Key without a job id.
	require.NoError(t, h.Handle(ctx, putEvent("loose-object.mp4")))

	_, err := jobs.GetStatus(ctx, "j1")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
	_, err = jobs.GetStatus(ctx, "j2")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
	assert.Zero(t, sp.calls)
}
