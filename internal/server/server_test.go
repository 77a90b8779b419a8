package server

// ============================================================================
// Control Plane API Tests
// Purpose: Verify request validation, the upload/enqueue split, job lookup,
// the stats snapshot, and the worker completion webhook.
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/admission"
	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/internal/jobmanager"
	"github.com/fleetcode/transcodeq/internal/machinepool"
	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/schema"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/pkg/types"
)

type fakePresigner struct{ fail bool }

func (f *fakePresigner) PresignPut(bucket, key string, ttl time.Duration, _ string) (string, int64, error) {
	if f.fail {
		return "", 0, assert.AnError
	}
	return "https://presigned.example.com/" + bucket + "/" + key,
		time.Now().Add(ttl).UnixMilli(), nil
}

type fakeSpawner struct{ calls int }

func (f *fakeSpawner) MaybeSpawnWorker(_ context.Context) error {
	f.calls++
	return nil
}

type fixture struct {
	srv     *Server
	router  http.Handler
	jobs    *jobmanager.Manager
	store   *store.Client
	spawner *fakeSpawner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithClient(rdb)

	cfg := &config.Config{}
	cfg.ObjectStore.InputBucket = "inputs"
	cfg.Orchestrator.PresignedURLExpiry = time.Hour

	log := zap.NewNop()
	jobs := jobmanager.New(st, 24*time.Hour, 3, log, metrics.NewCollector())
	pool := machinepool.New(st, nil, log)
	adm := admission.New(st, 10, time.Second, log)
	sp := &fakeSpawner{}
	srv := New(cfg, st, jobs, pool, adm, &fakePresigner{}, sp, metrics.NewCollector(), log)
	return &fixture{srv: srv, router: srv.Router(), jobs: jobs, store: st, spawner: sp}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestUpload(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/upload", uploadRequest{
		Filename:    "video.mp4",
		ContentType: "video/mp4",
		Preset:      types.PresetHLS,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "inputs/"+resp.JobID+"/video.mp4", resp.Key)
	assert.Contains(t, resp.UploadURL, resp.Key)
	assert.Greater(t, resp.ExpiresAt, time.Now().UnixMilli())

	// Record exists in uploading state and is not queued.
	job, err := f.jobs.GetStatus(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploading, job.Status)
	assert.Equal(t, types.PresetHLS, job.Preset)

	count, err := f.store.Redis().ZCard(context.Background(), schema.KeyPendingQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/upload", uploadRequest{Filename: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/upload", uploadRequest{Filename: "a/b.mp4"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/upload", uploadRequest{Filename: "a.mp4", Preset: "vhs"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs", createJobRequest{
		InputURL: "https://cdn.example.com/raw.mp4",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "pending", resp["status"])
	assert.NotEmpty(t, resp["jobId"])
	assert.Equal(t, 1, f.spawner.calls)

	job, err := f.jobs.GetStatus(context.Background(), resp["jobId"])
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, types.PresetDefault, job.Preset)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs", createJobRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs", createJobRequest{
		InputURL: "https://cdn.example.com/raw.mp4",
		Preset:   "betamax",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.spawner.calls)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.jobs.Enqueue(ctx, &types.Job{ID: "j1", Preset: types.PresetDefault})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job types.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, types.StatusPending, job.Status)

	rec = f.do(t, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.jobs.Enqueue(ctx, &types.Job{ID: "j1", Preset: types.PresetDefault})
	require.NoError(t, err)
	_, err = f.jobs.Enqueue(ctx, &types.Job{ID: "j2", Preset: types.PresetDefault})
	require.NoError(t, err)
	_, err = f.jobs.Pop(ctx, "m1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 1, resp.PendingJobs)
	assert.Equal(t, 1, resp.ActiveJobs)
	assert.Len(t, resp.ActiveJobIDs, 1)
	assert.Equal(t, 10, resp.Machines.MaxMachines)
}

func TestStatusProbe(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobCompleteWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.jobs.Enqueue(ctx, &types.Job{ID: "j1", Preset: types.PresetDefault})
	require.NoError(t, err)
	_, err = f.jobs.Pop(ctx, "m1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/webhooks/job-complete", types.JobWebhook{
		JobID:      "j1",
		Status:     types.StatusCompleted,
		Outputs:    map[string]string{"default": "https://out/j1.mp4"},
		DurationMS: 1500,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := f.jobs.GetStatus(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, "https://out/j1.mp4", job.Outputs["default"])
	assert.EqualValues(t, 1500, job.DurationMS)

	active, err := f.jobs.ActiveJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestJobCompleteWebhookUnknownJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/webhooks/job-complete", types.JobWebhook{
		JobID:  "ghost",
		Status: types.StatusCompleted,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The callback must not create a stray status hash.
	exists, err := f.store.Redis().Exists(ctx, schema.JobStatusKey("ghost")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestJobCompleteWebhookFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.jobs.Enqueue(ctx, &types.Job{ID: "j1", Preset: types.PresetDefault})
	require.NoError(t, err)
	_, err = f.jobs.Pop(ctx, "m1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/webhooks/job-complete", types.JobWebhook{
		JobID:  "j1",
		Status: types.StatusFailed,
		Error:  "codec exploded",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := f.jobs.GetStatus(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "codec exploded", job.Error)

	// Unknown statuses are rejected.
	rec = f.do(t, http.MethodPost, "/webhooks/job-complete", types.JobWebhook{
		JobID:  "j1",
		Status: types.StatusRunning,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
