// ============================================================================
// transcodeq Control Plane HTTP API
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: The HTTP surface of the control plane:
//
//	POST /upload                 presign an input upload, record the job
//	POST /jobs                   enqueue a job whose input is already hosted
//	GET  /jobs/{jobId}           job status
//	GET  /stats                  queue / machine snapshot
//	GET  /status                 liveness: store ping + echo
//	POST /webhooks/job-complete  worker completion callback
//	GET  /metrics                Prometheus exposition
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/admission"
	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/internal/jobmanager"
	"github.com/fleetcode/transcodeq/internal/machinepool"
	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/pkg/types"
)

// Presigner issues upload URLs.
type Presigner interface {
	PresignPut(bucket, key string, ttl time.Duration, contentType string) (url string, expiresAt int64, err error)
}

// Spawner is the best-effort spawn hook on the enqueue path.
type Spawner interface {
	MaybeSpawnWorker(ctx context.Context) error
}

// Server handles control-plane HTTP requests.
type Server struct {
	cfg       *config.Config
	store     *store.Client
	jobs      *jobmanager.Manager
	pool      *machinepool.Pool
	admission *admission.Controller
	presigner Presigner
	spawner   Spawner
	metrics   *metrics.Collector
	log       *zap.Logger
}

// New builds a server. presigner and spawner may be nil; the corresponding
// endpoints degrade (503 for /upload, no auto-spawn).
func New(cfg *config.Config, st *store.Client, jobs *jobmanager.Manager, pool *machinepool.Pool,
	adm *admission.Controller, presigner Presigner, sp Spawner, m *metrics.Collector, log *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		jobs:      jobs,
		pool:      pool,
		admission: adm,
		presigner: presigner,
		spawner:   sp,
		metrics:   m,
		log:       log,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobId}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/job-complete", s.handleJobComplete).Methods(http.MethodPost)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

type uploadRequest struct {
	Filename    string   `json:"filename"`
	ContentType string   `json:"contentType,omitempty"`
	Preset      string   `json:"preset,omitempty"`
	Qualities   []string `json:"outputQualities,omitempty"`
	WebhookURL  string   `json:"webhookUrl,omitempty"`
}

type uploadResponse struct {
	JobID     string `json:"jobId"`
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
	ExpiresAt int64  `json:"expiresAt"`
}

// handleUpload presigns an input PUT and records the job as uploading. The
// job enters the queue later, when the upload event (or the recovery sweep)
// confirms the bytes arrived.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.presigner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "object store not configured")
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Filename == "" || strings.Contains(req.Filename, "/") {
		s.writeError(w, http.StatusBadRequest, "filename must be a bare file name")
		return
	}
	preset := req.Preset
	if preset == "" {
		preset = types.PresetDefault
	}
	if !types.ValidPreset(preset) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset %q", preset))
		return
	}

	jobID := uuid.NewString()
	key := fmt.Sprintf("inputs/%s/%s", jobID, req.Filename)
	url, expiresAt, err := s.presigner.PresignPut(
		s.cfg.ObjectStore.InputBucket, key,
		s.cfg.Orchestrator.PresignedURLExpiry, req.ContentType)
	if err != nil {
		s.log.Error("presign failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "could not presign upload")
		return
	}

	job := &types.Job{
		ID:              jobID,
		InputKey:        key,
		OutputURL:       "outputs/" + jobID,
		Preset:          preset,
		OutputQualities: req.Qualities,
		WebhookURL:      req.WebhookURL,
	}
	if err := s.jobs.PersistUploading(r.Context(), job); err != nil {
		s.log.Error("persist uploading failed", zap.String("jobId", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not record job")
		return
	}

	s.writeJSON(w, http.StatusCreated, uploadResponse{
		JobID:     jobID,
		UploadURL: url,
		Key:       key,
		ExpiresAt: expiresAt,
	})
}

type createJobRequest struct {
	JobID      string          `json:"jobId,omitempty"`
	InputURL   string          `json:"inputUrl"`
	OutputURL  string          `json:"outputUrl,omitempty"`
	Preset     string          `json:"preset,omitempty"`
	Qualities  []string        `json:"outputQualities,omitempty"`
	WebhookURL string          `json:"webhookUrl,omitempty"`
	R2Config   *types.R2Config `json:"r2Config,omitempty"`
}

// handleCreateJob enqueues a job whose input is already reachable by URL.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InputURL == "" {
		s.writeError(w, http.StatusBadRequest, "inputUrl is required")
		return
	}
	preset := req.Preset
	if preset == "" {
		preset = types.PresetDefault
	}
	if !types.ValidPreset(preset) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset %q", preset))
		return
	}

	job := &types.Job{
		ID:              req.JobID,
		InputURL:        req.InputURL,
		OutputURL:       req.OutputURL,
		Preset:          preset,
		OutputQualities: req.Qualities,
		WebhookURL:      req.WebhookURL,
		R2Config:        req.R2Config,
	}
	job, err := s.jobs.Enqueue(r.Context(), job)
	if err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not enqueue job")
		return
	}
	if job.OutputURL == "" {
		job.OutputURL = "outputs/" + job.ID
	}

	if s.spawner != nil {
		if err := s.spawner.MaybeSpawnWorker(r.Context()); err != nil {
			s.log.Warn("spawn after enqueue failed", zap.Error(err))
		}
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"jobId":  job.ID,
		"status": string(types.StatusPending),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := s.jobs.GetStatus(r.Context(), jobID)
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("job lookup failed", zap.String("jobId", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not read job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type statsResponse struct {
	Machines     admission.Stats `json:"machines"`
	PendingJobs  int64           `json:"pendingJobs"`
	ActiveJobs   int             `json:"activeJobs"`
	ActiveJobIDs []string        `json:"activeJobIds"`
	PoolSize     int             `json:"poolSize"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	machineStats, err := s.admission.GetAdmissionStats(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not read machine stats")
		return
	}
	pending, err := s.jobs.PendingCount(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not read queue depth")
		return
	}
	active, err := s.jobs.ActiveJobs(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not read active jobs")
		return
	}
	poolSize, err := s.pool.Size(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not read pool size")
		return
	}

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	s.metrics.UpdateQueueStats(pending, int64(len(active)), int(poolSize))

	s.writeJSON(w, http.StatusOK, statsResponse{
		Machines:     machineStats,
		PendingJobs:  pending,
		ActiveJobs:   len(active),
		ActiveJobIDs: ids,
		PoolSize:     int(poolSize),
	})
}

// handleStatus is the liveness probe: a store round trip plus an echo.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "state store unreachable")
		return
	}
	echo, err := s.store.Echo(ctx, "transcodeq")
	if err != nil || echo != "transcodeq" {
		s.writeError(w, http.StatusServiceUnavailable, "state store echo mismatch")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJobComplete is the worker's completion callback.
func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var payload types.JobWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.JobID == "" {
		s.writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}

	ctx := r.Context()
	// Complete/Fail write unconditionally; reject unknown jobs here so a
	// stray callback cannot create a TTL-less status hash.
	if _, err := s.jobs.GetStatus(ctx, payload.JobID); err != nil {
		if errors.Is(err, jobmanager.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("webhook status lookup failed", zap.String("jobId", payload.JobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not look up job")
		return
	}

	switch payload.Status {
	case types.StatusCompleted:
		err := s.jobs.Complete(ctx, payload.JobID, jobmanager.CompleteOptions{
			Outputs:    payload.Outputs,
			DurationMS: payload.DurationMS,
		})
		if err != nil {
			s.log.Error("webhook complete failed", zap.String("jobId", payload.JobID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "could not record completion")
			return
		}
	case types.StatusFailed:
		msg := payload.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		if err := s.jobs.Fail(ctx, payload.JobID, msg); err != nil {
			s.log.Error("webhook fail failed", zap.String("jobId", payload.JobID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "could not record failure")
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unexpected status %q", payload.Status))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
