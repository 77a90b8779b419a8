// ============================================================================
// transcodeq Worker Runtime
// ============================================================================
//
// Package: internal/workerrt
// File: worker.go
// Purpose: The loop that runs on each worker machine. It registers itself in
// the machine pool, polls the pending queue, and hands claimed jobs to a
// Runner (the transcode step). Between jobs the machine reports idle so the
// reaper can stop it once demand dries up.
//
// Shutdown is a drain: the loop stops claiming new work but an in-flight job
// always runs to completion. Job state must never be left in running because
// the process got a signal.
//
// ============================================================================

package workerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/jobmanager"
	"github.com/fleetcode/transcodeq/internal/machinepool"
	"github.com/fleetcode/transcodeq/pkg/types"
)

// RunResult is what a Runner produces for one job.
type RunResult struct {
	// Outputs maps quality/rendition names to URLs of the produced files.
	Outputs    map[string]string
	DurationMS int64
}

// Runner performs the transcode for one job.
type Runner interface {
	Run(ctx context.Context, job *types.Job) (*RunResult, error)
}

// Worker claims and processes jobs on one machine.
type Worker struct {
	machineID    string
	pollInterval time.Duration
	webhookBase  string
	pool         *machinepool.Pool
	jobs         *jobmanager.Manager
	runner       Runner
	http         *http.Client
	log          *zap.Logger
}

// New builds a worker for the given machine id.
func New(machineID string, pollInterval time.Duration, webhookBase string,
	pool *machinepool.Pool, jobs *jobmanager.Manager, runner Runner, log *zap.Logger) *Worker {
	return &Worker{
		machineID:    machineID,
		pollInterval: pollInterval,
		webhookBase:  webhookBase,
		pool:         pool,
		jobs:         jobs,
		runner:       runner,
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log.With(zap.String("machineId", machineID)),
	}
}

// Run registers the machine and processes jobs until ctx is cancelled. An
// in-flight job finishes before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.pool.Add(ctx, w.machineID); err != nil {
		return fmt.Errorf("register machine: %w", err)
	}
	w.log.Info("worker started")

	// Store mutations during drain must not be cut off with the loop.
	bg := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			w.drain(bg)
			return nil
		default:
		}

		job, err := w.jobs.Pop(ctx, w.machineID)
		if err != nil {
			w.log.Warn("claim failed", zap.Error(err))
			if !w.sleep(ctx) {
				w.drain(bg)
				return nil
			}
			continue
		}
		if job == nil {
			if err := w.pool.UpdateState(bg, w.machineID, types.MachineIdle); err != nil {
				w.log.Warn("idle report failed", zap.Error(err))
			}
			if !w.sleep(ctx) {
				w.drain(bg)
				return nil
			}
			continue
		}

		if err := w.pool.UpdateState(bg, w.machineID, types.MachineRunning); err != nil {
			w.log.Warn("running report failed", zap.Error(err))
		}
		w.process(bg, job)
	}
}

// process runs one job and records the outcome. It runs on a context that
// survives loop cancellation.
func (w *Worker) process(ctx context.Context, job *types.Job) {
	w.log.Info("processing job",
		zap.String("jobId", job.ID),
		zap.String("preset", job.Preset))

	start := time.Now()
	result, err := w.runner.Run(ctx, job)
	if err != nil {
		w.log.Error("job failed", zap.String("jobId", job.ID), zap.Error(err))
		requeued, rqErr := w.jobs.Requeue(ctx, job.ID)
		if rqErr != nil {
			w.log.Error("requeue failed", zap.String("jobId", job.ID), zap.Error(rqErr))
			return
		}
		if requeued {
			w.log.Info("job requeued for retry", zap.String("jobId", job.ID))
			return
		}
		// Retries exhausted; this failure is terminal.
		w.report(ctx, job, &types.JobWebhook{
			JobID:  job.ID,
			Status: types.StatusFailed,
			Error:  err.Error(),
		})
		return
	}

	duration := result.DurationMS
	if duration == 0 {
		duration = time.Since(start).Milliseconds()
	}
	if err := w.jobs.Complete(ctx, job.ID, jobmanager.CompleteOptions{
		Outputs:    result.Outputs,
		DurationMS: duration,
	}); err != nil {
		w.log.Error("complete failed", zap.String("jobId", job.ID), zap.Error(err))
		return
	}
	w.report(ctx, job, &types.JobWebhook{
		JobID:      job.ID,
		Status:     types.StatusCompleted,
		InputURL:   job.InputURL,
		Outputs:    result.Outputs,
		DurationMS: duration,
	})
	w.log.Info("job completed",
		zap.String("jobId", job.ID),
		zap.Int64("durationMs", duration))
}

// report posts the completion webhook to the control plane and to the job's
// own callback URL, when set. Best effort: a webhook failure never affects
// job state.
func (w *Worker) report(ctx context.Context, job *types.Job, payload *types.JobWebhook) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.log.Warn("webhook marshal failed", zap.Error(err))
		return
	}
	if w.webhookBase != "" {
		w.post(ctx, strings.TrimRight(w.webhookBase, "/")+"/webhooks/job-complete", body)
	}
	if job.WebhookURL != "" {
		w.post(ctx, job.WebhookURL, body)
	}
}

func (w *Worker) post(ctx context.Context, url string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		w.log.Warn("webhook request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		w.log.Warn("webhook delivery failed",
			zap.String("url", url),
			zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Warn("webhook rejected",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
	}
}

// drain marks the machine idle on the way out.
func (w *Worker) drain(ctx context.Context) {
	if err := w.pool.UpdateState(ctx, w.machineID, types.MachineIdle); err != nil {
		w.log.Warn("idle report on drain failed", zap.Error(err))
	}
	w.log.Info("worker drained")
}

// sleep waits one poll interval. Returns false when ctx was cancelled.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// envList renders the job environment handed to the transcode command.
func envList(job *types.Job) []string {
	return []string{
		"JOB_ID=" + job.ID,
		"INPUT_URL=" + job.InputURL,
		"OUTPUT_URL=" + job.OutputURL,
		"PRESET=" + job.Preset,
		"QUALITIES=" + strings.Join(job.OutputQualities, ","),
	}
}
