// ============================================================================
// transcodeq Exec Runner
// ============================================================================
//
// Package: internal/workerrt
// File: exec_runner.go
// Purpose: Runner that shells out to the transcode command (ffmpeg wrapper
// script in production). The job is handed over through the environment and
// the command reports its outputs as a JSON object on stdout.
//
// ============================================================================

package workerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/pkg/types"
)

// ExecRunner invokes an external command per job.
type ExecRunner struct {
	Command string
	Args    []string
	log     *zap.Logger
}

// NewExecRunner builds a runner around the given command line.
func NewExecRunner(command string, args []string, log *zap.Logger) *ExecRunner {
	return &ExecRunner{Command: command, Args: args, log: log}
}

// Run executes the command with the job environment and parses its stdout
// as a quality -> URL map.
func (r *ExecRunner) Run(ctx context.Context, job *types.Job) (*RunResult, error) {
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Env = append(os.Environ(), envList(job)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("transcode command: %w: %s", err, msg)
	}
	elapsed := time.Since(start).Milliseconds()

	outputs := map[string]string{}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &outputs); err != nil {
			return nil, fmt.Errorf("parse transcode outputs: %w", err)
		}
	}

	r.log.Debug("transcode command finished",
		zap.String("jobId", job.ID),
		zap.Int64("elapsedMs", elapsed),
		zap.Int("outputs", len(outputs)))
	return &RunResult{Outputs: outputs, DurationMS: elapsed}, nil
}
