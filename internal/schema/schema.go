// ============================================================================
// transcodeq Schema & Codec
// ============================================================================
//
// Package: internal/schema
// File: schema.go
// Purpose: Single source of truth for state-store key names, field layouts,
// and the serialization of job and machine records.
//
// Key space:
//   jobs:pending              sorted set  score = queueing epoch (ms)
//   jobs:active               hash        jobId -> machineId
//   jobs:status:{jobId}       hash        flattened Job record
//   machines:pool             hash        machineId -> JSON MachinePoolEntry
//   machines:stopped          set         machineIds available for restart
//   counters:active_machines  string      advisory slot counter
//   counters:rate_limit       string      1-second provider-API bucket
//   cursors:upload_sweep      string      reaper SCAN cursor, resumable
//
// Jobs are flattened into string-keyed hash fields so single fields can be
// rewritten in pipelines without a read-modify-write of the whole record.
// Optional fields are omitted when empty; composite fields are JSON or
// comma-delimited strings; timestamps are base-10 Unix milliseconds.
//
// ============================================================================

package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/fleetcode/transcodeq/pkg/types"
)

// State-store key names.
const (
	KeyPendingQueue   = "jobs:pending"
	KeyActiveMap      = "jobs:active"
	KeyMachinePool    = "machines:pool"
	KeyStoppedSet     = "machines:stopped"
	KeyActiveMachines = "counters:active_machines"
	KeyRateLimit      = "counters:rate_limit"
	KeyUploadCursor   = "cursors:upload_sweep"

	jobStatusPrefix = "jobs:status:"
)

// JobStatusKey returns the record key for one job.
func JobStatusKey(jobID string) string {
	return jobStatusPrefix + jobID
}

// JobStatusPattern is the SCAN match pattern covering all job records.
const JobStatusPattern = jobStatusPrefix + "*"

// JobIDFromStatusKey extracts the job id from a jobs:status:* key. Returns
// "" when the key is not a job record key.
func JobIDFromStatusKey(key string) string {
	if !strings.HasPrefix(key, jobStatusPrefix) {
		return ""
	}
	return key[len(jobStatusPrefix):]
}

// Defaults for every tunable constant. Overridable through configuration;
// these values are the contract when nothing is set.
const (
	DefaultMaxMachines             = 10
	DefaultIdleTimeout             = 300_000 * time.Millisecond
	DefaultPollInterval            = 5_000 * time.Millisecond
	DefaultJobStatusTTL            = 86_400 * time.Second
	DefaultMaxJobRetries           = 3
	DefaultBackoffBase             = 100 * time.Millisecond
	DefaultBackoffMax              = 10_000 * time.Millisecond
	DefaultPresignedURLExpiry      = 3_600 * time.Second
	DefaultUploadingRecoveryBuffer = 300 * time.Second
	DefaultRateLimitWindow         = 1_000 * time.Millisecond
)

// Job hash field names.
const (
	FieldJobID           = "id"
	FieldStatus          = "status"
	FieldInputKey        = "input_key"
	FieldInputURL        = "input_url"
	FieldOutputURL       = "output_url"
	FieldPreset          = "preset"
	FieldOutputQualities = "output_qualities"
	FieldWebhookURL      = "webhook_url"
	FieldOutputs         = "outputs"
	FieldError           = "error"
	FieldRetries         = "retries"
	FieldMachineID       = "machine_id"
	FieldR2Config        = "r2_config"
	FieldDuration        = "duration_ms"
	FieldCreatedAt       = "created_at"
	FieldUploadedAt      = "uploaded_at"
	FieldQueuedAt        = "queued_at"
	FieldStartedAt       = "started_at"
	FieldCompletedAt     = "completed_at"
)

// EncodeJob flattens a job into the hash-field map stored under its record
// key. Optional fields are omitted when empty so round trips preserve
// absence, not just emptiness.
func EncodeJob(j *types.Job) map[string]string {
	fields := map[string]string{
		FieldJobID:     j.ID,
		FieldStatus:    string(j.Status),
		FieldPreset:    j.Preset,
		FieldRetries:   strconv.Itoa(j.Retries),
		FieldCreatedAt: strconv.FormatInt(j.CreatedAt, 10),
	}
	setIf := func(field, value string) {
		if value != "" {
			fields[field] = value
		}
	}
	setIf(FieldInputKey, j.InputKey)
	setIf(FieldInputURL, j.InputURL)
	setIf(FieldOutputURL, j.OutputURL)
	setIf(FieldWebhookURL, j.WebhookURL)
	setIf(FieldError, j.Error)
	setIf(FieldMachineID, j.MachineID)
	if len(j.OutputQualities) > 0 {
		fields[FieldOutputQualities] = strings.Join(j.OutputQualities, ",")
	}
	if len(j.Outputs) > 0 {
		if raw, err := json.Marshal(j.Outputs); err == nil {
			fields[FieldOutputs] = string(raw)
		}
	}
	if j.R2Config != nil {
		if raw, err := json.Marshal(j.R2Config); err == nil {
			fields[FieldR2Config] = string(raw)
		}
	}
	if j.DurationMS > 0 {
		fields[FieldDuration] = strconv.FormatInt(j.DurationMS, 10)
	}
	setTimeIf := func(field string, ts int64) {
		if ts > 0 {
			fields[field] = strconv.FormatInt(ts, 10)
		}
	}
	setTimeIf(FieldUploadedAt, j.UploadedAt)
	setTimeIf(FieldQueuedAt, j.QueuedAt)
	setTimeIf(FieldStartedAt, j.StartedAt)
	setTimeIf(FieldCompletedAt, j.CompletedAt)
	return fields
}

// DecodeJob rebuilds a job from its hash fields. A record missing its
// primary id decodes to nil; malformed composite fields decode to nil so
// callers treat the record as invalid rather than half-read.
func DecodeJob(fields map[string]string) *types.Job {
	if len(fields) == 0 || fields[FieldJobID] == "" {
		return nil
	}
	j := &types.Job{
		ID:          fields[FieldJobID],
		Status:      types.JobStatus(fields[FieldStatus]),
		InputKey:    fields[FieldInputKey],
		InputURL:    fields[FieldInputURL],
		OutputURL:   fields[FieldOutputURL],
		Preset:      fields[FieldPreset],
		WebhookURL:  fields[FieldWebhookURL],
		Error:       fields[FieldError],
		MachineID:   fields[FieldMachineID],
		Retries:     parseInt(fields[FieldRetries]),
		DurationMS:  parseInt64(fields[FieldDuration]),
		CreatedAt:   parseInt64(fields[FieldCreatedAt]),
		UploadedAt:  parseInt64(fields[FieldUploadedAt]),
		QueuedAt:    parseInt64(fields[FieldQueuedAt]),
		StartedAt:   parseInt64(fields[FieldStartedAt]),
		CompletedAt: parseInt64(fields[FieldCompletedAt]),
	}
	if raw := fields[FieldOutputQualities]; raw != "" {
		j.OutputQualities = strings.Split(raw, ",")
	}
	if raw := fields[FieldOutputs]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Outputs); err != nil {
			return nil
		}
	}
	if raw := fields[FieldR2Config]; raw != "" {
		var rc types.R2Config
		if err := json.Unmarshal([]byte(raw), &rc); err != nil {
			return nil
		}
		j.R2Config = &rc
	}
	return j
}

// EncodePoolEntry serializes a machine pool entry to the JSON value stored
// under its machineId in the pool hash.
func EncodePoolEntry(e *types.MachinePoolEntry) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePoolEntry parses a pool hash value. Malformed JSON or a missing
// machineId decodes to nil.
func DecodePoolEntry(raw string) *types.MachinePoolEntry {
	if raw == "" {
		return nil
	}
	var e types.MachinePoolEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil
	}
	if e.MachineID == "" {
		return nil
	}
	return &e
}

// NowMillis is the timestamp used across all records.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
