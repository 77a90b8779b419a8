// Package types defines the core domain model shared by every component of
// the transcodeq orchestration system: jobs, machine pool entries, and the
// payloads exchanged with workers over webhooks.
package types

// JobStatus is the lifecycle state of a transcoding job.
type JobStatus string

const (
	StatusUploading JobStatus = "uploading" // presigned PUT issued, bytes not yet confirmed
	StatusPending   JobStatus = "pending"   // queued, waiting for a worker
	StatusRunning   JobStatus = "running"   // claimed by a worker
	StatusCompleted JobStatus = "completed" // terminal success
	StatusFailed    JobStatus = "failed"    // terminal failure
)

// MachineState is the pool's logical view of a compute machine.
type MachineState string

const (
	MachineRunning MachineState = "running"
	MachineIdle    MachineState = "idle"
	MachineStopped MachineState = "stopped"
)

// Transcoding presets accepted at the API boundary. The preset shapes the
// runner invocation only; the core stores and forwards it verbatim.
const (
	PresetDefault      = "default"
	PresetWebOptimized = "web-optimized"
	PresetHLS          = "hls"
	PresetHLSAdaptive  = "hls-adaptive"
)

// ValidPreset reports whether p is one of the recognized presets.
func ValidPreset(p string) bool {
	switch p {
	case PresetDefault, PresetWebOptimized, PresetHLS, PresetHLSAdaptive:
		return true
	}
	return false
}

// Job is one transcoding request. Timestamps are Unix milliseconds; zero
// means unset. Optional fields are omitted from serialized forms when empty.
type Job struct {
	ID              string            `json:"jobId"`
	Status          JobStatus         `json:"status"`
	InputKey        string            `json:"inputKey,omitempty"`
	InputURL        string            `json:"inputUrl,omitempty"`
	OutputURL       string            `json:"outputUrl,omitempty"`
	Preset          string            `json:"preset"`
	OutputQualities []string          `json:"outputQualities,omitempty"`
	WebhookURL      string            `json:"webhookUrl,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	Error           string            `json:"error,omitempty"`
	Retries         int               `json:"retries"`
	MachineID       string            `json:"machineId,omitempty"`
	R2Config        *R2Config         `json:"r2Config,omitempty"`
	DurationMS      int64             `json:"duration,omitempty"`

	CreatedAt   int64 `json:"createdAt"`
	UploadedAt  int64 `json:"uploadedAt,omitempty"`
	QueuedAt    int64 `json:"queuedAt,omitempty"`
	StartedAt   int64 `json:"startedAt,omitempty"`
	CompletedAt int64 `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// R2Config is a per-job object-store override supplied by the caller on
// direct submission. The core stores it opaquely for the worker.
type R2Config struct {
	AccountID       string `json:"accountId"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Bucket          string `json:"bucket"`
}

// MachinePoolEntry is the pool record for one compute machine, running or
// stopped. CreatedAt is immutable after first write; LastActiveAt only
// moves forward.
type MachinePoolEntry struct {
	MachineID    string       `json:"machineId"`
	State        MachineState `json:"state"`
	LastActiveAt int64        `json:"lastActiveAt"`
	CreatedAt    int64        `json:"createdAt"`
}

// JobWebhook is the completion payload a worker posts back to the control
// plane and to the job's own webhook URL.
type JobWebhook struct {
	JobID      string            `json:"jobId"`
	Status     JobStatus         `json:"status"`
	InputURL   string            `json:"inputUrl,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration,omitempty"`
}

// UploadEvent is one object-store notification message: an object was
// created (or removed) under a bucket/key. Delivery is at-least-once.
type UploadEvent struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	Action     string `json:"action"`
	ObjectSize int64  `json:"objectSize,omitempty"`
	ETag       string `json:"eTag,omitempty"`
	EventTime  string `json:"eventTime,omitempty"`
}

// Object-store event actions the upload handler inspects.
const (
	ActionPutObject               = "PutObject"
	ActionCopyObject              = "CopyObject"
	ActionCompleteMultipartUpload = "CompleteMultipartUpload"
	ActionDeleteObject            = "DeleteObject"
)
