package schema

// ============================================================================
// Schema & Codec Tests
// Purpose: Verify job/pool-entry round trips, optional-field absence, and
// fail-safe decoding of malformed records.
// ============================================================================

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcode/transcodeq/pkg/types"
)

func TestJobRoundTrip(t *testing.T) {
	job := &types.Job{
		ID:              "j1",
		Status:          types.StatusRunning,
		InputKey:        "inputs/j1/v.mp4",
		InputURL:        "https://acct.r2.cloudflarestorage.com/in/inputs/j1/v.mp4",
		OutputURL:       "outputs/j1",
		Preset:          types.PresetHLSAdaptive,
		OutputQualities: []string{"1080p", "720p", "480p"},
		WebhookURL:      "https://example.com/hook",
		Outputs:         map[string]string{"1080p": "outputs/j1/1080p.m3u8"},
		Retries:         2,
		MachineID:       "m1",
		R2Config:        &types.R2Config{AccountID: "acct", Bucket: "custom"},
		DurationMS:      4200,
		CreatedAt:       1000,
		UploadedAt:      2000,
		QueuedAt:        3000,
		StartedAt:       4000,
	}

	decoded := DecodeJob(EncodeJob(job))
	require.NotNil(t, decoded)
	assert.Equal(t, job, decoded)
}

func TestJobRoundTripOmitsOptionalFields(t *testing.T) {
	job := &types.Job{
		ID:        "j2",
		Status:    types.StatusPending,
		Preset:    types.PresetDefault,
		CreatedAt: 1000,
		QueuedAt:  1000,
	}

	fields := EncodeJob(job)

	// Absent optionals must stay absent, not become empty strings.
	for _, f := range []string{
		FieldInputKey, FieldInputURL, FieldOutputURL, FieldWebhookURL,
		FieldOutputs, FieldOutputQualities, FieldError, FieldMachineID,
		FieldR2Config, FieldDuration, FieldUploadedAt, FieldStartedAt,
		FieldCompletedAt,
	} {
		_, present := fields[f]
		assert.False(t, present, "field %s should be omitted", f)
	}

	decoded := DecodeJob(fields)
	require.NotNil(t, decoded)
	assert.Equal(t, job, decoded)
}

func TestDecodeJobFailsSafe(t *testing.T) {
	// Missing primary id.
	assert.Nil(t, DecodeJob(nil))
	assert.Nil(t, DecodeJob(map[string]string{FieldStatus: "pending"}))

	// Malformed composite JSON.
	assert.Nil(t, DecodeJob(map[string]string{
		FieldJobID:   "j3",
		FieldOutputs: "{not-json",
	}))
	assert.Nil(t, DecodeJob(map[string]string{
		FieldJobID:    "j3",
		FieldR2Config: "[]",
	}))

	// Malformed numerics default to zero.
	decoded := DecodeJob(map[string]string{
		FieldJobID:     "j3",
		FieldRetries:   "zzz",
		FieldCreatedAt: "not-a-number",
	})
	require.NotNil(t, decoded)
	assert.Equal(t, 0, decoded.Retries)
	assert.Equal(t, int64(0), decoded.CreatedAt)
}

func TestPoolEntryRoundTrip(t *testing.T) {
	entry := &types.MachinePoolEntry{
		MachineID:    "m7",
		State:        types.MachineStopped,
		LastActiveAt: 123456,
		CreatedAt:    100000,
	}

	raw, err := EncodePoolEntry(entry)
	require.NoError(t, err)

	decoded := DecodePoolEntry(raw)
	require.NotNil(t, decoded)
	assert.Equal(t, entry, decoded)
}

func TestDecodePoolEntryFailsSafe(t *testing.T) {
	assert.Nil(t, DecodePoolEntry(""))
	assert.Nil(t, DecodePoolEntry("{bad"))
	assert.Nil(t, DecodePoolEntry(`{"state":"running"}`)) // missing machineId
}

func TestJobStatusKey(t *testing.T) {
	assert.Equal(t, "jobs:status:j1", JobStatusKey("j1"))
	assert.Equal(t, "j1", JobIDFromStatusKey("jobs:status:j1"))
	assert.Equal(t, "", JobIDFromStatusKey("machines:pool"))
}
