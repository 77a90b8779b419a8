package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordEnqueue()
	c.RecordEnqueue()
	c.RecordCompleted(12.5)
	c.RecordFailed()
	c.RecordRequeue()
	c.RecordSpawn()
	c.RecordReuse()
	c.RecordIdleStop()
	c.RecordUploadRescue()
	c.UpdateQueueStats(4, 2, 3)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "transcodeq_jobs_enqueued_total 2")
	assert.Contains(t, text, "transcodeq_jobs_completed_total 1")
	assert.Contains(t, text, "transcodeq_jobs_failed_total 1")
	assert.Contains(t, text, "transcodeq_machines_spawned_total 1")
	assert.Contains(t, text, "transcodeq_machines_reused_total 1")
	assert.Contains(t, text, "transcodeq_jobs_pending 4")
	assert.Contains(t, text, "transcodeq_jobs_active 2")
	assert.Contains(t, text, "transcodeq_machine_pool_size 3")
	assert.True(t, strings.Contains(text, "transcodeq_job_duration_seconds_count 1"))
}

func TestCollectorsAreIndependent(t *testing.T) {
	// Two collectors in one process must not clash on registration.
	a := NewCollector()
	b := NewCollector()
	a.RecordEnqueue()

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "transcodeq_jobs_enqueued_total 0")
}
