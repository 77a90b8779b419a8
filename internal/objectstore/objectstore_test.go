package objectstore

// ============================================================================
// Object Store Tests
// Purpose: Verify presigned URL shape, canonical URL layout, and the
// missing-object contract of Head against a stub HTTP endpoint.
// ============================================================================

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewWithEndpoint(srv.URL, "ak", "sk", "acct", "r2.example.com")
	require.NoError(t, err)
	return c
}

func TestPresignPut(t *testing.T) {
	c := newStubClient(t, http.NotFoundHandler())

	url, expiresAt, err := c.PresignPut("inputs", "inputs/j1/video.mp4", time.Hour, "video/mp4")
	require.NoError(t, err)

	assert.Contains(t, url, "/inputs/inputs/j1/video.mp4")
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=3600")

	now := time.Now().UnixMilli()
	assert.Greater(t, expiresAt, now)
	assert.LessOrEqual(t, expiresAt, now+time.Hour.Milliseconds()+1000)
}

func TestHead(t *testing.T) {
	c := newStubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		if strings.Contains(r.URL.Path, "present.mp4") {
			w.Header().Set("Content-Length", "1234")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	ctx := context.Background()

	exists, size, err := c.Head(ctx, "inputs", "inputs/j1/present.mp4")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.EqualValues(t, 1234, size)

	exists, size, err = c.Head(ctx, "inputs", "inputs/j1/missing.mp4")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, size)
}

func TestCanonicalURL(t *testing.T) {
	c := &Client{accountID: "acct", host: "r2.example.com"}
	assert.Equal(t,
		"https://acct.r2.example.com/outputs/outputs/j1/default.mp4",
		c.CanonicalURL("outputs", "outputs/j1/default.mp4"))
}
