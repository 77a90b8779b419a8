// ============================================================================
// transcodeq Compute Provider Client
// ============================================================================
//
// Package: internal/provider
// File: provider.go
// Purpose: Typed client for the machine provider's REST API. The orchestrator
// only needs four RPCs: create, start, stop, list. Errors carry the HTTP
// status so callers can decide retriability (429 and 5xx retry; everything
// else fails immediately).
//
// ============================================================================

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Machine is the provider's view of one compute host.
type Machine struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Region    string `json:"region"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Stopped reports whether the provider considers the machine stopped.
func (m *Machine) Stopped() bool {
	return m.State == "stopped" || m.State == "suspended"
}

// GuestSpec sizes a new machine.
type GuestSpec struct {
	CPUs     int    `json:"cpus"`
	CPUKind  string `json:"cpu_kind"`
	MemoryMB int    `json:"memory_mb"`
}

// CreateRequest describes a machine to create.
type CreateRequest struct {
	Name        string            `json:"name,omitempty"`
	Region      string            `json:"region"`
	Image       string            `json:"image"`
	Env         map[string]string `json:"env,omitempty"`
	Guest       GuestSpec         `json:"guest"`
	Restart     string            `json:"restart"`
	AutoDestroy bool              `json:"auto_destroy"`
}

// Client is the provider RPC surface the orchestrator depends on.
type Client interface {
	CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error)
	StartMachine(ctx context.Context, machineID string) error
	StopMachine(ctx context.Context, machineID string) error
	ListMachines(ctx context.Context) ([]Machine, error)
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is transient per provider contract.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ErrInvalidMachineResponse flags a 2xx body that did not parse into a
// machine with an id.
var ErrInvalidMachineResponse = errors.New("provider returned invalid machine response")

// IsRetryable is the retry predicate for provider calls.
func IsRetryable(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Retryable()
}

// APIClient talks to the provider over HTTPS with a bearer token.
type APIClient struct {
	baseURL string
	appName string
	token   string
	http    *http.Client
}

// NewAPIClient builds a provider client. baseURL is the API root (no
// trailing slash); appName scopes the machine collection.
func NewAPIClient(baseURL, appName, token string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		appName: appName,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) machinesURL(suffix string) string {
	return fmt.Sprintf("%s/apps/%s/machines%s", c.baseURL, c.appName, suffix)
}

// CreateMachine provisions a new machine and returns its id and initial
// state.
func (c *APIClient) CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, http.MethodPost, c.machinesURL(""), req, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, ErrInvalidMachineResponse
	}
	return &m, nil
}

// StartMachine restarts a stopped machine by id.
func (c *APIClient) StartMachine(ctx context.Context, machineID string) error {
	return c.do(ctx, http.MethodPost, c.machinesURL("/"+machineID+"/start"), nil, nil)
}

// StopMachine stops a running machine by id.
func (c *APIClient) StopMachine(ctx context.Context, machineID string) error {
	return c.do(ctx, http.MethodPost, c.machinesURL("/"+machineID+"/stop"), nil, nil)
}

// ListMachines returns every machine the provider holds for the app.
func (c *APIClient) ListMachines(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	if err := c.do(ctx, http.MethodGet, c.machinesURL(""), nil, &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

func (c *APIClient) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return ErrInvalidMachineResponse
		}
	}
	return nil
}
