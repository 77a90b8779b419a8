// ============================================================================
// transcodeq Worker Spawner
// ============================================================================
//
// Package: internal/spawner
// File: spawner.go
// Purpose: Brings worker machines online on demand. Restarting a stopped
// machine is always preferred over creating a fresh one: a restart is faster,
// cheaper, and does not consume a capacity slot. Fresh creation goes through
// the admission controller and retries transient provider errors with
// exponential backoff.
//
// Spawn outcomes:
//   "started" - an existing stopped machine was restarted
//   "created" - a brand new machine was provisioned
//
// ============================================================================

package spawner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/admission"
	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/internal/machinepool"
	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/provider"
	"github.com/fleetcode/transcodeq/internal/retry"
)

// Actions reported in SpawnResult.
const (
	ActionStarted = "started"
	ActionCreated = "created"
)

// Provider create-call retry policy.
const createAttempts = 5

// SpawnResult describes how capacity was obtained.
type SpawnResult struct {
	MachineID string
	Action    string
}

// Spawner provisions worker machines through the compute provider.
type Spawner struct {
	cfg       *config.Config
	pool      *machinepool.Pool
	admission *admission.Controller
	provider  provider.Client
	metrics   *metrics.Collector
	log       *zap.Logger
}

// New builds a spawner. provider may be nil in dev mode.
func New(cfg *config.Config, pool *machinepool.Pool, adm *admission.Controller, pv provider.Client, m *metrics.Collector, log *zap.Logger) *Spawner {
	return &Spawner{
		cfg:       cfg,
		pool:      pool,
		admission: adm,
		provider:  pv,
		metrics:   m,
		log:       log,
	}
}

// SpawnWorker obtains one worker machine: restart a stopped machine when one
// is available, otherwise reserve a capacity slot and create a new one.
// Returns admission.ErrCapacityFull when the pool is at its cap.
func (s *Spawner) SpawnWorker(ctx context.Context) (*SpawnResult, error) {
	if machineID, ok, err := s.pool.PopStopped(ctx); err != nil {
		return nil, fmt.Errorf("check stopped machines: %w", err)
	} else if ok {
		if err := s.pool.Start(ctx, machineID); err != nil {
			// Put the machine back so a later attempt can try it again.
			if restoreErr := s.pool.RestoreStopped(ctx, machineID); restoreErr != nil {
				s.log.Warn("failed to restore stopped machine after start failure",
					zap.String("machineId", machineID),
					zap.Error(restoreErr))
			}
			return nil, fmt.Errorf("restart machine %s: %w", machineID, err)
		}
		s.metrics.RecordReuse()
		s.log.Info("reused stopped machine", zap.String("machineId", machineID))
		return &SpawnResult{MachineID: machineID, Action: ActionStarted}, nil
	}

	acquired, err := s.admission.AcquireMachineSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire machine slot: %w", err)
	}
	if !acquired {
		return nil, admission.ErrCapacityFull
	}

	machine, err := s.createMachine(ctx)
	if err != nil {
		if relErr := s.admission.ReleaseMachineSlot(ctx); relErr != nil {
			s.log.Warn("failed to release machine slot after create failure", zap.Error(relErr))
		}
		return nil, fmt.Errorf("create machine: %w", err)
	}

	if err := s.pool.Add(ctx, machine.ID); err != nil {
		return nil, err
	}
	s.metrics.RecordSpawn()
	s.log.Info("created machine",
		zap.String("machineId", machine.ID),
		zap.String("region", s.cfg.Provider.Region))
	return &SpawnResult{MachineID: machine.ID, Action: ActionCreated}, nil
}

// MaybeSpawnWorker is the best-effort variant used on the enqueue hot path.
// It spawns nothing in dev mode, when the pool already holds the configured
// maximum, or when admission denies the slot; those cases return nil. Only
// genuine failures propagate.
func (s *Spawner) MaybeSpawnWorker(ctx context.Context) error {
	if s.cfg.DevMode() {
		s.log.Debug("dev mode, skipping spawn")
		return nil
	}

	size, err := s.pool.Size(ctx)
	if err != nil {
		return fmt.Errorf("check pool size: %w", err)
	}
	if size >= int64(s.admission.MaxMachines()) {
		s.log.Debug("pool at maximum, skipping spawn", zap.Int64("size", size))
		return nil
	}

	_, err = s.SpawnWorker(ctx)
	if errors.Is(err, admission.ErrCapacityFull) {
		return nil
	}
	return err
}

func (s *Spawner) createMachine(ctx context.Context) (*provider.Machine, error) {
	req := provider.CreateRequest{
		Region: s.cfg.Provider.Region,
		Image:  s.cfg.Provider.Image,
		Env: map[string]string{
			"UPSTREAM_STATE_STORE_URL":   s.cfg.Store.URL,
			"UPSTREAM_STATE_STORE_TOKEN": s.cfg.Store.Token,
			"WEBHOOK_BASE_URL":           s.cfg.WebhookBase,
		},
		Guest: provider.GuestSpec{
			CPUs:     1,
			CPUKind:  "shared",
			MemoryMB: 512,
		},
		Restart:     "no",
		AutoDestroy: false,
	}

	var machine *provider.Machine
	err := retry.Do(ctx, retry.Config{
		Base:        s.cfg.Orchestrator.BackoffBase,
		Cap:         s.cfg.Orchestrator.BackoffMax,
		MaxAttempts: createAttempts,
		RetryIf:     provider.IsRetryable,
	}, func(ctx context.Context) error {
		m, err := s.provider.CreateMachine(ctx, req)
		if err != nil {
			s.log.Warn("machine create attempt failed", zap.Error(err))
			return err
		}
		machine = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return machine, nil
}
