// ============================================================================
// transcodeq Machine Pool - Machine Lifecycle State
// ============================================================================
//
// Package: internal/machinepool
// File: machine_pool.go
// Purpose: Tracks the logical state (running / idle / stopped) of every
// machine the system is responsible for, and reconciles that view against
// the compute provider.
//
// Two indexes in the store:
//   machines:pool     authoritative hash of machineId -> serialized entry
//   machines:stopped  fast set index over entries with state=stopped
//
// The pool map is the authoritative logical state; the provider is the
// source of truth for physical existence. Start/Stop call the provider RPC
// first and only mutate pool state after it succeeds, so an RPC failure
// leaves the store untouched. Reconciliation batches all of its writes into
// one pipeline so the hot path observes either the old or the new view.
//
// ============================================================================

package machinepool

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/provider"
	"github.com/fleetcode/transcodeq/internal/schema"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/pkg/types"
)

// Pool manages machine lifecycle state in the store.
type Pool struct {
	store    *store.Client
	provider provider.Client
	log      *zap.Logger
}

// New builds a machine pool. The provider may be nil in dev mode, in which
// case Start, Stop, and Sync fail with a clear error instead of being
// called.
func New(st *store.Client, pv provider.Client, log *zap.Logger) *Pool {
	return &Pool{store: st, provider: pv, log: log}
}

var errNoProvider = fmt.Errorf("no compute provider configured")

// Add writes a fresh running entry for a machine. Idempotent: re-adding
// refreshes state and lastActiveAt with a new createdAt, which is the
// behavior wanted when a machine re-registers itself.
func (p *Pool) Add(ctx context.Context, machineID string) error {
	now := schema.NowMillis()
	entry := &types.MachinePoolEntry{
		MachineID:    machineID,
		State:        types.MachineRunning,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	if err := p.writeEntry(ctx, nil, entry); err != nil {
		return fmt.Errorf("add machine %s: %w", machineID, err)
	}
	p.log.Info("machine added to pool", zap.String("machineId", machineID))
	return nil
}

// UpdateState moves a machine between running and idle, preserving its
// createdAt. A missing entry is recreated with createdAt=now.
func (p *Pool) UpdateState(ctx context.Context, machineID string, state types.MachineState) error {
	entry, err := p.Get(ctx, machineID)
	if err != nil {
		return err
	}
	now := schema.NowMillis()
	createdAt := now
	if entry != nil {
		createdAt = entry.CreatedAt
	}
	updated := &types.MachinePoolEntry{
		MachineID:    machineID,
		State:        state,
		LastActiveAt: now,
		CreatedAt:    createdAt,
	}
	if err := p.writeEntry(ctx, nil, updated); err != nil {
		return fmt.Errorf("update machine %s: %w", machineID, err)
	}
	return nil
}

// Start calls the provider's start RPC and, on success, moves the machine
// out of the stopped set and back to running. On RPC failure no pool state
// changes.
func (p *Pool) Start(ctx context.Context, machineID string) error {
	if p.provider == nil {
		return errNoProvider
	}
	if err := p.provider.StartMachine(ctx, machineID); err != nil {
		return fmt.Errorf("start machine %s: %w", machineID, err)
	}

	entry, err := p.Get(ctx, machineID)
	if err != nil {
		return err
	}
	now := schema.NowMillis()
	createdAt := now
	if entry != nil {
		createdAt = entry.CreatedAt
	}

	pipe := p.store.Pipeline()
	pipe.SRem(ctx, schema.KeyStoppedSet, machineID)
	if err := p.writeEntry(ctx, pipe, &types.MachinePoolEntry{
		MachineID:    machineID,
		State:        types.MachineRunning,
		LastActiveAt: now,
		CreatedAt:    createdAt,
	}); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record started machine %s: %w", machineID, err)
	}
	p.log.Info("machine started", zap.String("machineId", machineID))
	return nil
}

// Stop is symmetric to Start: provider stop RPC first, then stopped-set
// membership plus entry rewrite in one pipeline.
func (p *Pool) Stop(ctx context.Context, machineID string) error {
	if p.provider == nil {
		return errNoProvider
	}
	if err := p.provider.StopMachine(ctx, machineID); err != nil {
		return fmt.Errorf("stop machine %s: %w", machineID, err)
	}

	entry, err := p.Get(ctx, machineID)
	if err != nil {
		return err
	}
	now := schema.NowMillis()
	createdAt := now
	if entry != nil {
		createdAt = entry.CreatedAt
	}

	pipe := p.store.Pipeline()
	pipe.SAdd(ctx, schema.KeyStoppedSet, machineID)
	if err := p.writeEntry(ctx, pipe, &types.MachinePoolEntry{
		MachineID:    machineID,
		State:        types.MachineStopped,
		LastActiveAt: now,
		CreatedAt:    createdAt,
	}); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record stopped machine %s: %w", machineID, err)
	}
	p.log.Info("machine stopped", zap.String("machineId", machineID))
	return nil
}

// PopStopped atomically removes and returns one stopped machine available
// for restart. ok is false when none are available.
func (p *Pool) PopStopped(ctx context.Context) (machineID string, ok bool, err error) {
	return p.store.PopSetMember(ctx, schema.KeyStoppedSet)
}

// RestoreStopped re-adds a machine to the stopped set. Compensation path
// for a reuse attempt whose provider start failed.
func (p *Pool) RestoreStopped(ctx context.Context, machineID string) error {
	return p.store.Redis().SAdd(ctx, schema.KeyStoppedSet, machineID).Err()
}

// Get reads one pool entry. Returns (nil, nil) when absent or undecodable.
func (p *Pool) Get(ctx context.Context, machineID string) (*types.MachinePoolEntry, error) {
	raw, err := p.store.Redis().HGet(ctx, schema.KeyMachinePool, machineID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read machine %s: %w", machineID, err)
	}
	return schema.DecodePoolEntry(raw), nil
}

// Entries reads the whole pool map. Undecodable values are skipped.
func (p *Pool) Entries(ctx context.Context) (map[string]*types.MachinePoolEntry, error) {
	raw, err := p.store.Redis().HGetAll(ctx, schema.KeyMachinePool).Result()
	if err != nil {
		return nil, fmt.Errorf("read machine pool: %w", err)
	}
	entries := make(map[string]*types.MachinePoolEntry, len(raw))
	for id, value := range raw {
		if entry := schema.DecodePoolEntry(value); entry != nil {
			entries[id] = entry
		}
	}
	return entries, nil
}

// Size returns the pool map cardinality (running + idle + stopped).
func (p *Pool) Size(ctx context.Context) (int64, error) {
	return p.store.Redis().HLen(ctx, schema.KeyMachinePool).Result()
}

// Sync reconciles the pool against the provider's machine list:
//   - provider machines get their entry written or updated, preserving
//     createdAt and lastActiveAt when already known, with stopped-set
//     membership maintained to match;
//   - pool entries the provider no longer reports are deleted.
//
// All writes land in a single pipeline.
func (p *Pool) Sync(ctx context.Context) error {
	if p.provider == nil {
		return errNoProvider
	}
	machines, err := p.provider.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	entries, err := p.Entries(ctx)
	if err != nil {
		return err
	}

	now := schema.NowMillis()
	seen := make(map[string]bool, len(machines))
	pipe := p.store.Pipeline()

	for _, m := range machines {
		seen[m.ID] = true
		state := types.MachineRunning
		if m.Stopped() {
			state = types.MachineStopped
		}

		createdAt, lastActiveAt := now, now
		if existing := entries[m.ID]; existing != nil {
			createdAt = existing.CreatedAt
			lastActiveAt = existing.LastActiveAt
			// Keep the finer-grained idle state when the provider still
			// reports the machine as up.
			if state == types.MachineRunning && existing.State == types.MachineIdle {
				state = types.MachineIdle
			}
		}

		if err := p.writeEntry(ctx, pipe, &types.MachinePoolEntry{
			MachineID:    m.ID,
			State:        state,
			LastActiveAt: lastActiveAt,
			CreatedAt:    createdAt,
		}); err != nil {
			return err
		}
		if state == types.MachineStopped {
			pipe.SAdd(ctx, schema.KeyStoppedSet, m.ID)
		} else {
			pipe.SRem(ctx, schema.KeyStoppedSet, m.ID)
		}
	}

	removed := 0
	for id := range entries {
		if !seen[id] {
			pipe.HDel(ctx, schema.KeyMachinePool, id)
			pipe.SRem(ctx, schema.KeyStoppedSet, id)
			removed++
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile machine pool: %w", err)
	}
	p.log.Info("machine pool reconciled",
		zap.Int("provider", len(machines)),
		zap.Int("removed", removed))
	return nil
}

// writeEntry serializes an entry onto a pipeline, or executes immediately
// when pipe is nil.
func (p *Pool) writeEntry(ctx context.Context, pipe redis.Pipeliner, entry *types.MachinePoolEntry) error {
	raw, err := schema.EncodePoolEntry(entry)
	if err != nil {
		return fmt.Errorf("encode machine %s: %w", entry.MachineID, err)
	}
	if pipe != nil {
		pipe.HSet(ctx, schema.KeyMachinePool, entry.MachineID, raw)
		return nil
	}
	return p.store.Redis().HSet(ctx, schema.KeyMachinePool, entry.MachineID, raw).Err()
}
