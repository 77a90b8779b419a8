// ============================================================================
// transcodeq Admission Controller
// ============================================================================
//
// Package: internal/admission
// File: admission.go
// Purpose: Process-wide capacity and provider rate-limit gate. The
// controller does not own machines; it advises the spawner and enforces the
// hard machine cap.
//
// Two pieces of state, both in the store:
//   counters:rate_limit       fixed 1-second bucket; the first increment in
//                             a window wins, later ones are denied.
//   counters:active_machines  advisory slot counter absorbing bursty
//                             concurrent acquisitions.
//
// The authoritative capacity check is always the pool map size; the counter
// only keeps concurrent acquirers from each paying a full map read on the
// optimistic path.
//
// ============================================================================

package admission

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/schema"
	"github.com/fleetcode/transcodeq/internal/store"
)

// ErrCapacityFull is returned when the machine cap leaves no room for
// another slot.
var ErrCapacityFull = errors.New("machine capacity full")

// Stats is the observability snapshot of the controller.
type Stats struct {
	ActiveMachines int64 `json:"activeMachines"`
	MaxMachines    int   `json:"maxMachines"`
}

// Controller gates machine-slot acquisition.
type Controller struct {
	store       *store.Client
	maxMachines int
	rateWindow  time.Duration
	log         *zap.Logger
}

// New builds an admission controller over the shared store.
func New(st *store.Client, maxMachines int, rateWindow time.Duration, log *zap.Logger) *Controller {
	if maxMachines <= 0 {
		maxMachines = schema.DefaultMaxMachines
	}
	if rateWindow <= 0 {
		rateWindow = schema.DefaultRateLimitWindow
	}
	return &Controller{store: st, maxMachines: maxMachines, rateWindow: rateWindow, log: log}
}

// CheckRateLimit increments the windowed counter and reports whether this
// caller is the first in the current window. The TTL starts when the window
// opens; no sliding window, a fixed bucket is sufficient here.
//
// The increment and the TTL read travel in one pipeline so a counter that
// lost its expiry (a crash between INCR and PEXPIRE) is detected and reset
// instead of denying every caller from then on.
func (c *Controller) CheckRateLimit(ctx context.Context) (bool, error) {
	rdb := c.store.Redis()
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	if _, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, schema.KeyRateLimit)
		ttl = pipe.PTTL(ctx, schema.KeyRateLimit)
		return nil
	}); err != nil {
		return false, err
	}

	if incr.Val() == 1 {
		if err := rdb.PExpire(ctx, schema.KeyRateLimit, c.rateWindow).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	if ttl.Val() < 0 {
		// Stale counter with no expiry: its window is long over. Open a
		// fresh one and grant this caller.
		if err := rdb.Set(ctx, schema.KeyRateLimit, 1, c.rateWindow).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// WaitForRateLimit blocks until a rate-limit slot is granted or ctx ends.
func (c *Controller) WaitForRateLimit(ctx context.Context) error {
	for {
		allowed, err := c.CheckRateLimit(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(c.rateWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CheckCapacity reads the pool map and reports whether another machine
// fits under the cap.
func (c *Controller) CheckCapacity(ctx context.Context) (allowed bool, current int64, err error) {
	current, err = c.store.Redis().HLen(ctx, schema.KeyMachinePool).Result()
	if err != nil {
		return false, 0, err
	}
	return current < int64(c.maxMachines), current, nil
}

// AcquireMachineSlot waits out the rate limit, re-checks capacity, then
// reserves an advisory slot. On overshoot the reservation is rolled back
// and false is returned.
func (c *Controller) AcquireMachineSlot(ctx context.Context) (bool, error) {
	if err := c.WaitForRateLimit(ctx); err != nil {
		return false, err
	}

	allowed, current, err := c.CheckCapacity(ctx)
	if err != nil {
		return false, err
	}
	if !allowed {
		c.log.Debug("slot denied: pool at capacity",
			zap.Int64("current", current),
			zap.Int("max", c.maxMachines))
		return false, nil
	}

	val, err := c.store.Redis().Incr(ctx, schema.KeyActiveMachines).Result()
	if err != nil {
		return false, err
	}
	if val > int64(c.maxMachines) {
		if err := c.ReleaseMachineSlot(ctx); err != nil {
			c.log.Warn("failed to roll back overshoot slot", zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

// ReleaseMachineSlot performs a clamped decrement: the counter never goes
// below zero.
func (c *Controller) ReleaseMachineSlot(ctx context.Context) error {
	rdb := c.store.Redis()
	val, err := rdb.Decr(ctx, schema.KeyActiveMachines).Result()
	if err != nil {
		return err
	}
	if val < 0 {
		return rdb.Set(ctx, schema.KeyActiveMachines, 0, 0).Err()
	}
	return nil
}

// GetAdmissionStats returns the counter value and the configured cap.
func (c *Controller) GetAdmissionStats(ctx context.Context) (Stats, error) {
	val, err := c.store.Redis().Get(ctx, schema.KeyActiveMachines).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	return Stats{ActiveMachines: val, MaxMachines: c.maxMachines}, nil
}

// MaxMachines exposes the configured cap.
func (c *Controller) MaxMachines() int {
	return c.maxMachines
}
