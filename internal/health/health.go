// Package health answers "is this deployment able to compile right now" for
// the healthz endpoint, and keeps worker liveness records fresh.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/texq/texq/config"
	"github.com/texq/texq/internal/core"
)

// Checker reports worker availability. Implementations encapsulate one
// deployment topology; callers never branch on topology themselves.
type Checker interface {
	// Check returns nil when the deployment can accept compile work, and a
	// descriptive error when it cannot.
	Check(ctx context.Context) error
}

// Counters tracks in-process worker activity for embedded-mode health.
// The runner increments these; the checker only reads.
type Counters struct {
	active    atomic.Int64
	processed atomic.Int64
	errored   atomic.Int64
	max       int64
}

// NewCounters constructs counters for a runner with the given worker bound.
func NewCounters(maxWorkers int) *Counters {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Counters{max: int64(maxWorkers)}
}

// JobStarted records a job entering processing.
func (c *Counters) JobStarted() { c.active.Add(1) }

// JobFinished records a job leaving processing.
func (c *Counters) JobFinished(failed bool) {
	c.active.Add(-1)
	c.processed.Add(1)
	if failed {
		c.errored.Add(1)
	}
}

// Active returns the number of jobs currently processing.
func (c *Counters) Active() int64 { return c.active.Load() }

// Processed returns the total number of jobs processed.
func (c *Counters) Processed() int64 { return c.processed.Load() }

// Errored returns the number of jobs whose processing failed.
func (c *Counters) Errored() int64 { return c.errored.Load() }

// Max returns the worker bound.
func (c *Counters) Max() int64 { return c.max }

// EmbeddedChecker derives health from in-process runner counters. It reports
// unhealthy only when every worker slot is occupied, meaning new submissions
// would sit in the queue with no immediate taker.
type EmbeddedChecker struct {
	counters *Counters
}

// NewEmbeddedChecker constructs a checker over the runner's own counters.
func NewEmbeddedChecker(counters *Counters) *EmbeddedChecker {
	return &EmbeddedChecker{counters: counters}
}

// Check implements Checker.
func (c *EmbeddedChecker) Check(ctx context.Context) error {
	if c.counters.Active() >= c.counters.Max() {
		return fmt.Errorf("all %d worker slots busy", c.counters.Max())
	}
	return nil
}

// DedicatedChecker derives health purely from heartbeat freshness, for
// deployments where compilation runs in a separate process and the serving
// process has no in-process visibility.
type DedicatedChecker struct {
	store      core.HeartbeatStore
	instanceID string
	maxAge     time.Duration
}

// NewDedicatedChecker constructs a checker over the shared heartbeat store.
func NewDedicatedChecker(store core.HeartbeatStore, instanceID string, maxAge time.Duration) *DedicatedChecker {
	return &DedicatedChecker{store: store, instanceID: instanceID, maxAge: maxAge}
}

// Check implements Checker.
func (c *DedicatedChecker) Check(ctx context.Context) error {
	last, err := c.store.Latest(ctx, c.instanceID)
	if err != nil {
		return fmt.Errorf("read worker heartbeat: %w", err)
	}
	if last.IsZero() {
		return fmt.Errorf("worker %q has never published a heartbeat", c.instanceID)
	}
	if age := time.Since(last); age > c.maxAge {
		return fmt.Errorf("worker %q heartbeat is stale: last seen %s ago", c.instanceID, age.Round(time.Second))
	}
	return nil
}

// Select returns the checker matching the configured topology.
func Select(cfg config.WorkerConfig, counters *Counters, store core.HeartbeatStore) Checker {
	if cfg.HealthMode == config.HealthModeDedicated {
		return NewDedicatedChecker(store, cfg.InstanceID, cfg.HeartbeatMaxAge)
	}
	return NewEmbeddedChecker(counters)
}

// Heartbeat periodically publishes worker liveness to the shared store.
type Heartbeat struct {
	store      core.HeartbeatStore
	instanceID string
	interval   time.Duration
	logger     *slog.Logger
}

// NewHeartbeat constructs a heartbeat loop for one worker instance.
func NewHeartbeat(store core.HeartbeatStore, instanceID string, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{store: store, instanceID: instanceID, interval: interval, logger: logger}
}

// Run publishes immediately, then on every interval tick until the context
// is done. Publish failures are logged and retried on the next tick.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.publish(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.publish(ctx)
		}
	}
}

func (h *Heartbeat) publish(ctx context.Context) {
	if err := h.store.Publish(ctx, h.instanceID); err != nil {
		h.logger.WarnContext(ctx, "heartbeat publish failed", "instance_id", h.instanceID, "error", err)
	}
}
