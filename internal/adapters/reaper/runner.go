// Package reaper removes expired one-shot records and their artifacts, and
// returns stalled claimed jobs to the queue.
package reaper

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/texq/texq/config"
	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/observability/metrics"
	"github.com/texq/texq/internal/observability/statsd"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Ephemeral core.EphemeralStore
	Queue     core.JobQueue
	Config    config.ReaperConfig

	// StalledMaxAge is how long a claimed job may go without finishing
	// before it is returned to the waiting queue. Derived from the compile
	// timeout plus slack in bootstrap.
	StalledMaxAge time.Duration

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Runner periodically purges expired ephemeral records and requeues stalled
// jobs. Purging is idempotent; two reapers racing on the same record is
// wasteful but harmless.
type Runner struct {
	ephemeral core.EphemeralStore
	queue     core.JobQueue
	cfg       config.ReaperConfig
	stalled   time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Ephemeral == nil {
		return nil, errors.New("ephemeral store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		ephemeral: opts.Ephemeral,
		queue:     opts.Queue,
		cfg:       opts.Config,
		stalled:   opts.StalledMaxAge,
		logger:    logger.With("component", "reaper"),
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper", "interval", r.cfg.Interval, "batch_size", r.cfg.BatchSize)

	// Jitter spreads concurrent instances across the interval.
	r.waitWithJitter(ctx)

	if err := r.sweep(ctx); err != nil {
		r.logger.ErrorContext(ctx, "initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.cfg.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// sweep runs one purge-and-requeue pass. Both halves run even when one
// fails; the first error is returned after the pass completes.
func (r *Runner) sweep(ctx context.Context) error {
	purgeErr := r.purgeExpired(ctx)

	requeued, err := r.queue.RequeueStalled(ctx, r.stalled)
	if err != nil {
		r.logger.ErrorContext(ctx, "requeue stalled jobs failed", "error", err)
		if purgeErr == nil {
			purgeErr = err
		}
	} else if requeued > 0 {
		metrics.EmitRequeued(r.metrics, requeued)
		r.logger.InfoContext(ctx, "requeued stalled jobs", "count", requeued)
	}

	return purgeErr
}

func (r *Runner) purgeExpired(ctx context.Context) error {
	ids, err := r.ephemeral.ExpiredBefore(ctx, time.Now(), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	purged := 0
	var firstErr error
	for _, id := range ids {
		if err := r.ephemeral.Purge(ctx, id); err != nil {
			r.logger.WarnContext(ctx, "purge expired record failed", "job_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		purged++
	}

	if purged > 0 {
		metrics.EmitReaped(r.metrics, purged)
		r.logger.InfoContext(ctx, "purged expired records", "count", purged)
	}
	return firstErr
}
