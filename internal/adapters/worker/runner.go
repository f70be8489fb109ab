// Package worker pulls compile jobs off the queue and drives them through the
// container execution pipeline to a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/texq/texq/config"
	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/data"
	"github.com/texq/texq/internal/domain/model"
	"github.com/texq/texq/internal/health"
	"github.com/texq/texq/internal/logparser"
	"github.com/texq/texq/internal/observability/metrics"
	"github.com/texq/texq/internal/observability/statsd"
)

// RunnerOptions configures the compile worker adapter.
type RunnerOptions struct {
	Queue     core.JobQueue
	Cancels   core.CancelRegistry
	Ephemeral core.EphemeralStore
	Engine    core.ContainerEngine
	Publisher core.StatusPublisher

	// Hook persists project job transitions; nil when Postgres is not
	// configured, in which case project jobs fail fast.
	Hook core.StatusChangeHook

	// Heartbeats is optional; without it no liveness records are published
	// and dedicated-mode health always reports stale.
	Heartbeats core.HeartbeatStore

	Worker  config.WorkerConfig
	Compile config.CompileConfig

	Logger   *slog.Logger
	Metrics  statsd.Sink
	Counters *health.Counters
}

// Runner executes compile jobs with a fixed number of worker goroutines.
// Concurrency is additionally bounded inside the engine, so the goroutine
// count here only controls how many jobs are claimed at once.
type Runner struct {
	queue     core.JobQueue
	cancels   core.CancelRegistry
	ephemeral core.EphemeralStore
	engine    core.ContainerEngine
	publisher core.StatusPublisher
	hook      core.StatusChangeHook
	hearts    core.HeartbeatStore

	workerCfg  config.WorkerConfig
	compileCfg config.CompileConfig

	logger   *slog.Logger
	metrics  statsd.Sink
	counters *health.Counters
}

// NewRunner validates options and constructs a worker runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	switch {
	case opts.Queue == nil:
		return nil, errors.New("job queue is required")
	case opts.Cancels == nil:
		return nil, errors.New("cancel registry is required")
	case opts.Ephemeral == nil:
		return nil, errors.New("ephemeral store is required")
	case opts.Engine == nil:
		return nil, errors.New("container engine is required")
	case opts.Publisher == nil:
		return nil, errors.New("status publisher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	counters := opts.Counters
	if counters == nil {
		counters = health.NewCounters(opts.Compile.Concurrency)
	}

	return &Runner{
		queue:      opts.Queue,
		cancels:    opts.Cancels,
		ephemeral:  opts.Ephemeral,
		engine:     opts.Engine,
		publisher:  opts.Publisher,
		hook:       opts.Hook,
		hearts:     opts.Heartbeats,
		workerCfg:  opts.Worker,
		compileCfg: opts.Compile,
		logger:     logger,
		metrics:    opts.Metrics,
		counters:   counters,
	}, nil
}

// Counters exposes the runner's activity counters for embedded-mode health.
func (r *Runner) Counters() *health.Counters {
	return r.counters
}

// Run starts worker goroutines plus the heartbeat loop and processes jobs
// until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	workers := r.compileCfg.Concurrency
	r.logger.InfoContext(ctx, "starting compile worker",
		"instance_id", r.workerCfg.InstanceID, "workers", workers, "timeout", r.compileCfg.Timeout)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if r.hearts != nil {
		hb := health.NewHeartbeat(r.hearts, r.workerCfg.InstanceID, r.workerCfg.HeartbeatInterval, r.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hb.Run(ctx)
		}()
	}

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		job, err := r.queue.Dequeue(ctx)
		switch {
		case err == nil:
			r.processJob(ctx, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.idle(ctx) {
				return nil
			}
		default:
			return fmt.Errorf("dequeue: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) idle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.workerCfg.IdleBackoff):
		return true
	}
}

// processJob drives one claimed job to a terminal state. Every path out of
// here marks the job terminal in the queue; a job must never stay claimed
// forever.
func (r *Runner) processJob(ctx context.Context, job *model.CompileJob) {
	r.counters.JobStarted()
	failed := false
	defer func() { r.counters.JobFinished(failed) }()

	if !job.CreatedAt.IsZero() {
		metrics.EmitQueueWait(r.metrics, time.Since(job.CreatedAt))
	}

	// A cancel that landed while the job sat queued skips the container
	// entirely.
	if r.isCanceled(ctx, job.ID) {
		r.finalize(ctx, job, abortedOutcome(job, model.JobStatusCanceled, "canceled before execution"))
		return
	}

	if err := r.markCompiling(ctx, job); err != nil {
		if errors.Is(err, data.ErrBuildTerminal) || errors.Is(err, data.ErrEphemeralNotFound) {
			// Already finalized elsewhere; drop the claim quietly.
			_ = r.queue.MarkTerminal(ctx, job.ID, false)
			return
		}
		failed = true
		r.logger.ErrorContext(ctx, "mark compiling failed", "job_id", job.ID, "error", err)
		r.finalize(ctx, job, abortedOutcome(job, model.JobStatusError, "internal error before execution"))
		return
	}
	r.publisher.Publish(ctx, &model.StatusEvent{JobID: job.ID, Status: model.JobStatusCompiling})

	sourceDir := job.ProjectDir
	if job.Ephemeral() {
		sourceDir = r.ephemeral.JobDir(job.ID)
	}

	res, err := r.engine.Run(ctx, job, sourceDir)
	if err != nil {
		failed = true
		r.logger.ErrorContext(ctx, "container run failed", "job_id", job.ID, "error", err)
		r.finalize(ctx, job, abortedOutcome(job, model.JobStatusError, "container execution failed"))
		return
	}

	outcome := r.buildOutcome(job, res)
	failed = outcome.status != model.JobStatusSuccess && outcome.status != model.JobStatusCanceled
	r.finalize(ctx, job, outcome)
}

// terminalOutcome gathers everything recorded at job completion.
type terminalOutcome struct {
	status     model.JobStatus
	engineUsed model.Engine
	logs       string
	exitCode   int
	duration   time.Duration
	errCount   int
	warnCount  int
	message    string
	pdfPath    string
	entries    []model.ParsedLogEntry
}

// abortedOutcome covers terminal states reached without a completed container
// run. No process exited, so the exit code stays the -1 sentinel; the duration
// is whatever elapsed since the job started, if it started at all.
func abortedOutcome(job *model.CompileJob, status model.JobStatus, message string) terminalOutcome {
	out := terminalOutcome{
		status:   status,
		message:  message,
		exitCode: -1,
	}
	if job.StartedAt != nil {
		out.duration = time.Since(*job.StartedAt)
	}
	return out
}

func (r *Runner) buildOutcome(job *model.CompileJob, res *core.RunResult) terminalOutcome {
	entries := logparser.Parse(res.Logs)
	errCount, warnCount := logparser.Counts(entries)

	out := terminalOutcome{
		status:     res.Status(),
		engineUsed: res.EngineUsed,
		logs:       res.Logs,
		exitCode:   res.ExitCode,
		duration:   res.Duration,
		errCount:   errCount,
		warnCount:  warnCount,
		pdfPath:    res.PDFPath,
		entries:    entries,
	}

	switch out.status {
	case model.JobStatusSuccess:
		out.message = "compiled successfully"
	case model.JobStatusTimeout:
		out.message = fmt.Sprintf("compile exceeded the %s time limit", r.compileCfg.Timeout)
	case model.JobStatusCanceled:
		out.message = "canceled during execution"
	default:
		out.message = "compilation failed"
	}
	return out
}

func (r *Runner) markCompiling(ctx context.Context, job *model.CompileJob) error {
	now := time.Now().UTC()
	job.Status = model.JobStatusCompiling
	job.StartedAt = &now

	if job.Ephemeral() {
		return r.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
			j.Status = model.JobStatusCompiling
			j.StartedAt = &now
		})
	}
	if r.hook == nil {
		return errors.New("project job without a configured database")
	}
	return r.hook.OnStatusChange(ctx, job, model.JobStatusCompiling, core.StatusChangeFields{})
}

// finalize records the terminal state, releases the queue claim, and emits
// the complete event. Persistence errors are logged but never leave the job
// claimed.
func (r *Runner) finalize(ctx context.Context, job *model.CompileJob, out terminalOutcome) {
	now := time.Now().UTC()
	durationMs := out.duration.Milliseconds()

	if err := r.persistOutcome(ctx, job, out, now, durationMs); err != nil {
		r.logger.ErrorContext(ctx, "persist terminal state failed",
			"job_id", job.ID, "status", out.status, "error", err)
	}

	succeeded := out.status == model.JobStatusSuccess
	if err := r.queue.MarkTerminal(ctx, job.ID, succeeded); err != nil {
		r.logger.ErrorContext(ctx, "release queue claim failed", "job_id", job.ID, "error", err)
	}

	event := &model.StatusEvent{
		JobID:      job.ID,
		Status:     out.status,
		EngineUsed: out.engineUsed,
		DurationMs: durationMs,
		Logs:       out.logs,
		Message:    out.message,
	}
	for _, entry := range out.entries {
		if entry.Type == model.EntryError {
			event.Errors = append(event.Errors, entry)
		}
	}
	if succeeded {
		event.PDFRef = "/api/compile/" + job.ID + "/output"
	}
	r.publisher.Publish(ctx, event)

	metrics.EmitCompileOutcome(r.metrics, metrics.CompileOutcome{
		Status:       out.status,
		Engine:       out.engineUsed,
		Ephemeral:    job.Ephemeral(),
		Duration:     out.duration,
		ErrorCount:   out.errCount,
		WarningCount: out.warnCount,
	})

	r.logger.InfoContext(ctx, "compile job finished",
		"job_id", job.ID, "status", out.status, "engine", out.engineUsed,
		"duration_ms", durationMs, "errors", out.errCount, "warnings", out.warnCount)
}

func (r *Runner) persistOutcome(
	ctx context.Context,
	job *model.CompileJob,
	out terminalOutcome,
	completedAt time.Time,
	durationMs int64,
) error {
	if job.Ephemeral() {
		return r.persistEphemeralOutcome(ctx, job, out, completedAt, durationMs)
	}
	if r.hook == nil {
		return errors.New("project job without a configured database")
	}

	exitCode := out.exitCode
	fields := core.StatusChangeFields{
		Logs:         &out.logs,
		ExitCode:     &exitCode,
		DurationMs:   &durationMs,
		WarningCount: &out.warnCount,
		ErrorCount:   &out.errCount,
		Message:      &out.message,
	}
	if out.engineUsed != "" {
		fields.EngineUsed = &out.engineUsed
	}
	err := r.hook.OnStatusChange(ctx, job, out.status, fields)
	if errors.Is(err, data.ErrBuildTerminal) {
		return nil
	}
	return err
}

func (r *Runner) persistEphemeralOutcome(
	ctx context.Context,
	job *model.CompileJob,
	out terminalOutcome,
	completedAt time.Time,
	durationMs int64,
) error {
	if out.logs != "" {
		if err := r.ephemeral.WriteLog(job.ID, []byte(out.logs)); err != nil {
			r.logger.WarnContext(ctx, "write log artifact failed", "job_id", job.ID, "error", err)
		}
	}
	if out.status == model.JobStatusSuccess && out.pdfPath != "" {
		pdf, err := os.ReadFile(out.pdfPath)
		if err != nil {
			return fmt.Errorf("read produced pdf: %w", err)
		}
		if err := r.ephemeral.WritePDF(job.ID, pdf); err != nil {
			return fmt.Errorf("store pdf artifact: %w", err)
		}
	}

	err := r.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
		if !j.Status.CanTransition(out.status) && j.Status != model.JobStatusCompiling {
			return
		}
		j.Status = out.status
		if out.engineUsed != "" {
			j.EngineUsed = out.engineUsed
		}
		j.Logs = out.logs
		j.ExitCode = out.exitCode
		j.DurationMs = durationMs
		j.WarningCount = out.warnCount
		j.ErrorCount = out.errCount
		j.Message = out.message
		j.CompletedAt = &completedAt
	})
	if errors.Is(err, data.ErrEphemeralNotFound) {
		// Record expired mid-compile; the reaper owns the artifacts now.
		return nil
	}
	return err
}

func (r *Runner) isCanceled(ctx context.Context, jobID string) bool {
	hit, err := r.cancels.IsCanceled(ctx, jobID)
	if err != nil {
		r.logger.WarnContext(ctx, "cancellation check failed", "job_id", jobID, "error", err)
		return false
	}
	return hit
}
