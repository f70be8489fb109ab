// Package service contains the application services tying the queue, stores,
// and execution pipeline together behind transport-agnostic operations.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/texq/texq/config"
	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/data"
	"github.com/texq/texq/internal/domain/model"
	apperrors "github.com/texq/texq/internal/errors"
	"github.com/texq/texq/internal/logparser"
	"github.com/texq/texq/internal/observability/metrics"
	"github.com/texq/texq/internal/observability/statsd"
)

// SubmitRequest is a transport-agnostic compile submission. Exactly one of
// Content (one-shot inline source) or ProjectDir (pre-staged project
// directory) must be set.
type SubmitRequest struct {
	Content    string
	ProjectDir string
	MainFile   string
	Engine     model.Engine
}

// PollResult is a job snapshot plus diagnostics derived from its raw logs.
// Entries are recomputed on every poll rather than stored.
type PollResult struct {
	Job     *model.CompileJob
	Entries []model.ParsedLogEntry
}

// OutputResult carries the compiled artifact for a successful job.
type OutputResult struct {
	Job *model.CompileJob
	PDF []byte
}

// CompileServiceOptions configures a CompileService.
type CompileServiceOptions struct {
	Queue     core.JobQueue
	Cancels   core.CancelRegistry
	Ephemeral core.EphemeralStore
	Publisher core.StatusPublisher

	// Hook and Builds are set only when Postgres is configured; project
	// jobs are refused without them.
	Hook   core.StatusChangeHook
	Builds core.BuildReader

	Compile   config.CompileConfig
	CancelTTL time.Duration

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// CompileService implements submission, polling, cancellation, and artifact
// retrieval for compile jobs.
type CompileService struct {
	queue     core.JobQueue
	cancels   core.CancelRegistry
	ephemeral core.EphemeralStore
	publisher core.StatusPublisher
	hook      core.StatusChangeHook
	builds    core.BuildReader

	cfg       config.CompileConfig
	cancelTTL time.Duration

	logger  *slog.Logger
	metrics statsd.Sink
}

// NewCompileService creates a CompileService from options.
func NewCompileService(opts CompileServiceOptions) (*CompileService, error) {
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.Cancels == nil {
		return nil, errors.New("cancel registry is required")
	}
	if opts.Ephemeral == nil {
		return nil, errors.New("ephemeral store is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("status publisher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CompileService{
		queue:     opts.Queue,
		cancels:   opts.Cancels,
		ephemeral: opts.Ephemeral,
		publisher: opts.Publisher,
		hook:      opts.Hook,
		builds:    opts.Builds,
		cfg:       opts.Compile,
		cancelTTL: opts.CancelTTL,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// Submit validates a request, records the job as queued, and enqueues it.
// The returned job carries the generated id callers poll with.
func (s *CompileService) Submit(ctx context.Context, req SubmitRequest) (*model.CompileJob, error) {
	job := &model.CompileJob{
		ID:              uuid.NewString(),
		Content:         req.Content,
		ProjectDir:      req.ProjectDir,
		MainFile:        req.MainFile,
		RequestedEngine: req.Engine,
		Status:          model.JobStatusQueued,
		ExitCode:        -1,
		CreatedAt:       time.Now().UTC(),
	}
	if job.RequestedEngine == "" {
		job.RequestedEngine = model.EngineAuto
	}

	if err := job.Validate(s.cfg.MaxSourceBytes); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid compile request")
	}

	if job.Ephemeral() {
		if err := s.submitEphemeral(ctx, job); err != nil {
			return nil, err
		}
	} else {
		if err := s.submitProject(ctx, job); err != nil {
			return nil, err
		}
	}

	metrics.EmitSubmitted(s.metrics, job.Ephemeral())
	s.publisher.Publish(ctx, &model.StatusEvent{JobID: job.ID, Status: model.JobStatusQueued})
	s.logger.InfoContext(ctx, "compile job submitted",
		"job_id", job.ID, "main_file", job.MainFile, "engine", job.RequestedEngine, "ephemeral", job.Ephemeral())

	return job, nil
}

func (s *CompileService) submitEphemeral(ctx context.Context, job *model.CompileJob) error {
	if err := s.ephemeral.Create(ctx, job); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "create job record")
	}
	if err := s.ephemeral.WriteSource(job.ID, job.MainFile, job.Content); err != nil {
		s.rollbackEphemeral(ctx, job.ID)
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "stage source")
	}
	// The queued payload carries no inline source; workers stage from the
	// spool directory.
	queued := *job
	queued.Content = ""
	if err := s.queue.Enqueue(ctx, &queued); err != nil {
		s.rollbackEphemeral(ctx, job.ID)
		return err
	}
	return nil
}

func (s *CompileService) submitProject(ctx context.Context, job *model.CompileJob) error {
	if s.hook == nil {
		return apperrors.Validation("project compiles require a configured database")
	}
	if err := s.hook.OnStatusChange(ctx, job, model.JobStatusQueued, core.StatusChangeFields{}); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job)
}

// rollbackEphemeral removes a record whose enqueue never happened, so the
// store never advertises a job no worker will ever pick up.
func (s *CompileService) rollbackEphemeral(ctx context.Context, jobID string) {
	if err := s.ephemeral.Delete(ctx, jobID); err != nil {
		s.logger.WarnContext(ctx, "rollback of unqueued job failed", "job_id", jobID, "error", err)
	}
}

// Poll returns the job's current snapshot with diagnostics parsed from its
// raw logs.
func (s *CompileService) Poll(ctx context.Context, jobID string) (*PollResult, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return nil, err
	}

	res := &PollResult{Job: job}
	if job.Logs != "" {
		res.Entries = logparser.Parse(job.Logs)
	}
	return res, nil
}

// Output returns the compiled PDF for a successful job. Non-terminal jobs
// yield a conflict; failed ones a validation error naming the status.
func (s *CompileService) Output(ctx context.Context, jobID string) (*OutputResult, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, apperrors.Conflict("job has not finished")
	}
	if job.Status != model.JobStatusSuccess {
		return nil, apperrors.Validationf("job finished with status %q, no output available", job.Status)
	}

	pdf, err := s.ephemeral.ReadPDF(ctx, jobID)
	if err != nil {
		if errors.Is(err, data.ErrEphemeralNotFound) {
			return nil, apperrors.NotFound("job output has expired")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "read output")
	}
	return &OutputResult{Job: job, PDF: pdf}, nil
}

// Cancel requests cooperative cancellation. Queued jobs are removed and
// finalized here; running jobs get a marker the execution engine observes on
// its next poll. Cancelling an already-terminal job is a no-op.
func (s *CompileService) Cancel(ctx context.Context, jobID string) (core.CancelResult, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return core.CancelResult{}, err
	}
	if job.Status.Terminal() {
		return core.CancelResult{}, nil
	}

	result, err := s.queue.RequestCancel(ctx, jobID)
	if err != nil {
		return core.CancelResult{}, err
	}

	// The marker outlives the longest possible compile so a worker that
	// claimed the job in the same instant still observes it.
	if err := s.cancels.SetCancel(ctx, jobID, s.cancelTTL); err != nil {
		s.logger.WarnContext(ctx, "set cancellation marker failed", "job_id", jobID, "error", err)
	}

	if result.WasQueued {
		if err := s.finalizeCanceled(ctx, job); err != nil {
			return result, err
		}
	}

	metrics.EmitCancelRequested(s.metrics, result.WasQueued, result.WasRunning)
	s.logger.InfoContext(ctx, "cancellation requested",
		"job_id", jobID, "was_queued", result.WasQueued, "was_running", result.WasRunning)
	return result, nil
}

// finalizeCanceled records the terminal state for a job that never reached a
// worker and emits its complete event.
func (s *CompileService) finalizeCanceled(ctx context.Context, job *model.CompileJob) error {
	now := time.Now().UTC()
	message := "canceled before execution"

	if job.Ephemeral() {
		err := s.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
			j.Status = model.JobStatusCanceled
			j.ExitCode = -1
			j.Message = message
			j.CompletedAt = &now
		})
		if err != nil && !errors.Is(err, data.ErrEphemeralNotFound) {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "record cancellation")
		}
	} else if s.hook != nil {
		exitCode := -1
		fields := core.StatusChangeFields{ExitCode: &exitCode, Message: &message}
		if err := s.hook.OnStatusChange(ctx, job, model.JobStatusCanceled, fields); err != nil &&
			!errors.Is(err, data.ErrBuildTerminal) {
			return err
		}
	}

	s.publisher.Publish(ctx, &model.StatusEvent{
		JobID:   job.ID,
		Status:  model.JobStatusCanceled,
		Message: message,
	})
	return nil
}

// lookup resolves a job id against the ephemeral store first, then the
// relational store when configured.
func (s *CompileService) lookup(ctx context.Context, jobID string) (*model.CompileJob, error) {
	if jobID == "" {
		return nil, apperrors.Validation("job id is required")
	}

	job, err := s.ephemeral.Read(ctx, jobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, data.ErrEphemeralNotFound) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read job record")
	}

	if s.builds != nil {
		job, err = s.builds.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, data.ErrBuildNotFound) {
			return nil, err
		}
	}
	return nil, apperrors.NotFoundf("no job with id %q", jobID)
}
