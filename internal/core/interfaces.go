package core

import (
	"context"
	"time"

	"github.com/texq/texq/internal/domain/model"
)

// This file contains the pipeline's port definitions (ports in hexagonal
// architecture). Service and adapter implementations should depend on these
// interfaces, not concrete implementations.

// CancelResult reports what RequestCancel observed at the moment of the call.
// WasRunning means a cancellation marker is the only lever left; actual
// termination happens when the engine next polls.
type CancelResult struct {
	WasQueued  bool `json:"was_queued"`
	WasRunning bool `json:"was_running"`
}

// JobQueue defines the interface for the durable, idempotent work queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *model.CompileJob) error
	EnqueueDelayed(ctx context.Context, job *model.CompileJob, readyAt time.Time) error
	Dequeue(ctx context.Context) (*model.CompileJob, error)
	RequestCancel(ctx context.Context, jobID string) (CancelResult, error)
	MarkTerminal(ctx context.Context, jobID string, succeeded bool) error
	State(ctx context.Context, jobID string) (string, error)
	RequeueStalled(ctx context.Context, maxAge time.Duration) (int, error)
}

// CancelRegistry defines the interface for the shared cancellation flag store.
type CancelRegistry interface {
	SetCancel(ctx context.Context, jobID string, ttl time.Duration) error
	IsCanceled(ctx context.Context, jobID string) (bool, error)
}

// HeartbeatStore defines the interface for worker liveness records.
type HeartbeatStore interface {
	Publish(ctx context.Context, instanceID string) error
	Latest(ctx context.Context, instanceID string) (time.Time, error)
}

// EphemeralStore defines the interface for one-shot job metadata and artifacts.
type EphemeralStore interface {
	Create(ctx context.Context, job *model.CompileJob) error
	Read(ctx context.Context, jobID string) (*model.CompileJob, error)
	Patch(ctx context.Context, jobID string, apply func(*model.CompileJob)) error
	Delete(ctx context.Context, jobID string) error

	JobDir(jobID string) string
	WriteSource(jobID, mainFile, content string) error
	WriteLog(jobID string, logs []byte) error
	ReadLog(ctx context.Context, jobID string) ([]byte, error)
	WritePDF(jobID string, pdf []byte) error
	ReadPDF(ctx context.Context, jobID string) ([]byte, error)

	ExpiredBefore(ctx context.Context, t time.Time, limit int) ([]string, error)
	Purge(ctx context.Context, jobID string) error
}

// StatusPublisher defines the fire-and-forget status broadcast.
// Implementations must never block job processing on publish success.
type StatusPublisher interface {
	Publish(ctx context.Context, event *model.StatusEvent)
}

// StatusChangeFields carries the optional fields accompanying a transition.
// Nil pointers leave existing values untouched.
type StatusChangeFields struct {
	EngineUsed   *model.Engine
	Logs         *string
	ExitCode     *int
	DurationMs   *int64
	WarningCount *int
	ErrorCount   *int
	Message      *string
}

// BuildReader reads persisted project job state. Deployments without a
// relational store run without one; one-shot jobs never touch it.
type BuildReader interface {
	Get(ctx context.Context, id string) (*model.CompileJob, error)
}

// StatusChangeHook is called by the pipeline at each transition of a project
// job; the web tier owns storing it relationally. Ephemeral jobs bypass the
// hook and live in the EphemeralStore instead.
type StatusChangeHook interface {
	OnStatusChange(ctx context.Context, job *model.CompileJob, status model.JobStatus, fields StatusChangeFields) error
}

// RunResult is the outcome of one container compile attempt.
type RunResult struct {
	// EngineUsed is resolved before invocation, so even a timeout reports
	// which engine was attempted.
	EngineUsed model.Engine

	Logs     string
	ExitCode int

	// ExitedNormally is false for nonzero exits and kills; TimedOut and
	// Canceled are reported distinctly from it.
	ExitedNormally bool
	TimedOut       bool
	Canceled       bool

	// PDFPath is non-empty only when the compile produced a PDF, the
	// authoritative success signal. A zero exit without a PDF is failure.
	PDFPath string

	Duration time.Duration
}

// Succeeded applies the output contract: PDF presence decides success.
func (r *RunResult) Succeeded() bool {
	return !r.TimedOut && !r.Canceled && r.ExitedNormally && r.PDFPath != ""
}

// Status maps the outcome to the terminal job status.
func (r *RunResult) Status() model.JobStatus {
	switch {
	case r.Canceled:
		return model.JobStatusCanceled
	case r.TimedOut:
		return model.JobStatusTimeout
	case r.Succeeded():
		return model.JobStatusSuccess
	default:
		return model.JobStatusError
	}
}

// ContainerEngine defines the interface for the sandboxed execution engine.
type ContainerEngine interface {
	Run(ctx context.Context, job *model.CompileJob, sourceDir string) (*RunResult, error)
}
