// Package model defines the core data types and structures used throughout the texq compile pipeline.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StatusSchemaVersion identifies the current job status vocabulary.
// The terminal statuses timeout and canceled are part of this version;
// persisted rows record the version explicitly instead of silently unioning
// older vocabularies.
const StatusSchemaVersion = 2

// Engine represents a LaTeX compiler variant.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Engine string

// JobStatus represents the current status of a compile job.
type JobStatus string

const (
	// EngineAuto resolves the engine from the source's magic comment.
	EngineAuto Engine = "auto"
	// EnginePDFLaTeX is the pdflatex compiler.
	EnginePDFLaTeX Engine = "pdflatex"
	// EngineXeLaTeX is the xelatex compiler.
	EngineXeLaTeX Engine = "xelatex"
	// EngineLuaLaTeX is the lualatex compiler.
	EngineLuaLaTeX Engine = "lualatex"
	// EngineLaTeX is the plain latex compiler (DVI toolchain).
	EngineLaTeX Engine = "latex"

	// JobStatusQueued indicates a job is waiting to be processed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusCompiling indicates a job is currently executing in a container.
	JobStatusCompiling JobStatus = "compiling"
	// JobStatusSuccess indicates compilation produced a PDF.
	JobStatusSuccess JobStatus = "success"
	// JobStatusError indicates compilation failed (nonzero exit or no PDF).
	JobStatusError JobStatus = "error"
	// JobStatusTimeout indicates the wall-clock ceiling was exceeded.
	JobStatusTimeout JobStatus = "timeout"
	// JobStatusCanceled indicates the job was canceled before or during execution.
	JobStatusCanceled JobStatus = "canceled"
)

// ErrNoJobsAvailable is returned when no jobs are available for dequeue.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for Engine to allow env and JSON parsing.
func (e *Engine) UnmarshalText(text []byte) error {
	v := Engine(strings.ToLower(strings.TrimSpace(string(text))))
	if v == "" {
		*e = EngineAuto
		return nil
	}
	if v.Valid() {
		*e = v
		return nil
	}
	return fmt.Errorf("invalid engine: %q", string(text))
}

// Valid returns true if the Engine is a recognized compiler variant.
func (e Engine) Valid() bool {
	switch e {
	case EngineAuto, EnginePDFLaTeX, EngineXeLaTeX, EngineLuaLaTeX, EngineLaTeX:
		return true
	default:
		return false
	}
}

// Concrete returns true for engines that name an actual compiler binary
// (everything except auto).
func (e Engine) Concrete() bool {
	return e.Valid() && e != EngineAuto
}

// Valid returns true if the JobStatus is part of the current vocabulary.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusCompiling,
		JobStatusSuccess, JobStatusError, JobStatusTimeout, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal returns true once a job can no longer change status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusError, JobStatusTimeout, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
// Transitions are monotonic and one-directional along
// queued → compiling → {success|error|timeout|canceled}; canceled is also
// reachable straight from queued (cancel before any worker dequeued).
// No transition leaves a terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobStatusQueued:
		return next == JobStatusCompiling || next == JobStatusCanceled
	case JobStatusCompiling:
		return next.Terminal()
	default:
		return false
	}
}

// CompileJob represents one compilation attempt with a unique id and lifecycle.
type CompileJob struct {
	ID string `json:"id"`

	// Source location: exactly one of ProjectDir (project mode) or
	// Content (ephemeral inline mode) is set before enqueue. The pipeline
	// never fetches source itself.
	ProjectDir string `json:"project_dir,omitempty"`
	Content    string `json:"content,omitempty"`
	MainFile   string `json:"main_file"`

	// RequestedEngine is what the caller asked for; EngineUsed is the
	// resolved engine, recorded once compilation starts and never after,
	// so a timeout still reports which engine was attempted.
	RequestedEngine Engine `json:"requested_engine"`
	EngineUsed      Engine `json:"engine_used,omitempty"`

	Status JobStatus `json:"status"`

	Logs       string `json:"logs,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`

	// WarningCount and ErrorCount are derived from parsed log entries.
	WarningCount int `json:"warning_count"`
	ErrorCount   int `json:"error_count"`

	// Message is a human-readable explanation accompanying terminal statuses.
	Message string `json:"message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExpiresAt is set only for ephemeral (one-shot) jobs.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Ephemeral returns true for one-shot jobs backed by the TTL store instead of
// a relational row.
func (j *CompileJob) Ephemeral() bool {
	return j.ProjectDir == ""
}

// Validate checks the fields a caller controls before the job is enqueued.
func (j *CompileJob) Validate(maxSourceBytes int64) error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	if !j.RequestedEngine.Valid() {
		return fmt.Errorf("invalid engine: %q", j.RequestedEngine)
	}
	if j.ProjectDir != "" && j.Content != "" {
		return errors.New("project_dir and content are mutually exclusive")
	}
	if j.ProjectDir == "" && j.Content == "" {
		return errors.New("either project_dir or content is required")
	}
	if j.MainFile == "" {
		return errors.New("main file is required")
	}
	if strings.Contains(j.MainFile, "..") || strings.HasPrefix(j.MainFile, "/") {
		return fmt.Errorf("malformed main file path: %q", j.MainFile)
	}
	if maxSourceBytes > 0 && int64(len(j.Content)) > maxSourceBytes {
		return fmt.Errorf("source exceeds %d byte limit", maxSourceBytes)
	}
	return nil
}
