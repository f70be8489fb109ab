// Package metrics centralises metric names and tag shapes so emission sites
// stay consistent across the worker and HTTP tiers.
package metrics

import (
	"time"

	"github.com/texq/texq/internal/domain/model"
	"github.com/texq/texq/internal/observability/statsd"
)

// CompileOutcome captures one finished compile attempt for emission.
type CompileOutcome struct {
	Status       model.JobStatus
	Engine       model.Engine
	Ephemeral    bool
	Duration     time.Duration
	ErrorCount   int
	WarningCount int
}

// EmitCompileOutcome emits the lifecycle metrics for one finished job.
func EmitCompileOutcome(sink statsd.Sink, out CompileOutcome) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"status": string(out.Status),
		"engine": string(out.Engine),
		"mode":   modeTag(out.Ephemeral),
	}

	sink.Count("compile.finished", 1, tags)
	if out.Duration > 0 {
		sink.Timing("compile.duration", out.Duration, tags)
	}
	if out.ErrorCount > 0 {
		sink.Count("compile.log_errors", int64(out.ErrorCount), tags)
	}
	if out.WarningCount > 0 {
		sink.Count("compile.log_warnings", int64(out.WarningCount), tags)
	}
}

// EmitSubmitted counts accepted submissions.
func EmitSubmitted(sink statsd.Sink, ephemeral bool) {
	if sink == nil {
		return
	}
	sink.Count("compile.submitted", 1, map[string]string{"mode": modeTag(ephemeral)})
}

// EmitCancelRequested counts cancellation requests by what they hit.
func EmitCancelRequested(sink statsd.Sink, wasQueued, wasRunning bool) {
	if sink == nil {
		return
	}
	target := "missed"
	switch {
	case wasQueued:
		target = "queued"
	case wasRunning:
		target = "running"
	}
	sink.Count("compile.cancel_requested", 1, map[string]string{"target": target})
}

// EmitQueueWait records how long a job sat queued before a worker claimed it.
func EmitQueueWait(sink statsd.Sink, wait time.Duration) {
	if sink == nil || wait <= 0 {
		return
	}
	sink.Timing("queue.wait", wait, nil)
}

// EmitReaped counts ephemeral records purged by the reaper.
func EmitReaped(sink statsd.Sink, n int) {
	if sink == nil || n <= 0 {
		return
	}
	sink.Count("reaper.purged", int64(n), nil)
}

// EmitRequeued counts stalled jobs returned to the waiting queue.
func EmitRequeued(sink statsd.Sink, n int) {
	if sink == nil || n <= 0 {
		return
	}
	sink.Count("reaper.requeued", int64(n), nil)
}

func modeTag(ephemeral bool) string {
	if ephemeral {
		return "ephemeral"
	}
	return "project"
}
