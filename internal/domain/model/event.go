package model

// StatusEvent is the fire-and-forget broadcast emitted at each job lifecycle
// transition. Two shapes share the struct: status-only events (queued,
// compiling) carry just ID and Status, complete events (any terminal status)
// also carry logs, duration, parsed diagnostics, and an artifact reference.
//
// Delivery is at-least-once at best; consumers must tolerate duplicates and
// gaps.
type StatusEvent struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`

	// Complete-event fields, zero-valued on status-only events.
	EngineUsed Engine           `json:"engine_used,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
	Logs       string           `json:"logs,omitempty"`
	Errors     []ParsedLogEntry `json:"errors,omitempty"`
	PDFRef     string           `json:"pdf_ref,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Complete returns true when the event carries terminal payload fields.
func (e *StatusEvent) Complete() bool {
	return e.Status.Terminal()
}

// ParsedLogEntry is one structured diagnostic derived from a raw compiler
// transcript. Entries are recomputed from the job's raw logs on demand and
// never persisted independently.
type ParsedLogEntry struct {
	Type    EntryType `json:"type"`
	File    string    `json:"file,omitempty"`
	Line    int       `json:"line,omitempty"`
	Message string    `json:"message"`
}

// EntryType classifies a parsed log entry.
type EntryType string

const (
	// EntryError marks fatal compiler errors.
	EntryError EntryType = "error"
	// EntryWarning marks LaTeX, package, and class warnings.
	EntryWarning EntryType = "warning"
	// EntryInfo marks lines that affect neither counter.
	EntryInfo EntryType = "info"
)
