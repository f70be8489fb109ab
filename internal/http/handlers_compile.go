// Package httpx provides the HTTP transport for the compile pipeline.
package httpx

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/texq/texq/internal/domain/model"
	"github.com/texq/texq/internal/service"
)

// CompileHandlers provides HTTP handlers for compile job operations.
type CompileHandlers struct {
	Svc     *service.CompileService
	BaseURL string
}

// submitRequest is the one-shot submission body. Source is inline LaTeX; the
// project-directory mode is internal and not exposed over this endpoint.
type submitRequest struct {
	Source   string `json:"source"`
	MainFile string `json:"main_file"`
	Engine   string `json:"engine"`
}

type submitResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	PollURL   string `json:"pollUrl"`
	OutputURL string `json:"outputUrl"`
	CancelURL string `json:"cancelUrl"`
}

type pollResponse struct {
	JobID        string                 `json:"jobId"`
	Status       model.JobStatus        `json:"status"`
	EngineUsed   model.Engine           `json:"engineUsed,omitempty"`
	DurationMs   int64                  `json:"durationMs,omitempty"`
	WarningCount int                    `json:"warningCount"`
	ErrorCount   int                    `json:"errorCount"`
	Message      string                 `json:"message,omitempty"`
	Errors       []model.ParsedLogEntry `json:"errors"`
}

type outputResponse struct {
	JobID      string                 `json:"jobId"`
	PDF        string                 `json:"pdf"`
	EngineUsed model.Engine           `json:"engineUsed"`
	Logs       string                 `json:"logs"`
	Errors     []model.ParsedLogEntry `json:"errors"`
	DurationMs int64                  `json:"durationMs"`
}

type cancelResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Submit handles POST /api/compile. The response is 202: the job is queued,
// not compiled, and the caller polls for progress.
func (h *CompileHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	mainFile := strings.TrimSpace(req.MainFile)
	if mainFile == "" {
		mainFile = "main.tex"
	}

	job, err := h.Svc.Submit(r.Context(), service.SubmitRequest{
		Content:  req.Source,
		MainFile: mainFile,
		Engine:   model.Engine(strings.TrimSpace(req.Engine)),
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	base := h.BaseURL + "/api/compile/" + job.ID
	WriteJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Status:    string(model.JobStatusQueued),
		PollURL:   base,
		OutputURL: base + "/output",
		CancelURL: base + "/cancel",
	})
}

// Poll handles GET /api/compile/{id}.
func (h *CompileHandlers) Poll(w http.ResponseWriter, r *http.Request) {
	res, err := h.Svc.Poll(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}

	job := res.Job
	resp := pollResponse{
		JobID:        job.ID,
		Status:       job.Status,
		EngineUsed:   job.EngineUsed,
		DurationMs:   job.DurationMs,
		WarningCount: job.WarningCount,
		ErrorCount:   job.ErrorCount,
		Message:      job.Message,
		Errors:       errorEntries(res.Entries),
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Output handles GET /api/compile/{id}/output. The PDF is base64 encoded in
// the JSON payload; failed jobs yield an error payload naming the terminal
// status instead.
func (h *CompileHandlers) Output(w http.ResponseWriter, r *http.Request) {
	out, err := h.Svc.Output(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}

	entries := []model.ParsedLogEntry{}
	if out.Job.Logs != "" {
		if res, perr := h.Svc.Poll(r.Context(), out.Job.ID); perr == nil {
			entries = errorEntries(res.Entries)
		}
	}

	WriteJSON(w, http.StatusOK, outputResponse{
		JobID:      out.Job.ID,
		PDF:        base64.StdEncoding.EncodeToString(out.PDF),
		EngineUsed: out.Job.EngineUsed,
		Logs:       out.Job.Logs,
		Errors:     entries,
		DurationMs: out.Job.DurationMs,
	})
}

// Cancel handles POST /api/compile/{id}/cancel. 202 means accepted: a job
// already inside a container stops only when the engine next polls.
func (h *CompileHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Svc.Cancel(r.Context(), id); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, cancelResponse{
		JobID:  id,
		Status: string(model.JobStatusCanceled),
	})
}

// errorEntries filters parsed diagnostics down to the error-typed ones, never
// returning nil so the JSON field is always an array.
func errorEntries(entries []model.ParsedLogEntry) []model.ParsedLogEntry {
	out := []model.ParsedLogEntry{}
	for _, e := range entries {
		if e.Type == model.EntryError {
			out = append(out, e)
		}
	}
	return out
}
