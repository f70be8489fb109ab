package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texq/texq/config"
	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/data"
	"github.com/texq/texq/internal/domain/model"
	apperrors "github.com/texq/texq/internal/errors"
)

// stubQueue records enqueue/cancel calls and lets tests force failures.
type stubQueue struct {
	mu         sync.Mutex
	enqueued   []*model.CompileJob
	enqueueErr error
	cancelRes  core.CancelResult
	cancelErr  error
	canceled   []string
}

func (q *stubQueue) Enqueue(_ context.Context, job *model.CompileJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, job)
	return nil
}

func (q *stubQueue) EnqueueDelayed(_ context.Context, _ *model.CompileJob, _ time.Time) error {
	return nil
}

func (q *stubQueue) Dequeue(_ context.Context) (*model.CompileJob, error) {
	return nil, model.ErrNoJobsAvailable
}

func (q *stubQueue) RequestCancel(_ context.Context, jobID string) (core.CancelResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceled = append(q.canceled, jobID)
	return q.cancelRes, q.cancelErr
}

func (q *stubQueue) MarkTerminal(_ context.Context, _ string, _ bool) error { return nil }
func (q *stubQueue) State(_ context.Context, _ string) (string, error)      { return "", nil }
func (q *stubQueue) RequeueStalled(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

// stubCancels is an in-memory cancellation registry.
type stubCancels struct {
	mu      sync.Mutex
	markers map[string]time.Duration
	setErr  error
}

func newStubCancels() *stubCancels {
	return &stubCancels{markers: make(map[string]time.Duration)}
}

func (c *stubCancels) SetCancel(_ context.Context, jobID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.markers[jobID] = ttl
	return nil
}

func (c *stubCancels) IsCanceled(_ context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.markers[jobID]
	return ok, nil
}

// stubEphemeral is an in-memory one-shot store.
type stubEphemeral struct {
	mu      sync.Mutex
	records map[string]*model.CompileJob
	sources map[string]string
	pdfs    map[string][]byte
	logs    map[string][]byte

	createErr error
	sourceErr error
	deleted   []string
}

func newStubEphemeral() *stubEphemeral {
	return &stubEphemeral{
		records: make(map[string]*model.CompileJob),
		sources: make(map[string]string),
		pdfs:    make(map[string][]byte),
		logs:    make(map[string][]byte),
	}
}

func (e *stubEphemeral) Create(_ context.Context, job *model.CompileJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return e.createErr
	}
	expires := time.Now().Add(time.Hour)
	job.ExpiresAt = &expires
	clone := *job
	e.records[job.ID] = &clone
	return nil
}

func (e *stubEphemeral) Read(_ context.Context, jobID string) (*model.CompileJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.records[jobID]
	if !ok {
		return nil, data.ErrEphemeralNotFound
	}
	clone := *job
	return &clone, nil
}

func (e *stubEphemeral) Patch(_ context.Context, jobID string, apply func(*model.CompileJob)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.records[jobID]
	if !ok {
		return data.ErrEphemeralNotFound
	}
	apply(job)
	return nil
}

func (e *stubEphemeral) Delete(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.records, jobID)
	e.deleted = append(e.deleted, jobID)
	return nil
}

func (e *stubEphemeral) JobDir(jobID string) string { return "/tmp/spool/" + jobID }

func (e *stubEphemeral) WriteSource(jobID, mainFile, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sourceErr != nil {
		return e.sourceErr
	}
	e.sources[jobID+"/"+mainFile] = content
	return nil
}

func (e *stubEphemeral) WriteLog(jobID string, logs []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs[jobID] = logs
	return nil
}

func (e *stubEphemeral) ReadLog(_ context.Context, jobID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	logs, ok := e.logs[jobID]
	if !ok {
		return nil, data.ErrEphemeralNotFound
	}
	return logs, nil
}

func (e *stubEphemeral) WritePDF(jobID string, pdf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pdfs[jobID] = pdf
	return nil
}

func (e *stubEphemeral) ReadPDF(_ context.Context, jobID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pdf, ok := e.pdfs[jobID]
	if !ok {
		return nil, data.ErrEphemeralNotFound
	}
	return pdf, nil
}

func (e *stubEphemeral) ExpiredBefore(_ context.Context, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

func (e *stubEphemeral) Purge(ctx context.Context, jobID string) error {
	return e.Delete(ctx, jobID)
}

// stubPublisher collects broadcast events.
type stubPublisher struct {
	mu     sync.Mutex
	events []*model.StatusEvent
}

func (p *stubPublisher) Publish(_ context.Context, event *model.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *stubPublisher) statuses() []model.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.JobStatus, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

// stubHook records project status transitions.
type stubHook struct {
	mu    sync.Mutex
	calls []model.JobStatus
	err   error
}

func (h *stubHook) OnStatusChange(_ context.Context, _ *model.CompileJob, status model.JobStatus, _ core.StatusChangeFields) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.calls = append(h.calls, status)
	return nil
}

type serviceFixture struct {
	svc       *CompileService
	queue     *stubQueue
	cancels   *stubCancels
	ephemeral *stubEphemeral
	publisher *stubPublisher
	hook      *stubHook
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		queue:     &stubQueue{},
		cancels:   newStubCancels(),
		ephemeral: newStubEphemeral(),
		publisher: &stubPublisher{},
		hook:      &stubHook{},
	}

	cfg := config.CompileConfig{}
	cfg.Sanitize()

	svc, err := NewCompileService(CompileServiceOptions{
		Queue:     f.queue,
		Cancels:   f.cancels,
		Ephemeral: f.ephemeral,
		Publisher: f.publisher,
		Hook:      f.hook,
		Compile:   cfg,
		CancelTTL: 5 * time.Minute,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestSubmitEphemeral(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{
		Content:  "\\documentclass{article}\\begin{document}hi\\end{document}",
		MainFile: "main.tex",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, model.EngineAuto, job.RequestedEngine)

	require.Len(t, f.queue.enqueued, 1)
	queued := f.queue.enqueued[0]
	assert.Equal(t, job.ID, queued.ID)
	// Workers stage from the spool, so the queued payload drops the source.
	assert.Empty(t, queued.Content)

	assert.Contains(t, f.ephemeral.sources, job.ID+"/main.tex")
	assert.Equal(t, []model.JobStatus{model.JobStatusQueued}, f.publisher.statuses())
}

func TestSubmitValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"no source at all", SubmitRequest{MainFile: "main.tex"}},
		{"both sources", SubmitRequest{Content: "x", ProjectDir: "/srv/p", MainFile: "main.tex"}},
		{"missing main file", SubmitRequest{Content: "x"}},
		{"absolute main file", SubmitRequest{Content: "x", MainFile: "/etc/passwd"}},
		{"path traversal", SubmitRequest{Content: "x", MainFile: "../../etc/passwd"}},
		{"unknown engine", SubmitRequest{Content: "x", MainFile: "main.tex", Engine: model.Engine("tectonic")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tt.req)
			assert.True(t, apperrors.IsValidation(err), "want validation error, got %v", err)
		})
	}

	// Nothing reaches the queue on a rejected submission.
	assert.Empty(t, f.queue.enqueued)
}

func TestSubmitOversizedSource(t *testing.T) {
	f := newServiceFixture(t)

	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = 'a'
	}

	_, err := f.svc.Submit(context.Background(), SubmitRequest{Content: string(big), MainFile: "main.tex"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestSubmitRollsBackOnEnqueueFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.enqueueErr = apperrors.Unavailable("broker down")

	_, err := f.svc.Submit(context.Background(), SubmitRequest{Content: "x", MainFile: "main.tex"})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))

	// The record must not survive a failed enqueue.
	assert.Len(t, f.ephemeral.deleted, 1)
	assert.Empty(t, f.ephemeral.records)
	assert.Empty(t, f.publisher.events)
}

func TestSubmitRollsBackOnSourceFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.ephemeral.sourceErr = errors.New("disk full")

	_, err := f.svc.Submit(context.Background(), SubmitRequest{Content: "x", MainFile: "main.tex"})
	require.Error(t, err)
	assert.Len(t, f.ephemeral.deleted, 1)
	assert.Empty(t, f.queue.enqueued)
}

func TestSubmitProject(t *testing.T) {
	f := newServiceFixture(t)

	job, err := f.svc.Submit(context.Background(), SubmitRequest{
		ProjectDir: "/srv/projects/thesis",
		MainFile:   "main.tex",
		Engine:     model.EngineXeLaTeX,
	})
	require.NoError(t, err)
	assert.False(t, job.Ephemeral())

	assert.Equal(t, []model.JobStatus{model.JobStatusQueued}, f.hook.calls)
	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, "/srv/projects/thesis", f.queue.enqueued[0].ProjectDir)
}

func TestSubmitProjectWithoutDatabase(t *testing.T) {
	f := newServiceFixture(t)
	svc, err := NewCompileService(CompileServiceOptions{
		Queue:     f.queue,
		Cancels:   f.cancels,
		Ephemeral: f.ephemeral,
		Publisher: f.publisher,
		Compile:   f.svc.cfg,
	})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), SubmitRequest{ProjectDir: "/srv/p", MainFile: "main.tex"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestPoll(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	t.Run("unknown job is not found", func(t *testing.T) {
		_, err := f.svc.Poll(ctx, "no-such-job")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("empty id is rejected", func(t *testing.T) {
		_, err := f.svc.Poll(ctx, "")
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("snapshot includes parsed diagnostics", func(t *testing.T) {
		job, err := f.svc.Submit(ctx, SubmitRequest{Content: "x", MainFile: "main.tex"})
		require.NoError(t, err)

		require.NoError(t, f.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
			j.Status = model.JobStatusError
			j.Logs = "! Undefined control sequence.\nl.5 \\badmacro\n"
		}))

		res, err := f.svc.Poll(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusError, res.Job.Status)
		require.NotEmpty(t, res.Entries)
		assert.Equal(t, model.EntryError, res.Entries[0].Type)
	})
}

func TestOutput(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{Content: "x", MainFile: "main.tex"})
	require.NoError(t, err)

	t.Run("running job is a conflict", func(t *testing.T) {
		_, err := f.svc.Output(ctx, job.ID)
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("failed job has no output", func(t *testing.T) {
		require.NoError(t, f.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
			j.Status = model.JobStatusError
		}))

		_, err := f.svc.Output(ctx, job.ID)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("successful job returns the pdf", func(t *testing.T) {
		require.NoError(t, f.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
			j.Status = model.JobStatusSuccess
		}))
		require.NoError(t, f.ephemeral.WritePDF(job.ID, []byte("%PDF-1.5")))

		res, err := f.svc.Output(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-1.5"), res.PDF)
	})

	t.Run("expired artifact is not found", func(t *testing.T) {
		job2, err := f.svc.Submit(ctx, SubmitRequest{Content: "x", MainFile: "main.tex"})
		require.NoError(t, err)
		require.NoError(t, f.ephemeral.Patch(ctx, job2.ID, func(j *model.CompileJob) {
			j.Status = model.JobStatusSuccess
		}))

		_, err = f.svc.Output(ctx, job2.ID)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestCancelQueuedJob(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.cancelRes = core.CancelResult{WasQueued: true}
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{Content: "x", MainFile: "main.tex"})
	require.NoError(t, err)

	res, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.WasQueued)

	// Queued cancellations are finalized immediately.
	got, err := f.ephemeral.Read(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, got.Status)
	assert.Equal(t, "canceled before execution", got.Message)
	assert.NotNil(t, got.CompletedAt)

	// The marker covers the claim race regardless.
	marked, err := f.cancels.IsCanceled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, marked)

	assert.Equal(t,
		[]model.JobStatus{model.JobStatusQueued, model.JobStatusCanceled},
		f.publisher.statuses())
}

func TestCancelRunningJob(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.cancelRes = core.CancelResult{WasRunning: true}
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{Content: "x", MainFile: "main.tex"})
	require.NoError(t, err)
	require.NoError(t, f.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
		j.Status = model.JobStatusCompiling
	}))

	res, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.WasRunning)
	assert.False(t, res.WasQueued)

	// The record is untouched; the engine finalizes on its next poll.
	got, err := f.ephemeral.Read(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompiling, got.Status)

	marked, err := f.cancels.IsCanceled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, marked)
}

func TestCancelTerminalJobIsNoOp(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{Content: "x", MainFile: "main.tex"})
	require.NoError(t, err)
	require.NoError(t, f.ephemeral.Patch(ctx, job.ID, func(j *model.CompileJob) {
		j.Status = model.JobStatusSuccess
	}))

	res, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, res.WasQueued)
	assert.False(t, res.WasRunning)

	// The queue is never consulted for a job that already finished.
	assert.Empty(t, f.queue.canceled)
}

func TestCancelUnknownJob(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Cancel(context.Background(), "no-such-job")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestNewCompileServiceRequiresDeps(t *testing.T) {
	_, err := NewCompileService(CompileServiceOptions{})
	assert.Error(t, err)

	_, err = NewCompileService(CompileServiceOptions{Queue: &stubQueue{}})
	assert.Error(t, err)
}
