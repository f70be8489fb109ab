package reaper

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
)

type fakeStore struct {
	mu       sync.Mutex
	expired  []string
	purged   []string
	purgeErr map[string]error
}

func (f *fakeStore) Create(_ context.Context, _ *model.CompileJob) error { return nil }
func (f *fakeStore) Read(_ context.Context, _ string) (*model.CompileJob, error) {
	return nil, data.ErrEphemeralNotFound
}

func (f *fakeStore) Patch(_ context.Context, _ string, _ func(*model.CompileJob)) error {
	return data.ErrEphemeralNotFound
}
func (f *fakeStore) Delete(_ context.Context, _ string) error { return nil }
func (f *fakeStore) JobDir(jobID string) string               { return "/tmp/spool/" + jobID }
func (f *fakeStore) WriteSource(_, _, _ string) error         { return nil }
func (f *fakeStore) WriteLog(_ string, _ []byte) error        { return nil }
func (f *fakeStore) ReadLog(_ context.Context, _ string) ([]byte, error) {
	return nil, data.ErrEphemeralNotFound
}
func (f *fakeStore) WritePDF(_ string, _ []byte) error { return nil }
func (f *fakeStore) ReadPDF(_ context.Context, _ string) ([]byte, error) {
	return nil, data.ErrEphemeralNotFound
}

func (f *fakeStore) ExpiredBefore(_ context.Context, _ time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.expired) > limit {
		return f.expired[:limit], nil
	}
	return f.expired, nil
}

func (f *fakeStore) Purge(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.purgeErr[jobID]; err != nil {
		return err
	}
	f.purged = append(f.purged, jobID)
	remaining := f.expired[:0]
	for _, id := range f.expired {
		if id != jobID {
			remaining = append(remaining, id)
		}
	}
	f.expired = remaining
	return nil
}

func (f *fakeStore) purgedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}

type fakeQueue struct {
	mu         sync.Mutex
	stalled    int
	requeueErr error
	maxAge     time.Duration
}

func (q *fakeQueue) Enqueue(_ context.Context, _ *model.CompileJob) error { return nil }
func (q *fakeQueue) EnqueueDelayed(_ context.Context, _ *model.CompileJob, _ time.Time) error {
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context) (*model.CompileJob, error) {
	return nil, model.ErrNoJobsAvailable
}

func (q *fakeQueue) RequestCancel(_ context.Context, _ string) (core.CancelResult, error) {
	return core.CancelResult{}, nil
}
func (q *fakeQueue) MarkTerminal(_ context.Context, _ string, _ bool) error { return nil }
func (q *fakeQueue) State(_ context.Context, _ string) (string, error)      { return "", nil }

func (q *fakeQueue) RequeueStalled(_ context.Context, maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxAge = maxAge
	if q.requeueErr != nil {
		return 0, q.requeueErr
	}
	n := q.stalled
	q.stalled = 0
	return n, nil
}

func newTestRunner(t *testing.T, store *fakeStore, queue *fakeQueue) *Runner {
	t.Helper()

	cfg := config.ReaperConfig{Interval: 5 * time.Second, BatchSize: 2}
	runner, err := NewRunner(RunnerOptions{
		Ephemeral:     store,
		Queue:         queue,
		Config:        cfg,
		StalledMaxAge: 3 * time.Minute,
	})
	require.NoError(t, err)
	return runner
}

func TestSweepPurgesExpiredRecords(t *testing.T) {
	store := &fakeStore{expired: []string{"r-1", "r-2"}}
	queue := &fakeQueue{}
	runner := newTestRunner(t, store, queue)

	require.NoError(t, runner.sweep(context.Background()))
	assert.ElementsMatch(t, []string{"r-1", "r-2"}, store.purgedIDs())
}

func TestSweepHonorsBatchSize(t *testing.T) {
	store := &fakeStore{expired: []string{"r-1", "r-2", "r-3"}}
	queue := &fakeQueue{}
	runner := newTestRunner(t, store, queue)

	require.NoError(t, runner.sweep(context.Background()))
	assert.Len(t, store.purgedIDs(), 2)

	// The leftover record goes in the next pass.
	require.NoError(t, runner.sweep(context.Background()))
	assert.Len(t, store.purgedIDs(), 3)
}

func TestSweepContinuesPastPurgeFailures(t *testing.T) {
	store := &fakeStore{
		expired:  []string{"r-bad", "r-ok"},
		purgeErr: map[string]error{"r-bad": errors.New("spool dir busy")},
	}
	queue := &fakeQueue{stalled: 1}
	runner := newTestRunner(t, store, queue)

	err := runner.sweep(context.Background())
	require.Error(t, err)

	// The healthy record was still purged and the requeue half still ran.
	assert.Equal(t, []string{"r-ok"}, store.purgedIDs())
	assert.Equal(t, 3*time.Minute, queue.maxAge)
}

func TestSweepRequeuesStalledJobs(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{stalled: 2}
	runner := newTestRunner(t, store, queue)

	require.NoError(t, runner.sweep(context.Background()))
	assert.Equal(t, 3*time.Minute, queue.maxAge)
}

func TestSweepReportsRequeueFailure(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{requeueErr: errors.New("broker down")}
	runner := newTestRunner(t, store, queue)

	assert.Error(t, runner.sweep(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &fakeStore{expired: []string{"r-1"}}
	queue := &fakeQueue{}
	runner := newTestRunner(t, store, queue)
	runner.cfg.Interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	// Give the loop at least one tick past the jitter window.
	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}

	assert.Equal(t, []string{"r-1"}, store.purgedIDs())
}

func TestNewRunnerRequiresDeps(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	assert.Error(t, err)

	_, err = NewRunner(RunnerOptions{Ephemeral: &fakeStore{}})
	assert.Error(t, err)
}
