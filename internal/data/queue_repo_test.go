package data

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texq/texq/internal/domain/model"
	"github.com/texq/texq/internal/testutil"
)

func testJob(id string) *model.CompileJob {
	return &model.CompileJob{
		ID:              id,
		Content:         "\\documentclass{article}\\begin{document}hi\\end{document}",
		MainFile:        "main.tex",
		RequestedEngine: model.EngineAuto,
		Status:          model.JobStatusQueued,
		ExitCode:        -1,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestQueueRepo_EnqueueDequeue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	t.Run("dequeue returns the enqueued job", func(t *testing.T) {
		job := testJob("q-1")
		require.NoError(t, repo.Enqueue(ctx, job))

		got, err := repo.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "q-1", got.ID)
		assert.Equal(t, job.Content, got.Content)
		assert.Equal(t, model.JobStatusQueued, got.Status)
	})

	t.Run("dequeued job is recorded as active", func(t *testing.T) {
		state, err := repo.State(ctx, "q-1")
		require.NoError(t, err)
		assert.Equal(t, QueueStateActive, state)

		score := client.ZScore(ctx, queueActiveKey, "q-1").Val()
		assert.Greater(t, score, float64(0))

		// The claim itself lives on the claims list until MarkTerminal.
		assert.Equal(t, []string{"q-1"}, client.LRange(ctx, queueClaimsKey, 0, -1).Val())
	})

	t.Run("empty queue reports no jobs", func(t *testing.T) {
		_, err := repo.Dequeue(ctx)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})

	t.Run("each job is handed to exactly one claimant", func(t *testing.T) {
		require.NoError(t, repo.Enqueue(ctx, testJob("q-2")))

		first, err := repo.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "q-2", first.ID)

		_, err = repo.Dequeue(ctx)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestQueueRepo_EnqueueIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	job := testJob("dup-1")
	require.NoError(t, repo.Enqueue(ctx, job))

	// Re-enqueueing the same id must not create a second waiting entry.
	require.NoError(t, repo.Enqueue(ctx, job))
	assert.Equal(t, int64(1), client.LLen(ctx, queueWaitingKey).Val())

	got, err := repo.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dup-1", got.ID)

	// Still a no-op after the job completed: the payload claim is retained.
	require.NoError(t, repo.MarkTerminal(ctx, "dup-1", true))
	require.NoError(t, repo.Enqueue(ctx, job))

	_, err = repo.Dequeue(ctx)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

	state, err := repo.State(ctx, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, QueueStateCompleted, state)
}

func TestQueueRepo_EnqueueDelayed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	t.Run("not yet due job stays delayed", func(t *testing.T) {
		require.NoError(t, repo.EnqueueDelayed(ctx, testJob("d-1"), time.Now().Add(time.Hour)))

		_, err := repo.Dequeue(ctx)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

		state, err := repo.State(ctx, "d-1")
		require.NoError(t, err)
		assert.Equal(t, QueueStateDelayed, state)
	})

	t.Run("due job is promoted on dequeue", func(t *testing.T) {
		require.NoError(t, repo.EnqueueDelayed(ctx, testJob("d-2"), time.Now().Add(-time.Second)))

		got, err := repo.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "d-2", got.ID)
	})
}

func TestQueueRepo_RequestCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	t.Run("waiting job is removed", func(t *testing.T) {
		require.NoError(t, repo.Enqueue(ctx, testJob("c-1")))

		res, err := repo.RequestCancel(ctx, "c-1")
		require.NoError(t, err)
		assert.True(t, res.WasQueued)
		assert.False(t, res.WasRunning)

		_, err = repo.Dequeue(ctx)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

		state, err := repo.State(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, QueueStateFailed, state)
	})

	t.Run("delayed job is removed", func(t *testing.T) {
		require.NoError(t, repo.EnqueueDelayed(ctx, testJob("c-2"), time.Now().Add(time.Hour)))

		res, err := repo.RequestCancel(ctx, "c-2")
		require.NoError(t, err)
		assert.True(t, res.WasQueued)
	})

	t.Run("active job is left in place", func(t *testing.T) {
		require.NoError(t, repo.Enqueue(ctx, testJob("c-3")))
		_, err := repo.Dequeue(ctx)
		require.NoError(t, err)

		res, err := repo.RequestCancel(ctx, "c-3")
		require.NoError(t, err)
		assert.False(t, res.WasQueued)
		assert.True(t, res.WasRunning)

		// The active claim survives; the engine halts it via the marker.
		score := client.ZScore(ctx, queueActiveKey, "c-3").Val()
		assert.Greater(t, score, float64(0))
	})

	t.Run("claim without bookkeeping still reports running", func(t *testing.T) {
		require.NoError(t, repo.Enqueue(ctx, testJob("c-4")))

		// Drive the claim halfway: the id is on the claims list but the
		// worker has not yet written its stall-index entry.
		id, err := client.LMove(ctx, queueWaitingKey, queueClaimsKey, "RIGHT", "LEFT").Result()
		require.NoError(t, err)
		require.Equal(t, "c-4", id)

		res, err := repo.RequestCancel(ctx, "c-4")
		require.NoError(t, err)
		assert.False(t, res.WasQueued)
		assert.True(t, res.WasRunning)
	})

	t.Run("unknown job is neither queued nor running", func(t *testing.T) {
		res, err := repo.RequestCancel(ctx, "c-missing")
		require.NoError(t, err)
		assert.False(t, res.WasQueued)
		assert.False(t, res.WasRunning)
	})
}

func TestQueueRepo_MarkTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, testJob("t-1")))
	_, err := repo.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.MarkTerminal(ctx, "t-1", false))

	state, err := repo.State(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, QueueStateFailed, state)

	err = client.ZScore(ctx, queueActiveKey, "t-1").Err()
	assert.Error(t, err)
	assert.Empty(t, client.LRange(ctx, queueClaimsKey, 0, -1).Val())

	// Payload sticks around for the idempotency window instead of forever.
	ttl := client.TTL(ctx, payloadKey("t-1")).Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, terminalRetention)
}

func TestQueueRepo_RequeueStalled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, testJob("s-1")))
	require.NoError(t, repo.Enqueue(ctx, testJob("s-2")))

	_, err := repo.Dequeue(ctx)
	require.NoError(t, err)
	_, err = repo.Dequeue(ctx)
	require.NoError(t, err)

	// Backdate one claim so it looks abandoned.
	stale := time.Now().Add(-time.Hour).UnixMilli()
	client.ZAdd(ctx, queueActiveKey, redis.Z{Score: float64(stale), Member: "s-1"})

	requeued, err := repo.RequeueStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	got, err := repo.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.ID)

	// The fresh claim was not touched.
	state, err := repo.State(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, QueueStateActive, state)
	assert.Contains(t, client.LRange(ctx, queueClaimsKey, 0, -1).Val(), "s-2")
}

func TestQueueRepo_RecoversClaimLostBeforeBookkeeping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, testJob("o-1")))

	// A worker that dies right after claiming leaves the id on the claims
	// list with no stall-index entry.
	id, err := client.LMove(ctx, queueWaitingKey, queueClaimsKey, "RIGHT", "LEFT").Result()
	require.NoError(t, err)
	require.Equal(t, "o-1", id)

	// The first sweep adopts the orphan into the stall index rather than
	// requeueing it immediately.
	requeued, err := repo.RequeueStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Greater(t, client.ZScore(ctx, queueActiveKey, "o-1").Val(), float64(0))

	// Once the adopted claim passes maxAge it is requeued like any stall.
	stale := time.Now().Add(-time.Hour).UnixMilli()
	client.ZAdd(ctx, queueActiveKey, redis.Z{Score: float64(stale), Member: "o-1"})

	requeued, err = repo.RequeueStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	got, err := repo.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.ID)
}

func TestQueueRepo_DequeueSkipsExpiredPayload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewQueueRepo(client)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, testJob("e-1")))
	require.NoError(t, repo.Enqueue(ctx, testJob("e-2")))

	// Simulate the payload aging out of the retention window while the id
	// still sits on the waiting list.
	require.NoError(t, client.Del(ctx, payloadKey("e-2")).Err())

	got, err := repo.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e-1", got.ID)

	_, err = repo.Dequeue(ctx)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
}
