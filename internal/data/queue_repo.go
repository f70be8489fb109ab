package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/domain/model"
	apperrors "github.com/texq/texq/internal/errors"
)

// Queue state names. Only waiting and delayed jobs are cancelable by removal;
// active jobs get a cancellation marker and are halted by the engine's polls.
const (
	QueueStateWaiting   = "waiting"
	QueueStateDelayed   = "delayed"
	QueueStateActive    = "active"
	QueueStateCompleted = "completed"
	QueueStateFailed    = "failed"
)

const (
	queueWaitingKey = "texq:queue:waiting"
	queueDelayedKey = "texq:queue:delayed"
	queueClaimsKey  = "texq:queue:claims"
	queueActiveKey  = "texq:queue:active"

	queuePayloadPrefix = "texq:queue:payload:"
	queueStatePrefix   = "texq:queue:state:"

	// terminalRetention keeps payload and state keys around after a job
	// reaches a terminal queue state so re-enqueueing the same id stays a
	// no-op instead of creating duplicate work.
	terminalRetention = 24 * time.Hour
)

// QueueRepo is a durable, idempotent work queue backed by Redis.
//
// A job id is claimed with SET NX on its payload key; the waiting list and
// delayed sorted set hold ids only. Dequeue moves an id from the waiting list
// to the claims list with a single LMOVE, so the id is always in exactly one
// recoverable structure even if the worker dies mid-claim. The active sorted
// set, scored by claim time, is bookkeeping added after the move and serves as
// the stall-detection index; RequeueStalled adopts claims that never got their
// index entry.
type QueueRepo struct {
	client redis.UniversalClient
}

// NewQueueRepo creates a QueueRepo on the given Redis client.
func NewQueueRepo(client redis.UniversalClient) *QueueRepo {
	return &QueueRepo{client: client}
}

func payloadKey(jobID string) string { return queuePayloadPrefix + jobID }
func stateKey(jobID string) string   { return queueStatePrefix + jobID }

// Enqueue durably records a job. Re-enqueueing an already-waiting or
// already-completed job id is a no-op, not an error. Broker unavailability is
// surfaced to the caller as an Unavailable error and is not retried here.
func (q *QueueRepo) Enqueue(ctx context.Context, job *model.CompileJob) error {
	if job == nil || job.ID == "" {
		return errors.New("job with id is required")
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	// SET NX is the idempotency claim: the first enqueue for an id wins,
	// every later one observes the existing key and does nothing.
	set, err := q.client.SetArgs(ctx, payloadKey(job.ID), payload, redis.SetArgs{Mode: "NX"}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "enqueue: broker unavailable")
	}
	if set != "OK" {
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, stateKey(job.ID), QueueStateWaiting, 0)
	pipe.LPush(ctx, queueWaitingKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "enqueue: broker unavailable")
	}
	return nil
}

// EnqueueDelayed records a job that becomes dequeueable at readyAt. Delayed
// jobs are promoted to the waiting list by the dequeue path.
func (q *QueueRepo) EnqueueDelayed(ctx context.Context, job *model.CompileJob, readyAt time.Time) error {
	if job == nil || job.ID == "" {
		return errors.New("job with id is required")
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	set, err := q.client.SetArgs(ctx, payloadKey(job.ID), payload, redis.SetArgs{Mode: "NX"}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "enqueue delayed: broker unavailable")
	}
	if set != "OK" {
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, stateKey(job.ID), QueueStateDelayed, 0)
	pipe.ZAdd(ctx, queueDelayedKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "enqueue delayed: broker unavailable")
	}
	return nil
}

// Dequeue atomically claims the next waiting job for this worker. Returns
// model.ErrNoJobsAvailable when the queue is empty.
func (q *QueueRepo) Dequeue(ctx context.Context) (*model.CompileJob, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	for {
		// LMOVE hands each id to exactly one claimant and parks it on the
		// claims list, where it stays until MarkTerminal. A worker crash at
		// any point after this leaves the id recoverable.
		jobID, err := q.client.LMove(ctx, queueWaitingKey, queueClaimsKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNoJobsAvailable
		}
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "dequeue: broker unavailable")
		}

		pipe := q.client.TxPipeline()
		pipe.ZAdd(ctx, queueActiveKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: jobID})
		pipe.Set(ctx, stateKey(jobID), QueueStateActive, 0)
		getCmd := pipe.Get(ctx, payloadKey(jobID))
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "dequeue: broker unavailable")
		}

		payload, err := getCmd.Bytes()
		if errors.Is(err, redis.Nil) || len(payload) == 0 {
			// Payload expired after terminal retention or was removed;
			// drop the stale id and keep looking.
			q.client.LRem(ctx, queueClaimsKey, 0, jobID)
			q.client.ZRem(ctx, queueActiveKey, jobID)
			q.client.Del(ctx, stateKey(jobID))
			continue
		}
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "dequeue: broker unavailable")
		}

		var job model.CompileJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %s payload: %w", jobID, err)
		}
		return &job, nil
	}
}

// RequestCancel removes a job that has not yet been dequeued. If it is still
// waiting or delayed it is atomically removed and reported WasQueued; an
// already-executing job is left in place and reported WasRunning. The caller
// sets a cancellation marker regardless, covering the race where a worker is
// about to claim the id. Broker errors mean "could not confirm cancellation",
// never silent success.
func (q *QueueRepo) RequestCancel(ctx context.Context, jobID string) (core.CancelResult, error) {
	var res core.CancelResult

	removed, err := q.client.LRem(ctx, queueWaitingKey, 0, jobID).Result()
	if err != nil {
		return res, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "cancel: could not confirm removal from queue")
	}
	if removed == 0 {
		removed, err = q.client.ZRem(ctx, queueDelayedKey, jobID).Result()
		if err != nil {
			return res, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "cancel: could not confirm removal from queue")
		}
	}
	res.WasQueued = removed > 0

	if !res.WasQueued {
		score, err := q.client.ZScore(ctx, queueActiveKey, jobID).Result()
		switch {
		case err == nil:
			res.WasRunning = score > 0
		case errors.Is(err, redis.Nil):
			// The stall index lags the claim itself; fall back to the
			// claims list for a job caught in that window.
			_, lerr := q.client.LPos(ctx, queueClaimsKey, jobID, redis.LPosArgs{}).Result()
			if lerr != nil && !errors.Is(lerr, redis.Nil) {
				return res, apperrors.Wrap(lerr, apperrors.ErrCodeUnavailable, "cancel: could not confirm job state")
			}
			res.WasRunning = lerr == nil
		default:
			return res, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "cancel: could not confirm job state")
		}
	}

	if res.WasQueued {
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, stateKey(jobID), QueueStateFailed, terminalRetention)
		pipe.Expire(ctx, payloadKey(jobID), terminalRetention)
		if _, err := pipe.Exec(ctx); err != nil {
			return res, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "cancel: could not confirm bookkeeping")
		}
	}

	return res, nil
}

// MarkTerminal records the queue-level outcome of an executed job and
// releases its active claim. The payload key is retained for the idempotency
// window instead of deleted.
func (q *QueueRepo) MarkTerminal(ctx context.Context, jobID string, succeeded bool) error {
	state := QueueStateCompleted
	if !succeeded {
		state = QueueStateFailed
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, queueClaimsKey, 0, jobID)
	pipe.ZRem(ctx, queueActiveKey, jobID)
	pipe.Set(ctx, stateKey(jobID), state, terminalRetention)
	pipe.Expire(ctx, payloadKey(jobID), terminalRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "mark terminal: broker unavailable")
	}
	return nil
}

// State returns the queue state for a job id, or "" when unknown.
func (q *QueueRepo) State(ctx context.Context, jobID string) (string, error) {
	state, err := q.client.Get(ctx, stateKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "queue state: broker unavailable")
	}
	return state, nil
}

// RequeueStalled moves claims older than maxAge back to the waiting list.
// A crashed worker leaves its claim on the claims list and in the stall
// index; combined with idempotent job handling this recovers the job without
// exactly-once machinery. Returns the number of requeued jobs.
func (q *QueueRepo) RequeueStalled(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, queueActiveKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "requeue stalled: broker unavailable")
	}

	requeued := 0
	for _, jobID := range ids {
		// ZRem guards the race where another instance requeues the same
		// claim: only the remover pushes.
		removed, err := q.client.ZRem(ctx, queueActiveKey, jobID).Result()
		if err != nil {
			return requeued, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "requeue stalled: broker unavailable")
		}
		if removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, queueClaimsKey, 0, jobID)
		pipe.Set(ctx, stateKey(jobID), QueueStateWaiting, 0)
		pipe.LPush(ctx, queueWaitingKey, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "requeue stalled: broker unavailable")
		}
		requeued++
	}

	if err := q.adoptOrphanedClaims(ctx); err != nil {
		return requeued, err
	}
	return requeued, nil
}

// adoptOrphanedClaims gives a stall-index entry to any claim that lacks one.
// A claims-list id with no index entry means the worker died between its
// LMOVE and its bookkeeping pipeline. ZAddNX never touches live claims, and
// the adopted entry ages like any other, so the job is requeued by a later
// sweep once it passes maxAge.
func (q *QueueRepo) adoptOrphanedClaims(ctx context.Context) error {
	ids, err := q.client.LRange(ctx, queueClaimsKey, 0, -1).Result()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "requeue stalled: broker unavailable")
	}

	now := float64(time.Now().UnixMilli())
	for _, jobID := range ids {
		if err := q.client.ZAddNX(ctx, queueActiveKey, redis.Z{Score: now, Member: jobID}).Err(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "requeue stalled: broker unavailable")
		}
	}
	return nil
}

// promoteDue moves delayed jobs whose ready time has passed onto the waiting
// list.
func (q *QueueRepo) promoteDue(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, queueDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "promote delayed: broker unavailable")
	}

	for _, jobID := range ids {
		removed, err := q.client.ZRem(ctx, queueDelayedKey, jobID).Result()
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "promote delayed: broker unavailable")
		}
		if removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, stateKey(jobID), QueueStateWaiting, 0)
		pipe.LPush(ctx, queueWaitingKey, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "promote delayed: broker unavailable")
		}
	}
	return nil
}
