package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cancelPrefix = "texq:cancel:"

// CancelRepo is the shared cancellation registry: a TTL-bearing flag store
// keyed by job id. Any worker process can observe a request, not just the one
// that enqueued the job. A marker is only ever a request to cancel, never a
// positive confirmation that work stopped.
type CancelRepo struct {
	client redis.UniversalClient
}

// NewCancelRepo creates a CancelRepo on the given Redis client.
func NewCancelRepo(client redis.UniversalClient) *CancelRepo {
	return &CancelRepo{client: client}
}

func cancelKey(jobID string) string { return cancelPrefix + jobID }

// SetCancel records a cancellation request for a job id. Setting twice is
// harmless. The TTL must exceed the maximum compile timeout so a late-polling
// engine still observes the marker; config.WorkerConfig.Sanitize enforces
// that relationship.
func (c *CancelRepo) SetCancel(ctx context.Context, jobID string, ttl time.Duration) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	// SETNX with a separate EXPIRE is not atomic; SET with NX + TTL is.
	// When the marker already exists the nil reply is fine.
	_, err := c.client.SetArgs(ctx, cancelKey(jobID), "1", redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("set cancel marker: %w", err)
	}
	return nil
}

// IsCanceled reports whether a cancellation marker exists for the job id.
// Absence after TTL expiry is indistinguishable from "never canceled", which
// is acceptable: the job is terminal by then.
func (c *CancelRepo) IsCanceled(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, errors.New("job id is required")
	}

	n, err := c.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel marker: %w", err)
	}
	return n > 0, nil
}
