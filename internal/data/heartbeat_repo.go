package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatPrefix = "texq:heartbeat:"

// heartbeatRetention keeps the record readable well past any sane staleness
// threshold while still letting dead instances age out of Redis.
const heartbeatRetention = 24 * time.Hour

// HeartbeatRepo stores periodic liveness timestamps for worker instances.
// Each running worker overwrites its record on a fixed interval; staleness is
// a comparison of the stored timestamp against the caller's max age.
type HeartbeatRepo struct {
	client redis.UniversalClient
}

// NewHeartbeatRepo creates a HeartbeatRepo on the given Redis client.
func NewHeartbeatRepo(client redis.UniversalClient) *HeartbeatRepo {
	return &HeartbeatRepo{client: client}
}

func heartbeatKey(instanceID string) string { return heartbeatPrefix + instanceID }

// Publish overwrites the heartbeat record for an instance with the current
// unix-millisecond timestamp.
func (h *HeartbeatRepo) Publish(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return errors.New("instance id is required")
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := h.client.Set(ctx, heartbeatKey(instanceID), now, heartbeatRetention).Err(); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// Latest returns the last heartbeat time for an instance. The zero time with
// a nil error means no heartbeat record exists ("no worker running").
func (h *HeartbeatRepo) Latest(ctx context.Context, instanceID string) (time.Time, error) {
	if instanceID == "" {
		return time.Time{}, errors.New("instance id is required")
	}

	raw, err := h.client.Get(ctx, heartbeatKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read heartbeat: %w", err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}
