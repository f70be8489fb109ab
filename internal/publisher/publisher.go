// Package publisher broadcasts job status transitions over Redis pub/sub.
package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/domain/model"
)

const (
	// channelPrefix scopes per-job channels; subscribers watching a single
	// job subscribe to channelPrefix + jobID.
	channelPrefix = "texq:status:"

	// firehoseChannel carries every event for consumers that want all jobs.
	firehoseChannel = "texq:status"

	publishTimeout = 2 * time.Second
)

// Options configures a Publisher.
type Options struct {
	Client redis.UniversalClient
	Logger *slog.Logger
}

// Publisher emits StatusEvents over Redis pub/sub. Delivery is best effort:
// publish failures are logged and swallowed so a flaky subscriber path can
// never stall job processing.
type Publisher struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ core.StatusPublisher = (*Publisher)(nil)

// New constructs a Publisher from options.
func New(opts Options) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: opts.Client, logger: logger}
}

// Publish broadcasts one event on the job's channel and the firehose. It
// never returns an error and never blocks longer than a short internal
// deadline.
func (p *Publisher) Publish(ctx context.Context, event *model.StatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal status event", "job_id", event.JobID, "error", err)
		return
	}

	// Detach from the caller's context so a canceled job still gets its
	// terminal event out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	pipe.Publish(pubCtx, channelPrefix+event.JobID, payload)
	pipe.Publish(pubCtx, firehoseChannel, payload)
	if _, err := pipe.Exec(pubCtx); err != nil {
		p.logger.WarnContext(pubCtx, "status publish failed",
			"job_id", event.JobID, "status", event.Status, "error", err)
	}
}
