package taskqueue

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Stats receives drop counts from consumers. Satisfied by the observability
// metrics type; nil-safe via the check in processMessage.
type Stats interface {
	IncMalformed(topic string)
	IncRetriesExhausted(topic string)
}

// ConsumerOptions configures the shared per-message processing behavior.
type ConsumerOptions struct {
	Logger *zap.Logger
	Retry  RetryPolicy
	Stats  Stats
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// processMessage runs the handler with the retry policy applied and decides
// whether the message's offset may be committed. Only context cancellation
// leaves a message uncommitted; every other outcome (success, malformed,
// terminal error, retries exhausted) commits so the partition keeps moving.
func processMessage(ctx context.Context, opts ConsumerOptions, handler Handler, msg Message) (commit bool) {
	err := opts.Retry.Do(ctx, func() error {
		return handler(ctx, msg)
	})
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	log := opts.Logger.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)
	switch {
	case errors.Is(err, ErrMalformed):
		log.Warn("dropping malformed message", zap.Error(err))
		if opts.Stats != nil {
			opts.Stats.IncMalformed(msg.Topic)
		}
	case IsRetryable(err):
		log.Error("dropping message after exhausting retries", zap.Error(err))
		if opts.Stats != nil {
			opts.Stats.IncRetriesExhausted(msg.Topic)
		}
	default:
		log.Error("dropping message after terminal handler error", zap.Error(err))
	}
	return true
}
