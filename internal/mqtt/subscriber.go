package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Interrupter is the engine surface the command topic drives.
type Interrupter interface {
	Interrupt(ctx context.Context, conversationID string) error
}

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// commandHandler returns a [MessageHandler] that turns messages on
// <prefix>/conversations/<id>/interrupt into interrupt requests. Other
// topics are logged at debug level and ignored.
func commandHandler(prefix string, commands Interrupter, logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		id, ok := interruptTarget(prefix, topic)
		if !ok || commands == nil {
			logger.Debug("mqtt message ignored",
				"topic", topic,
				"payload_size", len(payload),
			)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := commands.Interrupt(ctx, id); err != nil {
			logger.Warn("mqtt interrupt failed", "conversation", id, "error", err)
			return
		}
		logger.Info("mqtt interrupt requested", "conversation", id)
	}
}

// interruptTarget extracts the conversation id from an interrupt
// command topic.
func interruptTarget(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/conversations/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/interrupt")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt commands dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
