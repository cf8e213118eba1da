package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for message lifecycle events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext contains all context about a message for logging
type MessageContext struct {
	QueueID     string
	From        string
	To          []string
	Domain      string
	Size        int64
	CreatedAt   time.Time
	EventTime   time.Time
	Host        string
	RetryCount  int
	NextRetry   time.Time
	Reason      string
	DSNAction   string
	DSNQueueID  string
	IsDSN       bool
	PolicyMatch string
}

func (ctx MessageContext) base(eventType string) []any {
	total := time.Duration(0)
	if !ctx.CreatedAt.IsZero() && !ctx.EventTime.IsZero() {
		total = ctx.EventTime.Sub(ctx.CreatedAt)
	}
	return []any{
		"event_type", eventType,
		"queue_id", ctx.QueueID,
		"from", ctx.From,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"domain", ctx.Domain,
		"size", ctx.Size,
		"total_delay_ms", total.Milliseconds(),
	}
}

// LogQueued logs when a message is accepted into the queue
func (ml *MessageLogger) LogQueued(ctx MessageContext) {
	fields := ctx.base("queued")
	fields = append(fields,
		"is_dsn", ctx.IsDSN,
		"created_at", ctx.CreatedAt.Format(time.RFC3339),
		"status", "queued",
	)
	ml.logger.Info("message_queued", fields...)
}

// LogDelivery logs successful delivery to some recipients of a domain
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	fields := ctx.base("delivery")
	fields = append(fields,
		"retry_count", ctx.RetryCount,
		"delivery_time", ctx.EventTime.Format(time.RFC3339),
		"status", "delivered",
	)
	if ctx.Host != "" {
		fields = append(fields, "delivery_host", ctx.Host)
	}
	ml.logger.Info("message_delivery", fields...)
}

// LogDeferral logs when recipients are deferred for retry
func (ml *MessageLogger) LogDeferral(ctx MessageContext) {
	nextRetryDelay := time.Duration(0)
	if !ctx.NextRetry.IsZero() && !ctx.EventTime.IsZero() {
		nextRetryDelay = ctx.NextRetry.Sub(ctx.EventTime)
	}

	fields := ctx.base("deferral")
	fields = append(fields,
		"retry_count", ctx.RetryCount,
		"deferral_time", ctx.EventTime.Format(time.RFC3339),
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
		"next_retry_in_seconds", int(nextRetryDelay.Seconds()),
		"deferral_reason", ctx.Reason,
		"status", "deferred",
	)
	ml.logger.Warn("message_deferral", fields...)
}

// LogBounce logs when recipients permanently fail
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	fields := ctx.base("bounce")
	fields = append(fields,
		"retry_count", ctx.RetryCount,
		"bounce_time", ctx.EventTime.Format(time.RFC3339),
		"bounce_reason", ctx.Reason,
		"status", "bounced",
	)
	ml.logger.Error("message_bounce", fields...)
}

// LogExpired logs recipients failed because the domain's expiry passed
func (ml *MessageLogger) LogExpired(ctx MessageContext) {
	fields := ctx.base("expired")
	fields = append(fields,
		"retry_count", ctx.RetryCount,
		"expiry_time", ctx.EventTime.Format(time.RFC3339),
		"last_error", ctx.Reason,
		"status", "expired",
	)
	ml.logger.Error("message_expired", fields...)
}

// LogDSN logs a generated delivery status notification
func (ml *MessageLogger) LogDSN(ctx MessageContext) {
	fields := ctx.base("dsn")
	fields = append(fields,
		"dsn_action", ctx.DSNAction,
		"dsn_queue_id", ctx.DSNQueueID,
		"status", "dsn_generated",
	)
	ml.logger.Info("dsn_generated", fields...)
}

// LogRetired logs when every domain of a message reached a terminal state
func (ml *MessageLogger) LogRetired(ctx MessageContext) {
	fields := ctx.base("retired")
	fields = append(fields, "status", "retired")
	ml.logger.Info("message_retired", fields...)
}
