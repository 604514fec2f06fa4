package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrakosh/patrakosh/internal/model"
)

// Appender persists activity entries.
type Appender interface {
	Append(ctx context.Context, e model.ActivityEntry) (int64, error)
}

// Logger records user activity. Every event is written to the structured log;
// activity events are also appended to the durable activity log when an
// Appender is configured. Persistence failures are logged, never returned.
type Logger struct {
	logger zerolog.Logger
	store  Appender
	now    func() time.Time
}

// NewLogger creates an activity logger. store may be nil, in which case
// events only reach the structured log.
func NewLogger(logger zerolog.Logger, store Appender) *Logger {
	return &Logger{logger: logger, store: store, now: time.Now}
}

// Append records one activity entry.
// The durable append runs with ctx, so inside a transaction it joins that
// transaction and is discarded if the transaction rolls back.
// userID: the acting user
// action: what happened (e.g. model.ActionUpload)
// resourceType: what it happened to (e.g. model.ResourceFile)
// resourceID: id of the resource, 0 when not applicable
// details: free-form context
func (l *Logger) Append(ctx context.Context, userID int64, action, resourceType string, resourceID int64, details string) {
	event := l.logger.Info().
		Str("event_type", "activity").
		Int64("user_id", userID).
		Str("action", action).
		Str("resource_type", resourceType).
		Int64("resource_id", resourceID)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Activity")

	if l.store == nil {
		return
	}
	_, err := l.store.Append(ctx, model.ActivityEntry{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		CreatedAt:    l.now(),
	})
	if err != nil {
		l.logger.Warn().Err(err).
			Str("event_type", "activity").
			Int64("user_id", userID).
			Str("action", action).
			Msg("Failed to persist activity entry")
	}
}

// LogAuth logs a session event.
// userID: the user the session belongs to
// action: model.ActionLogin or model.ActionLogout
// result: "allowed" or "denied"
// details: additional context (e.g., error message)
func (l *Logger) LogAuth(userID int64, action, result, details string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Int64("user_id", userID).
		Str("action", action).
		Str("result", result)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogQuota logs a rejected quota reservation.
// userID: the user whose reservation was rejected
// used, quota, requested: the ledger state at rejection time, in bytes
func (l *Logger) LogQuota(userID, used, quota, requested int64) {
	l.logger.Warn().
		Str("event_type", "quota").
		Int64("user_id", userID).
		Int64("used", used).
		Int64("quota", quota).
		Int64("requested", requested).
		Msg("Quota exceeded")
}

// LogOrphan logs bytes left in physical storage without a metadata record.
// key: the physical storage key
// reason: the operation that left the bytes behind
func (l *Logger) LogOrphan(key, reason string, err error) {
	l.logger.Warn().
		Str("event_type", "orphaned_blob").
		Str("key", key).
		Str("reason", reason).
		Err(err).
		Msg("Physical bytes orphaned")
}
