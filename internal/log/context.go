package log

import (
	"context"

	"github.com/rs/zerolog"
)

type fieldSession struct{}
type fieldQueueID struct{}

// WithSession tags all context log events with the transaction session id.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, fieldSession{}, session)
}

// WithQueueID tags all context log events with the MTA queue id.
func WithQueueID(ctx context.Context, queueID string) context.Context {
	if queueID == "" {
		return ctx
	}
	return context.WithValue(ctx, fieldQueueID{}, queueID)
}

func appendContextFields(ctx context.Context, event *zerolog.Event) *zerolog.Event {
	if ctx == nil {
		return event
	}

	if session, ok := ctx.Value(fieldSession{}).(string); ok {
		event.Str("session", session)
	}

	if queueID, ok := ctx.Value(fieldQueueID{}).(string); ok {
		event.Str("queue_id", queueID)
	}

	return event
}
