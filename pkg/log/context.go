package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context.
// If no logger is found, the global logger is returned.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithTopic returns a context whose logger carries the topic and user of an overlay.
func WithTopic(ctx context.Context, topicID, userID int64) context.Context {
	l := Ctx(ctx)
	return WithLogger(ctx, l.With().Int64(FieldTopicID, topicID).Int64(FieldUserID, userID).Logger())
}
