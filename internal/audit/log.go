package audit

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aegis.org/internal/obs"
	"aegis.org/internal/stream"
)

var events atomic.Pointer[stream.Stream]

// SetStream makes LogEvent also publish every entry to s. Pass nil to stop.
func SetStream(s *stream.Stream) {
	events.Store(s)
}

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActor records the authenticated subject performing the request.
func WithActor(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, userID)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	rid := stringFromContext(ctx, requestIDKey)
	if rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	userID := stringFromContext(ctx, actorKey)
	if userID != "" {
		zf = append(zf, zap.String("user_id", userID))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))
	obs.Logger().Info("audit", zf...)

	if s := events.Load(); s != nil {
		s.Publish(stream.Event{
			Type:      event,
			RequestID: rid,
			UserID:    userID,
			Fields:    copyFields,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}
