package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/auth"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if caller, ok := auth.IdentityFromContext(ctx); ok {
		entry = entry.Str("caller_id", caller)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	entry.Interface("fields", fields).Send()
	return nil
}

// Sink writes committed governance events to the audit log.
type Sink struct{}

var _ governance.EventSink = Sink{}

func (Sink) Publish(ctx context.Context, evt governance.Event) {
	fields := map[string]any{"event_id": evt.ID, "at": evt.Timestamp}
	if evt.ActionID != "" {
		fields["action_id"] = evt.ActionID
	}
	if evt.ActionType != "" {
		fields["action_type"] = string(evt.ActionType)
	}
	if evt.ActorID != "" {
		fields["actor_id"] = evt.ActorID
	}
	if evt.IdentityID != "" {
		fields["identity_id"] = evt.IdentityID
	}
	if evt.Amount != 0 {
		fields["amount"] = evt.Amount
	}
	if evt.Asset != "" {
		fields["asset"] = string(evt.Asset)
	}
	if evt.Count != 0 {
		fields["count"] = evt.Count
	}
	_ = LogEvent(ctx, "governance."+string(evt.Type), fields)
}
