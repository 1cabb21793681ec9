package types

import (
	"context"
)

// TriggerSource identifies what caused an onboarding entry point to run.
type TriggerSource string

const (
	TriggerSourceHTTP      TriggerSource = "http"
	TriggerSourceCommand   TriggerSource = "chat_command"
	TriggerSourceSlack     TriggerSource = "slack_event"
	TriggerSourceQueue     TriggerSource = "queue"
	TriggerSourceAirtable  TriggerSource = "airtable"
	TriggerSourceScheduler TriggerSource = "scheduler"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	triggerSourceKey contextKey = "trigger_source"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithTriggerSource records which surface started the current operation.
func WithTriggerSource(ctx context.Context, src TriggerSource) context.Context {
	return context.WithValue(ctx, triggerSourceKey, src)
}

// GetTriggerSource returns the trigger source, or TriggerSourceScheduler when
// none was recorded (timer callbacks carry no request context).
func GetTriggerSource(ctx context.Context) TriggerSource {
	if src, ok := ctx.Value(triggerSourceKey).(TriggerSource); ok && src != "" {
		return src
	}
	return TriggerSourceScheduler
}
