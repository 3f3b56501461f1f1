package hook

import "context"

type contextKey string

const (
	subscriptionIDKey contextKey = "subscription_id"
	requestIDKey      contextKey = "request_id"
	callTypeKey       contextKey = "call_type"
)

func GetSubscriptionID(ctx context.Context) string {
	if id, ok := ctx.Value(subscriptionIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func GetCallType(ctx context.Context) CallType {
	if ct, ok := ctx.Value(callTypeKey).(CallType); ok {
		return ct
	}
	return ""
}

func WithSubscriptionID(ctx context.Context, subscriptionID string) context.Context {
	return context.WithValue(ctx, subscriptionIDKey, subscriptionID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithCallType(ctx context.Context, callType CallType) context.Context {
	return context.WithValue(ctx, callTypeKey, callType)
}
