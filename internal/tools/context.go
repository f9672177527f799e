package tools

import "context"

type contextKey string

const chatIDKey contextKey = "chat_id"

// WithChatID records which chat a tool call serves, for logging.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey, chatID)
}

// ChatIDFromContext returns the chat set by WithChatID, or 0.
func ChatIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(chatIDKey).(int64)
	return id
}
