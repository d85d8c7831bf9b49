package repository

import (
	"context"
	"time"

	"aurum_backend/internal/conversations"
)

// ConversationReader provides read access to conversation activity state.
type ConversationReader interface {
	Get(ctx context.Context, key conversations.Key) (Conversation, error)
}

// ConversationWriter records inbound activity and ping bookkeeping.
type ConversationWriter interface {
	UpsertActivity(ctx context.Context, key conversations.Key, params ActivityParams) (Conversation, error)
	EnsureExists(ctx context.Context, key conversations.Key, effectiveTimezone string) error
	ResetAfterPing(ctx context.Context, key conversations.Key, pingedAt time.Time) error
}

// SettingsReader provides per-tenant webhook and timezone settings.
type SettingsReader interface {
	GetSettings(ctx context.Context, tenantID int64) (TenantSettings, error)
}
