package repository

import (
	"context"

	"aurum_backend/internal/conversations"
)

// LeadReader provides read access to leads and their state history.
type LeadReader interface {
	GetByKey(ctx context.Context, key conversations.Key) (Lead, error)
	LatestState(ctx context.Context, key conversations.Key) (StateEntry, error)
}

// LeadWriter updates lead status and appends to the state log.
type LeadWriter interface {
	UpsertLead(ctx context.Context, key conversations.Key, params UpsertLeadParams) (Lead, error)
	SetStatus(ctx context.Context, key conversations.Key, params SetStatusParams) (Lead, error)
	AppendState(ctx context.Context, key conversations.Key, entry StateEntry) (int64, error)
}
