package repository

import (
	"context"
	"time"

	"aurum_backend/internal/conversations"
)

// LedgerWriter records scheduled follow-up jobs and their outcomes. The
// ledger is the durable side of the dual write; the broker holds the timers.
type LedgerWriter interface {
	Insert(ctx context.Context, key conversations.Key, params InsertParams) (Job, error)
	UpsertDependent(ctx context.Context, key conversations.Key, kind string, scheduledAt time.Time) (Job, error)
	UpsertResume(ctx context.Context, key conversations.Key, scheduledAt time.Time) (Job, error)
	CancelDependents(ctx context.Context, key conversations.Key) (int64, error)
	CancelResume(ctx context.Context, key conversations.Key) error
	CompleteResume(ctx context.Context, key conversations.Key) error
	CancelByID(ctx context.Context, key conversations.Key, id int64) (bool, error)
	MarkDone(ctx context.Context, id int64) error
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// LedgerReader lists ledger rows for the API and for recovery.
type LedgerReader interface {
	GetByID(ctx context.Context, id int64) (Job, error)
	List(ctx context.Context, key conversations.Key, filter ListFilter) ([]Job, error)
	ListDueScheduled(ctx context.Context, before time.Time, limit int) ([]Job, error)
}
