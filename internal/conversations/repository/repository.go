package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aurum_backend/internal/conversations"
)

var ErrNotFound = errors.New("conversation not found")

type Conversation struct {
	Key                conversations.Key
	LastActivityAt     *time.Time
	LastPingAt         *time.Time
	WindowMessageCount int
	EffectiveTimezone  string
	MarketingSnapshot  map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TenantSettings carries per-tenant delivery endpoints and the timezone used
// when a lead has none of its own.
type TenantSettings struct {
	TenantID        int64
	PingURL         *string
	ReminderURL     *string
	TimezoneDefault *string
}

// ActivityParams describes one inbound message touching a conversation.
type ActivityParams struct {
	ActivityAt        time.Time
	EffectiveTimezone string
	MarketingSnapshot map[string]any
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Get(ctx context.Context, key conversations.Key) (Conversation, error) {
	conv := Conversation{Key: key}
	var snapshot []byte

	err := r.pool.QueryRow(ctx, `
		SELECT last_activity_at, last_ping_at, window_message_count, effective_timezone,
			marketing_snapshot, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain).Scan(
		&conv.LastActivityAt, &conv.LastPingAt, &conv.WindowMessageCount,
		&conv.EffectiveTimezone, &snapshot, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}

	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &conv.MarketingSnapshot); err != nil {
			return Conversation{}, err
		}
	}
	return conv, nil
}

// UpsertActivity records an inbound message. The activity timestamp only
// moves forward and the message counter only increments for messages newer
// than the recorded last activity, so redelivered or reordered webhooks
// cannot inflate the window.
func (r *Repository) UpsertActivity(ctx context.Context, key conversations.Key, params ActivityParams) (Conversation, error) {
	snapshot, err := marshalSnapshot(params.MarketingSnapshot)
	if err != nil {
		return Conversation{}, err
	}

	conv := Conversation{Key: key}
	var rawSnapshot []byte

	err = r.pool.QueryRow(ctx, `
		INSERT INTO conversations (
			tenant_id, phone, channel_instance, domain,
			last_activity_at, window_message_count, effective_timezone, marketing_snapshot
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		ON CONFLICT (tenant_id, phone, channel_instance, domain) DO UPDATE SET
			last_activity_at = GREATEST(conversations.last_activity_at, EXCLUDED.last_activity_at),
			window_message_count = CASE
				WHEN conversations.last_activity_at IS NULL
					OR EXCLUDED.last_activity_at > conversations.last_activity_at
				THEN conversations.window_message_count + 1
				ELSE conversations.window_message_count
			END,
			effective_timezone = COALESCE(NULLIF(EXCLUDED.effective_timezone, ''), conversations.effective_timezone),
			marketing_snapshot = COALESCE(EXCLUDED.marketing_snapshot, conversations.marketing_snapshot),
			updated_at = now()
		RETURNING last_activity_at, last_ping_at, window_message_count, effective_timezone,
			marketing_snapshot, created_at, updated_at
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		params.ActivityAt, params.EffectiveTimezone, snapshot,
	).Scan(
		&conv.LastActivityAt, &conv.LastPingAt, &conv.WindowMessageCount,
		&conv.EffectiveTimezone, &rawSnapshot, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	if len(rawSnapshot) > 0 {
		if err := json.Unmarshal(rawSnapshot, &conv.MarketingSnapshot); err != nil {
			return Conversation{}, err
		}
	}
	return conv, nil
}

// EnsureExists creates an empty conversation row when state is set for a
// conversation that never had an inbound message.
func (r *Repository) EnsureExists(ctx context.Context, key conversations.Key, effectiveTimezone string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (tenant_id, phone, channel_instance, domain, effective_timezone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, phone, channel_instance, domain) DO NOTHING
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain, effectiveTimezone)
	return err
}

// ResetAfterPing zeroes the message window and stamps the ping time after a
// ping was delivered.
func (r *Repository) ResetAfterPing(ctx context.Context, key conversations.Key, pingedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET window_message_count = 0, last_ping_at = $5, updated_at = now()
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain, pingedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) GetSettings(ctx context.Context, tenantID int64) (TenantSettings, error) {
	settings := TenantSettings{TenantID: tenantID}

	err := r.pool.QueryRow(ctx, `
		SELECT ping_url, reminder_url, timezone_default
		FROM tenant_settings
		WHERE tenant_id = $1
	`, tenantID).Scan(&settings.PingURL, &settings.ReminderURL, &settings.TimezoneDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return TenantSettings{}, err
	}
	return settings, nil
}

func marshalSnapshot(snapshot map[string]any) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	return json.Marshal(snapshot)
}
