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

var ErrNotFound = errors.New("lead not found")

type Lead struct {
	ID                int64
	Key               conversations.Key
	FirstName         *string
	LastName          *string
	Timezone          *string
	Payload           map[string]any
	OperationalStatus string
	BusinessStatus    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StateEntry is one row of the append-only state log. History is never
// rewritten; the current state is the newest row.
type StateEntry struct {
	ID                int64
	OperationalStatus *string
	BusinessStatus    *string
	ReasonCode        *string
	Note              *string
	PausedUntil       *time.Time
	EffectiveAt       time.Time
	Source            string
}

type UpsertLeadParams struct {
	FirstName *string
	LastName  *string
	Timezone  *string
	Payload   map[string]any
}

type SetStatusParams struct {
	OperationalStatus *string
	BusinessStatus    *string
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetByKey(ctx context.Context, key conversations.Key) (Lead, error) {
	lead := Lead{Key: key}
	var payload []byte

	err := r.pool.QueryRow(ctx, `
		SELECT lead_id, first_name, last_name, timezone, payload,
			operational_status, business_status, created_at, updated_at
		FROM leads
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain).Scan(
		&lead.ID, &lead.FirstName, &lead.LastName, &lead.Timezone, &payload,
		&lead.OperationalStatus, &lead.BusinessStatus, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		return Lead{}, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &lead.Payload); err != nil {
			return Lead{}, err
		}
	}
	return lead, nil
}

// UpsertLead creates the lead on first contact and refreshes profile fields
// afterwards. Statuses are never touched here; SetStatus owns them.
func (r *Repository) UpsertLead(ctx context.Context, key conversations.Key, params UpsertLeadParams) (Lead, error) {
	var payload []byte
	if params.Payload != nil {
		var err error
		payload, err = json.Marshal(params.Payload)
		if err != nil {
			return Lead{}, err
		}
	}

	lead := Lead{Key: key}
	var rawPayload []byte

	err := r.pool.QueryRow(ctx, `
		INSERT INTO leads (tenant_id, phone, channel_instance, domain, first_name, last_name, timezone, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, phone, channel_instance, domain) DO UPDATE SET
			first_name = COALESCE(EXCLUDED.first_name, leads.first_name),
			last_name  = COALESCE(EXCLUDED.last_name, leads.last_name),
			timezone   = COALESCE(EXCLUDED.timezone, leads.timezone),
			payload    = COALESCE(EXCLUDED.payload, leads.payload),
			updated_at = now()
		RETURNING lead_id, first_name, last_name, timezone, payload,
			operational_status, business_status, created_at, updated_at
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		params.FirstName, params.LastName, params.Timezone, payload,
	).Scan(
		&lead.ID, &lead.FirstName, &lead.LastName, &lead.Timezone, &rawPayload,
		&lead.OperationalStatus, &lead.BusinessStatus, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if err != nil {
		return Lead{}, err
	}

	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &lead.Payload); err != nil {
			return Lead{}, err
		}
	}
	return lead, nil
}

func (r *Repository) SetStatus(ctx context.Context, key conversations.Key, params SetStatusParams) (Lead, error) {
	lead := Lead{Key: key}
	var payload []byte

	err := r.pool.QueryRow(ctx, `
		UPDATE leads SET
			operational_status = COALESCE($5, operational_status),
			business_status    = COALESCE($6, business_status),
			updated_at = now()
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
		RETURNING lead_id, first_name, last_name, timezone, payload,
			operational_status, business_status, created_at, updated_at
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		params.OperationalStatus, params.BusinessStatus,
	).Scan(
		&lead.ID, &lead.FirstName, &lead.LastName, &lead.Timezone, &payload,
		&lead.OperationalStatus, &lead.BusinessStatus, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		return Lead{}, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &lead.Payload); err != nil {
			return Lead{}, err
		}
	}
	return lead, nil
}

func (r *Repository) AppendState(ctx context.Context, key conversations.Key, entry StateEntry) (int64, error) {
	effectiveAt := entry.EffectiveAt
	if effectiveAt.IsZero() {
		effectiveAt = time.Now().UTC()
	}

	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO lead_state_log (
			tenant_id, phone, channel_instance, domain,
			operational_status, business_status, reason_code, note, paused_until, effective_at, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		entry.OperationalStatus, entry.BusinessStatus, entry.ReasonCode,
		entry.Note, entry.PausedUntil, effectiveAt, entry.Source,
	).Scan(&id)
	return id, err
}

func (r *Repository) LatestState(ctx context.Context, key conversations.Key) (StateEntry, error) {
	var entry StateEntry

	err := r.pool.QueryRow(ctx, `
		SELECT id, operational_status, business_status, reason_code, note, paused_until, effective_at, source
		FROM lead_state_log
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
		ORDER BY effective_at DESC, id DESC
		LIMIT 1
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain).Scan(
		&entry.ID, &entry.OperationalStatus, &entry.BusinessStatus, &entry.ReasonCode,
		&entry.Note, &entry.PausedUntil, &entry.EffectiveAt, &entry.Source,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return StateEntry{}, ErrNotFound
	}
	if err != nil {
		return StateEntry{}, err
	}
	return entry, nil
}
