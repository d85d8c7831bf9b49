package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aurum_backend/internal/conversations"
)

var ErrNotFound = errors.New("followup job not found")

// Job kinds.
const (
	KindReminder1d     = "reminder_1d"
	KindReminder3d     = "reminder_3d"
	KindReminder7d     = "reminder_7d"
	KindReminderCustom = "reminder_custom"
	KindResume         = "resume"
)

// Job statuses.
const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

// DependentKinds are the cascade stages scheduled after a delivered ping,
// in firing order.
var DependentKinds = []string{KindReminder1d, KindReminder3d, KindReminder7d}

// Job is one ledger row. CancelOnNewActivity marks rows swept by inbound
// activity; resume and independent rows keep it false and survive the sweep.
// DeliveredAt stamps a dependent slot whose webhook already went out: the
// row stays scheduled until the cancellation path closes it, but recovery
// and the fire-time re-check must never fire it again.
type Job struct {
	ID                  int64
	Key                 conversations.Key
	Kind                string
	ScheduledAt         time.Time
	Status              string
	CancelOnNewActivity bool
	DeliveredAt         *time.Time
	CorrelationID       uuid.UUID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type InsertParams struct {
	Kind                string
	ScheduledAt         time.Time
	CancelOnNewActivity bool
}

type ListFilter struct {
	Statuses []string
	Kinds    []string
	Limit    int
}

const maxListLimit = 200

const jobColumns = `id, tenant_id, phone, channel_instance, domain, kind, scheduled_at,
	status, cancel_on_new_activity, delivered_at, correlation_id, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, key conversations.Key, params InsertParams) (Job, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO followup_jobs (
			tenant_id, phone, channel_instance, domain,
			kind, scheduled_at, cancel_on_new_activity, correlation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+jobColumns,
		key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		params.Kind, params.ScheduledAt, params.CancelOnNewActivity, uuid.New(),
	)
	return scanJob(row)
}

// UpsertDependent keeps at most one scheduled row per dependent slot: a
// second ping before the slot fires moves the existing row instead of
// stacking a new one. Rescheduling re-arms the slot, clearing any delivery
// stamp. Backed by a partial unique index on scheduled activity-cancellable
// rows.
func (r *Repository) UpsertDependent(ctx context.Context, key conversations.Key, kind string, scheduledAt time.Time) (Job, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO followup_jobs (
			tenant_id, phone, channel_instance, domain,
			kind, scheduled_at, cancel_on_new_activity, correlation_id
		) VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		ON CONFLICT (tenant_id, phone, channel_instance, domain, kind)
			WHERE status = 'scheduled' AND cancel_on_new_activity
		DO UPDATE SET scheduled_at = EXCLUDED.scheduled_at, delivered_at = NULL, updated_at = now()
		RETURNING `+jobColumns,
		key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		kind, scheduledAt, uuid.New(),
	)
	return scanJob(row)
}

// UpsertResume keeps at most one scheduled resume per conversation.
func (r *Repository) UpsertResume(ctx context.Context, key conversations.Key, scheduledAt time.Time) (Job, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO followup_jobs (
			tenant_id, phone, channel_instance, domain,
			kind, scheduled_at, cancel_on_new_activity, correlation_id
		) VALUES ($1, $2, $3, $4, 'resume', $5, false, $6)
		ON CONFLICT (tenant_id, phone, channel_instance, domain)
			WHERE status = 'scheduled' AND kind = 'resume'
		DO UPDATE SET scheduled_at = EXCLUDED.scheduled_at, updated_at = now()
		RETURNING `+jobColumns,
		key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		scheduledAt, uuid.New(),
	)
	return scanJob(row)
}

// CancelDependents sweeps the scheduled dependent reminders of a
// conversation. Resume and independent rows are excluded by the
// cancel_on_new_activity flag.
func (r *Repository) CancelDependents(ctx context.Context, key conversations.Key) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE followup_jobs
		SET status = 'cancelled', updated_at = now()
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
			AND status = 'scheduled' AND cancel_on_new_activity
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) CancelResume(ctx context.Context, key conversations.Key) error {
	return r.closeResume(ctx, key, StatusCancelled)
}

func (r *Repository) CompleteResume(ctx context.Context, key conversations.Key) error {
	return r.closeResume(ctx, key, StatusDone)
}

func (r *Repository) closeResume(ctx context.Context, key conversations.Key, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE followup_jobs
		SET status = $5, updated_at = now()
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
			AND status = 'scheduled' AND kind = 'resume'
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain, status)
	return err
}

// CancelByID cancels one scheduled row of the conversation and reports
// whether a row was actually cancelled.
func (r *Repository) CancelByID(ctx context.Context, key conversations.Key, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE followup_jobs
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND phone = $3 AND channel_instance = $4 AND domain = $5
			AND status = 'scheduled'
	`, id, key.TenantID, key.Phone, key.ChannelInstance, key.Domain)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkDone(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, StatusDone)
}

// MarkDelivered stamps a dependent slot after its webhook went out. The row
// stays scheduled; the stamp keeps recovery from firing the slot twice.
func (r *Repository) MarkDelivered(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE followup_jobs
		SET delivered_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, StatusFailed)
}

func (r *Repository) setStatus(ctx context.Context, id int64, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE followup_jobs
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM followup_jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

func (r *Repository) List(ctx context.Context, key conversations.Key, filter ListFilter) ([]Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM followup_jobs
		WHERE tenant_id = $1 AND phone = $2 AND channel_instance = $3 AND domain = $4
			AND (cardinality($5::text[]) = 0 OR status = ANY($5))
			AND (cardinality($6::text[]) = 0 OR kind = ANY($6))
		ORDER BY scheduled_at DESC, id DESC
		LIMIT $7
	`, key.TenantID, key.Phone, key.ChannelInstance, key.Domain,
		emptyIfNil(filter.Statuses), emptyIfNil(filter.Kinds), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListDueScheduled returns scheduled, undelivered rows whose due time has
// passed. Used by the resync loop to find ledger rows the broker lost;
// delivered dependent slots are excluded so a fired webhook never repeats.
func (r *Repository) ListDueScheduled(ctx context.Context, before time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM followup_jobs
		WHERE status = 'scheduled' AND delivered_at IS NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	err := row.Scan(
		&job.ID, &job.Key.TenantID, &job.Key.Phone, &job.Key.ChannelInstance, &job.Key.Domain,
		&job.Kind, &job.ScheduledAt, &job.Status, &job.CancelOnNewActivity,
		&job.DeliveredAt, &job.CorrelationID, &job.CreatedAt, &job.UpdatedAt,
	)
	return job, err
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
