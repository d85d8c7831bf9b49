// Package worker runs the broker consumers that execute due follow-up jobs:
// inactivity pings, reminder deliveries and pause resumes. Every handler
// re-validates live state at fire time; a stale job is a safe no-op.
package worker

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"aurum_backend/internal/conversations"
	convrepo "aurum_backend/internal/conversations/repository"
	"aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/tasks"
	"aurum_backend/internal/leadstate"
	leadrepo "aurum_backend/internal/leadstate/repository"
	"aurum_backend/internal/outbound"
	"aurum_backend/platform/logger"
	"aurum_backend/platform/metrics"
)

var reminderKindPattern = regexp.MustCompile(`^reminder_(\d+)d$`)

// ConversationStore is the conversation access executors need.
type ConversationStore interface {
	Get(ctx context.Context, key conversations.Key) (convrepo.Conversation, error)
	ResetAfterPing(ctx context.Context, key conversations.Key, pingedAt time.Time) error
}

// SettingsStore resolves per-tenant delivery endpoints.
type SettingsStore interface {
	GetSettings(ctx context.Context, tenantID int64) (convrepo.TenantSettings, error)
}

// LeadStore is the lead access executors need.
type LeadStore interface {
	GetByKey(ctx context.Context, key conversations.Key) (leadrepo.Lead, error)
	SetStatus(ctx context.Context, key conversations.Key, params leadrepo.SetStatusParams) (leadrepo.Lead, error)
	AppendState(ctx context.Context, key conversations.Key, entry leadrepo.StateEntry) (int64, error)
	LatestState(ctx context.Context, key conversations.Key) (leadrepo.StateEntry, error)
}

// Ledger is the followup-ledger access executors need.
type Ledger interface {
	GetByID(ctx context.Context, id int64) (repository.Job, error)
	List(ctx context.Context, key conversations.Key, filter repository.ListFilter) ([]repository.Job, error)
	MarkDone(ctx context.Context, id int64) error
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	CompleteResume(ctx context.Context, key conversations.Key) error
}

// Cascade is the scheduler surface the ping executor drives.
type Cascade interface {
	ScheduleDependentReminders(ctx context.Context, key conversations.Key, base time.Time, tz string) error
}

type Executors struct {
	convs      ConversationStore
	settings   SettingsStore
	leads      LeadStore
	ledger     Ledger
	cascade    Cascade
	dispatcher outbound.Dispatcher
	pingDelay  time.Duration
	defaultTZ  string
	log        *logger.Logger
	now        func() time.Time
}

func NewExecutors(
	convs ConversationStore,
	settings SettingsStore,
	leads LeadStore,
	ledger Ledger,
	cascade Cascade,
	dispatcher outbound.Dispatcher,
	pingDelay time.Duration,
	defaultTZ string,
	log *logger.Logger,
) *Executors {
	return &Executors{
		convs:      convs,
		settings:   settings,
		leads:      leads,
		ledger:     ledger,
		cascade:    cascade,
		dispatcher: dispatcher,
		pingDelay:  pingDelay,
		defaultTZ:  defaultTZ,
		log:        log,
		now:        time.Now,
	}
}

// HandlePing executes a due inactivity ping. New activity since scheduling
// suppresses the fire entirely; a delivered ping resets the message window
// and, for contactable leads only, plants the dependent reminder cascade.
func (e *Executors) HandlePing(ctx context.Context, task *asynq.Task) error {
	payload, err := tasks.ParsePingPayload(task)
	if err != nil {
		return err
	}
	key := payload.Conversation
	ctx = logger.WithTraceID(ctx, payload.TraceID)
	now := e.now()

	conv, err := e.convs.Get(ctx, key)
	if errors.Is(err, convrepo.ErrNotFound) {
		e.log.Warn("ping fired for unknown conversation", "conversation", key.String())
		metrics.JobProcessed(tasks.QueuePing, "skipped")
		return nil
	}
	if err != nil {
		return err
	}

	// No recorded activity means nothing to follow up on; fresh activity
	// means the lead already answered.
	if conv.LastActivityAt == nil || now.Sub(*conv.LastActivityAt) < e.pingDelay {
		e.log.Info("ping suppressed, no stale activity",
			"conversation", key.String(),
			"last_activity_at", conv.LastActivityAt,
		)
		metrics.JobProcessed(tasks.QueuePing, "skipped")
		return nil
	}

	lead, err := e.loadLead(ctx, key)
	if err != nil {
		return err
	}

	settings, err := e.settings.GetSettings(ctx, key.TenantID)
	if err != nil {
		return err
	}
	if settings.PingURL == nil || *settings.PingURL == "" {
		e.log.Warn("no ping url configured for tenant", "tenant_id", key.TenantID)
		metrics.JobProcessed(tasks.QueuePing, "skipped")
		return nil
	}

	body := outbound.PingPayload{
		Version:        outbound.PayloadVersion,
		Conversation:   conversationInfo(key),
		Lead:           leadSnapshot(lead),
		MidasStatus:    statusSnapshot(lead),
		AurumState:     e.stateSnapshot(ctx, key),
		Summary:        conv.WindowMessageCount >= 3,
		LastActivityAt: conv.LastActivityAt,
		WindowMsgCount: conv.WindowMessageCount,
		TraceID:        payload.TraceID,
	}

	if err := e.dispatcher.SendPing(ctx, *settings.PingURL, body); err != nil {
		metrics.PingSent("error")
		metrics.JobProcessed(tasks.QueuePing, "error")
		e.log.Error("ping delivery failed", "conversation", key.String(), "error", err)
		return err
	}
	metrics.PingSent("ok")

	if err := e.convs.ResetAfterPing(ctx, key, now); err != nil {
		return err
	}

	if lead.OperationalStatus != leadstate.StatusContactable {
		e.log.Info("cascade skipped, lead not contactable",
			"conversation", key.String(),
			"operational", lead.OperationalStatus,
		)
		metrics.JobProcessed(tasks.QueuePing, "success")
		return nil
	}

	tz := e.timezone(lead)
	if err := e.cascade.ScheduleDependentReminders(ctx, key, now, tz); err != nil {
		return err
	}

	status := leadstate.StatusReminderScheduled
	if _, err := e.leads.AppendState(ctx, key, leadrepo.StateEntry{
		OperationalStatus: &status,
		Source:            "ping10",
	}); err != nil {
		return err
	}

	metrics.JobProcessed(tasks.QueuePing, "success")
	return nil
}

// HandleReminder delivers a due reminder. Fire-time re-validation against
// the ledger suppresses reminders cancelled or already delivered after
// enqueue; independent reminders are marked done on delivery, dependent
// slots get a delivery stamp instead.
func (e *Executors) HandleReminder(ctx context.Context, task *asynq.Task) error {
	payload, err := tasks.ParseReminderPayload(task)
	if err != nil {
		return err
	}
	key := payload.Conversation
	ctx = logger.WithTraceID(ctx, payload.TraceID)

	slot, days := parseReminderKind(payload.Kind)
	reminderType := classifyReminder(payload)

	slotRow, live, err := e.liveReminder(ctx, key, payload)
	if err != nil {
		return err
	}
	if !live {
		e.log.Info("reminder superseded, slot cancelled or already delivered",
			"conversation", key.String(),
			"kind", payload.Kind,
		)
		metrics.JobProcessed(tasks.QueueReminders, "skipped")
		return nil
	}

	lead, err := e.loadLead(ctx, key)
	if err != nil {
		return err
	}

	settings, err := e.settings.GetSettings(ctx, key.TenantID)
	if err != nil {
		return err
	}
	if settings.ReminderURL == nil || *settings.ReminderURL == "" {
		e.log.Warn("no reminder url configured for tenant", "tenant_id", key.TenantID)
		metrics.JobProcessed(tasks.QueueReminders, "skipped")
		return nil
	}

	body := outbound.ReminderPayload{
		Version:             outbound.PayloadVersion,
		Conversation:        conversationInfo(key),
		Lead:                leadSnapshot(lead),
		MidasStatus:         statusSnapshot(lead),
		AurumState:          e.stateSnapshot(ctx, key),
		Kind:                payload.Kind,
		Slot:                slot,
		Days:                days,
		Type:                reminderType,
		CancelOnNewActivity: payload.CancelOnNewActivity,
		ReminderID:          payload.ReminderID,
		ScheduledAt:         payload.ScheduledAt,
		TraceID:             payload.TraceID,
	}

	if err := e.dispatcher.SendReminder(ctx, *settings.ReminderURL, body); err != nil {
		metrics.ReminderFailed(payload.Kind, slotLabel(slot), reminderType)
		metrics.JobProcessed(tasks.QueueReminders, "error")
		e.log.Error("reminder delivery failed",
			"conversation", key.String(),
			"kind", payload.Kind,
			"error", err,
		)
		e.failOnLastAttempt(ctx, payload.ReminderID)
		return err
	}

	metrics.ReminderSent("ok", payload.Kind, slotLabel(slot), reminderType)

	switch {
	case payload.ReminderID != nil:
		if err := e.ledger.MarkDone(ctx, *payload.ReminderID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	case slotRow != nil:
		if err := e.ledger.MarkDelivered(ctx, slotRow.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}

	metrics.JobProcessed(tasks.QueueReminders, "success")
	return nil
}

// HandleResume reopens a paused conversation. A lead that left the paused
// state in the meantime makes the fire a no-op.
func (e *Executors) HandleResume(ctx context.Context, task *asynq.Task) error {
	payload, err := tasks.ParseResumePayload(task)
	if err != nil {
		return err
	}
	key := payload.Conversation
	ctx = logger.WithTraceID(ctx, payload.TraceID)

	lead, err := e.leads.GetByKey(ctx, key)
	if errors.Is(err, leadrepo.ErrNotFound) {
		metrics.JobProcessed(tasks.QueueOps, "skipped")
		return nil
	}
	if err != nil {
		return err
	}

	if lead.OperationalStatus != leadstate.StatusPaused {
		e.log.Info("resume skipped, lead no longer paused",
			"conversation", key.String(),
			"operational", lead.OperationalStatus,
		)
		metrics.JobProcessed(tasks.QueueOps, "skipped")
		return nil
	}

	status := leadstate.StatusContactable
	if _, err := e.leads.SetStatus(ctx, key, leadrepo.SetStatusParams{
		OperationalStatus: &status,
	}); err != nil {
		return err
	}
	if _, err := e.leads.AppendState(ctx, key, leadrepo.StateEntry{
		OperationalStatus: &status,
		Source:            "resume",
	}); err != nil {
		return err
	}
	if err := e.ledger.CompleteResume(ctx, key); err != nil {
		return err
	}

	e.log.Info("conversation resumed", "conversation", key.String())
	metrics.JobProcessed(tasks.QueueOps, "success")
	return nil
}

// liveReminder re-checks the ledger at fire time. Independent reminders are
// checked by row id; dependent ones by their slot, which also returns the
// backing row so delivery can stamp it. A stamped slot already fired and
// must not fire again, even though its status is still scheduled.
func (e *Executors) liveReminder(ctx context.Context, key conversations.Key, payload tasks.ReminderPayload) (*repository.Job, bool, error) {
	if payload.ReminderID != nil {
		job, err := e.ledger.GetByID(ctx, *payload.ReminderID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return &job, job.Status == repository.StatusScheduled, nil
	}

	if payload.CancelOnNewActivity {
		jobs, err := e.ledger.List(ctx, key, repository.ListFilter{
			Statuses: []string{repository.StatusScheduled},
			Kinds:    []string{payload.Kind},
		})
		if err != nil {
			return nil, false, err
		}
		if len(jobs) == 0 {
			return nil, false, nil
		}
		job := jobs[0]
		return &job, job.DeliveredAt == nil, nil
	}

	return nil, true, nil
}

// failOnLastAttempt flips the ledger row to failed when the broker has no
// retries left for this task.
func (e *Executors) failOnLastAttempt(ctx context.Context, reminderID *int64) {
	if reminderID == nil {
		return
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry {
		return
	}
	if err := e.ledger.MarkFailed(ctx, *reminderID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		e.log.Error("marking reminder failed", "reminder_id", *reminderID, "error", err)
	}
}

func (e *Executors) loadLead(ctx context.Context, key conversations.Key) (leadrepo.Lead, error) {
	lead, err := e.leads.GetByKey(ctx, key)
	if errors.Is(err, leadrepo.ErrNotFound) {
		return leadrepo.Lead{Key: key, OperationalStatus: leadstate.StatusContactable}, nil
	}
	return lead, err
}

func (e *Executors) stateSnapshot(ctx context.Context, key conversations.Key) *outbound.StateSnapshot {
	entry, err := e.leads.LatestState(ctx, key)
	if err != nil {
		return nil
	}
	return &outbound.StateSnapshot{
		OperationalStatus: entry.OperationalStatus,
		BusinessStatus:    entry.BusinessStatus,
		ReasonCode:        entry.ReasonCode,
		PausedUntil:       entry.PausedUntil,
		EffectiveAt:       entry.EffectiveAt,
		Source:            entry.Source,
	}
}

func (e *Executors) timezone(lead leadrepo.Lead) string {
	if lead.Timezone != nil && *lead.Timezone != "" {
		return *lead.Timezone
	}
	return e.defaultTZ
}

func conversationInfo(key conversations.Key) outbound.ConversationInfo {
	return outbound.ConversationInfo{
		TenantID:        key.TenantID,
		Phone:           key.Phone,
		ChannelInstance: key.ChannelInstance,
		Domain:          key.Domain,
	}
}

func leadSnapshot(lead leadrepo.Lead) outbound.LeadSnapshot {
	return outbound.LeadSnapshot{
		FirstName: lead.FirstName,
		LastName:  lead.LastName,
		Timezone:  lead.Timezone,
		Payload:   lead.Payload,
	}
}

func statusSnapshot(lead leadrepo.Lead) outbound.StatusSnapshot {
	return outbound.StatusSnapshot{
		Operational: lead.OperationalStatus,
		Business:    lead.BusinessStatus,
	}
}

// parseReminderKind derives slot and days from the reminder_<N>d pattern.
// Kinds outside the pattern carry neither.
func parseReminderKind(kind string) (slot, days *int) {
	match := reminderKindPattern.FindStringSubmatch(kind)
	if match == nil {
		return nil, nil
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return nil, nil
	}
	return &n, &n
}

func classifyReminder(payload tasks.ReminderPayload) string {
	switch {
	case payload.ReminderID != nil:
		return "independent"
	case reminderKindPattern.MatchString(payload.Kind):
		return "dependent"
	default:
		return "unknown"
	}
}

func slotLabel(slot *int) string {
	if slot == nil {
		return "none"
	}
	return strconv.Itoa(*slot)
}
