// Package scheduler owns every scheduling decision of the follow-up engine.
// Ledger rows are written before broker jobs, so a crash between the two
// writes leaves a durable row the resync loop can re-enqueue, never a broker
// timer with no record.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"aurum_backend/internal/conversations"
	"aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/tasks"
	"aurum_backend/internal/timewindow"
	"aurum_backend/platform/apperr"
	"aurum_backend/platform/logger"
)

// dependentOffsets maps each cascade stage to its delay after the ping.
var dependentOffsets = map[string]int{
	repository.KindReminder1d: 1,
	repository.KindReminder3d: 3,
	repository.KindReminder7d: 7,
}

// JobBroker is the broker surface the scheduler drives.
type JobBroker interface {
	Replace(ctx context.Context, queue, id string, task *asynq.Task, processAt time.Time) error
	Remove(ctx context.Context, queue, id string) error
}

// Ledger is the durable record of scheduled follow-ups.
type Ledger interface {
	repository.LedgerWriter
	repository.LedgerReader
}

type Scheduler struct {
	ledger    Ledger
	broker    JobBroker
	window    timewindow.Window
	pingDelay time.Duration
	log       *logger.Logger
	now       func() time.Time
}

func New(ledger Ledger, broker JobBroker, window timewindow.Window, pingDelay time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		ledger:    ledger,
		broker:    broker,
		window:    window,
		pingDelay: pingDelay,
		log:       log,
		now:       time.Now,
	}
}

// SchedulePing (re)schedules the inactivity ping after an inbound message.
// The job identity is per conversation, so each message replaces the pending
// ping instead of stacking one. Pings are broker-only; they are cheap,
// frequent and always superseded by the next message, so they carry no
// ledger row.
func (s *Scheduler) SchedulePing(ctx context.Context, key conversations.Key, lastActivityAt time.Time, tz string) (time.Time, error) {
	due := s.window.Next(lastActivityAt.Add(s.pingDelay), tz)

	task, err := tasks.NewPingTask(tasks.PingPayload{
		Conversation: key,
		ScheduledAt:  due,
		TraceID:      logger.TraceID(ctx),
	})
	if err != nil {
		return time.Time{}, err
	}

	id := tasks.PingJobID(key)
	if err := s.broker.Replace(ctx, tasks.QueuePing, id, task, due); err != nil {
		return time.Time{}, err
	}

	s.log.JobEvent(tasks.QueuePing, id, "scheduled")
	return due, nil
}

func (s *Scheduler) CancelPing(ctx context.Context, key conversations.Key) error {
	return s.broker.Remove(ctx, tasks.QueuePing, tasks.PingJobID(key))
}

// ScheduleDependentReminders plants the reminder cascade after a delivered
// ping: one stage per offset, each due at base plus the offset, pushed into
// the business window. Stages are slotted, so a later ping moves each stage
// rather than duplicating it.
func (s *Scheduler) ScheduleDependentReminders(ctx context.Context, key conversations.Key, base time.Time, tz string) error {
	for _, kind := range repository.DependentKinds {
		due := s.window.Next(base.AddDate(0, 0, dependentOffsets[kind]), tz)

		if _, err := s.ledger.UpsertDependent(ctx, key, kind, due); err != nil {
			return err
		}

		task, err := tasks.NewReminderTask(tasks.ReminderPayload{
			Conversation:        key,
			Kind:                kind,
			ScheduledAt:         due,
			CancelOnNewActivity: true,
			TraceID:             logger.TraceID(ctx),
		})
		if err != nil {
			return err
		}

		id := tasks.DependentJobID(key, kind)
		if err := s.broker.Replace(ctx, tasks.QueueReminders, id, task, due); err != nil {
			return err
		}

		s.log.JobEvent(tasks.QueueReminders, id, "scheduled")
	}
	return nil
}

// CancelDependentReminders sweeps the pending cascade when the lead answers.
// Only activity-cancellable rows are touched; resume and independent
// reminders survive.
func (s *Scheduler) CancelDependentReminders(ctx context.Context, key conversations.Key) (int64, error) {
	cancelled, err := s.ledger.CancelDependents(ctx, key)
	if err != nil {
		return 0, err
	}

	for _, kind := range repository.DependentKinds {
		if err := s.broker.Remove(ctx, tasks.QueueReminders, tasks.DependentJobID(key, kind)); err != nil {
			return cancelled, err
		}
	}
	return cancelled, nil
}

// IndependentParams describes a caller-scheduled reminder. DueAt wins over
// DaysOffset; with neither, the reminder is due immediately. An empty Kind
// defaults to reminder_custom.
type IndependentParams struct {
	DueAt      *time.Time
	DaysOffset *int
	Kind       string
	Timezone   string
}

// independentKinds are the kinds callers may schedule directly.
var independentKinds = map[string]struct{}{
	repository.KindReminder1d:     {},
	repository.KindReminder3d:     {},
	repository.KindReminder7d:     {},
	repository.KindReminderCustom: {},
}

// ScheduleIndependentReminder schedules a one-off reminder that inbound
// activity never cancels. The broker identity embeds the ledger row id, so
// every independent reminder is its own slot.
func (s *Scheduler) ScheduleIndependentReminder(ctx context.Context, key conversations.Key, params IndependentParams) (repository.Job, error) {
	kind := params.Kind
	if kind == "" {
		kind = repository.KindReminderCustom
	}
	if _, ok := independentKinds[kind]; !ok {
		return repository.Job{}, apperr.Validation("unknown reminder kind").
			WithDetails(map[string]any{"kind": kind})
	}

	var due time.Time
	switch {
	case params.DueAt != nil:
		due = *params.DueAt
	case params.DaysOffset != nil:
		if *params.DaysOffset < 0 {
			return repository.Job{}, apperr.Validation("days_offset must not be negative")
		}
		due = s.now().AddDate(0, 0, *params.DaysOffset)
	default:
		due = s.now()
	}
	due = s.window.Next(due, params.Timezone)

	job, err := s.ledger.Insert(ctx, key, repository.InsertParams{
		Kind:                kind,
		ScheduledAt:         due,
		CancelOnNewActivity: false,
	})
	if err != nil {
		return repository.Job{}, err
	}

	task, err := tasks.NewReminderTask(tasks.ReminderPayload{
		Conversation:        key,
		Kind:                job.Kind,
		ReminderID:          &job.ID,
		ScheduledAt:         due,
		CancelOnNewActivity: false,
		TraceID:             logger.TraceID(ctx),
	})
	if err != nil {
		return repository.Job{}, err
	}

	id := tasks.IndependentJobID(key, job.ID)
	if err := s.broker.Replace(ctx, tasks.QueueReminders, id, task, due); err != nil {
		return repository.Job{}, err
	}

	s.log.JobEvent(tasks.QueueReminders, id, "scheduled")
	return job, nil
}

// CancelReminderByID cancels one scheduled reminder of the conversation.
// Returns false when the row is missing, already closed, or belongs to
// another conversation.
func (s *Scheduler) CancelReminderByID(ctx context.Context, key conversations.Key, id int64) (bool, error) {
	job, err := s.ledger.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cancelled, err := s.ledger.CancelByID(ctx, key, id)
	if err != nil || !cancelled {
		return false, err
	}

	if err := s.broker.Remove(ctx, tasks.QueueReminders, s.reminderJobID(key, job)); err != nil {
		return true, err
	}
	return true, nil
}

// ScheduleResume plants the automatic reopen of a paused conversation. A
// deadline landing outside business hours moves to the next working moment,
// like every other follow-up.
func (s *Scheduler) ScheduleResume(ctx context.Context, key conversations.Key, pausedUntil time.Time, tz string) error {
	due := s.window.Next(pausedUntil, tz)

	if _, err := s.ledger.UpsertResume(ctx, key, due); err != nil {
		return err
	}

	task, err := tasks.NewResumeTask(tasks.ResumePayload{
		Conversation: key,
		PausedUntil:  due,
		TraceID:      logger.TraceID(ctx),
	})
	if err != nil {
		return err
	}

	id := tasks.ResumeJobID(key)
	if err := s.broker.Replace(ctx, tasks.QueueOps, id, task, due); err != nil {
		return err
	}

	s.log.JobEvent(tasks.QueueOps, id, "scheduled")
	return nil
}

func (s *Scheduler) CancelResume(ctx context.Context, key conversations.Key) error {
	if err := s.ledger.CancelResume(ctx, key); err != nil {
		return err
	}
	return s.broker.Remove(ctx, tasks.QueueOps, tasks.ResumeJobID(key))
}

// CancelAllForConversation tears down everything pending for a conversation:
// the ping, the cascade, every independent reminder and the resume. Used
// when a lead reaches a terminal status.
func (s *Scheduler) CancelAllForConversation(ctx context.Context, key conversations.Key) error {
	if err := s.CancelPing(ctx, key); err != nil {
		return err
	}
	if _, err := s.CancelDependentReminders(ctx, key); err != nil {
		return err
	}

	pending, err := s.ledger.List(ctx, key, repository.ListFilter{
		Statuses: []string{repository.StatusScheduled},
	})
	if err != nil {
		return err
	}

	for _, job := range pending {
		if _, err := s.ledger.CancelByID(ctx, key, job.ID); err != nil {
			return err
		}
		queue, id := s.brokerHandle(key, job)
		if err := s.broker.Remove(ctx, queue, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) reminderJobID(key conversations.Key, job repository.Job) string {
	if job.CancelOnNewActivity {
		return tasks.DependentJobID(key, job.Kind)
	}
	return tasks.IndependentJobID(key, job.ID)
}

func (s *Scheduler) brokerHandle(key conversations.Key, job repository.Job) (queue, id string) {
	if job.Kind == repository.KindResume {
		return tasks.QueueOps, tasks.ResumeJobID(key)
	}
	return tasks.QueueReminders, s.reminderJobID(key, job)
}
