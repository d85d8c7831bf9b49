// Package resync reconciles the durable ledger with the ephemeral broker.
// A broker flush or outage loses pending timers but not ledger rows; the
// loop re-enqueues scheduled rows past due whose broker handle is missing.
package resync

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/tasks"
	"aurum_backend/platform/logger"
)

// grace keeps the loop from racing the worker on rows that just came due.
const grace = 30 * time.Second

const batchSize = 100

// Broker is the broker surface the loop needs.
type Broker interface {
	Exists(ctx context.Context, queue, id string) (bool, error)
	Replace(ctx context.Context, queue, id string, task *asynq.Task, processAt time.Time) error
}

type Loop struct {
	ledger   repository.LedgerReader
	broker   Broker
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
}

func New(ledger repository.LedgerReader, broker Broker, interval time.Duration, log *logger.Logger) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Loop{
		ledger:   ledger,
		broker:   broker,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := l.Sweep(ctx); err != nil {
			l.log.Warn("resync sweep failed", "error", err)
		}
	}
}

// Sweep runs one reconciliation pass. Rows whose broker handle still exists
// are left alone; orphaned rows are re-enqueued for immediate processing
// under their original slot identity. Delivered dependent slots do not show
// up here at all; the ledger query excludes stamped rows.
func (l *Loop) Sweep(ctx context.Context) error {
	due, err := l.ledger.ListDueScheduled(ctx, l.now().Add(-grace), batchSize)
	if err != nil {
		return err
	}

	for _, job := range due {
		queue, id, task, err := brokerHandle(job)
		if err != nil {
			l.log.Error("resync cannot rebuild task", "job_id", job.ID, "kind", job.Kind, "error", err)
			continue
		}

		exists, err := l.broker.Exists(ctx, queue, id)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if err := l.broker.Replace(ctx, queue, id, task, l.now()); err != nil {
			return err
		}
		l.log.Warn("re-enqueued orphaned followup job",
			"job_id", job.ID,
			"kind", job.Kind,
			"scheduled_at", job.ScheduledAt,
		)
	}
	return nil
}

// brokerHandle rebuilds the broker identity and task of a ledger row.
func brokerHandle(job repository.Job) (queue, id string, task *asynq.Task, err error) {
	switch {
	case job.Kind == repository.KindResume:
		task, err = tasks.NewResumeTask(tasks.ResumePayload{
			Conversation: job.Key,
			PausedUntil:  job.ScheduledAt,
		})
		return tasks.QueueOps, tasks.ResumeJobID(job.Key), task, err

	case job.CancelOnNewActivity:
		task, err = tasks.NewReminderTask(tasks.ReminderPayload{
			Conversation:        job.Key,
			Kind:                job.Kind,
			ScheduledAt:         job.ScheduledAt,
			CancelOnNewActivity: true,
		})
		return tasks.QueueReminders, tasks.DependentJobID(job.Key, job.Kind), task, err

	default:
		reminderID := job.ID
		task, err = tasks.NewReminderTask(tasks.ReminderPayload{
			Conversation: job.Key,
			Kind:         job.Kind,
			ReminderID:   &reminderID,
			ScheduledAt:  job.ScheduledAt,
		})
		return tasks.QueueReminders, tasks.IndependentJobID(job.Key, job.ID), task, err
	}
}
