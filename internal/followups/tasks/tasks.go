// Package tasks defines the broker task types, payloads and job identities
// of the follow-up engine. Job identities are derived from the conversation
// key so that rescheduling replaces the previous occupant of the same slot.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"aurum_backend/internal/conversations"
)

// Task types.
const (
	TypePing     = "followups.ping"
	TypeReminder = "followups.reminder"
	TypeResume   = "followups.resume"
)

// Queues. Pings, reminders and operational jobs are isolated so a backlog in
// one cannot starve the others.
const (
	QueuePing      = "ping10"
	QueueReminders = "reminders"
	QueueOps       = "ops"
)

// PingPayload drives the inactivity ping for one conversation.
type PingPayload struct {
	Conversation conversations.Key `json:"conversation"`
	ScheduledAt  time.Time         `json:"scheduledAt"`
	TraceID      string            `json:"traceId,omitempty"`
}

// ReminderPayload drives one reminder delivery. ReminderID is set for
// independent reminders and points at their ledger row.
type ReminderPayload struct {
	Conversation        conversations.Key `json:"conversation"`
	Kind                string            `json:"kind"`
	ReminderID          *int64            `json:"reminderId,omitempty"`
	ScheduledAt         time.Time         `json:"scheduledAt"`
	CancelOnNewActivity bool              `json:"cancelOnNewActivity"`
	TraceID             string            `json:"traceId,omitempty"`
}

// ResumePayload reopens a paused conversation once the pause deadline passes.
type ResumePayload struct {
	Conversation conversations.Key `json:"conversation"`
	PausedUntil  time.Time         `json:"pausedUntil"`
	TraceID      string            `json:"traceId,omitempty"`
}

func NewPingTask(payload PingPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePing, data), nil
}

func ParsePingPayload(task *asynq.Task) (PingPayload, error) {
	var payload PingPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PingPayload{}, err
	}
	return payload, nil
}

func NewReminderTask(payload ReminderPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReminder, data), nil
}

func ParseReminderPayload(task *asynq.Task) (ReminderPayload, error) {
	var payload ReminderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ReminderPayload{}, err
	}
	return payload, nil
}

func NewResumeTask(payload ResumePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeResume, data), nil
}

func ParseResumePayload(task *asynq.Task) (ResumePayload, error) {
	var payload ResumePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ResumePayload{}, err
	}
	return payload, nil
}

// PingJobID identifies the single pending ping per conversation.
func PingJobID(key conversations.Key) string {
	return "ping10:" + key.String()
}

// DependentJobID identifies one dependent-reminder slot per conversation.
func DependentJobID(key conversations.Key, kind string) string {
	return fmt.Sprintf("reminder:dep:%s:%s", kind, key.String())
}

// IndependentJobID identifies an independent reminder by its ledger row.
func IndependentJobID(key conversations.Key, reminderID int64) string {
	return fmt.Sprintf("reminder:ind:%s:%d", key.String(), reminderID)
}

// ResumeJobID identifies the single pending resume per conversation.
func ResumeJobID(key conversations.Key) string {
	return "ops:resume:" + key.String()
}
