// Package webhooks ingests inbound channel messages: dedup first, then
// activity upsert, cascade sweep and ping reschedule.
package webhooks

import (
	"context"
	"strconv"
	"time"

	"aurum_backend/internal/conversations"
	convrepo "aurum_backend/internal/conversations/repository"
	leadrepo "aurum_backend/internal/leadstate/repository"
	"aurum_backend/platform/logger"
	"aurum_backend/platform/metrics"
)

// DedupStore answers first-occurrence checks for inbound message ids.
type DedupStore interface {
	FirstOccurrence(ctx context.Context, id string, ttl time.Duration) bool
}

// ConversationStore records inbound activity.
type ConversationStore interface {
	UpsertActivity(ctx context.Context, key conversations.Key, params convrepo.ActivityParams) (convrepo.Conversation, error)
}

// LeadStore refreshes the lead profile from message metadata.
type LeadStore interface {
	UpsertLead(ctx context.Context, key conversations.Key, params leadrepo.UpsertLeadParams) (leadrepo.Lead, error)
}

// Followups is the scheduler surface ingestion drives: sweep the pending
// cascade, then re-arm the inactivity ping.
type Followups interface {
	CancelDependentReminders(ctx context.Context, key conversations.Key) (int64, error)
	SchedulePing(ctx context.Context, key conversations.Key, lastActivityAt time.Time, tz string) (time.Time, error)
}

type Service struct {
	dedup           DedupStore
	convs           ConversationStore
	leads           LeadStore
	followups       Followups
	dedupTTL        time.Duration
	defaultTimezone string
	log             *logger.Logger
	now             func() time.Time
}

func NewService(
	dedup DedupStore,
	convs ConversationStore,
	leads LeadStore,
	followups Followups,
	dedupTTL time.Duration,
	defaultTimezone string,
	log *logger.Logger,
) *Service {
	return &Service{
		dedup:           dedup,
		convs:           convs,
		leads:           leads,
		followups:       followups,
		dedupTTL:        dedupTTL,
		defaultTimezone: defaultTimezone,
		log:             log,
		now:             time.Now,
	}
}

// IngestParams is one inbound message after transport validation.
type IngestParams struct {
	MsgID     string
	Timestamp string
	FirstName *string
	LastName  *string
	Timezone  *string
	Payload   map[string]any
	Marketing map[string]any
}

// IngestResult reports what ingestion did.
type IngestResult struct {
	Deduped            bool
	CancelledReminders int64
	PingDueAt          *time.Time
}

// IngestMessage processes one inbound message. The dedup check runs before
// any state mutation; a duplicate leaves everything untouched.
func (s *Service) IngestMessage(ctx context.Context, key conversations.Key, params IngestParams) (IngestResult, error) {
	if params.MsgID != "" {
		if !s.dedup.FirstOccurrence(ctx, key.DedupID(params.MsgID), s.dedupTTL) {
			metrics.MessageIngested("deduped")
			s.log.Info("duplicate message ignored",
				"conversation", key.String(),
				"msg_id", params.MsgID,
			)
			return IngestResult{Deduped: true}, nil
		}
	}

	activityAt := s.parseTimestamp(params.Timestamp)

	lead, err := s.leads.UpsertLead(ctx, key, leadrepo.UpsertLeadParams{
		FirstName: params.FirstName,
		LastName:  params.LastName,
		Timezone:  params.Timezone,
		Payload:   params.Payload,
	})
	if err != nil {
		return IngestResult{}, err
	}

	tz := s.defaultTimezone
	if lead.Timezone != nil && *lead.Timezone != "" {
		tz = *lead.Timezone
	}

	conv, err := s.convs.UpsertActivity(ctx, key, convrepo.ActivityParams{
		ActivityAt:        activityAt,
		EffectiveTimezone: tz,
		MarketingSnapshot: params.Marketing,
	})
	if err != nil {
		return IngestResult{}, err
	}

	cancelled, err := s.followups.CancelDependentReminders(ctx, key)
	if err != nil {
		return IngestResult{}, err
	}

	lastActivity := activityAt
	if conv.LastActivityAt != nil {
		lastActivity = *conv.LastActivityAt
	}
	due, err := s.followups.SchedulePing(ctx, key, lastActivity, tz)
	if err != nil {
		return IngestResult{}, err
	}

	metrics.MessageIngested("ok")
	return IngestResult{
		CancelledReminders: cancelled,
		PingDueAt:          &due,
	}, nil
}

// parseTimestamp accepts RFC 3339, epoch seconds and epoch milliseconds.
// Anything else falls back to the current time.
func (s *Service) parseTimestamp(raw string) time.Time {
	if raw == "" {
		return s.now()
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}

	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil && epoch > 0 {
		if epoch > 1e12 {
			return time.UnixMilli(epoch)
		}
		return time.Unix(epoch, 0)
	}

	s.log.Warn("unparseable message timestamp, using now", "ts", raw)
	return s.now()
}
