// Package service implements lead state transitions and their follow-up
// side effects: pausing schedules a resume, reopening cancels it, and a
// terminal status cancels everything scheduled for the conversation.
package service

import (
	"context"
	"errors"
	"time"

	"aurum_backend/internal/conversations"
	convrepo "aurum_backend/internal/conversations/repository"
	"aurum_backend/internal/leadstate"
	"aurum_backend/internal/leadstate/repository"
	"aurum_backend/platform/apperr"
	"aurum_backend/platform/logger"
	"aurum_backend/platform/metrics"
)

// pausedUntilFormats are accepted on top of RFC 3339; bare formats are
// interpreted in the lead's timezone.
var pausedUntilFormats = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Cascade is the slice of the follow-up scheduler that state changes drive.
type Cascade interface {
	ScheduleResume(ctx context.Context, key conversations.Key, pausedUntil time.Time, tz string) error
	CancelResume(ctx context.Context, key conversations.Key) error
	CancelAllForConversation(ctx context.Context, key conversations.Key) error
}

// ConversationStore is the conversation access the service needs.
type ConversationStore interface {
	EnsureExists(ctx context.Context, key conversations.Key, effectiveTimezone string) error
	Get(ctx context.Context, key conversations.Key) (convrepo.Conversation, error)
}

type Service struct {
	leads           repository.LeadReader
	leadWriter      repository.LeadWriter
	convs           ConversationStore
	cascade         Cascade
	defaultTimezone string
	log             *logger.Logger
}

func New(
	leads interface {
		repository.LeadReader
		repository.LeadWriter
	},
	convs ConversationStore,
	cascade Cascade,
	defaultTimezone string,
	log *logger.Logger,
) *Service {
	return &Service{
		leads:           leads,
		leadWriter:      leads,
		convs:           convs,
		cascade:         cascade,
		defaultTimezone: defaultTimezone,
		log:             log,
	}
}

// SetStateParams is a requested state change for one conversation.
type SetStateParams struct {
	Operational string
	Business    *string
	PausedUntil string
	ReasonCode  *string
	Note        *string
	ForceReopen bool
	FirstName   *string
	LastName    *string
	Timezone    *string
}

// StateView is the current state of a lead as reported to callers.
type StateView struct {
	Lead         repository.Lead
	LatestEntry  *repository.StateEntry
	Conversation *convrepo.Conversation
}

// SetState applies a state change: guard, persist, log, then drive the
// follow-up cascade. The ledger row is written before any broker work so a
// crash can never leave a broker job without its durable record.
func (s *Service) SetState(ctx context.Context, key conversations.Key, params SetStateParams) (StateView, error) {
	lead, err := s.leads.GetByKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		lead, err = s.leadWriter.UpsertLead(ctx, key, repository.UpsertLeadParams{
			FirstName: params.FirstName,
			LastName:  params.LastName,
			Timezone:  params.Timezone,
		})
	}
	if err != nil {
		metrics.StateUpdate("error", params.Operational)
		return StateView{}, err
	}

	tz := s.defaultTimezone
	if lead.Timezone != nil && *lead.Timezone != "" {
		tz = *lead.Timezone
	}

	var pausedUntil *time.Time
	if params.PausedUntil != "" {
		parsed, err := parsePausedUntil(params.PausedUntil, tz)
		if err != nil {
			metrics.StateUpdate("error", params.Operational)
			return StateView{}, err
		}
		pausedUntil = &parsed
	}

	change := leadstate.Change{
		Operational: params.Operational,
		Business:    params.Business,
		PausedUntil: pausedUntil,
		ReasonCode:  params.ReasonCode,
		Note:        params.Note,
		ForceReopen: params.ForceReopen,
	}
	if err := leadstate.GuardTransition(lead.OperationalStatus, change); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			metrics.StateUpdate("blocked", lead.OperationalStatus)
		} else {
			metrics.StateUpdate("error", params.Operational)
		}
		return StateView{}, err
	}

	var operational *string
	if params.Operational != "" {
		operational = &params.Operational
	}
	lead, err = s.leadWriter.SetStatus(ctx, key, repository.SetStatusParams{
		OperationalStatus: operational,
		BusinessStatus:    params.Business,
	})
	if err != nil {
		metrics.StateUpdate("error", params.Operational)
		return StateView{}, err
	}

	entry := repository.StateEntry{
		OperationalStatus: operational,
		BusinessStatus:    params.Business,
		ReasonCode:        params.ReasonCode,
		Note:              params.Note,
		PausedUntil:       pausedUntil,
		Source:            "api",
	}
	if _, err := s.leadWriter.AppendState(ctx, key, entry); err != nil {
		metrics.StateUpdate("error", params.Operational)
		return StateView{}, err
	}

	if err := s.convs.EnsureExists(ctx, key, tz); err != nil {
		metrics.StateUpdate("error", params.Operational)
		return StateView{}, err
	}

	if err := s.applyCascade(ctx, key, params.Operational, pausedUntil, tz); err != nil {
		metrics.StateUpdate("error", params.Operational)
		return StateView{}, err
	}

	metrics.StateUpdate("ok", params.Operational)
	s.log.Info("lead state updated",
		"conversation", key.String(),
		"operational", lead.OperationalStatus,
	)
	return s.view(ctx, key, lead)
}

func (s *Service) applyCascade(ctx context.Context, key conversations.Key, operational string, pausedUntil *time.Time, tz string) error {
	switch {
	case operational == leadstate.StatusPaused:
		return s.cascade.ScheduleResume(ctx, key, *pausedUntil, tz)
	case operational == leadstate.StatusContactable:
		return s.cascade.CancelResume(ctx, key)
	case leadstate.IsBlocked(operational):
		return s.cascade.CancelAllForConversation(ctx, key)
	}
	return nil
}

// GetState returns the lead, its newest state log entry and the conversation
// activity snapshot.
func (s *Service) GetState(ctx context.Context, key conversations.Key) (StateView, error) {
	lead, err := s.leads.GetByKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return StateView{}, apperr.NotFound("lead not found")
	}
	if err != nil {
		return StateView{}, err
	}
	return s.view(ctx, key, lead)
}

func (s *Service) view(ctx context.Context, key conversations.Key, lead repository.Lead) (StateView, error) {
	view := StateView{Lead: lead}

	entry, err := s.leads.LatestState(ctx, key)
	if err == nil {
		view.LatestEntry = &entry
	} else if !errors.Is(err, repository.ErrNotFound) {
		return StateView{}, err
	}

	conv, err := s.convs.Get(ctx, key)
	if err == nil {
		view.Conversation = &conv
	} else if !errors.Is(err, convrepo.ErrNotFound) {
		return StateView{}, err
	}

	return view, nil
}

// parsePausedUntil accepts RFC 3339 and a few bare datetime layouts. Bare
// layouts carry no offset and are read in the lead's timezone.
func parsePausedUntil(raw, tz string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	for _, layout := range pausedUntilFormats {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperr.Validation("paused_until_invalid").
		WithDetails(map[string]any{"paused_until": raw})
}
