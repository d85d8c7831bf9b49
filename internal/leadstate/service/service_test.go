package service

import (
	"context"
	"testing"
	"time"

	"aurum_backend/internal/conversations"
	convrepo "aurum_backend/internal/conversations/repository"
	"aurum_backend/internal/leadstate"
	"aurum_backend/internal/leadstate/repository"
	"aurum_backend/platform/apperr"
	"aurum_backend/platform/logger"
)

type fakeLeadRepo struct {
	lead    repository.Lead
	exists  bool
	entries []repository.StateEntry
}

func (f *fakeLeadRepo) GetByKey(_ context.Context, key conversations.Key) (repository.Lead, error) {
	if !f.exists {
		return repository.Lead{}, repository.ErrNotFound
	}
	f.lead.Key = key
	return f.lead, nil
}

func (f *fakeLeadRepo) LatestState(context.Context, conversations.Key) (repository.StateEntry, error) {
	if len(f.entries) == 0 {
		return repository.StateEntry{}, repository.ErrNotFound
	}
	return f.entries[len(f.entries)-1], nil
}

func (f *fakeLeadRepo) UpsertLead(_ context.Context, key conversations.Key, params repository.UpsertLeadParams) (repository.Lead, error) {
	f.exists = true
	f.lead = repository.Lead{
		Key:               key,
		Timezone:          params.Timezone,
		OperationalStatus: leadstate.StatusContactable,
	}
	return f.lead, nil
}

func (f *fakeLeadRepo) SetStatus(_ context.Context, _ conversations.Key, params repository.SetStatusParams) (repository.Lead, error) {
	if params.OperationalStatus != nil {
		f.lead.OperationalStatus = *params.OperationalStatus
	}
	if params.BusinessStatus != nil {
		f.lead.BusinessStatus = params.BusinessStatus
	}
	return f.lead, nil
}

func (f *fakeLeadRepo) AppendState(_ context.Context, _ conversations.Key, entry repository.StateEntry) (int64, error) {
	f.entries = append(f.entries, entry)
	return int64(len(f.entries)), nil
}

type fakeConvStore struct {
	ensured bool
}

func (f *fakeConvStore) EnsureExists(context.Context, conversations.Key, string) error {
	f.ensured = true
	return nil
}

func (f *fakeConvStore) Get(context.Context, conversations.Key) (convrepo.Conversation, error) {
	return convrepo.Conversation{}, convrepo.ErrNotFound
}

type fakeCascade struct {
	resumeAt        *time.Time
	resumeCancelled bool
	allCancelled    bool
}

func (f *fakeCascade) ScheduleResume(_ context.Context, _ conversations.Key, pausedUntil time.Time, _ string) error {
	f.resumeAt = &pausedUntil
	return nil
}

func (f *fakeCascade) CancelResume(context.Context, conversations.Key) error {
	f.resumeCancelled = true
	return nil
}

func (f *fakeCascade) CancelAllForConversation(context.Context, conversations.Key) error {
	f.allCancelled = true
	return nil
}

func testKey(t *testing.T) conversations.Key {
	t.Helper()
	key, err := conversations.NewKey(1, "59170000001", "wa", "ventas")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return key
}

func newTestService(repo *fakeLeadRepo, convs *fakeConvStore, cascade *fakeCascade) *Service {
	return New(repo, convs, cascade, "America/La_Paz", logger.New("test"))
}

func TestSetStatePauseSchedulesResume(t *testing.T) {
	repo := &fakeLeadRepo{exists: true, lead: repository.Lead{OperationalStatus: leadstate.StatusContactable}}
	convs := &fakeConvStore{}
	cascade := &fakeCascade{}
	svc := newTestService(repo, convs, cascade)

	_, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusPaused,
		PausedUntil: "2025-12-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}

	if cascade.resumeAt == nil {
		t.Fatal("pausing must schedule a resume")
	}
	want := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	if !cascade.resumeAt.Equal(want) {
		t.Errorf("resume at %v, want %v", cascade.resumeAt, want)
	}
	if !convs.ensured {
		t.Error("conversation row should be ensured")
	}
	if len(repo.entries) != 1 || repo.entries[0].Source != "api" {
		t.Errorf("expected one state log entry with source api, got %+v", repo.entries)
	}
}

func TestSetStatePauseWithoutDeadlineRejected(t *testing.T) {
	repo := &fakeLeadRepo{exists: true, lead: repository.Lead{OperationalStatus: leadstate.StatusContactable}}
	svc := newTestService(repo, &fakeConvStore{}, &fakeCascade{})

	_, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusPaused,
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repo.entries) != 0 {
		t.Error("rejected change must not be logged")
	}
}

func TestSetStateBareDatetimeUsesLeadTimezone(t *testing.T) {
	tz := "America/La_Paz"
	repo := &fakeLeadRepo{exists: true, lead: repository.Lead{
		OperationalStatus: leadstate.StatusContactable,
		Timezone:          &tz,
	}}
	cascade := &fakeCascade{}
	svc := newTestService(repo, &fakeConvStore{}, cascade)

	_, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusPaused,
		PausedUntil: "2025-12-01 10:00",
	})
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}

	loc, _ := time.LoadLocation(tz)
	want := time.Date(2025, 12, 1, 10, 0, 0, 0, loc)
	if cascade.resumeAt == nil || !cascade.resumeAt.Equal(want) {
		t.Errorf("resume at %v, want %v in %s", cascade.resumeAt, want, tz)
	}
}

func TestSetStateInvalidPausedUntil(t *testing.T) {
	repo := &fakeLeadRepo{exists: true, lead: repository.Lead{OperationalStatus: leadstate.StatusContactable}}
	svc := newTestService(repo, &fakeConvStore{}, &fakeCascade{})

	_, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusPaused,
		PausedUntil: "soon",
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSetStateContactableCancelsResume(t *testing.T) {
	repo := &fakeLeadRepo{exists: true, lead: repository.Lead{OperationalStatus: leadstate.StatusPaused}}
	cascade := &fakeCascade{}
	svc := newTestService(repo, &fakeConvStore{}, cascade)

	_, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusContactable,
	})
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if !cascade.resumeCancelled {
		t.Error("reopening must cancel the pending resume")
	}
}

func TestSetStateBlockedStatusCancelsEverything(t *testing.T) {
	repo := &fakeLeadRepo{exists: true, lead: repository.Lead{OperationalStatus: leadstate.StatusContactable}}
	cascade := &fakeCascade{}
	svc := newTestService(repo, &fakeConvStore{}, cascade)

	_, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusOptOut,
	})
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if !cascade.allCancelled {
		t.Error("terminal status must cancel all scheduled follow-ups")
	}
}

func TestSetStateBlockedLeadRequiresForce(t *testing.T) {
	repo := &fakeLeadRepo{exists: true, lead: repository.Lead{OperationalStatus: leadstate.StatusWon}}
	svc := newTestService(repo, &fakeConvStore{}, &fakeCascade{})

	_, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusContactable,
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	_, err = svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusContactable,
		ForceReopen: true,
	})
	if err != nil {
		t.Fatalf("force_reopen should bypass the block: %v", err)
	}
}

func TestSetStateCreatesMissingLead(t *testing.T) {
	repo := &fakeLeadRepo{}
	svc := newTestService(repo, &fakeConvStore{}, &fakeCascade{})

	view, err := svc.SetState(context.Background(), testKey(t), SetStateParams{
		Operational: leadstate.StatusDiscarded,
	})
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if view.Lead.OperationalStatus != leadstate.StatusDiscarded {
		t.Errorf("lead status = %s, want discarded", view.Lead.OperationalStatus)
	}
}

func TestGetStateUnknownLead(t *testing.T) {
	svc := newTestService(&fakeLeadRepo{}, &fakeConvStore{}, &fakeCascade{})

	_, err := svc.GetState(context.Background(), testKey(t))
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
