package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"aurum_backend/internal/conversations"
	convrepo "aurum_backend/internal/conversations/repository"
	"aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/tasks"
	"aurum_backend/internal/leadstate"
	leadrepo "aurum_backend/internal/leadstate/repository"
	"aurum_backend/internal/outbound"
	"aurum_backend/platform/logger"
)

var fixedNow = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

type fakeConvStore struct {
	conv     convrepo.Conversation
	exists   bool
	resetAt  *time.Time
	resetKey *conversations.Key
}

func (f *fakeConvStore) Get(context.Context, conversations.Key) (convrepo.Conversation, error) {
	if !f.exists {
		return convrepo.Conversation{}, convrepo.ErrNotFound
	}
	return f.conv, nil
}

func (f *fakeConvStore) ResetAfterPing(_ context.Context, key conversations.Key, pingedAt time.Time) error {
	f.resetAt = &pingedAt
	f.resetKey = &key
	return nil
}

type fakeSettings struct {
	pingURL     string
	reminderURL string
}

func (f *fakeSettings) GetSettings(_ context.Context, tenantID int64) (convrepo.TenantSettings, error) {
	s := convrepo.TenantSettings{TenantID: tenantID}
	if f.pingURL != "" {
		s.PingURL = &f.pingURL
	}
	if f.reminderURL != "" {
		s.ReminderURL = &f.reminderURL
	}
	return s, nil
}

type fakeLeadStore struct {
	lead    leadrepo.Lead
	exists  bool
	entries []leadrepo.StateEntry
}

func (f *fakeLeadStore) GetByKey(context.Context, conversations.Key) (leadrepo.Lead, error) {
	if !f.exists {
		return leadrepo.Lead{}, leadrepo.ErrNotFound
	}
	return f.lead, nil
}

func (f *fakeLeadStore) SetStatus(_ context.Context, _ conversations.Key, params leadrepo.SetStatusParams) (leadrepo.Lead, error) {
	if params.OperationalStatus != nil {
		f.lead.OperationalStatus = *params.OperationalStatus
	}
	return f.lead, nil
}

func (f *fakeLeadStore) AppendState(_ context.Context, _ conversations.Key, entry leadrepo.StateEntry) (int64, error) {
	f.entries = append(f.entries, entry)
	return int64(len(f.entries)), nil
}

func (f *fakeLeadStore) LatestState(context.Context, conversations.Key) (leadrepo.StateEntry, error) {
	if len(f.entries) == 0 {
		return leadrepo.StateEntry{}, leadrepo.ErrNotFound
	}
	return f.entries[len(f.entries)-1], nil
}

type fakeLedger struct {
	rows         map[int64]repository.Job
	slots        map[string]*repository.Job
	nextSlotID   int64
	done         []int64
	delivered    []int64
	failed       []int64
	resumeClosed bool
}

func newWorkerFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:  make(map[int64]repository.Job),
		slots: make(map[string]*repository.Job),
	}
}

// addSlot plants a scheduled dependent slot row, as the cascade would.
func (f *fakeLedger) addSlot(kind string) *repository.Job {
	f.nextSlotID++
	job := &repository.Job{
		ID:                  100 + f.nextSlotID,
		Kind:                kind,
		Status:              repository.StatusScheduled,
		CancelOnNewActivity: true,
	}
	f.slots[kind] = job
	return job
}

func (f *fakeLedger) GetByID(_ context.Context, id int64) (repository.Job, error) {
	job, ok := f.rows[id]
	if !ok {
		return repository.Job{}, repository.ErrNotFound
	}
	return job, nil
}

func (f *fakeLedger) List(_ context.Context, _ conversations.Key, filter repository.ListFilter) ([]repository.Job, error) {
	var jobs []repository.Job
	for _, kind := range filter.Kinds {
		if job, ok := f.slots[kind]; ok && job.Status == repository.StatusScheduled {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (f *fakeLedger) MarkDone(_ context.Context, id int64) error {
	if _, ok := f.rows[id]; !ok {
		return repository.ErrNotFound
	}
	f.done = append(f.done, id)
	return nil
}

func (f *fakeLedger) MarkDelivered(_ context.Context, id int64) error {
	f.delivered = append(f.delivered, id)
	for _, job := range f.slots {
		if job.ID == id {
			stamped := fixedNow
			job.DeliveredAt = &stamped
		}
	}
	return nil
}

func (f *fakeLedger) MarkFailed(_ context.Context, id int64) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeLedger) CompleteResume(context.Context, conversations.Key) error {
	f.resumeClosed = true
	return nil
}

type fakeCascade struct {
	scheduled bool
	base      time.Time
	tz        string
}

func (f *fakeCascade) ScheduleDependentReminders(_ context.Context, _ conversations.Key, base time.Time, tz string) error {
	f.scheduled = true
	f.base = base
	f.tz = tz
	return nil
}

type fakeDispatcher struct {
	pings     []outbound.PingPayload
	reminders []outbound.ReminderPayload
	fail      bool
}

func (f *fakeDispatcher) SendPing(_ context.Context, _ string, payload outbound.PingPayload) error {
	if f.fail {
		return errors.New("delivery failed")
	}
	f.pings = append(f.pings, payload)
	return nil
}

func (f *fakeDispatcher) SendReminder(_ context.Context, _ string, payload outbound.ReminderPayload) error {
	if f.fail {
		return errors.New("delivery failed")
	}
	f.reminders = append(f.reminders, payload)
	return nil
}

type executorDeps struct {
	convs      *fakeConvStore
	settings   *fakeSettings
	leads      *fakeLeadStore
	ledger     *fakeLedger
	cascade    *fakeCascade
	dispatcher *fakeDispatcher
}

func newTestExecutors(t *testing.T, deps executorDeps) *Executors {
	t.Helper()
	e := NewExecutors(
		deps.convs, deps.settings, deps.leads, deps.ledger, deps.cascade, deps.dispatcher,
		10*time.Minute, "UTC", logger.New("test"),
	)
	e.now = func() time.Time { return fixedNow }
	return e
}

func defaultDeps() executorDeps {
	lastActivity := fixedNow.Add(-30 * time.Minute)
	return executorDeps{
		convs: &fakeConvStore{
			exists: true,
			conv: convrepo.Conversation{
				LastActivityAt:     &lastActivity,
				WindowMessageCount: 4,
				EffectiveTimezone:  "UTC",
			},
		},
		settings:   &fakeSettings{pingURL: "https://hooks.test/ping", reminderURL: "https://hooks.test/reminder"},
		leads:      &fakeLeadStore{exists: true, lead: leadrepo.Lead{OperationalStatus: leadstate.StatusContactable}},
		ledger:     newWorkerFakeLedger(),
		cascade:    &fakeCascade{},
		dispatcher: &fakeDispatcher{},
	}
}

func workerTestKey(t *testing.T) conversations.Key {
	t.Helper()
	key, err := conversations.NewKey(1, "59170000001", "wa", "ventas")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return key
}

func TestHandlePingDeliversAndCascades(t *testing.T) {
	deps := defaultDeps()
	e := newTestExecutors(t, deps)
	key := workerTestKey(t)

	task, err := tasks.NewPingTask(tasks.PingPayload{Conversation: key, ScheduledAt: fixedNow})
	if err != nil {
		t.Fatalf("NewPingTask: %v", err)
	}
	if err := e.HandlePing(context.Background(), task); err != nil {
		t.Fatalf("HandlePing: %v", err)
	}

	if len(deps.dispatcher.pings) != 1 {
		t.Fatalf("expected one ping delivery, got %d", len(deps.dispatcher.pings))
	}
	ping := deps.dispatcher.pings[0]
	if !ping.Summary {
		t.Error("4 window messages should set the summary flag")
	}
	if ping.WindowMsgCount != 4 {
		t.Errorf("window count = %d, want 4", ping.WindowMsgCount)
	}

	if deps.convs.resetAt == nil || !deps.convs.resetAt.Equal(fixedNow) {
		t.Error("message window should be reset after delivery")
	}
	if !deps.cascade.scheduled {
		t.Fatal("contactable lead must get the dependent cascade")
	}
	if !deps.cascade.base.Equal(fixedNow) {
		t.Errorf("cascade base = %v, want %v", deps.cascade.base, fixedNow)
	}

	if len(deps.leads.entries) != 1 {
		t.Fatalf("expected one state entry, got %d", len(deps.leads.entries))
	}
	entry := deps.leads.entries[0]
	if entry.Source != "ping10" || *entry.OperationalStatus != leadstate.StatusReminderScheduled {
		t.Errorf("unexpected state entry: %+v", entry)
	}
}

func TestHandlePingStalenessGuard(t *testing.T) {
	deps := defaultDeps()
	recent := fixedNow.Add(-2 * time.Minute)
	deps.convs.conv.LastActivityAt = &recent
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewPingTask(tasks.PingPayload{Conversation: workerTestKey(t)})
	if err := e.HandlePing(context.Background(), task); err != nil {
		t.Fatalf("HandlePing: %v", err)
	}

	if len(deps.dispatcher.pings) != 0 {
		t.Error("fresh activity must suppress the ping")
	}
	if deps.convs.resetAt != nil {
		t.Error("suppressed ping must not reset the window")
	}
	if deps.cascade.scheduled {
		t.Error("suppressed ping must not schedule the cascade")
	}
}

func TestHandlePingSkipsCascadeWhenNotContactable(t *testing.T) {
	deps := defaultDeps()
	deps.leads.lead.OperationalStatus = leadstate.StatusPaused
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewPingTask(tasks.PingPayload{Conversation: workerTestKey(t)})
	if err := e.HandlePing(context.Background(), task); err != nil {
		t.Fatalf("HandlePing: %v", err)
	}

	if len(deps.dispatcher.pings) != 1 {
		t.Error("the ping itself is still delivered")
	}
	if deps.cascade.scheduled {
		t.Error("non-contactable lead must not get the cascade")
	}
	if len(deps.leads.entries) != 0 {
		t.Error("no reminder_scheduled entry without a cascade")
	}
}

func TestHandlePingSummaryBelowThreshold(t *testing.T) {
	deps := defaultDeps()
	deps.convs.conv.WindowMessageCount = 2
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewPingTask(tasks.PingPayload{Conversation: workerTestKey(t)})
	if err := e.HandlePing(context.Background(), task); err != nil {
		t.Fatalf("HandlePing: %v", err)
	}

	if deps.dispatcher.pings[0].Summary {
		t.Error("2 window messages must not set the summary flag")
	}
}

func TestHandlePingDeliveryFailureRetries(t *testing.T) {
	deps := defaultDeps()
	deps.dispatcher.fail = true
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewPingTask(tasks.PingPayload{Conversation: workerTestKey(t)})
	if err := e.HandlePing(context.Background(), task); err == nil {
		t.Fatal("delivery failure must surface for broker retry")
	}

	if deps.convs.resetAt != nil {
		t.Error("failed delivery must not reset the window")
	}
	if deps.cascade.scheduled {
		t.Error("failed delivery must not schedule the cascade")
	}
}

func TestHandlePingNoRecordedActivityIsNoOp(t *testing.T) {
	deps := defaultDeps()
	deps.convs.conv.LastActivityAt = nil
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewPingTask(tasks.PingPayload{Conversation: workerTestKey(t)})
	if err := e.HandlePing(context.Background(), task); err != nil {
		t.Fatalf("HandlePing: %v", err)
	}

	if len(deps.dispatcher.pings) != 0 {
		t.Error("no recorded activity means nothing to follow up on")
	}
	if deps.convs.resetAt != nil || deps.cascade.scheduled {
		t.Error("suppressed ping must not mutate state")
	}
}

func TestHandlePingUnknownConversation(t *testing.T) {
	deps := defaultDeps()
	deps.convs.exists = false
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewPingTask(tasks.PingPayload{Conversation: workerTestKey(t)})
	if err := e.HandlePing(context.Background(), task); err != nil {
		t.Fatalf("unknown conversation must be a safe no-op: %v", err)
	}
	if len(deps.dispatcher.pings) != 0 {
		t.Error("no delivery for unknown conversation")
	}
}

func TestHandleReminderDependentDeliversWithSlot(t *testing.T) {
	deps := defaultDeps()
	slot := deps.ledger.addSlot(repository.KindReminder3d)
	e := newTestExecutors(t, deps)
	key := workerTestKey(t)

	task, _ := tasks.NewReminderTask(tasks.ReminderPayload{
		Conversation:        key,
		Kind:                repository.KindReminder3d,
		ScheduledAt:         fixedNow,
		CancelOnNewActivity: true,
	})
	if err := e.HandleReminder(context.Background(), task); err != nil {
		t.Fatalf("HandleReminder: %v", err)
	}

	if len(deps.dispatcher.reminders) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deps.dispatcher.reminders))
	}
	reminder := deps.dispatcher.reminders[0]
	if reminder.Type != "dependent" {
		t.Errorf("type = %s, want dependent", reminder.Type)
	}
	if reminder.Slot == nil || *reminder.Slot != 3 || reminder.Days == nil || *reminder.Days != 3 {
		t.Errorf("slot/days not derived from kind: %+v", reminder)
	}
	if len(deps.ledger.done) != 0 {
		t.Error("dependent reminders are not marked done on delivery")
	}
	if len(deps.ledger.delivered) != 1 || deps.ledger.delivered[0] != slot.ID {
		t.Errorf("slot row should carry a delivery stamp, got %v", deps.ledger.delivered)
	}
}

func TestHandleReminderDependentDeliveredOnceOnly(t *testing.T) {
	deps := defaultDeps()
	deps.ledger.addSlot(repository.KindReminder1d)
	e := newTestExecutors(t, deps)
	key := workerTestKey(t)

	task, _ := tasks.NewReminderTask(tasks.ReminderPayload{
		Conversation:        key,
		Kind:                repository.KindReminder1d,
		ScheduledAt:         fixedNow,
		CancelOnNewActivity: true,
	})

	// The slot row stays scheduled after delivery, so a recovered or
	// duplicated handle must see the delivery stamp and stop.
	for i := 0; i < 3; i++ {
		if err := e.HandleReminder(context.Background(), task); err != nil {
			t.Fatalf("HandleReminder #%d: %v", i+1, err)
		}
	}

	if len(deps.dispatcher.reminders) != 1 {
		t.Fatalf("slot delivered %d times, want exactly once", len(deps.dispatcher.reminders))
	}
	if len(deps.ledger.delivered) != 1 {
		t.Errorf("slot stamped %d times, want once", len(deps.ledger.delivered))
	}
}

func TestHandleReminderDependentCancelledIsNoOp(t *testing.T) {
	deps := defaultDeps()
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewReminderTask(tasks.ReminderPayload{
		Conversation:        workerTestKey(t),
		Kind:                repository.KindReminder1d,
		CancelOnNewActivity: true,
	})
	if err := e.HandleReminder(context.Background(), task); err != nil {
		t.Fatalf("HandleReminder: %v", err)
	}
	if len(deps.dispatcher.reminders) != 0 {
		t.Error("cancelled slot must not deliver")
	}
}

func TestHandleReminderIndependentMarkedDone(t *testing.T) {
	deps := defaultDeps()
	reminderID := int64(42)
	deps.ledger.rows[reminderID] = repository.Job{
		ID:     reminderID,
		Kind:   repository.KindReminderCustom,
		Status: repository.StatusScheduled,
	}
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewReminderTask(tasks.ReminderPayload{
		Conversation: workerTestKey(t),
		Kind:         repository.KindReminderCustom,
		ReminderID:   &reminderID,
		ScheduledAt:  fixedNow,
	})
	if err := e.HandleReminder(context.Background(), task); err != nil {
		t.Fatalf("HandleReminder: %v", err)
	}

	reminder := deps.dispatcher.reminders[0]
	if reminder.Type != "independent" {
		t.Errorf("type = %s, want independent", reminder.Type)
	}
	if reminder.Slot != nil || reminder.Days != nil {
		t.Error("custom kind has no slot or days")
	}
	if len(deps.ledger.done) != 1 || deps.ledger.done[0] != reminderID {
		t.Errorf("ledger row should be done, got %v", deps.ledger.done)
	}
}

func TestHandleReminderIndependentCancelledIsNoOp(t *testing.T) {
	deps := defaultDeps()
	reminderID := int64(42)
	deps.ledger.rows[reminderID] = repository.Job{
		ID:     reminderID,
		Status: repository.StatusCancelled,
	}
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewReminderTask(tasks.ReminderPayload{
		Conversation: workerTestKey(t),
		Kind:         repository.KindReminderCustom,
		ReminderID:   &reminderID,
	})
	if err := e.HandleReminder(context.Background(), task); err != nil {
		t.Fatalf("HandleReminder: %v", err)
	}
	if len(deps.dispatcher.reminders) != 0 {
		t.Error("cancelled reminder must not deliver")
	}
}

func TestHandleReminderDeliveryFailureSurfaces(t *testing.T) {
	deps := defaultDeps()
	deps.ledger.addSlot(repository.KindReminder1d)
	deps.dispatcher.fail = true
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewReminderTask(tasks.ReminderPayload{
		Conversation:        workerTestKey(t),
		Kind:                repository.KindReminder1d,
		CancelOnNewActivity: true,
	})
	if err := e.HandleReminder(context.Background(), task); err == nil {
		t.Fatal("delivery failure must surface for broker retry")
	}
}

func TestHandleResumeReopensPausedLead(t *testing.T) {
	deps := defaultDeps()
	deps.leads.lead.OperationalStatus = leadstate.StatusPaused
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewResumeTask(tasks.ResumePayload{
		Conversation: workerTestKey(t),
		PausedUntil:  fixedNow,
	})
	if err := e.HandleResume(context.Background(), task); err != nil {
		t.Fatalf("HandleResume: %v", err)
	}

	if deps.leads.lead.OperationalStatus != leadstate.StatusContactable {
		t.Errorf("lead status = %s, want contactable", deps.leads.lead.OperationalStatus)
	}
	if !deps.ledger.resumeClosed {
		t.Error("resume ledger row should be completed")
	}
	if len(deps.leads.entries) != 1 || deps.leads.entries[0].Source != "resume" {
		t.Errorf("expected one state entry with source resume, got %+v", deps.leads.entries)
	}
}

func TestHandleResumeNoOpWhenStateChanged(t *testing.T) {
	deps := defaultDeps()
	deps.leads.lead.OperationalStatus = leadstate.StatusWon
	e := newTestExecutors(t, deps)

	task, _ := tasks.NewResumeTask(tasks.ResumePayload{Conversation: workerTestKey(t)})
	if err := e.HandleResume(context.Background(), task); err != nil {
		t.Fatalf("HandleResume: %v", err)
	}

	if deps.leads.lead.OperationalStatus != leadstate.StatusWon {
		t.Error("a lead that left paused must stay untouched")
	}
	if deps.ledger.resumeClosed {
		t.Error("no ledger mutation on a stale resume")
	}
}
