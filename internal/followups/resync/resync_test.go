package resync

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"aurum_backend/internal/conversations"
	"aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/tasks"
	"aurum_backend/platform/logger"
)

var sweepNow = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

type fakeLedger struct {
	due []repository.Job
}

func (f *fakeLedger) GetByID(context.Context, int64) (repository.Job, error) {
	return repository.Job{}, repository.ErrNotFound
}

func (f *fakeLedger) List(context.Context, conversations.Key, repository.ListFilter) ([]repository.Job, error) {
	return nil, nil
}

// ListDueScheduled mirrors the repository query: delivered rows never
// qualify for recovery.
func (f *fakeLedger) ListDueScheduled(_ context.Context, before time.Time, _ int) ([]repository.Job, error) {
	var jobs []repository.Job
	for _, job := range f.due {
		if job.DeliveredAt == nil && !job.ScheduledAt.After(before) {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

type fakeBroker struct {
	present   map[string]bool
	enqueued  []string
	taskTypes []string
}

func (f *fakeBroker) Exists(_ context.Context, _ string, id string) (bool, error) {
	return f.present[id], nil
}

func (f *fakeBroker) Replace(_ context.Context, queue, id string, task *asynq.Task, _ time.Time) error {
	f.enqueued = append(f.enqueued, queue+"/"+id)
	f.taskTypes = append(f.taskTypes, task.Type())
	return nil
}

func resyncTestKey(t *testing.T) conversations.Key {
	t.Helper()
	key, err := conversations.NewKey(1, "59170000001", "wa", "ventas")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return key
}

func newTestLoop(ledger *fakeLedger, brk *fakeBroker) *Loop {
	l := New(ledger, brk, time.Minute, logger.New("test"))
	l.now = func() time.Time { return sweepNow }
	return l
}

func TestSweepReenqueuesOrphanedRows(t *testing.T) {
	key := resyncTestKey(t)
	pastDue := sweepNow.Add(-5 * time.Minute)

	ledger := &fakeLedger{due: []repository.Job{
		{ID: 1, Key: key, Kind: repository.KindReminder1d, ScheduledAt: pastDue, Status: repository.StatusScheduled, CancelOnNewActivity: true},
		{ID: 2, Key: key, Kind: repository.KindReminderCustom, ScheduledAt: pastDue, Status: repository.StatusScheduled},
		{ID: 3, Key: key, Kind: repository.KindResume, ScheduledAt: pastDue, Status: repository.StatusScheduled},
	}}
	brk := &fakeBroker{present: map[string]bool{}}

	if err := newTestLoop(ledger, brk).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	want := []string{
		tasks.QueueReminders + "/" + tasks.DependentJobID(key, repository.KindReminder1d),
		tasks.QueueReminders + "/" + tasks.IndependentJobID(key, 2),
		tasks.QueueOps + "/" + tasks.ResumeJobID(key),
	}
	if len(brk.enqueued) != len(want) {
		t.Fatalf("enqueued %v, want %v", brk.enqueued, want)
	}
	for i, handle := range want {
		if brk.enqueued[i] != handle {
			t.Errorf("enqueued[%d] = %s, want %s", i, brk.enqueued[i], handle)
		}
	}
	if brk.taskTypes[2] != tasks.TypeResume {
		t.Errorf("resume row must rebuild a resume task, got %s", brk.taskTypes[2])
	}
}

func TestSweepSkipsRowsWithLiveHandles(t *testing.T) {
	key := resyncTestKey(t)
	pastDue := sweepNow.Add(-5 * time.Minute)

	ledger := &fakeLedger{due: []repository.Job{
		{ID: 1, Key: key, Kind: repository.KindReminder1d, ScheduledAt: pastDue, Status: repository.StatusScheduled, CancelOnNewActivity: true},
	}}
	brk := &fakeBroker{present: map[string]bool{
		tasks.DependentJobID(key, repository.KindReminder1d): true,
	}}

	if err := newTestLoop(ledger, brk).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(brk.enqueued) != 0 {
		t.Errorf("live handle must not be re-enqueued, got %v", brk.enqueued)
	}
}

func TestSweepNeverRevivesDeliveredSlots(t *testing.T) {
	key := resyncTestKey(t)
	pastDue := sweepNow.Add(-5 * time.Minute)
	deliveredAt := sweepNow.Add(-4 * time.Minute)

	// A delivered dependent slot stays scheduled and loses its broker
	// handle after firing; repeated sweeps must not re-enqueue it.
	ledger := &fakeLedger{due: []repository.Job{
		{
			ID:                  1,
			Key:                 key,
			Kind:                repository.KindReminder1d,
			ScheduledAt:         pastDue,
			Status:              repository.StatusScheduled,
			CancelOnNewActivity: true,
			DeliveredAt:         &deliveredAt,
		},
	}}
	brk := &fakeBroker{present: map[string]bool{}}
	loop := newTestLoop(ledger, brk)

	for i := 0; i < 3; i++ {
		if err := loop.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep #%d: %v", i+1, err)
		}
	}
	if len(brk.enqueued) != 0 {
		t.Errorf("delivered slot re-enqueued %d times, want never", len(brk.enqueued))
	}
}

func TestSweepHonorsGracePeriod(t *testing.T) {
	key := resyncTestKey(t)
	justDue := sweepNow.Add(-10 * time.Second)

	ledger := &fakeLedger{due: []repository.Job{
		{ID: 1, Key: key, Kind: repository.KindReminder1d, ScheduledAt: justDue, Status: repository.StatusScheduled, CancelOnNewActivity: true},
	}}
	brk := &fakeBroker{present: map[string]bool{}}

	if err := newTestLoop(ledger, brk).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(brk.enqueued) != 0 {
		t.Errorf("rows inside the grace window must wait, got %v", brk.enqueued)
	}
}
