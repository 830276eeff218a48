package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterhq/peterbot/internal/store"
)

const testChatID = "12345"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createSchedule(t *testing.T, st *store.Store, cron string, nextRunAt time.Time) *store.Schedule {
	t.Helper()
	sc, err := st.CreateSchedule(context.Background(), store.ScheduleParams{
		Description: "test schedule",
		ParsedCron:  cron,
		Prompt:      "do the thing",
		Enabled:     true,
		NextRunAt:   nextRunAt,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sc
}

func TestTickFiresDueSchedule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := createSchedule(t, st, "0 * * * *", time.Now().Add(-time.Minute))

	s := New(st, testChatID, time.Minute)
	s.Tick(ctx)

	jobs, err := st.ListJobsByChat(ctx, testChatID, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.Type != store.TypeTask {
		t.Errorf("job type = %s, want %s", job.Type, store.TypeTask)
	}
	if job.Status != store.StatusPending {
		t.Errorf("job status = %s, want %s", job.Status, store.StatusPending)
	}
	if job.Input != "do the thing" {
		t.Errorf("job input = %q, want schedule prompt", job.Input)
	}
	if job.ScheduleID != sc.ID {
		t.Errorf("job schedule id = %q, want %q", job.ScheduleID, sc.ID)
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Errorf("next run %v not in the future", got.NextRunAt)
	}
	if got.LastRunAt == nil {
		t.Error("last run not recorded")
	}
}

func TestTickSkipsFutureSchedule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	createSchedule(t, st, "0 * * * *", time.Now().Add(time.Hour))

	s := New(st, testChatID, time.Minute)
	s.Tick(ctx)

	n, err := st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d jobs, want 0", n)
	}
}

func TestTickSkipsDisabledSchedule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := createSchedule(t, st, "0 * * * *", time.Now().Add(-time.Minute))
	if err := st.SetScheduleEnabled(ctx, sc.ID, false, nil); err != nil {
		t.Fatalf("disable schedule: %v", err)
	}

	s := New(st, testChatID, time.Minute)
	s.Tick(ctx)

	n, err := st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d jobs, want 0", n)
	}
}

func TestTickDisablesInvalidCron(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := createSchedule(t, st, "not a cron", time.Now().Add(-time.Minute))

	s := New(st, testChatID, time.Minute)
	s.Tick(ctx)

	n, err := st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d jobs, want 0", n)
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Enabled {
		t.Error("schedule still enabled after parse failure")
	}

	// A second tick must not reconsider it.
	s.Tick(ctx)
	n, err = st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d jobs after second tick, want 0", n)
	}
}

func TestTickFiresOncePerDueWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	createSchedule(t, st, "0 * * * *", time.Now().Add(-time.Minute))

	s := New(st, testChatID, time.Minute)
	s.Tick(ctx)
	s.Tick(ctx)
	s.Tick(ctx)

	n, err := st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d jobs, want 1", n)
	}
}

func TestTickFiresMultipleDueSchedules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	createSchedule(t, st, "0 * * * *", time.Now().Add(-time.Minute))
	createSchedule(t, st, "30 * * * *", time.Now().Add(-time.Minute))

	s := New(st, testChatID, time.Minute)
	s.Tick(ctx)

	n, err := st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d jobs, want 2", n)
	}
}

// faultStore fails a configured number of AdvanceSchedule calls, then
// delegates to the real store.
type faultStore struct {
	*store.Store
	advanceFailures int
}

func (f *faultStore) AdvanceSchedule(ctx context.Context, id string, nextRunAt, lastRunAt time.Time) error {
	if f.advanceFailures > 0 {
		f.advanceFailures--
		return errors.New("database is locked")
	}
	return f.Store.AdvanceSchedule(ctx, id, nextRunAt, lastRunAt)
}

func TestTickAdvanceFailureSetsRecoveryFloor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := createSchedule(t, st, "0 * * * *", time.Now().Add(-time.Minute))

	s := New(&faultStore{Store: st, advanceFailures: 1}, testChatID, time.Minute)
	s.Tick(ctx)

	// The job was created before the advance failed; it must not be rolled
	// back.
	n, err := st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d jobs, want 1", n)
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !got.Enabled {
		t.Error("schedule disabled after advance failure, want enabled")
	}
	floor := got.NextRunAt
	if floor.Before(time.Now().Add(59 * time.Minute)) {
		t.Errorf("next run %v, want about an hour out", floor)
	}
	if floor.After(time.Now().Add(61 * time.Minute)) {
		t.Errorf("next run %v, want about an hour out", floor)
	}

	// While the floor holds, further ticks must not duplicate the job.
	s.Tick(ctx)
	s.Tick(ctx)
	n, err = st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d jobs while floor holds, want 1", n)
	}

	// Once the floor expires the schedule fires exactly once more.
	past := time.Now().Add(-time.Minute)
	if err := st.SetScheduleEnabled(ctx, sc.ID, true, &past); err != nil {
		t.Fatalf("expire floor: %v", err)
	}
	s.Tick(ctx)
	s.Tick(ctx)
	n, err = st.CountJobsByChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d jobs after floor expiry, want 2", n)
	}
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)

	s := New(st, testChatID, 10*time.Millisecond)
	s.Start(context.Background())

	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
