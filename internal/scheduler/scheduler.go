// Package scheduler drives the recurrence engine: a polling loop that scans
// due schedules, enqueues the jobs they produce, and advances their next fire
// time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/peterhq/peterbot/internal/pkg/logs"
	"github.com/peterhq/peterbot/internal/pkg/metrics"
	"github.com/peterhq/peterbot/internal/store"
)

const (
	defaultTickInterval = 30 * time.Second
	// recoveryFloor pushes a schedule's next fire time out after a partial
	// firing, preventing tight re-firing loops on transient storage errors.
	recoveryFloor = time.Hour
)

// Store is the slice of persistence the scheduler needs. *store.Store
// satisfies it.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time) ([]*store.Schedule, error)
	CreateJob(ctx context.Context, typ store.JobType, input, chatID, scheduleID string) (*store.Job, error)
	AdvanceSchedule(ctx context.Context, id string, nextRunAt, lastRunAt time.Time) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) error
}

// Scheduler periodically scans for due schedules and produces jobs into the
// queue. One job per firing; at most one duplicate in the worst-case partial
// failure.
type Scheduler struct {
	store  Store
	chatID string
	tick   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that enqueues fired jobs for the given chat.
func New(st Store, chatID string, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = defaultTickInterval
	}
	return &Scheduler{
		store:  st,
		chatID: chatID,
		tick:   tick,
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	logs.CtxInfo(ctx, "[scheduler] started (tick=%s)", s.tick)
}

// Stop cancels the loop and waits for the in-flight tick to finish its
// current schedule transaction.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[scheduler] stop timed out waiting for current tick")
	}
	logs.CtxInfo(ctx, "[scheduler] stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan. Exported so the admin surface and tests can force a
// scan without waiting for the interval.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		logs.CtxError(ctx, "[scheduler] due schedules query failed: %v", err)
		return
	}

	for _, sched := range due {
		// Honor shutdown between schedules only. A schedule mid-fire keeps a
		// live context so its create/advance pair (or the recovery write)
		// always lands.
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.fire(context.WithoutCancel(ctx), sched, now)
	}
}

// fire processes one due schedule: compute the next fire time, enqueue the
// job, advance the schedule. Each failure mode leaves the schedule in a state
// that cannot re-fire immediately.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	next, err := CronNext(sched.ParsedCron, now)
	if err != nil {
		// The expression will never produce a fire time; disable instead of
		// re-processing forever.
		logs.CtxWarn(ctx, "[scheduler] schedule %s has invalid cron %q, disabling: %v",
			sched.ID, sched.ParsedCron, err)
		metrics.ScheduleParseFailures.Inc()
		if err := s.store.SetScheduleEnabled(ctx, sched.ID, false, nil); err != nil {
			logs.CtxError(ctx, "[scheduler] disable schedule %s failed: %v", sched.ID, err)
		}
		return
	}

	job, err := s.store.CreateJob(ctx, store.TypeTask, sched.Prompt, s.chatID, sched.ID)
	if err != nil {
		logs.CtxError(ctx, "[scheduler] create job for schedule %s failed: %v", sched.ID, err)
		s.recover(ctx, sched.ID, now)
		return
	}

	if err := s.store.AdvanceSchedule(ctx, sched.ID, next, now); err != nil {
		// The job exists but the schedule still looks due. Push the fire time
		// out an hour so the next ticks do not duplicate it; at most one extra
		// job fires after the floor expires.
		logs.CtxError(ctx, "[scheduler] advance schedule %s failed: %v", sched.ID, err)
		s.recover(ctx, sched.ID, now)
		return
	}

	metrics.ScheduleFirings.Inc()
	metrics.JobsCreated.WithLabelValues("schedule").Inc()
	logs.CtxInfo(ctx, "[scheduler] fired schedule %s (%s), job %s, next run %s",
		sched.ID, sched.Description, job.ID, next.Format(time.RFC3339))
}

func (s *Scheduler) recover(ctx context.Context, scheduleID string, now time.Time) {
	floor := now.Add(recoveryFloor)
	metrics.ScheduleRecoveries.Inc()
	if err := s.store.SetScheduleEnabled(ctx, scheduleID, true, &floor); err != nil {
		logs.CtxError(ctx, "[scheduler] recovery for schedule %s failed: %v", scheduleID, err)
	}
}
