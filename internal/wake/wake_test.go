package wake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/engine"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
)

// stubRunner lets tests script the Iteration Engine's outcome for each
// call without spawning real agent sessions; the scheduler's job is to
// react to outcomes correctly, not to re-prove the engine itself.
type stubRunner struct {
	mu      sync.Mutex
	calls   int
	outcome func(call int) (engine.Outcome, *engine.QuotaSuspension, error)
}

func (r *stubRunner) Run(ctx context.Context, milestoneID ids.MilestoneID, resume bool) (engine.Outcome, *engine.QuotaSuspension, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()
	if ctx.Err() != nil {
		return engine.OutcomeCancelled, nil, nil
	}
	return r.outcome(call)
}

func setupProject(t *testing.T) (store.Paths, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	paths := store.NewPaths(dir)
	require.NoError(t, paths.EnsureDirs())
	s := store.New()
	return paths, s
}

func writeReadyMilestone(t *testing.T, s *store.Store, paths store.Paths) ids.MilestoneID {
	t.Helper()
	id := ids.NewMilestoneID()
	_, err := s.WriteMilestone(paths, &store.Milestone{
		ID:        id,
		Title:     "Ship it",
		Status:    store.MilestoneReady,
		CreatedAt: time.Now(),
	}, store.Version(""))
	require.NoError(t, err)
	_, err = s.WriteOrder(paths, &store.MilestoneOrder{IDs: []ids.MilestoneID{id}}, store.Version(""))
	require.NoError(t, err)
	return id
}

func newTestScheduler(t *testing.T, paths store.Paths, s *store.Store, fc *clock.Fake, runner *stubRunner, cfg store.ProjectConfig) *Scheduler {
	t.Helper()
	_, err := s.WriteProjectState(paths, &store.ProjectState{Status: store.StatusSleeping}, store.Version(""))
	require.NoError(t, err)

	deps := Deps{
		Store:     s,
		Paths:     paths,
		Clock:     fc,
		Bus:       eventbus.New(nil),
		ProjectID: ids.NewProjectID(),
		NewEngine: func(store.ProjectConfig) EngineRunner { return runner },
	}
	return New(deps, cfg)
}

// runInBackground starts sched.Run and returns a function to stop it and
// collect its error; used by every test so goroutine leaks are caught.
func runInBackground(t *testing.T, sched *Scheduler) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop in time")
			return nil
		}
	}
}

func waitForStatus(t *testing.T, s *store.Store, paths store.Paths, want store.ProjectStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _, err := s.ReadProjectState(paths)
		require.NoError(t, err)
		if st.Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	st, _, _ := s.ReadProjectState(paths)
	t.Fatalf("status never reached %s, stuck at %s", want, st.Status)
}

func TestSchedulerCompletesMilestoneThenSleeps(t *testing.T) {
	paths, s := setupProject(t)
	writeReadyMilestone(t, s, paths)
	fc := clock.NewFake(time.Now())
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeCompleted, nil, nil
	}}
	sched := newTestScheduler(t, paths, s, fc, runner, store.ProjectConfig{WakeSchedule: store.WakeSchedule{Type: store.WakeManual}})
	stop := runInBackground(t, sched)
	defer stop()

	// The seeded state is already sleeping, so first wait for the run.
	deadline := time.Now().Add(2 * time.Second)
	for runner.calls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	waitForStatus(t, s, paths, store.StatusSleeping)
	require.Equal(t, 1, runner.calls)

	st, _, err := s.ReadProjectState(paths)
	require.NoError(t, err)
	require.Empty(t, st.CurrentMilestoneID)
}

func TestSchedulerEntersRateLimitedThenResumesAtResetAt(t *testing.T) {
	paths, s := setupProject(t)
	writeReadyMilestone(t, s, paths)
	fc := clock.NewFake(time.Now())

	resetAt := fc.Now().Add(15 * time.Minute)
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		if call == 1 {
			return engine.OutcomeQuotaSuspended, &engine.QuotaSuspension{ResetAt: resetAt}, nil
		}
		return engine.OutcomeCompleted, nil, nil
	}}
	sched := newTestScheduler(t, paths, s, fc, runner, store.ProjectConfig{WakeSchedule: store.WakeSchedule{Type: store.WakeManual}})
	stop := runInBackground(t, sched)
	defer stop()

	waitForStatus(t, s, paths, store.StatusRateLimited)

	st, _, err := s.ReadProjectState(paths)
	require.NoError(t, err)
	require.NotNil(t, st.RateLimitResetAt)
	require.WithinDuration(t, resetAt, *st.RateLimitResetAt, time.Second)

	fc.Advance(16 * time.Minute)

	waitForStatus(t, s, paths, store.StatusSleeping)
	require.GreaterOrEqual(t, runner.calls, 2)
}

func TestSchedulerPausesAfterRejectionThresholdAndResumes(t *testing.T) {
	paths, s := setupProject(t)
	id := writeReadyMilestone(t, s, paths)
	fc := clock.NewFake(time.Now())

	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		if call == 1 {
			return engine.OutcomePaused, nil, nil
		}
		return engine.OutcomeCompleted, nil, nil
	}}
	sched := newTestScheduler(t, paths, s, fc, runner, store.ProjectConfig{WakeSchedule: store.WakeSchedule{Type: store.WakeManual}})
	stop := runInBackground(t, sched)
	defer stop()

	waitForStatus(t, s, paths, store.StatusPaused)

	m, mVer, err := s.ReadMilestone(paths, id)
	require.NoError(t, err)
	m.ConsecutiveRejections = 3
	_, err = s.WriteMilestone(paths, m, mVer)
	require.NoError(t, err)

	done := make(chan error, 1)
	sched.Send(context.Background(), Command{Signal: SignalResume, Result: done})
	require.NoError(t, <-done)

	waitForStatus(t, s, paths, store.StatusSleeping)

	m, _, err = s.ReadMilestone(paths, id)
	require.NoError(t, err)
	require.Equal(t, 0, m.ConsecutiveRejections)
}

// blockingRunner never returns on its own; it only returns once ctx is
// cancelled, simulating an Iteration Engine stuck mid-round so the test
// can exercise SignalCancel's interruptActiveRun path. Like the real
// engine's rollback, it marks the milestone cancelled before returning,
// so the scheduler does not pick the same milestone up again.
type blockingRunner struct {
	started chan struct{}
	s       *store.Store
	paths   store.Paths
}

func (r *blockingRunner) Run(ctx context.Context, milestoneID ids.MilestoneID, resume bool) (engine.Outcome, *engine.QuotaSuspension, error) {
	close(r.started)
	<-ctx.Done()
	if m, ver, err := r.s.ReadMilestone(r.paths, milestoneID); err == nil {
		m.Status = store.MilestoneCancelled
		_, _ = r.s.WriteMilestone(r.paths, m, ver)
	}
	return engine.OutcomeCancelled, nil, nil
}

func TestSchedulerCancelDuringActiveRunRollsBackToSleeping(t *testing.T) {
	paths, s := setupProject(t)
	writeReadyMilestone(t, s, paths)
	fc := clock.NewFake(time.Now())

	runner := &blockingRunner{started: make(chan struct{}), s: s, paths: paths}
	deps := Deps{
		Store:     s,
		Paths:     paths,
		Clock:     fc,
		Bus:       eventbus.New(nil),
		ProjectID: ids.NewProjectID(),
		NewEngine: func(store.ProjectConfig) EngineRunner { return runner },
	}
	_, err := s.WriteProjectState(paths, &store.ProjectState{Status: store.StatusSleeping}, store.Version(""))
	require.NoError(t, err)
	sched := New(deps, store.ProjectConfig{WakeSchedule: store.WakeSchedule{Type: store.WakeManual}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()
	defer cancel()

	<-runner.started
	waitForStatus(t, s, paths, store.StatusAwake)

	done := make(chan error, 1)
	sched.Send(context.Background(), Command{Signal: SignalCancel, Result: done})
	require.NoError(t, <-done)

	waitForStatus(t, s, paths, store.StatusSleeping)
	st, _, err := s.ReadProjectState(paths)
	require.NoError(t, err)
	require.Empty(t, st.CurrentMilestoneID)
}

func TestSchedulerIntervalWakeScheduleTicksAfterConfiguredMinutes(t *testing.T) {
	paths, s := setupProject(t)
	fc := clock.NewFake(time.Now())

	calls := 0
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		calls++
		return engine.OutcomeCompleted, nil, nil
	}}
	sched := newTestScheduler(t, paths, s, fc, runner, store.ProjectConfig{
		WakeSchedule: store.WakeSchedule{Type: store.WakeInterval, IntervalMinutes: 5},
	})
	stop := runInBackground(t, sched)
	defer stop()

	// No ready milestone yet: the scheduler settles into sleeping on its
	// own first immediate check (spec.md §4.5, "On startup, a check is
	// performed immediately regardless of type"). The seeded state is
	// already sleeping; the check's own writes stamp LastActiveAt.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _, err := s.ReadProjectState(paths)
		require.NoError(t, err)
		if st.Status == store.StatusSleeping && st.LastActiveAt != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	writeReadyMilestone(t, s, paths)
	// The interval timer is armed just after sleeping is written, so
	// advance until the tick has fired and the runner has been called.
	for runner.calls == 0 && time.Now().Before(deadline.Add(2*time.Second)) {
		fc.Advance(6 * time.Minute)
		time.Sleep(time.Millisecond)
	}

	waitForStatus(t, s, paths, store.StatusSleeping)
	require.Equal(t, 1, calls)
}

func TestSchedulerPicksUpReadyMilestoneOnImmediateStartupCheck(t *testing.T) {
	paths, s := setupProject(t)
	writeReadyMilestone(t, s, paths)
	fc := clock.NewFake(time.Now())

	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeAwaitingReview, nil, nil
	}}
	sched := newTestScheduler(t, paths, s, fc, runner, store.ProjectConfig{
		WakeSchedule: store.WakeSchedule{Type: store.WakeInterval, IntervalMinutes: 60},
	})
	stop := runInBackground(t, sched)
	defer stop()

	// The seeded state is already sleeping, so first wait for the run.
	deadline := time.Now().Add(2 * time.Second)
	for runner.calls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	waitForStatus(t, s, paths, store.StatusSleeping)
	require.Equal(t, 1, runner.calls)

	st, _, err := s.ReadProjectState(paths)
	require.NoError(t, err)
	require.NotEmpty(t, st.CurrentMilestoneID, "awaiting_review must keep the milestone referenced for approve/reject")
}

func TestSchedulerWakeNowWakesASleepingProject(t *testing.T) {
	paths, s := setupProject(t)
	fc := clock.NewFake(time.Now())

	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeCompleted, nil, nil
	}}
	sched := newTestScheduler(t, paths, s, fc, runner, store.ProjectConfig{
		WakeSchedule: store.WakeSchedule{Type: store.WakeManual},
	})
	stop := runInBackground(t, sched)
	defer stop()

	waitForStatus(t, s, paths, store.StatusSleeping)
	require.Equal(t, 0, runner.calls)

	writeReadyMilestone(t, s, paths)
	done := make(chan error, 1)
	sched.Send(context.Background(), Command{Signal: SignalWakeNow, Result: done})
	require.NoError(t, <-done)

	deadline := time.Now().Add(2 * time.Second)
	for runner.calls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, runner.calls)
}

func TestNextTimesTickRollsOverToTomorrow(t *testing.T) {
	now := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	next := nextTimesTick(now, []string{"09:00", "21:00"})
	require.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), next)
}

func TestNextTimesTickPicksLaterTimeSameDay(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next := nextTimesTick(now, []string{"09:00", "21:00"})
	require.Equal(t, time.Date(2026, 1, 1, 21, 0, 0, 0, time.UTC), next)
}

