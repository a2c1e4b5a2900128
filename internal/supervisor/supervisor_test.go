package supervisor

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/engine"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/wake"
)

// stubRunner mirrors internal/wake's test double: it lets these tests
// script Iteration Engine outcomes without spawning real agent sessions,
// since the Supervisor's job under test is registration/control-API
// routing, not the engine's own round logic.
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

func noopLauncherFactory(store.Paths, *log.Logger) engine.AgentLauncher { return nil }

func newTestManager(t *testing.T, runner *stubRunner) (*Manager, string) {
	t.Helper()
	return newTestManagerAt(t, t.TempDir(), runner)
}

func newTestManagerAt(t *testing.T, appDir string, runner *stubRunner) (*Manager, string) {
	t.Helper()
	m := New(Deps{
		AppConfigDir: appDir,
		Store:        store.New(),
		Clock:        clock.New(),
		Bus:          eventbus.New(nil),
		Launcher:     noopLauncherFactory,
		NewEngine: func(engine.Deps, store.ProjectConfig) wake.EngineRunner {
			return runner
		},
	})
	return m, appDir
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

func TestRegisterProjectStartsSchedulerAndCompletesReadyMilestone(t *testing.T) {
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeCompleted, nil, nil
	}}
	m, _ := newTestManager(t, runner)
	defer m.Shutdown()

	projectDir := t.TempDir()
	paths := store.NewPaths(projectDir)
	require.NoError(t, paths.EnsureDirs())

	ctx := context.Background()
	id, err := m.RegisterProject(ctx, projectDir, "demo")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	writeReadyMilestone(t, m.deps.Store, paths)
	require.NoError(t, m.WakeNow(ctx, id))

	waitForStatus(t, m.deps.Store, paths, store.StatusSleeping)

	projects := m.ListProjects()
	require.Len(t, projects, 1)
	require.Equal(t, id, projects[0].ID)
}

func TestRegisterProjectPersistsAcrossManagerRestart(t *testing.T) {
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeCompleted, nil, nil
	}}
	m, appDir := newTestManager(t, runner)

	projectDir := t.TempDir()
	ctx := context.Background()
	id, err := m.RegisterProject(ctx, projectDir, "demo")
	require.NoError(t, err)
	m.Shutdown()

	m2, _ := newTestManagerAt(t, appDir, runner)
	require.NoError(t, m2.Start(ctx))
	defer m2.Shutdown()

	projects := m2.ListProjects()
	require.Len(t, projects, 1)
	require.Equal(t, id, projects[0].ID)
}

func TestRemoveProjectStopsSchedulerAndRegistry(t *testing.T) {
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeCompleted, nil, nil
	}}
	m, _ := newTestManager(t, runner)

	projectDir := t.TempDir()
	ctx := context.Background()
	id, err := m.RegisterProject(ctx, projectDir, "demo")
	require.NoError(t, err)

	require.NoError(t, m.RemoveProject(id))
	require.Empty(t, m.ListProjects())

	err = m.WakeNow(ctx, id)
	require.Error(t, err)
}

func TestPauseThenResumeClearsRejectionCount(t *testing.T) {
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		if call == 1 {
			return engine.OutcomePaused, nil, nil
		}
		return engine.OutcomeCompleted, nil, nil
	}}
	m, _ := newTestManager(t, runner)
	defer m.Shutdown()

	projectDir := t.TempDir()
	paths := store.NewPaths(projectDir)
	require.NoError(t, paths.EnsureDirs())

	ctx := context.Background()
	id, err := m.RegisterProject(ctx, projectDir, "demo")
	require.NoError(t, err)

	milestoneID := writeReadyMilestone(t, m.deps.Store, paths)
	require.NoError(t, m.WakeNow(ctx, id))

	waitForStatus(t, m.deps.Store, paths, store.StatusPaused)

	ms, mVer, err := m.deps.Store.ReadMilestone(paths, milestoneID)
	require.NoError(t, err)
	ms.ConsecutiveRejections = 3
	_, err = m.deps.Store.WriteMilestone(paths, ms, mVer)
	require.NoError(t, err)

	require.NoError(t, m.Resume(ctx, id))
	waitForStatus(t, m.deps.Store, paths, store.StatusSleeping)

	ms, _, err = m.deps.Store.ReadMilestone(paths, milestoneID)
	require.NoError(t, err)
	require.Equal(t, 0, ms.ConsecutiveRejections)
}

// blockingRunner simulates an Iteration Engine round in progress: it
// blocks until its context is cancelled, so a test can observe
// ProjectState while a milestone is genuinely "current" rather than
// racing a stub that returns immediately.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, milestoneID ids.MilestoneID, resume bool) (engine.Outcome, *engine.QuotaSuspension, error) {
	<-ctx.Done()
	return engine.OutcomeCancelled, nil, nil
}

func TestGetProjectSnapshotReflectsCurrentMilestone(t *testing.T) {
	appDir := t.TempDir()
	m := New(Deps{
		AppConfigDir: appDir,
		Store:        store.New(),
		Clock:        clock.New(),
		Bus:          eventbus.New(nil),
		Launcher:     noopLauncherFactory,
		NewEngine: func(engine.Deps, store.ProjectConfig) wake.EngineRunner {
			return blockingRunner{}
		},
	})
	defer m.Shutdown()

	projectDir := t.TempDir()
	paths := store.NewPaths(projectDir)
	require.NoError(t, paths.EnsureDirs())

	ctx := context.Background()
	id, err := m.RegisterProject(ctx, projectDir, "demo")
	require.NoError(t, err)

	milestoneID := writeReadyMilestone(t, m.deps.Store, paths)
	require.NoError(t, m.WakeNow(ctx, id))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _, err := m.deps.Store.ReadProjectState(paths)
		require.NoError(t, err)
		if st.CurrentMilestoneID == milestoneID {
			break
		}
		time.Sleep(time.Millisecond)
	}

	snap, err := m.GetProjectSnapshot(id)
	require.NoError(t, err)
	require.Equal(t, id, snap.Registration.ID)
	require.NotNil(t, snap.Milestone)
	require.Equal(t, milestoneID, snap.Milestone.ID)

	require.NoError(t, m.CancelMilestone(ctx, id, milestoneID))
}
