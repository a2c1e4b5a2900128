// Package supervisor implements the Supervisor (spec.md §4 "Supervisor" /
// §6's Control API): the process-wide component that registers projects,
// owns one Wake Scheduler goroutine per project, and answers the
// external control operations (wakeNow, pause, resume, cancelMilestone,
// approveAwaitingReview, rejectAwaitingReview, provideHumanGuidance,
// subscribeEvents) by routing them to the right project's scheduler.
//
// Grounded on steveyegge/gastown's internal/daemon.Daemon for the
// "long-running process that owns a registry of child workers and a
// PID-file-guarded single-instance lock" shape, generalized from
// gastown's single town-wide heartbeat loop to one independent
// goroutine per registered project.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/saltbo/anima/internal/applog"
	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/config"
	"github.com/saltbo/anima/internal/engine"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/vcs"
	"github.com/saltbo/anima/internal/wake"
)

// Deps are the Supervisor's process-wide dependencies.
type Deps struct {
	AppConfigDir string
	Store        *store.Store
	Clock        clock.Clock
	Bus          *eventbus.Bus
	Launcher     LauncherFactory

	// Sink routes published events to each project's events.jsonl, if
	// the Bus was constructed with one (see NewProjectSink). Nil is
	// valid: it just means no per-project replay log is kept.
	Sink *ProjectSink

	// NewEngine overrides how a project's Iteration Engine is built, for
	// tests that substitute a stub wake.EngineRunner instead of spawning
	// real agent sessions. Nil means engine.New, the production engine.
	NewEngine func(engine.Deps, store.ProjectConfig) wake.EngineRunner
}

// LauncherFactory builds the per-project AgentLauncher adapter (spec.md
// §6: "the agent command path is carried in the adapter layer", not the
// core). See launcher.go for the concrete PTY-backed implementation.
type LauncherFactory func(paths store.Paths, logger *log.Logger) engine.AgentLauncher

// project is everything the Supervisor tracks for one registered,
// currently-running project.
type project struct {
	reg       store.ProjectRegistration
	paths     store.Paths
	scheduler *wake.Scheduler
	logger    *log.Logger
	watcher   *config.Watcher
	sink      *ProjectSink

	cancel  context.CancelFunc
	runDone chan struct{}
}

// Manager is the Supervisor. Create with New, then call Start once to run
// crash recovery and spin up a scheduler per registered project.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	projects map[ids.ProjectID]*project
}

// New returns a Manager. Call Start to begin running registered projects.
func New(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		projects: make(map[ids.ProjectID]*project),
	}
}

// Start implements spec.md §4.8's crash-recovery entry point at the
// Supervisor level: read the app-wide registry and start one Wake
// Scheduler per registered project. Each scheduler performs its own
// per-project recovery (wake.Scheduler.recover) as the first thing its
// Run loop does.
func (m *Manager) Start(ctx context.Context) error {
	cfg, _, err := m.deps.Store.ReadAppConfig(m.deps.AppConfigDir)
	if err != nil {
		return fmt.Errorf("supervisor: reading app registry: %w", err)
	}
	for _, reg := range cfg.Projects {
		if err := m.startProject(ctx, reg); err != nil {
			return fmt.Errorf("supervisor: starting project %s: %w", reg.ID, err)
		}
	}
	return nil
}

// RegisterProject implements the Control API's registerProject(path): it
// adds path to the app-wide registry (creating a default ProjectConfig
// and empty ProjectState if this is the project's first registration)
// and starts its Wake Scheduler.
func (m *Manager) RegisterProject(ctx context.Context, path, displayName string) (ids.ProjectID, error) {
	paths := store.NewPaths(path)
	if err := paths.EnsureDirs(); err != nil {
		return "", fmt.Errorf("supervisor: preparing %s: %w", path, err)
	}

	if _, _, err := m.deps.Store.ReadProjectState(paths); err != nil {
		se, ok := err.(*store.Error)
		if !ok || se.Kind != store.KindIO || !os.IsNotExist(se.Err) {
			return "", err
		}
		if _, werr := m.deps.Store.WriteProjectState(paths, &store.ProjectState{Status: store.StatusSleeping}, store.Version("")); werr != nil {
			return "", fmt.Errorf("supervisor: initializing project state: %w", werr)
		}
	}
	if _, err := os.Stat(paths.ConfigFile()); os.IsNotExist(err) {
		defaultCfg := store.ProjectConfig{
			Name:         displayName,
			WakeSchedule: store.WakeSchedule{Type: store.WakeManual},
		}
		data, merr := json.MarshalIndent(&defaultCfg, "", "  ")
		if merr != nil {
			return "", fmt.Errorf("supervisor: building default project config: %w", merr)
		}
		if werr := os.WriteFile(paths.ConfigFile(), data, 0o644); werr != nil {
			return "", fmt.Errorf("supervisor: writing default project config: %w", werr)
		}
	} else if err != nil {
		return "", fmt.Errorf("supervisor: checking for existing project config: %w", err)
	}

	reg := store.ProjectRegistration{
		ID:          ids.NewProjectID(),
		Path:        path,
		DisplayName: displayName,
		AddedAt:     m.deps.Clock.Now(),
	}
	if err := m.appendRegistration(reg); err != nil {
		return "", err
	}
	if err := m.startProject(ctx, reg); err != nil {
		return "", err
	}
	return reg.ID, nil
}

// RemoveProject implements removeProject(projectId): it stops the
// project's scheduler and deletes its registration. The project's files
// on disk (its .anima/ directory) are left untouched — removal is an
// unregistration, not a delete.
func (m *Manager) RemoveProject(projectID ids.ProjectID) error {
	m.mu.Lock()
	p, ok := m.projects[projectID]
	if ok {
		delete(m.projects, projectID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: project %s is not registered", projectID)
	}
	p.stop()

	cfg, ver, err := m.deps.Store.ReadAppConfig(m.deps.AppConfigDir)
	if err != nil {
		return err
	}
	kept := make([]store.ProjectRegistration, 0, len(cfg.Projects))
	for _, r := range cfg.Projects {
		if r.ID != projectID {
			kept = append(kept, r)
		}
	}
	cfg.Projects = kept
	_, err = m.deps.Store.WriteAppConfig(m.deps.AppConfigDir, cfg, ver)
	return err
}

// ListProjects implements listProjects().
func (m *Manager) ListProjects() []store.ProjectRegistration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ProjectRegistration, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.reg)
	}
	return out
}

// Shutdown stops every running project's scheduler and waits for each to
// return, for a clean process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	projects := make([]*project, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, p)
	}
	m.mu.Unlock()

	for _, p := range projects {
		p.stop()
	}
}

func (p *project) stop() {
	p.cancel()
	<-p.runDone
	if p.watcher != nil {
		p.watcher.Close()
	}
	if p.sink != nil {
		p.sink.Unregister(p.reg.ID)
	}
}

func (m *Manager) appendRegistration(reg store.ProjectRegistration) error {
	cfg, ver, err := m.deps.Store.ReadAppConfig(m.deps.AppConfigDir)
	if err != nil {
		return err
	}
	cfg.Projects = append(cfg.Projects, reg)
	if _, err := m.deps.Store.WriteAppConfig(m.deps.AppConfigDir, cfg, ver); err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindStale {
			return m.appendRegistration(reg)
		}
		return err
	}
	return nil
}

// startProject builds a project's dependencies (per-project logger, Wake
// Scheduler, Iteration Engine factory, config watcher) and runs its
// scheduler in a new goroutine.
func (m *Manager) startProject(ctx context.Context, reg store.ProjectRegistration) error {
	paths := store.NewPaths(reg.Path)
	if err := paths.EnsureDirs(); err != nil {
		return err
	}

	logger, err := applog.New(paths.LogFile())
	if err != nil {
		return err
	}

	cfg, err := config.LoadProjectConfig(paths.ConfigFile())
	if err != nil {
		return fmt.Errorf("supervisor: loading config for %s: %w", reg.Path, err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("supervisor: invalid config for %s: %w", reg.Path, err)
	}

	launcher := m.deps.Launcher(paths, logger)
	engineDeps := engine.Deps{
		Store:     m.deps.Store,
		Paths:     paths,
		Clock:     m.deps.Clock,
		Bus:       m.deps.Bus,
		Launcher:  launcher,
		ProjectID: reg.ID,
		NewVCS:    vcs.NewGit,
	}

	newEngine := m.deps.NewEngine
	if newEngine == nil {
		newEngine = func(deps engine.Deps, cfg store.ProjectConfig) wake.EngineRunner {
			return engine.New(deps, cfg)
		}
	}
	sched := wake.New(wake.Deps{
		Store:      m.deps.Store,
		Paths:      paths,
		Clock:      m.deps.Clock,
		Bus:        m.deps.Bus,
		ProjectID:  reg.ID,
		EngineDeps: engineDeps,
		NewEngine: func(cfg store.ProjectConfig) wake.EngineRunner {
			return newEngine(engineDeps, cfg)
		},
	}, *cfg)

	if m.deps.Sink != nil {
		if err := m.deps.Sink.Register(reg.ID, paths); err != nil {
			logger.Printf("supervisor: events log disabled for %s: %v", reg.Path, err)
		}
	}

	watcher, err := config.NewWatcher(paths.ConfigFile(), logger, func(cfg *store.ProjectConfig) {
		sched.SetConfig(*cfg)
	})
	if err != nil {
		logger.Printf("supervisor: config watch disabled for %s: %v", reg.Path, err)
		watcher = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &project{
		reg:       reg,
		paths:     paths,
		scheduler: sched,
		logger:    logger,
		watcher:   watcher,
		sink:      m.deps.Sink,
		cancel:    cancel,
		runDone:   make(chan struct{}),
	}

	go func() {
		defer close(p.runDone)
		if err := sched.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Printf("scheduler for %s exited with error: %v", reg.Path, err)
		}
	}()

	m.mu.Lock()
	m.projects[reg.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *Manager) project(projectID ids.ProjectID) (*project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("supervisor: project %s is not registered", projectID)
	}
	return p, nil
}
