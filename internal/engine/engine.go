// Package engine implements the Iteration Engine (spec.md §4.6): it
// drives one milestone from in_progress to completed, awaiting_review,
// cancelled, or failed through an alternating Developer/Acceptor loop,
// persisting every transition through the Persistence Store and
// emitting every observable change on the event bus.
//
// Grounded on steveyegge/gastown's internal/crew.Manager for the
// "own a small set of named, role-scoped sessions, drive them serially,
// persist outcomes" shape, adapted from crew personas to the
// Developer/Acceptor roles this spec defines, and on
// internal/ratelimit/cooldown.go's absolute-deadline pattern for
// timeouts (reused here via internal/clock.DeadlineTimer).
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/saltbo/anima/internal/agentproc"
	"github.com/saltbo/anima/internal/agentstream"
	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/corerr"
	"github.com/saltbo/anima/internal/docs"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/vcs"
)

// Role distinguishes the two agent sessions a milestone run owns.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleAcceptor  Role = "acceptor"
)

// ConsecutiveRejectionThreshold is the count at which the main loop
// pauses for human input, per spec.md §4.6.
const ConsecutiveRejectionThreshold = 3

// Outcome is what a Run call converged on, telling the Wake Scheduler
// what to do next (spec.md §4.5's awake-state exits).
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeAwaitingReview Outcome = "awaiting_review"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeFailed         Outcome = "failed"
	OutcomePaused         Outcome = "paused"
	OutcomeQuotaSuspended Outcome = "quota_suspended"
)

// AgentLauncher starts the interactive agent CLI for one role, bound to
// workDir. The core carries no opinion about which CLI binary this is —
// spec.md §6: "the agent command path is carried in the adapter layer."
type AgentLauncher interface {
	Launch(ctx context.Context, role Role, workDir string) (*agentproc.Session, error)
}

// Deps are the Iteration Engine's dependencies, all injected so it never
// reaches for a package-level global (spec.md §9's "no ambient state
// elsewhere").
type Deps struct {
	Store     *store.Store
	Paths     store.Paths
	Clock     clock.Clock
	Bus       *eventbus.Bus
	Launcher  AgentLauncher
	ProjectID ids.ProjectID
	NewVCS    func(dir string) *vcs.Git
}

// Engine drives a single milestone's lifecycle. One Engine is created
// per Run call; it holds no state across milestones.
type Engine struct {
	deps Deps
	cfg  store.ProjectConfig
}

// New returns an Engine using deps and the project's current config
// (consulted for agentTimeoutMs, maxIterationsPerMilestone, and
// checkCommand). Whether a milestone ends in human review is read from the
// milestone's own requiresHumanReview field, not from
// defaultRequiresHumanReview.
func New(deps Deps, cfg store.ProjectConfig) *Engine {
	return &Engine{deps: deps, cfg: cfg}
}

// QuotaSuspension carries the detail the Wake Scheduler needs to arm its
// back-off timer when Run returns OutcomeQuotaSuspended.
type QuotaSuspension struct {
	ResetAt time.Time
}

// Run drives milestoneID to a terminal-for-this-invocation outcome. If
// resume is true, this is a restart (crash recovery, post quota-reset,
// or post pause/review decision) rather than a brand-new milestone
// start: pre-start branch/session setup is skipped in favor of
// reconciliation (spec.md §4.8).
func (e *Engine) Run(ctx context.Context, milestoneID ids.MilestoneID, resume bool) (Outcome, *QuotaSuspension, error) {
	m, mVer, err := e.deps.Store.ReadMilestone(e.deps.Paths, milestoneID)
	if err != nil {
		return "", nil, err
	}

	g := e.deps.NewVCS(e.deps.Paths.ProjectRoot)

	if !resume {
		if err := e.preStart(ctx, g, m, mVer); err != nil {
			return "", nil, err
		}
		// preStart persisted the new status; re-read so mVer is current.
		m, mVer, err = e.deps.Store.ReadMilestone(e.deps.Paths, milestoneID)
		if err != nil {
			return "", nil, err
		}
	} else if err := e.reconcile(ctx, g, m); err != nil {
		return "", nil, err
	}

	devSession, err := e.deps.Launcher.Launch(ctx, RoleDeveloper, e.deps.Paths.ProjectRoot)
	if err != nil {
		return "", nil, corerr.New(corerr.KindTransientAgent, "launching developer session", err)
	}
	defer devSession.Close()

	acceptSession, err := e.deps.Launcher.Launch(ctx, RoleAcceptor, e.deps.Paths.ProjectRoot)
	if err != nil {
		return "", nil, corerr.New(corerr.KindTransientAgent, "launching acceptor session", err)
	}
	defer acceptSession.Close()

	run := &milestoneRun{
		engine:     e,
		g:          g,
		milestone:  m,
		milestoneVersion: mVer,
		dev:        devSession,
		acceptor:   acceptSession,
		devParser:  agentstream.New(e.deps.Clock.Now),
		acceptParser: agentstream.New(e.deps.Clock.Now),
		resuming:   resume,
	}

	return run.mainLoop(ctx)
}

// preStart implements spec.md §4.6's "Pre-start" steps: reconcile the
// working tree, create the milestone branch, and flip both
// ProjectState.status and Milestone.status under the project lock, per
// the §3 invariant table's "scheduler picks up ready milestone" row.
func (e *Engine) preStart(ctx context.Context, g *vcs.Git, m *store.Milestone, mVer store.Version) error {
	status, err := g.Status()
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "checking working tree status", err)
	}
	// Anima's own .anima/ directory lives in the working tree and changes on
	// every state write, so it does not count as a dirty tree.
	for _, p := range append(append(status.Untracked, status.Staged...), status.Modified...) {
		if p != ".anima" && !strings.HasPrefix(p, ".anima/") {
			return corerr.New(corerr.KindFatalEngine, "working tree dirty before milestone start", nil)
		}
	}

	base, err := g.DefaultBranch()
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "resolving default integration branch", err)
	}
	if err := g.Checkout(base); err != nil {
		return corerr.New(corerr.KindVersionControl, "checking out integration branch", err)
	}
	baseCommit, err := g.Rev("HEAD")
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "resolving integration branch head", err)
	}

	branch := ids.BranchName(m.ID)
	if err := g.CreateBranch(branch, baseCommit); err != nil {
		return corerr.New(corerr.KindVersionControl, "creating milestone branch", err)
	}
	if err := g.Checkout(branch); err != nil {
		return corerr.New(corerr.KindVersionControl, "checking out milestone branch", err)
	}

	now := e.deps.Clock.Now()
	return e.deps.Store.WithProjectLock(e.deps.Paths, func() error {
		m.Status = store.MilestoneInProgress
		m.BranchName = branch
		m.BaseCommit = baseCommit
		m.StartedAt = &now
		if _, err := e.deps.Store.WriteMilestone(e.deps.Paths, m, mVer); err != nil {
			return err
		}

		st, stVer, err := e.deps.Store.ReadProjectState(e.deps.Paths)
		if err != nil {
			return err
		}
		st.Status = store.StatusAwake
		st.CurrentMilestoneID = m.ID
		st.LastActiveAt = &now
		if st.FirstActivatedAt == nil {
			st.FirstActivatedAt = &now
		}
		_, err = e.deps.Store.WriteProjectState(e.deps.Paths, st, stVer)
		return err
	})
}

// reconcile implements spec.md §4.8 step 3: verify the working tree is
// on the milestone branch, switching if not; if dirty, the Developer is
// asked to reconcile before the main loop resumes.
func (e *Engine) reconcile(ctx context.Context, g *vcs.Git, m *store.Milestone) error {
	current, err := g.CurrentBranch()
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "reading current branch", err)
	}
	if current != m.BranchName {
		if err := g.Checkout(m.BranchName); err != nil {
			return corerr.New(corerr.KindVersionControl, "switching to milestone branch on resume", err)
		}
	}
	// A dirty tree here is resolved by the first developer prompt of the
	// resumed loop (buildDeveloperPrompt injects a reconciliation
	// directive whenever milestoneRun.resuming is set); reconcile itself
	// only ensures we're on the right branch.
	return nil
}

func agentTimeout(cfg store.ProjectConfig) time.Duration {
	if cfg.AgentTimeoutMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(cfg.AgentTimeoutMs) * time.Millisecond
}

// loadMilestoneDoc parses the milestone's markdown document for its
// acceptance-criteria list, used by both prompt builders.
func (e *Engine) loadMilestoneDoc(m *store.Milestone) (*docs.Milestone, error) {
	path := e.deps.Paths.MilestoneDocFile(m.ID)
	doc, err := docs.ParseMilestoneFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: reading milestone doc %s: %w", path, err)
	}
	return doc, nil
}
