// Package wake implements the Wake Scheduler (spec.md §4.5): one per
// registered project, it decides when the project leaves sleeping and
// drives the Iteration Engine against whatever milestone is ready,
// reacting to control signals (wake now, pause, resume, cancel) and to
// the Engine's own quota/pause/review outcomes.
//
// Grounded on steveyegge/gastown's internal/crew.Manager for the
// "own a goroutine with an input mailbox plus a timer, persist every
// transition" shape (the same grounding engine.Engine draws on one
// layer down), and on internal/ratelimit/cooldown.go's absolute-deadline
// timer, reused here via internal/clock.DeadlineTimer for the quota
// back-off and the spec.md §4.5 "times" wake schedule. golang.org/x/time
// is promoted here from an indirect dependency to a direct, deliberately
// exercised one, pacing the checking phase's milestone scan with a
// token-bucket rate.Limiter rather than a hand-rolled counter.
package wake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/corerr"
	"github.com/saltbo/anima/internal/engine"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
)

// milestoneScanRate caps how fast checkOnce's "checking" pass re-reads
// individual milestone records out of order.json. One Scheduler's own
// loop is already sequential, but every registered project runs this
// scan concurrently against the same app-level store; the limiter keeps
// a project with a long order.json from monopolizing disk I/O during a
// single checkOnce call.
const milestoneScanRate = rate.Limit(50)

// writeGuidanceFile persists freeform human guidance for the Iteration
// Engine's next Developer prompt to consume and delete
// (engine.milestoneRun.buildDeveloperPrompt).
func writeGuidanceFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text+"\n"), 0o644)
}

// defaultQuotaBackoff is spec.md §4.5's fallback when a quota event
// carries no extractable resetAt.
const defaultQuotaBackoff = 60 * time.Minute

// EngineRunner is the subset of *engine.Engine the scheduler drives. It
// is an interface so tests can stub iteration outcomes without spawning
// real agent sessions.
type EngineRunner interface {
	Run(ctx context.Context, milestoneID ids.MilestoneID, resume bool) (engine.Outcome, *engine.QuotaSuspension, error)
}

// EngineFactory builds the EngineRunner for one Run call. The scheduler
// asks for a fresh one each time because Engine carries no state across
// milestones (see engine.New's doc comment).
type EngineFactory func(cfg store.ProjectConfig) EngineRunner

// Signal is a control-API operation addressed at one project's scheduler
// (spec.md §6's Control API, minus the Supervisor-level operations that
// don't target a running scheduler).
type Signal int

const (
	SignalWakeNow Signal = iota
	SignalPause
	SignalResume
	SignalCancel
	SignalApproveReview
	SignalRejectReview
	SignalGuidance
)

// Command is one control signal plus its optional argument, sent on the
// scheduler's mailbox.
type Command struct {
	Signal Signal
	Reason string // RejectReview's reason, Guidance's text
	Result chan<- error
}

// reply sends err on cmd.Result if the caller is listening, never
// blocking if they aren't.
func (c Command) reply(err error) {
	if c.Result == nil {
		return
	}
	select {
	case c.Result <- err:
	default:
	}
}

// Deps are the scheduler's injected dependencies, mirroring
// engine.Deps's "no ambient state" discipline (spec.md §9).
type Deps struct {
	Store     *store.Store
	Paths     store.Paths
	Clock     clock.Clock
	Bus       *eventbus.Bus
	ProjectID ids.ProjectID
	NewEngine EngineFactory
	EngineDeps engine.Deps // passed through to ApproveReview/RejectReview
}

// Scheduler runs one project's state machine (spec.md §4.5) for the
// lifetime of the process. Create with New and start with Run in its own
// goroutine; send signals with Send.
type Scheduler struct {
	deps Deps

	cfgMu sync.Mutex
	cfg   store.ProjectConfig

	cmds    chan Command
	wakeNow chan struct{}
	done    chan struct{}

	scanLimiter *rate.Limiter

	cancelMu     sync.Mutex
	activeCancel context.CancelFunc
}

// New returns a Scheduler for one project. cfg is the project's current
// configuration; callers that watch config.json for edits should rebuild
// (or update) the scheduler's cfg via SetConfig.
func New(deps Deps, cfg store.ProjectConfig) *Scheduler {
	return &Scheduler{
		deps:        deps,
		cfg:         cfg,
		cmds:        make(chan Command, 8),
		wakeNow:     make(chan struct{}, 1),
		done:        make(chan struct{}),
		scanLimiter: rate.NewLimiter(milestoneScanRate, 1),
	}
}

// SetConfig updates the project configuration the scheduler consults on
// its next tick (wake schedule, timeouts, review policy).
func (s *Scheduler) SetConfig(cfg store.ProjectConfig) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Scheduler) config() store.ProjectConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// Send delivers a control signal to the scheduler's mailbox. It does not
// block on the scheduler having consumed it; callers that need the
// outcome should set Command.Result.
func (s *Scheduler) Send(ctx context.Context, cmd Command) {
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		cmd.reply(ctx.Err())
	case <-s.done:
		cmd.reply(fmt.Errorf("wake: scheduler stopped"))
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wakeNow <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(kind eventbus.Kind, payload any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{
		ProjectID: s.deps.ProjectID,
		Kind:      kind,
		Timestamp: s.deps.Clock.Now(),
		Payload:   payload,
	})
}

// Run is the scheduler's main loop: sleeping ⇄ checking ⇄
// awake/rate_limited/paused, per spec.md §4.5's state diagram. It runs
// until ctx is cancelled, and closes s.done on return so pending Sends
// unblock. A dedicated goroutine drains control signals for the entire
// lifetime of Run, so a cancel arriving while a milestone is actively
// running (awake) still interrupts it immediately (spec.md §4.5's "any
// non-terminal -- user cancel --> sleeping" arrow) rather than waiting
// for the engine to return on its own.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	stopDispatch := make(chan struct{})
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		s.dispatchLoop(ctx, stopDispatch)
	}()
	// Deferred in reverse-execution order: close stopDispatch first so
	// dispatchLoop can return even if ctx is still live, then wait for it
	// to actually exit, then finally close s.done so pending Sends see
	// the scheduler as stopped only once dispatchLoop can no longer
	// observe s.cmds.
	defer func() { <-dispatchDone }()
	defer close(stopDispatch)

	if err := s.recover(ctx); err != nil {
		return err
	}

	// Startup performs a check immediately regardless of wake-schedule
	// type (spec.md §4.5, "Timing").
	for {
		outcome, err := s.checkOnce(ctx)
		if err != nil {
			return err
		}
		switch outcome {
		case checkCancelled:
			// The milestone was cancelled; the project is already
			// sleeping. Loop back to checking rather than ending Run —
			// cancelling one milestone does not stop the scheduler.
			continue
		case checkPaused, checkRateLimited:
			if err := s.waitForSignalOrTimer(ctx, outcome); err != nil {
				return err
			}
			continue
		case checkSleeping:
			if err := s.sleepUntilNextTick(ctx); err != nil {
				return err
			}
			continue
		}
	}
}

type checkResult int

const (
	checkSleeping checkResult = iota
	checkPaused
	checkRateLimited
	checkCancelled
)

// dispatchLoop is the sole reader of s.cmds for the scheduler's entire
// lifetime (spec.md §5's "Supervisor's control-API handler" runs
// concurrently with everything else). It applies each signal's
// persisted-state effect immediately and pokes wakeNow so whichever wait
// (sleeping, paused, rate_limited) the main loop is blocked in returns.
func (s *Scheduler) dispatchLoop(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case cmd := <-s.cmds:
			err := s.handleCommand(cmd)
			cmd.reply(err)
		}
	}
}

// handleCommand applies one control signal's effect on persisted state
// and, for signals that should end a suspension, pokes wakeNow.
// SignalCancel additionally interrupts an in-flight Iteration Engine
// run directly via activeCancel, since the main loop cannot otherwise
// observe a signal while blocked inside engine.Run.
func (s *Scheduler) handleCommand(cmd Command) error {
	switch cmd.Signal {
	case SignalWakeNow:
		s.poke()
		return nil

	case SignalResume:
		if err := s.resumeFromPause(); err != nil {
			return err
		}
		s.poke()
		return nil

	case SignalApproveReview:
		if err := s.approveReview(); err != nil {
			return err
		}
		s.poke()
		return nil

	case SignalRejectReview:
		if err := s.rejectReview(cmd.Reason); err != nil {
			return err
		}
		s.poke()
		return nil

	case SignalCancel:
		s.interruptActiveRun()
		if err := s.cancelCurrentMilestone(); err != nil {
			return err
		}
		s.poke()
		return nil

	case SignalPause:
		// spec.md §4.5's diagram has no awake -- pause --> paused arrow;
		// pause only takes effect while sleeping/checking with no current
		// milestone (it prevents the next tick from picking up a new
		// milestone). A pause sent while a milestone is actively running,
		// suspended, or awaiting review has no effect and is not queued
		// for later.
		st, _, err := s.deps.Store.ReadProjectState(s.deps.Paths)
		if err != nil {
			return corerr.New(corerr.KindCorruptState, "reading project state", err)
		}
		if st.CurrentMilestoneID != "" || (st.Status != store.StatusSleeping && st.Status != store.StatusChecking) {
			return nil
		}
		return s.setStatus(store.StatusPaused)

	case SignalGuidance:
		return writeGuidanceFile(s.deps.Paths.GuidanceFile(), cmd.Reason)

	default:
		return fmt.Errorf("wake: unknown signal %d", cmd.Signal)
	}
}

func (s *Scheduler) setActiveCancel(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.activeCancel = cancel
}

func (s *Scheduler) interruptActiveRun() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.activeCancel != nil {
		s.activeCancel()
	}
}

// errCancelledWhileWaiting signals "a signal arrived while we were
// blocked on a timer; loop back to checkOnce immediately" — it never
// escapes waitFor.
var errCancelledWhileWaiting = fmt.Errorf("wake: interrupted by signal")

// recover implements spec.md §4.8's crash-recovery entry for this
// project: read persisted state and, if it shows rate_limited with a
// future resetAt, nothing further is needed here — checkOnce's own
// rate_limited handling re-arms the timer. A project found mid-milestone
// (awake/paused) is left exactly as persisted; the next checkOnce call
// re-enters the Iteration Engine with resume=true.
func (s *Scheduler) recover(ctx context.Context) error {
	st, _, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state on startup", err)
	}
	if st.Status == store.StatusAwake || st.Status == store.StatusPaused || st.Status == store.StatusRateLimited {
		s.publish(eventbus.KindRecovered, map[string]any{"status": string(st.Status)})
	}
	return nil
}

// checkOnce implements the "checking" state: decide whether there is a
// ready milestone to hand to the Iteration Engine, or whether the
// project's persisted status already demands paused/rate_limited
// handling before any new milestone can be picked up.
func (s *Scheduler) checkOnce(ctx context.Context) (checkResult, error) {
	st, _, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return 0, corerr.New(corerr.KindCorruptState, "reading project state", err)
	}

	// A project already mid-milestone (resumed awake, or interrupted
	// crash-recovery) re-enters the Iteration Engine at that milestone
	// rather than consulting order.json for a new one. The persisted
	// status is read before it is overwritten with checking.
	if st.CurrentMilestoneID != "" && st.Status == store.StatusAwake {
		return s.runMilestone(ctx, st.CurrentMilestoneID, true)
	}
	if st.CurrentMilestoneID != "" && st.Status == store.StatusRateLimited {
		return checkRateLimited, s.ensureQuotaResetAt(st)
	}
	if st.Status == store.StatusPaused {
		return checkPaused, nil
	}

	if err := s.setStatus(store.StatusChecking); err != nil {
		return 0, err
	}

	milestoneID, ok, err := s.nextReadyMilestone(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := s.setStatus(store.StatusSleeping); err != nil {
			return 0, err
		}
		return checkSleeping, nil
	}

	return s.runMilestone(ctx, milestoneID, false)
}

// nextReadyMilestone returns the first id in order.json whose milestone
// record has status "ready" (spec.md §8's boundary behavior: ids of
// non-ready milestones are ignored, not errors). Each record read is
// paced by scanLimiter.
func (s *Scheduler) nextReadyMilestone(ctx context.Context) (ids.MilestoneID, bool, error) {
	order, _, err := s.deps.Store.ReadOrder(s.deps.Paths)
	if err != nil {
		return "", false, corerr.New(corerr.KindCorruptState, "reading milestone order", err)
	}
	for _, id := range order.IDs {
		if err := s.scanLimiter.Wait(ctx); err != nil {
			return "", false, err
		}
		m, _, err := s.deps.Store.ReadMilestone(s.deps.Paths, id)
		if err != nil {
			continue
		}
		if m.Status == store.MilestoneReady {
			return id, true, nil
		}
	}
	return "", false, nil
}

// runMilestone hands milestoneID to a freshly built Iteration Engine and
// translates its outcome into the next scheduler state, per spec.md
// §4.5's "awake" row of the state diagram. The run's context is
// cancellable independently of ctx so a SignalCancel arriving mid-run
// can interrupt it (see handleCommand/interruptActiveRun).
func (s *Scheduler) runMilestone(ctx context.Context, milestoneID ids.MilestoneID, resume bool) (checkResult, error) {
	// The scheduler owns ProjectState and sets CurrentMilestoneID itself
	// rather than relying on the Iteration Engine's own preStart to do
	// it (preStart writes the same field for its own invariant but only
	// once the milestone branch exists; the scheduler needs it visible
	// to approve/reject/resume signals immediately).
	if err := s.updateState(func(st *store.ProjectState, now time.Time) {
		st.Status = store.StatusAwake
		st.CurrentMilestoneID = milestoneID
		st.LastActiveAt = &now
	}); err != nil {
		return 0, err
	}
	s.publish(eventbus.KindMilestoneStatusChange, map[string]any{"milestoneId": string(milestoneID), "status": "starting"})

	runCtx, cancel := context.WithCancel(ctx)
	s.setActiveCancel(cancel)
	defer func() {
		cancel()
		s.setActiveCancel(nil)
	}()

	eng := s.deps.NewEngine(s.config())
	outcome, susp, err := eng.Run(runCtx, milestoneID, resume)
	if err != nil {
		return s.handleRunError(err)
	}

	switch outcome {
	case engine.OutcomeCompleted, engine.OutcomeFailed:
		s.publish(eventbus.KindMilestoneStatusChange, map[string]any{"milestoneId": string(milestoneID), "status": string(outcome)})
		return checkSleeping, s.sleepClearingMilestone()

	case engine.OutcomeAwaitingReview:
		s.publish(eventbus.KindMilestoneStatusChange, map[string]any{"milestoneId": string(milestoneID), "status": "awaiting_review"})
		return checkSleeping, s.sleepKeepingMilestone(milestoneID)

	case engine.OutcomeCancelled:
		s.publish(eventbus.KindMilestoneStatusChange, map[string]any{"milestoneId": string(milestoneID), "status": "cancelled"})
		return checkCancelled, s.sleepClearingMilestone()

	case engine.OutcomePaused:
		return checkPaused, s.setStatus(store.StatusPaused)

	case engine.OutcomeQuotaSuspended:
		return checkRateLimited, s.enterRateLimited(susp)

	default:
		return checkSleeping, s.sleepClearingMilestone()
	}
}

// handleRunError applies spec.md §7's surfacing rules for errors that
// escape the Iteration Engine entirely (persistence_io, corrupt_state,
// or a finalization fatal_milestone failure — the milestone stays
// in_progress and the project is forced to paused awaiting human
// input).
func (s *Scheduler) handleRunError(err error) (checkResult, error) {
	switch {
	case corerr.Is(err, corerr.KindPersistenceIO),
		corerr.Is(err, corerr.KindCorruptState),
		corerr.Is(err, corerr.KindFatalMilestone):
		s.publish(eventbus.KindError, map[string]any{"error": err.Error()})
		if serr := s.setStatus(store.StatusPaused); serr != nil {
			return 0, serr
		}
		return checkPaused, nil
	default:
		return 0, err
	}
}

// enterRateLimited persists rate_limited plus an absolute resetAt
// (spec.md §4.5's "Quota back-off").
func (s *Scheduler) enterRateLimited(susp *engine.QuotaSuspension) error {
	st, stVer, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	resetAt := s.deps.Clock.Now().Add(defaultQuotaBackoff)
	if susp != nil && !susp.ResetAt.IsZero() {
		resetAt = susp.ResetAt
	}
	st.Status = store.StatusRateLimited
	st.RateLimitResetAt = &resetAt
	if _, err := s.deps.Store.WriteProjectState(s.deps.Paths, st, stVer); err != nil {
		return err
	}
	s.publish(eventbus.KindQuotaEvent, map[string]any{"resetAt": resetAt})
	return nil
}

// ensureQuotaResetAt guarantees the persisted project state carries a
// RateLimitResetAt before the caller blocks on it (spec.md §4.5's
// default-60-minutes fallback), persisted as an absolute time so a
// restart respects it.
func (s *Scheduler) ensureQuotaResetAt(st *store.ProjectState) error {
	if st.RateLimitResetAt != nil {
		return nil
	}
	fresh, ver, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	resetAt := s.deps.Clock.Now().Add(defaultQuotaBackoff)
	fresh.RateLimitResetAt = &resetAt
	_, err = s.deps.Store.WriteProjectState(s.deps.Paths, fresh, ver)
	return err
}

// setStatus persists a bare status transition (no milestone change) and
// publishes status-change, re-reading and retrying on a stale-version
// conflict per spec.md §7's persistence_stale recovery.
func (s *Scheduler) setStatus(status store.ProjectStatus) error {
	st, ver, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	if st.Status == status {
		return nil
	}
	st.Status = status
	now := s.deps.Clock.Now()
	st.LastActiveAt = &now
	if _, err := s.deps.Store.WriteProjectState(s.deps.Paths, st, ver); err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindStale {
			return s.setStatus(status)
		}
		return err
	}
	s.publish(eventbus.KindStatusChange, map[string]any{"status": string(status)})
	return nil
}

// sleepClearingMilestone transitions to sleeping with no current
// milestone (completed, failed, or cancelled dispositions).
func (s *Scheduler) sleepClearingMilestone() error {
	return s.updateState(func(st *store.ProjectState, now time.Time) {
		st.Status = store.StatusSleeping
		st.CurrentMilestoneID = ""
		st.RateLimitResetAt = nil
		st.LastActiveAt = &now
	})
}

// sleepKeepingMilestone transitions to sleeping while still pointing at
// milestoneID, so approveAwaitingReview/rejectAwaitingReview can find it
// (spec.md §8 scenario 6: "state.status=sleeping, no merge/tag yet").
func (s *Scheduler) sleepKeepingMilestone(milestoneID ids.MilestoneID) error {
	return s.updateState(func(st *store.ProjectState, now time.Time) {
		st.Status = store.StatusSleeping
		st.CurrentMilestoneID = milestoneID
		st.RateLimitResetAt = nil
		st.LastActiveAt = &now
	})
}

func (s *Scheduler) updateState(mutate func(*store.ProjectState, time.Time)) error {
	st, ver, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	mutate(st, s.deps.Clock.Now())
	if _, err := s.deps.Store.WriteProjectState(s.deps.Paths, st, ver); err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindStale {
			return s.updateState(mutate)
		}
		return err
	}
	s.publish(eventbus.KindStatusChange, map[string]any{"status": string(st.Status)})
	return nil
}

// sleepUntilNextTick blocks until the wake schedule's next tick, a
// wake-now signal, or ctx cancellation, per spec.md §4.5's "Timing"
// rules for interval/times/manual schedules.
func (s *Scheduler) sleepUntilNextTick(ctx context.Context) error {
	cfg := s.config()
	var timer clock.Timer
	fired := make(chan struct{})
	switch cfg.WakeSchedule.Type {
	case store.WakeInterval:
		d := time.Duration(cfg.WakeSchedule.IntervalMinutes) * time.Minute
		if d <= 0 {
			d = time.Minute
		}
		timer = s.deps.Clock.AfterFunc(d, func() { close(fired) })
	case store.WakeTimes:
		next := nextTimesTick(s.deps.Clock.Now(), cfg.WakeSchedule.Times)
		timer = clock.DeadlineTimer(s.deps.Clock, next, func() { close(fired) })
	default: // WakeManual: only signals cause a transition
		fired = nil
	}

	err := s.waitFor(ctx, timer, fired)
	if err == errCancelledWhileWaiting {
		return nil
	}
	return err
}

// waitForSignalOrTimer blocks in paused/rate_limited until a relevant
// signal arrives (resume/approve for paused; any signal, or the quota
// timer, for rate_limited).
func (s *Scheduler) waitForSignalOrTimer(ctx context.Context, state checkResult) error {
	var timer clock.Timer
	var fired chan struct{}
	if state == checkRateLimited {
		st, _, err := s.deps.Store.ReadProjectState(s.deps.Paths)
		if err != nil {
			return corerr.New(corerr.KindCorruptState, "reading project state", err)
		}
		resetAt := s.deps.Clock.Now().Add(defaultQuotaBackoff)
		if st.RateLimitResetAt != nil {
			resetAt = *st.RateLimitResetAt
		}
		fired = make(chan struct{})
		timer = clock.DeadlineTimer(s.deps.Clock, resetAt, func() { close(fired) })
	}
	err := s.waitFor(ctx, timer, fired)
	if err == errCancelledWhileWaiting {
		return nil
	}
	if err != nil {
		return err
	}
	if state == checkRateLimited {
		// resetAt reached: spec.md §4.5's "rate_limited -- resetAt
		// reached --> checking" arrow, re-entering the same milestone.
		return s.updateState(func(st *store.ProjectState, now time.Time) {
			st.Status = store.StatusAwake
			st.RateLimitResetAt = nil
			st.LastActiveAt = &now
		})
	}
	return nil
}

// waitFor is the scheduler's suspension point (spec.md §5): it blocks on
// whichever of {ctx done, timer fire, wakeNow poke} happens first.
// fired is nil for a manual wake schedule with no timer armed, in which
// case select simply never picks that case. dispatchLoop is the only
// reader of s.cmds; this function only ever observes its effects through
// wakeNow.
func (s *Scheduler) waitFor(ctx context.Context, timer clock.Timer, fired <-chan struct{}) error {
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-fired:
		return nil
	case <-s.wakeNow:
		return errCancelledWhileWaiting
	}
}

func (s *Scheduler) resumeFromPause() error {
	st, stVer, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	if st.Status != store.StatusPaused {
		return nil
	}
	if st.CurrentMilestoneID != "" {
		m, mVer, err := s.deps.Store.ReadMilestone(s.deps.Paths, st.CurrentMilestoneID)
		if err != nil {
			return err
		}
		m.ConsecutiveRejections = 0
		if _, err := s.deps.Store.WriteMilestone(s.deps.Paths, m, mVer); err != nil {
			return err
		}
	}
	now := s.deps.Clock.Now()
	st.Status = store.StatusAwake
	st.LastActiveAt = &now
	_, err = s.deps.Store.WriteProjectState(s.deps.Paths, st, stVer)
	return err
}

func (s *Scheduler) approveReview() error {
	st, stVer, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	if st.CurrentMilestoneID == "" {
		return nil
	}
	if err := engine.ApproveReview(s.deps.EngineDeps, st.CurrentMilestoneID); err != nil {
		return err
	}
	now := s.deps.Clock.Now()
	st.CurrentMilestoneID = ""
	st.LastActiveAt = &now
	_, err = s.deps.Store.WriteProjectState(s.deps.Paths, st, stVer)
	return err
}

func (s *Scheduler) rejectReview(reason string) error {
	st, stVer, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	if st.CurrentMilestoneID == "" {
		return nil
	}
	if err := engine.RejectReview(s.deps.EngineDeps, st.CurrentMilestoneID, reason); err != nil {
		return err
	}
	now := s.deps.Clock.Now()
	st.Status = store.StatusAwake
	st.LastActiveAt = &now
	_, err = s.deps.Store.WriteProjectState(s.deps.Paths, st, stVer)
	return err
}

func (s *Scheduler) cancelCurrentMilestone() error {
	st, stVer, err := s.deps.Store.ReadProjectState(s.deps.Paths)
	if err != nil {
		return corerr.New(corerr.KindCorruptState, "reading project state", err)
	}
	if st.CurrentMilestoneID == "" {
		return nil
	}
	// If the Iteration Engine is actively running this milestone, it
	// observes runCtx's cancellation (interruptActiveRun, called before
	// this) and performs the branch rollback itself; this just handles
	// the case where the milestone is current but the engine is not
	// running (paused, rate_limited, or mid-review).
	if st.Status == store.StatusAwake {
		return nil
	}
	m, mVer, err := s.deps.Store.ReadMilestone(s.deps.Paths, st.CurrentMilestoneID)
	if err != nil {
		return err
	}
	m.Status = store.MilestoneCancelled
	now := s.deps.Clock.Now()
	m.CompletedAt = &now
	if _, err := s.deps.Store.WriteMilestone(s.deps.Paths, m, mVer); err != nil {
		return err
	}
	st.Status = store.StatusSleeping
	st.CurrentMilestoneID = ""
	st.RateLimitResetAt = nil
	st.LastActiveAt = &now
	_, err = s.deps.Store.WriteProjectState(s.deps.Paths, st, stVer)
	return err
}

// nextTimesTick returns the next wall-clock instant in times (each
// "HH:MM") strictly after now, rolling over to the earliest time on the
// following day if all of today's have already passed. It is called
// fresh on every tick (spec.md §4.5: "on daylight-saving transitions it
// re-derives after each tick"), never cached across a tick.
func nextTimesTick(now time.Time, times []string) time.Time {
	if len(times) == 0 {
		return now.Add(24 * time.Hour)
	}
	loc := now.Location()
	candidates := make([]time.Time, 0, len(times))
	for _, hhmm := range times {
		var hh, mm int
		if _, err := fmt.Sscanf(hhmm, "%d:%d", &hh, &mm); err != nil {
			continue
		}
		candidates = append(candidates, time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, loc))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	for _, c := range candidates {
		if c.After(now) {
			return c
		}
	}
	// All of today's ticks have passed; roll to the earliest tomorrow.
	first := candidates[0]
	return first.AddDate(0, 0, 1)
}
