package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/saltbo/anima/internal/agentproc"
	"github.com/saltbo/anima/internal/agentstream"
	"github.com/saltbo/anima/internal/corerr"
	"github.com/saltbo/anima/internal/docs"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/vcs"
)

// milestoneRun carries the per-invocation state of one Run call's main
// loop: the two long-lived agent sessions, their stream parsers, and the
// milestone entity as it mutates round over round.
type milestoneRun struct {
	engine *Engine
	g      *vcs.Git

	milestone        *store.Milestone
	milestoneVersion store.Version

	dev      *agentproc.Session
	acceptor *agentproc.Session

	devParser    *agentstream.Parser
	acceptParser *agentstream.Parser

	lastRejectionReason string
	resuming            bool
}

func (r *milestoneRun) publish(kind eventbus.Kind, payload any) {
	if r.engine.deps.Bus == nil {
		return
	}
	r.engine.deps.Bus.Publish(eventbus.Event{
		ProjectID: r.engine.deps.ProjectID,
		Kind:      kind,
		Payload:   payload,
	})
}

// persistMilestone writes r.milestone and advances r.milestoneVersion, so
// every subsequent write in the same loop iteration targets the version
// this call just produced (spec.md §4.1's optimistic-concurrency contract).
func (r *milestoneRun) persistMilestone() error {
	ver, err := r.engine.deps.Store.WriteMilestone(r.engine.deps.Paths, r.milestone, r.milestoneVersion)
	if err != nil {
		return err
	}
	r.milestoneVersion = ver
	return nil
}

func (r *milestoneRun) pauseForHuman(reason string) error {
	return r.engine.deps.Store.WithProjectLock(r.engine.deps.Paths, func() error {
		st, stVer, err := r.engine.deps.Store.ReadProjectState(r.engine.deps.Paths)
		if err != nil {
			return err
		}
		st.Status = store.StatusPaused
		if _, err := r.engine.deps.Store.WriteProjectState(r.engine.deps.Paths, st, stVer); err != nil {
			return err
		}
		r.publish(eventbus.KindStatusChange, map[string]any{"status": store.StatusPaused, "reason": reason})
		return nil
	})
}

// handleRoundError classifies an error returned from a developer or
// acceptor round: a cancelled context rolls the milestone branch back
// (spec.md §4.6.3's "user cancel" disposition), a quota error suspends
// for the Wake Scheduler to resume later, and anything else propagates.
// handled is true when the caller must return outcome/susp/err as-is.
func (r *milestoneRun) handleRoundError(ctx context.Context, err error) (outcome Outcome, susp *QuotaSuspension, handled bool, retErr error) {
	if err == nil {
		return "", nil, false, nil
	}
	if errors.Is(err, context.Canceled) {
		if rbErr := r.rollback(store.MilestoneCancelled); rbErr != nil {
			return "", nil, true, rbErr
		}
		return OutcomeCancelled, nil, true, nil
	}
	if corerr.Is(err, corerr.KindQuota) {
		return OutcomeQuotaSuspended, quotaSuspensionFrom(err.(*corerr.Error)), true, nil
	}
	return "", nil, true, err
}

// mainLoop implements spec.md §4.6's loop, alternating Developer and
// Acceptor rounds until a terminal Outcome is reached.
func (r *milestoneRun) mainLoop(ctx context.Context) (Outcome, *QuotaSuspension, error) {
	for {
		devEvent, err := r.developerRound(ctx)
		if outcome, susp, handled, rErr := r.handleRoundError(ctx, err); handled {
			return outcome, susp, rErr
		}

		if devEvent.kind == roundTimeout {
			outcome, susp, done, err := r.handleRejection(ctx, "developer round timed out")
			if err != nil || done {
				return outcome, susp, err
			}
			continue
		}

		if devEvent.allFeaturesComplete {
			outcome, susp, err := r.finalReview(ctx)
			return outcome, susp, err
		}

		checkOK, checkReason, err := r.runCheckCommand()
		if outcome, susp, handled, rErr := r.handleRoundError(ctx, err); handled {
			return outcome, susp, rErr
		}
		if !checkOK {
			outcome, susp, done, err := r.handleRejection(ctx, checkReason)
			if err != nil || done {
				return outcome, susp, err
			}
			continue
		}

		acceptEvent, err := r.acceptorRound(ctx, devEvent.commits, false)
		if outcome, susp, handled, rErr := r.handleRoundError(ctx, err); handled {
			return outcome, susp, rErr
		}

		switch acceptEvent.verdict {
		case agentstream.VerdictAccepted:
			r.milestone.ConsecutiveRejections = 0
			r.milestone.IterationCount++
			r.lastRejectionReason = ""
			if err := r.persistMilestone(); err != nil {
				return "", nil, err
			}
			if err := r.writeIterationMemory(devEvent, acceptEvent); err != nil {
				return "", nil, err
			}
			if r.milestone.IterationCount >= r.engine.cfg.MaxIterationsPerMilestone {
				if err := r.pauseForHuman("maxIterationsPerMilestone reached"); err != nil {
					return "", nil, err
				}
				return OutcomePaused, nil, nil
			}
		default: // REJECTED or round-timeout-as-rejected
			outcome, susp, done, err := r.handleRejection(ctx, acceptEvent.reason)
			if err != nil || done {
				return outcome, susp, err
			}
		}
	}
}

// handleRejection applies spec.md §4.6's rejection bookkeeping: increment
// the counter, persist, and pause for human input once the threshold is
// reached. done is true when the caller must return immediately (pause).
func (r *milestoneRun) handleRejection(ctx context.Context, reason string) (Outcome, *QuotaSuspension, bool, error) {
	r.milestone.ConsecutiveRejections++
	r.lastRejectionReason = reason
	if err := r.persistMilestone(); err != nil {
		return "", nil, true, err
	}

	if r.milestone.ConsecutiveRejections >= ConsecutiveRejectionThreshold {
		if err := r.pauseForHuman(fmt.Sprintf("%d consecutive rejections", r.milestone.ConsecutiveRejections)); err != nil {
			return "", nil, true, err
		}
		return OutcomePaused, nil, true, nil
	}
	return "", nil, false, nil
}

// roundOutcome carries what a developer round produced for use by the
// acceptor round and the loop's control flow.
type roundOutcome struct {
	kind                string
	allFeaturesComplete bool
	summary             string
	commits             []string
}

const roundTimeout = "timeout"

// developerRound builds and sends the Developer prompt, then drains the
// session's output until a verdict or ALL_FEATURES_COMPLETE is flushed, or
// the configured agent timeout elapses.
func (r *milestoneRun) developerRound(ctx context.Context) (*roundOutcome, error) {
	prompt, err := r.buildDeveloperPrompt()
	if err != nil {
		return nil, err
	}

	r.publish(eventbus.KindRoundStarted, map[string]any{"role": "developer", "milestoneId": r.milestone.ID})

	if err := r.dev.Send([]byte(prompt + "\n")); err != nil {
		return nil, corerr.New(corerr.KindTransientAgent, "sending developer prompt", err)
	}

	ev, err := r.awaitVerdict(ctx, r.dev, r.devParser)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return &roundOutcome{kind: roundTimeout}, nil
	}

	out := &roundOutcome{commits: ev.Commits, summary: ev.Summary}
	if ev.Verdict == agentstream.VerdictAllFeaturesComplete {
		out.allFeaturesComplete = true
	}
	r.publish(eventbus.KindRoundFinished, map[string]any{"role": "developer", "verdict": string(ev.Verdict)})
	return out, nil
}

// runCheckCommand runs the project's optional post-commit verification
// command (store.ProjectConfig.CheckCommand) against the Developer's
// commits before spending an Acceptor round on them. ok is false when
// the command exits non-zero; reason is the rejection fed back to the
// Developer's next prompt, the same path a rejected Acceptor verdict
// takes. An empty CheckCommand always reports ok.
func (r *milestoneRun) runCheckCommand() (ok bool, reason string, err error) {
	cmd := strings.TrimSpace(r.engine.cfg.CheckCommand)
	if cmd == "" {
		return true, "", nil
	}

	r.publish(eventbus.KindRoundStarted, map[string]any{"role": "check", "milestoneId": r.milestone.ID})
	output, runErr := r.g.RunCheck(cmd)
	if runErr == nil {
		r.publish(eventbus.KindRoundFinished, map[string]any{"role": "check", "verdict": "passed"})
		return true, "", nil
	}

	var checkErr *vcs.CheckError
	if errors.As(runErr, &checkErr) {
		reason = fmt.Sprintf("check command %q failed (exit %d):\n%s", cmd, checkErr.ExitCode, strings.TrimSpace(output))
		r.publish(eventbus.KindRoundFinished, map[string]any{"role": "check", "verdict": "failed", "reason": reason})
		return false, reason, nil
	}
	return false, "", corerr.New(corerr.KindTransientAgent, "running check command", runErr)
}

// acceptVerdict is the per-round or final-review result once the Acceptor
// session has produced a terminal verdict.
type acceptVerdict struct {
	verdict agentstream.Verdict
	reason  string
}

func (r *milestoneRun) acceptorRound(ctx context.Context, commits []string, final bool) (*acceptVerdict, error) {
	var prompt string
	var err error
	if final {
		prompt, err = r.buildFinalReviewPrompt()
	} else {
		prompt, err = r.buildPerRoundAcceptorPrompt(commits)
	}
	if err != nil {
		return nil, err
	}

	r.publish(eventbus.KindRoundStarted, map[string]any{"role": "acceptor", "milestoneId": r.milestone.ID})

	if err := r.acceptor.Send([]byte(prompt + "\n")); err != nil {
		return nil, corerr.New(corerr.KindTransientAgent, "sending acceptor prompt", err)
	}

	ev, err := r.awaitVerdict(ctx, r.acceptor, r.acceptParser)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return &acceptVerdict{verdict: agentstream.VerdictRejected, reason: "timeout"}, nil
	}

	r.publish(eventbus.KindVerdict, map[string]any{"role": "acceptor", "verdict": string(ev.Verdict), "reason": ev.Reason})
	return &acceptVerdict{verdict: ev.Verdict, reason: ev.Reason}, nil
}

// awaitVerdict drains sess.Output() into parser until a verdict is
// produced, the session goes idle (flushing the last-seen verdict, per
// agentstream's "last verdict wins" rule), the session exits, or the
// configured timeout elapses with no verdict at all (nil, nil).
func (r *milestoneRun) awaitVerdict(ctx context.Context, sess *agentproc.Session, parser *agentstream.Parser) (*agentstream.Event, error) {
	deadline := agentTimeout(r.engine.cfg)
	timer := r.engine.deps.Clock.AfterFunc(deadline, func() {})
	defer timer.Stop()

	idleTicker := r.engine.deps.Clock.NewTicker(agentstream.IdleWindow)
	defer idleTicker.Stop()

	deadlineAt := r.engine.deps.Clock.Now().Add(deadline)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case chunk, ok := <-sess.Output():
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return parser.Flush(), nil
			}
			if chunk.Err != nil {
				return nil, corerr.New(corerr.KindTransientAgent, "reading agent output", chunk.Err)
			}
			for _, ev := range parser.Feed(chunk.Data) {
				// Verdicts are not acted on here: the parser retains
				// only the latest one and Flush() returns it once the
				// session goes idle or exits, per the "last verdict
				// wins" rule.
				if ev.Kind == agentstream.KindQuota {
					return nil, quotaErrorFrom(ev)
				}
			}
			if chunk.Terminal {
				// A cancelled context can race the child's own exit (ctx
				// cancellation kills the process); cancellation always
				// takes precedence so callers roll back instead of
				// treating this as an ordinary finish.
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return parser.Flush(), nil
			}
			r.publish(eventbus.KindAgentStreamChunk, string(chunk.Data))

		case <-idleTicker.C():
			if parser.Idle() {
				if v := parser.Flush(); v != nil {
					return v, nil
				}
			}
			if r.engine.deps.Clock.Now().After(deadlineAt) {
				return nil, nil
			}
		}
	}
}

func quotaErrorFrom(ev agentstream.Event) *corerr.Error {
	e := corerr.New(corerr.KindQuota, string(ev.QuotaStatus), nil)
	if ev.ResetAt != nil {
		e.Diagnostic = ev.ResetAt.Format(time.RFC3339)
	}
	return e
}

// quotaSuspensionFrom leaves ResetAt zero when the quota event carried no
// reset time, so the Wake Scheduler applies its own default back-off.
func quotaSuspensionFrom(e *corerr.Error) *QuotaSuspension {
	if e.Diagnostic == "" {
		return &QuotaSuspension{}
	}
	t, err := time.Parse(time.RFC3339, e.Diagnostic)
	if err != nil {
		return &QuotaSuspension{}
	}
	return &QuotaSuspension{ResetAt: t}
}

// finalReview implements spec.md §4.6's "final review" block.
func (r *milestoneRun) finalReview(ctx context.Context) (Outcome, *QuotaSuspension, error) {
	verdict, err := r.acceptorRound(ctx, nil, true)
	if outcome, susp, handled, rErr := r.handleRoundError(ctx, err); handled {
		return outcome, susp, rErr
	}

	if verdict.verdict != agentstream.VerdictAccepted {
		// REJECTED(missing) forwards to the developer without touching
		// consecutiveRejections, per spec.md §4.6.
		r.lastRejectionReason = verdict.reason
		return r.mainLoop(ctx)
	}

	now := r.engine.deps.Clock.Now()
	if r.milestone.RequiresHumanReview {
		r.milestone.Status = store.MilestoneAwaitingReview
		if err := r.persistMilestone(); err != nil {
			return "", nil, err
		}
		if err := r.sleepProject(now); err != nil {
			return "", nil, err
		}
		r.publish(eventbus.KindMilestoneStatusChange, map[string]any{"milestoneId": r.milestone.ID, "status": store.MilestoneAwaitingReview})
		return OutcomeAwaitingReview, nil, nil
	}

	if err := r.finalize(); err != nil {
		return "", nil, err
	}
	r.milestone.Status = store.MilestoneCompleted
	r.milestone.CompletedAt = &now
	if err := r.persistMilestone(); err != nil {
		return "", nil, err
	}
	if err := r.sleepProject(now); err != nil {
		return "", nil, err
	}
	r.publish(eventbus.KindMilestoneStatusChange, map[string]any{"milestoneId": r.milestone.ID, "status": store.MilestoneCompleted})
	return OutcomeCompleted, nil, nil
}

func (r *milestoneRun) sleepProject(now time.Time) error {
	return r.engine.deps.Store.WithProjectLock(r.engine.deps.Paths, func() error {
		st, stVer, err := r.engine.deps.Store.ReadProjectState(r.engine.deps.Paths)
		if err != nil {
			return err
		}
		st.Status = store.StatusSleeping
		st.CurrentMilestoneID = ""
		st.LastActiveAt = &now
		_, err = r.engine.deps.Store.WriteProjectState(r.engine.deps.Paths, st, stVer)
		return err
	})
}

// finalize implements spec.md §4.6.3's version-control finalization on
// non-review completion or after human Accept.
func (r *milestoneRun) finalize() error {
	base, err := r.g.DefaultBranch()
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "resolving integration branch for finalize", err)
	}
	if err := r.g.Checkout(base); err != nil {
		return corerr.New(corerr.KindFatalMilestone, "checking out integration branch", err)
	}

	conflicts, err := r.g.CheckConflicts(r.milestone.BranchName, base)
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "checking for merge conflicts", err)
	}
	strategy := vcs.MergeFastForward
	if len(conflicts) > 0 {
		strategy = vcs.MergeCommit
	}
	if err := r.g.Merge(r.milestone.BranchName, strategy); err != nil {
		return corerr.New(corerr.KindFatalMilestone, "merging milestone branch", err)
	}

	head, err := r.g.Rev("HEAD")
	if err != nil {
		return corerr.New(corerr.KindFatalMilestone, "resolving merged head", err)
	}
	if err := r.g.Tag(ids.TagName(r.milestone.ID), head); err != nil {
		return corerr.New(corerr.KindFatalMilestone, "tagging milestone commit", err)
	}
	// Branch deletion is policy-decided and defaults to "keep"
	// (spec.md §4.6.3 step 4); Anima never deletes it automatically.
	return nil
}

// rollback implements spec.md §4.6.3's failed/cancelled disposition: hard
// reset the milestone branch to baseCommit, leaving the integration
// branch untouched.
func (r *milestoneRun) rollback(status store.MilestoneStatus) error {
	if err := r.g.Checkout(r.milestone.BranchName); err != nil {
		return corerr.New(corerr.KindVersionControl, "checking out milestone branch for rollback", err)
	}
	if err := r.g.Reset(r.milestone.BaseCommit, true); err != nil {
		return corerr.New(corerr.KindVersionControl, "resetting milestone branch", err)
	}

	now := r.engine.deps.Clock.Now()
	r.milestone.Status = status
	r.milestone.CompletedAt = &now
	if err := r.persistMilestone(); err != nil {
		return err
	}
	return r.sleepProject(now)
}

// writeIterationMemory persists a short markdown note capturing what the
// round produced, for a future round's memory document context.
func (r *milestoneRun) writeIterationMemory(dev *roundOutcome, accept *acceptVerdict) error {
	stamp := r.engine.deps.Clock.Now().UTC().Format("20060102T150405Z")
	path := fmt.Sprintf("%s/%s-%s.md", r.engine.deps.Paths.IterationMemoryDir(), stamp, r.milestone.ID)
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s round %d\n\n", r.milestone.ID, r.milestone.IterationCount)
	fmt.Fprintf(&sb, "verdict: %s\n\n", accept.verdict)
	if dev.summary != "" {
		fmt.Fprintf(&sb, "%s\n\n", dev.summary)
	}
	if len(dev.commits) > 0 {
		sb.WriteString("commits:\n")
		for _, c := range dev.commits {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	return writeMemoryFile(path, sb.String())
}

func (r *milestoneRun) buildDeveloperPrompt() (string, error) {
	vision, err := docs.ReadVision(r.engine.deps.Paths.VisionFile())
	if err != nil && !isNotExist(err) {
		return "", fmt.Errorf("engine: reading vision document: %w", err)
	}
	soul, err := docs.ReadSoul(r.engine.deps.Paths.SoulFile())
	if err != nil && !isNotExist(err) {
		return "", fmt.Errorf("engine: reading soul document: %w", err)
	}
	milestoneDoc, err := r.engine.loadMilestoneDoc(r.milestone)
	if err != nil {
		return "", err
	}
	projectMemory, _ := readMemoryFile(r.engine.deps.Paths.ProjectMemoryFile())

	var sb strings.Builder
	sb.WriteString(vision)
	sb.WriteString("\n\n")
	if soul != nil {
		sb.WriteString(soul.Body)
		sb.WriteString("\n\n")
	}
	sb.WriteString(milestoneDoc.Body)
	sb.WriteString("\n\n")
	if projectMemory != "" {
		sb.WriteString(projectMemory)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Current branch: %s\n", r.milestone.BranchName)
	fmt.Fprintf(&sb, "Round: %d\n", r.milestone.IterationCount+1)

	if r.lastRejectionReason != "" {
		fmt.Fprintf(&sb, "\nThe acceptor rejected the previous round: %s\nAddress this before moving on.\n", r.lastRejectionReason)
	}

	if r.resuming {
		sb.WriteString("\nThis is a resumed session after an interruption. Check `git status` and `git log` ")
		sb.WriteString("on the current branch before doing anything else; if there are uncommitted changes, ")
		sb.WriteString("either finish and commit them or discard them, then proceed.\n")
	}

	guidance, err := readMemoryFile(r.engine.deps.Paths.GuidanceFile())
	if err != nil {
		return "", fmt.Errorf("engine: reading human guidance: %w", err)
	}
	if guidance != "" {
		fmt.Fprintf(&sb, "\nGuidance from the human supervising this project:\n%s\n", guidance)
		if err := os.Remove(r.engine.deps.Paths.GuidanceFile()); err != nil && !isNotExist(err) {
			return "", fmt.Errorf("engine: clearing consumed guidance: %w", err)
		}
	}

	sb.WriteString("\nImplement the next not-yet-done feature from the acceptance criteria above. ")
	sb.WriteString("Run the project's lint, type, and test checks. Commit your change on the current ")
	sb.WriteString("branch with a conventional-commit message. Reply with a short report of what you did ")
	sb.WriteString("and a \"Commits:\" list of the commit hashes you produced this round. ")
	sb.WriteString("If every acceptance criterion is already satisfied, reply with ALL_FEATURES_COMPLETE ")
	sb.WriteString("followed by a summary and a \"Commits:\" list of every commit on this branch.\n")

	return sb.String(), nil
}

func (r *milestoneRun) buildPerRoundAcceptorPrompt(commits []string) (string, error) {
	soul, err := docs.ReadSoul(r.engine.deps.Paths.SoulFile())
	if err != nil && !isNotExist(err) {
		return "", fmt.Errorf("engine: reading soul document: %w", err)
	}
	milestoneDoc, err := r.engine.loadMilestoneDoc(r.milestone)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if soul != nil {
		sb.WriteString(soul.Body)
		sb.WriteString("\n\n")
	}
	if len(milestoneDoc.AcceptanceCriteria) > 0 {
		sb.WriteString("Acceptance criteria under review:\n")
		for _, c := range milestoneDoc.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	sb.WriteString("\nCommit(s) to review:\n")
	for _, c := range commits {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	sb.WriteString("\nInspect the actual change using version-control commands. Reply exactly ACCEPTED, ")
	sb.WriteString("or REJECTED: <reason referencing which criterion failed>.\n")
	return sb.String(), nil
}

func (r *milestoneRun) buildFinalReviewPrompt() (string, error) {
	soul, err := docs.ReadSoul(r.engine.deps.Paths.SoulFile())
	if err != nil && !isNotExist(err) {
		return "", fmt.Errorf("engine: reading soul document: %w", err)
	}
	milestoneDoc, err := r.engine.loadMilestoneDoc(r.milestone)
	if err != nil {
		return "", err
	}
	commits, err := r.g.Log(r.milestone.BranchName, r.milestone.BaseCommit)
	if err != nil {
		return "", corerr.New(corerr.KindVersionControl, "listing commits since baseCommit", err)
	}

	var sb strings.Builder
	if soul != nil {
		sb.WriteString(soul.Body)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Full acceptance criteria:\n")
	for _, c := range milestoneDoc.AcceptanceCriteria {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	sb.WriteString("\nCommits since baseCommit:\n")
	for _, c := range commits {
		fmt.Fprintf(&sb, "- %s %s\n", c.Hash, c.Subject)
	}
	sb.WriteString("\nReply exactly ACCEPTED, or REJECTED: <missing criteria and why>.\n")
	return sb.String(), nil
}
