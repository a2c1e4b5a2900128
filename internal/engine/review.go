package engine

import (
	"github.com/saltbo/anima/internal/corerr"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/vcs"
)

// ApproveReview finalizes a milestone left in awaiting_review by a final
// ACCEPTED verdict under requiresHumanReview (spec.md §8 scenario 6): it
// merges and tags the milestone branch exactly as finalize() does inside
// the main loop, then marks the milestone completed. No agent session is
// needed for this path — a human has already supplied the verdict.
func ApproveReview(deps Deps, milestoneID ids.MilestoneID) error {
	m, mVer, err := deps.Store.ReadMilestone(deps.Paths, milestoneID)
	if err != nil {
		return err
	}
	if m.Status != store.MilestoneAwaitingReview {
		return corerr.New(corerr.KindFatalEngine, "approveReview called on a milestone not awaiting review", nil)
	}

	g := deps.NewVCS(deps.Paths.ProjectRoot)
	base, err := g.DefaultBranch()
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "resolving integration branch for finalize", err)
	}
	if err := g.Checkout(base); err != nil {
		return corerr.New(corerr.KindFatalMilestone, "checking out integration branch", err)
	}
	conflicts, err := g.CheckConflicts(m.BranchName, base)
	if err != nil {
		return corerr.New(corerr.KindVersionControl, "checking for merge conflicts", err)
	}
	strategy := vcs.MergeFastForward
	if len(conflicts) > 0 {
		strategy = vcs.MergeCommit
	}
	if err := g.Merge(m.BranchName, strategy); err != nil {
		return corerr.New(corerr.KindFatalMilestone, "merging milestone branch", err)
	}
	head, err := g.Rev("HEAD")
	if err != nil {
		return corerr.New(corerr.KindFatalMilestone, "resolving merged head", err)
	}
	if err := g.Tag(ids.TagName(m.ID), head); err != nil {
		return corerr.New(corerr.KindFatalMilestone, "tagging milestone commit", err)
	}

	now := deps.Clock.Now()
	m.Status = store.MilestoneCompleted
	m.CompletedAt = &now
	_, err = deps.Store.WriteMilestone(deps.Paths, m, mVer)
	return err
}

// RejectReview returns a milestone left in awaiting_review to
// in_progress so the Iteration Engine resumes it with the human's
// reason injected into the next Developer prompt (spec.md §8 scenario
// 6). It does not touch version control: the milestone branch is left
// exactly as the final round left it.
func RejectReview(deps Deps, milestoneID ids.MilestoneID, reason string) error {
	m, mVer, err := deps.Store.ReadMilestone(deps.Paths, milestoneID)
	if err != nil {
		return err
	}
	if m.Status != store.MilestoneAwaitingReview {
		return corerr.New(corerr.KindFatalEngine, "rejectReview called on a milestone not awaiting review", nil)
	}
	m.Status = store.MilestoneInProgress
	m.ConsecutiveRejections = 0
	if _, err := deps.Store.WriteMilestone(deps.Paths, m, mVer); err != nil {
		return err
	}
	if reason == "" {
		return nil
	}
	return writeMemoryFile(deps.Paths.GuidanceFile(), "Human review rejected the final review: "+reason+"\n")
}
