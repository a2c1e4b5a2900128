package supervisor

import (
	"context"

	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/wake"
)

// send delivers cmd to projectID's scheduler and waits for its result,
// matching wake.Command's reply-channel convention.
func (m *Manager) send(ctx context.Context, projectID ids.ProjectID, cmd wake.Command) error {
	p, err := m.project(projectID)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	cmd.Result = result
	p.scheduler.Send(ctx, cmd)
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WakeNow implements the Control API's wakeNow(projectId).
func (m *Manager) WakeNow(ctx context.Context, projectID ids.ProjectID) error {
	return m.send(ctx, projectID, wake.Command{Signal: wake.SignalWakeNow})
}

// Pause implements pause(projectId).
func (m *Manager) Pause(ctx context.Context, projectID ids.ProjectID) error {
	return m.send(ctx, projectID, wake.Command{Signal: wake.SignalPause})
}

// Resume implements resume(projectId).
func (m *Manager) Resume(ctx context.Context, projectID ids.ProjectID) error {
	return m.send(ctx, projectID, wake.Command{Signal: wake.SignalResume})
}

// CancelMilestone implements cancelMilestone(projectId, milestoneId). The
// milestoneId argument is accepted for API symmetry with spec.md §6, but
// a project has at most one current milestone at a time (spec.md §8
// invariant 1), so the scheduler always cancels whichever one is
// current; mismatches are reported by the caller comparing against
// GetProjectSnapshot rather than rejected here.
func (m *Manager) CancelMilestone(ctx context.Context, projectID ids.ProjectID, _ ids.MilestoneID) error {
	return m.send(ctx, projectID, wake.Command{Signal: wake.SignalCancel})
}

// ApproveAwaitingReview implements approveAwaitingReview(projectId, milestoneId).
func (m *Manager) ApproveAwaitingReview(ctx context.Context, projectID ids.ProjectID, _ ids.MilestoneID) error {
	return m.send(ctx, projectID, wake.Command{Signal: wake.SignalApproveReview})
}

// RejectAwaitingReview implements rejectAwaitingReview(projectId, milestoneId, reason).
func (m *Manager) RejectAwaitingReview(ctx context.Context, projectID ids.ProjectID, _ ids.MilestoneID, reason string) error {
	return m.send(ctx, projectID, wake.Command{Signal: wake.SignalRejectReview, Reason: reason})
}

// ProvideHumanGuidance implements provideHumanGuidance(projectId, text).
func (m *Manager) ProvideHumanGuidance(ctx context.Context, projectID ids.ProjectID, text string) error {
	return m.send(ctx, projectID, wake.Command{Signal: wake.SignalGuidance, Reason: text})
}

// SubscribeEvents implements subscribeEvents(projectId). The caller must
// invoke the returned unsubscribe function when done.
func (m *Manager) SubscribeEvents(projectID ids.ProjectID) (<-chan eventbus.Event, func()) {
	return m.deps.Bus.Subscribe(projectID)
}

// SubscribeAllEvents implements subscribeEvents(all).
func (m *Manager) SubscribeAllEvents() (<-chan eventbus.Event, func()) {
	return m.deps.Bus.SubscribeAll()
}
