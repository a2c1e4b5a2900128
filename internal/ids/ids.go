// Package ids provides the identifier types shared across Anima's core
// packages: project, milestone, inbox item, and event identifiers.
package ids

import "github.com/google/uuid"

// ProjectID identifies a registered project. Stable for the lifetime of the
// registration.
type ProjectID string

// MilestoneID identifies a milestone within a project.
type MilestoneID string

// InboxItemID identifies an inbox item within a project.
type InboxItemID string

// EventID identifies a single event on the event bus.
type EventID string

// NewProjectID generates a new random ProjectID.
func NewProjectID() ProjectID {
	return ProjectID(uuid.NewString())
}

// NewMilestoneID generates a new random MilestoneID.
func NewMilestoneID() MilestoneID {
	return MilestoneID(uuid.NewString())
}

// NewInboxItemID generates a new random InboxItemID.
func NewInboxItemID() InboxItemID {
	return InboxItemID(uuid.NewString())
}

// NewEventID generates a new random EventID.
func NewEventID() EventID {
	return EventID(uuid.NewString())
}

// BranchName returns the version-control branch name for a milestone,
// per spec.md §4.7: "milestone/{id}".
func BranchName(id MilestoneID) string {
	return "milestone/" + string(id)
}

// TagName returns the version-control tag name for a completed milestone,
// per spec.md §4.6.3: "milestone-{id}".
func TagName(id MilestoneID) string {
	return "milestone-" + string(id)
}
