// Package store implements the Persistence Store (spec.md §4.1): durable
// JSON read/write of every project-scoped entity, atomic single-file writes,
// and a per-project advisory lock serializing the cross-file
// state.json/milestones/{id}.json invariant.
package store

import (
	"time"

	"github.com/saltbo/anima/internal/ids"
)

// ProjectStatus is the coarse lifecycle state of a registered project
// (spec.md §3, ProjectState row).
type ProjectStatus string

const (
	StatusSleeping    ProjectStatus = "sleeping"
	StatusChecking    ProjectStatus = "checking"
	StatusAwake       ProjectStatus = "awake"
	StatusPaused      ProjectStatus = "paused"
	StatusRateLimited ProjectStatus = "rate_limited"
)

// ProjectState is the mutable runtime state of one registered project.
// Persisted at <project-root>/.anima/state.json.
type ProjectState struct {
	SchemaVersion      int                `json:"schemaVersion,omitempty"`
	Status             ProjectStatus      `json:"status"`
	CurrentMilestoneID ids.MilestoneID    `json:"currentMilestoneId,omitempty"`
	RateLimitResetAt   *time.Time         `json:"rateLimitResetAt,omitempty"`
	TokensUsed         int64              `json:"tokensUsed"`
	CostUsd            float64            `json:"costUsd"`
	FirstActivatedAt   *time.Time         `json:"firstActivatedAt,omitempty"`
	LastActiveAt       *time.Time         `json:"lastActiveAt,omitempty"`

	// unknown preserves fields this build doesn't recognize so a
	// read-modify-write round-trip never drops forward-compatible data
	// (spec.md §9, "Unknown fields are preserved on write").
	unknown map[string]any
}

// WakeScheduleType selects the Wake Scheduler's trigger policy
// (spec.md §3, ProjectConfig row).
type WakeScheduleType string

const (
	WakeInterval WakeScheduleType = "interval"
	WakeTimes    WakeScheduleType = "times"
	WakeManual   WakeScheduleType = "manual"
)

// WakeSchedule configures when the Wake Scheduler transitions out of sleeping.
type WakeSchedule struct {
	Type            WakeScheduleType `json:"type"`
	IntervalMinutes int              `json:"intervalMinutes,omitempty"`
	Times           []string         `json:"times,omitempty"` // "HH:MM"
}

// ProjectConfig is the human-authored (but core-readable) project
// configuration. Persisted at <project-root>/.anima/config.json and never
// mutated by the core (spec.md §3).
type ProjectConfig struct {
	SchemaVersion            int          `json:"schemaVersion,omitempty"`
	Name                     string       `json:"name"`
	WakeSchedule             WakeSchedule `json:"wakeSchedule"`
	DefaultRequiresHumanReview bool       `json:"defaultRequiresHumanReview"`
	AgentTimeoutMs           int          `json:"agentTimeoutMs"`
	MaxIterationsPerMilestone int         `json:"maxIterationsPerMilestone"`

	// CheckCommand is an optional post-commit verification command run by
	// the Iteration Engine after each Developer round, before handing off
	// to the Acceptor. Empty means trust the Acceptor outright.
	CheckCommand string `json:"checkCommand,omitempty"`

	unknown map[string]any
}

// InboxItemType classifies an inbox item (spec.md §3).
type InboxItemType string

const (
	InboxBug         InboxItemType = "bug"
	InboxFeature     InboxItemType = "feature"
	InboxOptimization InboxItemType = "optimization"
)

// InboxItemPriority is the user- or sync-assigned priority.
type InboxItemPriority string

const (
	PriorityLow    InboxItemPriority = "low"
	PriorityMedium InboxItemPriority = "medium"
	PriorityHigh   InboxItemPriority = "high"
)

// InboxItemSource identifies where an inbox item originated.
type InboxItemSource string

const (
	SourceManual InboxItemSource = "manual"
	SourceGithub InboxItemSource = "github"
)

// InboxItemStatus tracks triage of an inbox item (spec.md §3).
type InboxItemStatus string

const (
	InboxPending   InboxItemStatus = "pending"
	InboxIncluded  InboxItemStatus = "included"
	InboxDismissed InboxItemStatus = "dismissed"
)

// InboxItem is a candidate unit of work dropped by an external collaborator
// (UI form, GitHub sync). Persisted at
// <project-root>/.anima/inbox/{id}.json.
type InboxItem struct {
	SchemaVersion     int               `json:"schemaVersion,omitempty"`
	ID                ids.InboxItemID   `json:"id"`
	Type              InboxItemType     `json:"type"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Priority          InboxItemPriority `json:"priority"`
	Source            InboxItemSource   `json:"source"`
	SourceRef         string            `json:"sourceRef,omitempty"`
	Status            InboxItemStatus   `json:"status"`
	IncludedInMilestone ids.MilestoneID `json:"includedInMilestone,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`

	unknown map[string]any
}

// MilestoneStatus is the lifecycle state of a milestone (spec.md §4.7).
type MilestoneStatus string

const (
	MilestoneDraft           MilestoneStatus = "draft"
	MilestoneReady           MilestoneStatus = "ready"
	MilestoneInProgress      MilestoneStatus = "in_progress"
	MilestoneAwaitingReview  MilestoneStatus = "awaiting_review"
	MilestoneCompleted       MilestoneStatus = "completed"
	MilestoneCancelled       MilestoneStatus = "cancelled"
	MilestoneFailed          MilestoneStatus = "failed"
)

// Milestone is a bounded unit of work with a document, acceptance criteria,
// and a dedicated branch. Persisted at
// <project-root>/.anima/milestones/{id}.json.
type Milestone struct {
	SchemaVersion        int             `json:"schemaVersion,omitempty"`
	ID                   ids.MilestoneID `json:"id"`
	Title                string          `json:"title"`
	DocPath              string          `json:"docPath"`
	RequiresHumanReview  bool            `json:"requiresHumanReview"`
	Status               MilestoneStatus `json:"status"`
	BranchName           string          `json:"branchName"`
	BaseCommit           string          `json:"baseCommit,omitempty"`
	IterationCount       int             `json:"iterationCount"`
	ConsecutiveRejections int            `json:"consecutiveRejections"`
	TokensUsed           int64           `json:"tokensUsed"`
	CostUsd              float64         `json:"costUsd"`
	CreatedAt            time.Time       `json:"createdAt"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`

	unknown map[string]any
}

// MilestoneOrder is the externally-maintained ordering of ready milestones.
// Persisted at <project-root>/.anima/milestones/order.json.
type MilestoneOrder struct {
	SchemaVersion int               `json:"schemaVersion,omitempty"`
	IDs           []ids.MilestoneID `json:"ids"`

	unknown map[string]any
}

// ProjectRegistration is the app-level record of a managed project.
// Persisted at <app-config-dir>/config.json.
type ProjectRegistration struct {
	ID          ids.ProjectID `json:"id"`
	Path        string        `json:"path"`
	DisplayName string        `json:"displayName"`
	AddedAt     time.Time     `json:"addedAt"`
}

// AppConfig is the top-level application registry (spec.md §6).
type AppConfig struct {
	SchemaVersion int                    `json:"schemaVersion,omitempty"`
	Projects      []ProjectRegistration  `json:"projects"`
	Theme         string                 `json:"theme,omitempty"`

	unknown map[string]any
}
