package supervisor

import (
	"fmt"

	"github.com/saltbo/anima/internal/config"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
)

// Snapshot is the Control API's getProjectSnapshot(projectId) response:
// a point-in-time view of a project's registration, persisted state,
// config, and (if any) current milestone.
type Snapshot struct {
	Registration store.ProjectRegistration
	State        store.ProjectState
	Config       store.ProjectConfig
	Milestone    *store.Milestone // nil when CurrentMilestoneID is empty
}

// GetProjectSnapshot implements getProjectSnapshot(projectId).
func (m *Manager) GetProjectSnapshot(projectID ids.ProjectID) (*Snapshot, error) {
	p, err := m.project(projectID)
	if err != nil {
		return nil, err
	}

	st, _, err := m.deps.Store.ReadProjectState(p.paths)
	if err != nil {
		return nil, fmt.Errorf("supervisor: reading state for %s: %w", projectID, err)
	}
	cfg, err := config.LoadProjectConfig(p.paths.ConfigFile())
	if err != nil {
		return nil, fmt.Errorf("supervisor: reading config for %s: %w", projectID, err)
	}

	snap := &Snapshot{
		Registration: p.reg,
		State:        *st,
		Config:       *cfg,
	}
	if st.CurrentMilestoneID != "" {
		ms, _, err := m.deps.Store.ReadMilestone(p.paths, st.CurrentMilestoneID)
		if err != nil {
			return nil, fmt.Errorf("supervisor: reading current milestone for %s: %w", projectID, err)
		}
		snap.Milestone = ms
	}
	return snap, nil
}
