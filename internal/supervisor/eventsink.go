package supervisor

import (
	"sync"

	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
)

// ProjectSink implements eventbus.Sink by routing each event to its own
// project's .anima/logs/events.jsonl, since one process-wide Bus serves every
// registered project but spec.md §6's on-disk layout scopes the events
// log per project. Register/Unregister track which projects currently
// have a destination file; an event for an unregistered project is
// dropped rather than erroring, since that only happens for the brief
// window between Publish and a project finishing its removal.
type ProjectSink struct {
	mu    sync.Mutex
	sinks map[ids.ProjectID]*eventbus.FileSink
}

// NewProjectSink returns an empty ProjectSink.
func NewProjectSink() *ProjectSink {
	return &ProjectSink{sinks: make(map[ids.ProjectID]*eventbus.FileSink)}
}

// Register opens (or reuses) the events log for projectID at paths'
// EventsLogFile location.
func (s *ProjectSink) Register(projectID ids.ProjectID, paths store.Paths) error {
	fs, err := eventbus.NewFileSink(paths.EventsLogFile())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sinks[projectID] = fs
	s.mu.Unlock()
	return nil
}

// Unregister stops routing events for projectID.
func (s *ProjectSink) Unregister(projectID ids.ProjectID) {
	s.mu.Lock()
	delete(s.sinks, projectID)
	s.mu.Unlock()
}

// Append implements eventbus.Sink.
func (s *ProjectSink) Append(ev eventbus.Event) error {
	s.mu.Lock()
	fs, ok := s.sinks[ev.ProjectID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return fs.Append(ev)
}
