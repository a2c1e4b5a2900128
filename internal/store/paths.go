package store

import (
	"os"
	"path/filepath"

	"github.com/saltbo/anima/internal/ids"
)

// Paths resolves every on-disk location under a project's .anima/ directory,
// per the authoritative layout in spec.md §6.
type Paths struct {
	ProjectRoot string
}

func NewPaths(projectRoot string) Paths { return Paths{ProjectRoot: projectRoot} }

func (p Paths) AnimaDir() string        { return filepath.Join(p.ProjectRoot, ".anima") }
func (p Paths) StateFile() string       { return filepath.Join(p.AnimaDir(), "state.json") }
func (p Paths) ConfigFile() string      { return filepath.Join(p.AnimaDir(), "config.json") }
func (p Paths) SoulFile() string        { return filepath.Join(p.AnimaDir(), "soul.md") }
func (p Paths) VisionFile() string      { return filepath.Join(p.ProjectRoot, "VISION.md") }
func (p Paths) InboxDir() string        { return filepath.Join(p.AnimaDir(), "inbox") }
func (p Paths) MilestonesDir() string   { return filepath.Join(p.AnimaDir(), "milestones") }
func (p Paths) MemoryDir() string       { return filepath.Join(p.AnimaDir(), "memory") }
func (p Paths) IterationMemoryDir() string { return filepath.Join(p.MemoryDir(), "iterations") }
func (p Paths) ProjectMemoryFile() string  { return filepath.Join(p.MemoryDir(), "project.md") }
func (p Paths) LogsDir() string         { return filepath.Join(p.AnimaDir(), "logs") }
func (p Paths) LogFile() string         { return filepath.Join(p.LogsDir(), "anima.log") }
func (p Paths) EventsLogFile() string   { return filepath.Join(p.LogsDir(), "events.jsonl") }
func (p Paths) GuidanceFile() string    { return filepath.Join(p.MemoryDir(), "guidance.md") }
func (p Paths) LockFile() string        { return filepath.Join(p.AnimaDir(), "lock") }

func (p Paths) MilestoneFile(id ids.MilestoneID) string {
	return filepath.Join(p.MilestonesDir(), string(id)+".json")
}

func (p Paths) MilestoneDocFile(id ids.MilestoneID) string {
	return filepath.Join(p.MilestonesDir(), string(id)+".md")
}

func (p Paths) MilestoneOrderFile() string {
	return filepath.Join(p.MilestonesDir(), "order.json")
}

func (p Paths) InboxItemFile(id ids.InboxItemID) string {
	return filepath.Join(p.InboxDir(), string(id)+".json")
}

// EnsureDirs creates every directory Anima writes to under .anima/, so a
// freshly-registered project never fails a write with ENOENT.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{
		p.AnimaDir(), p.InboxDir(), p.MilestonesDir(),
		p.MemoryDir(), p.IterationMemoryDir(), p.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
