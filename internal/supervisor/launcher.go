package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/saltbo/anima/internal/agentproc"
	"github.com/saltbo/anima/internal/engine"
	"github.com/saltbo/anima/internal/store"
)

// defaultPTYCols and defaultPTYRows size the pseudo-terminal the agent
// CLI runs in when the supervisor has no controlling terminal of its own
// (the ordinary case for "anima daemon run", spawned detached from a
// shell). They just need to be large enough that the agent's own output
// formatting (line wrapping, progress bars) doesn't truncate.
const (
	defaultPTYCols = 220
	defaultPTYRows = 50
)

// ptySize returns the supervisor process's own controlling terminal size,
// for "anima daemon run" invoked directly in a foreground shell (mostly
// for local debugging), falling back to the defaults when stdout isn't a
// terminal at all, which is the normal case for a backgrounded daemon.
func ptySize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultPTYCols, defaultPTYRows
	}
	w, h, err := term.GetSize(fd)
	if err != nil || w <= 0 || h <= 0 {
		return defaultPTYCols, defaultPTYRows
	}
	return w, h
}

// AgentCommand names the executable and arguments for one role's agent
// CLI. spec.md §6: "the core carries no other environment coupling; the
// agent command path is carried in the adapter layer" — this type, and
// its resolution from the process environment below, is that adapter
// layer; internal/engine and internal/agentproc never look at the
// environment themselves.
type AgentCommand struct {
	Name string
	Args []string
}

// LauncherConfig carries the two roles' AgentCommand, resolved once at
// process startup.
type LauncherConfig struct {
	Developer AgentCommand
	Acceptor  AgentCommand
}

// envOrDefault splits a space-separated command line from the named
// environment variable, falling back to def if unset or empty.
func envOrDefault(name string, def AgentCommand) AgentCommand {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return def
	}
	fields := strings.Fields(raw)
	return AgentCommand{Name: fields[0], Args: fields[1:]}
}

// LauncherConfigFromEnv resolves AgentCommand for both roles from
// ANIMA_DEVELOPER_CMD and ANIMA_ACCEPTOR_CMD, each falling back to
// ANIMA_AGENT_CMD, and finally to a bare "claude" invocation — gastown's
// own agent CLI, reused here as the sensible default since Anima's
// target deployment is the same interactive-coding-agent ecosystem.
func LauncherConfigFromEnv() LauncherConfig {
	fallback := envOrDefault("ANIMA_AGENT_CMD", AgentCommand{Name: "claude"})
	return LauncherConfig{
		Developer: envOrDefault("ANIMA_DEVELOPER_CMD", fallback),
		Acceptor:  envOrDefault("ANIMA_ACCEPTOR_CMD", fallback),
	}
}

// ptyLauncher implements engine.AgentLauncher by starting the role's
// configured command attached to a pseudo-terminal (internal/agentproc),
// following other_examples/musher-dev-mush's harness for owning a PTY
// child end to end — the one example in the retrieval pack that does,
// gastown itself driving agents through tmux panes instead.
type ptyLauncher struct {
	cfg    LauncherConfig
	logger *log.Logger
}

// NewPTYLauncher returns the production engine.AgentLauncher used by a
// running Supervisor.
func NewPTYLauncher(cfg LauncherConfig, logger *log.Logger) engine.AgentLauncher {
	return &ptyLauncher{cfg: cfg, logger: logger}
}

func (l *ptyLauncher) Launch(ctx context.Context, role engine.Role, workDir string) (*agentproc.Session, error) {
	cmd := l.cfg.Developer
	if role == engine.RoleAcceptor {
		cmd = l.cfg.Acceptor
	}
	cols, rows := ptySize()
	l.logger.Printf("launching %s session: %s %v (pty %dx%d)", role, cmd.Name, cmd.Args, cols, rows)
	sess, err := agentproc.Start(ctx, cmd.Name, cmd.Args, workDir, nil, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("launching %s session: %w", role, err)
	}
	return sess, nil
}

// DefaultLauncherFactory builds a LauncherFactory backed by ptyLauncher,
// resolving AgentCommand once from the environment for every project
// (every project's Developer/Acceptor run the same agent CLI; per-project
// overrides are an Open Question left to a future ProjectConfig field).
func DefaultLauncherFactory() LauncherFactory {
	cfg := LauncherConfigFromEnv()
	return func(_ store.Paths, logger *log.Logger) engine.AgentLauncher {
		return NewPTYLauncher(cfg, logger)
	}
}
