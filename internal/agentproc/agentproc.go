// Package agentproc implements the Agent Process Host (spec.md §4.3): it
// launches an AI agent CLI attached to a pseudo-terminal and keeps it alive
// across many Developer/Acceptor rounds.
//
// Grounded on other_examples/musher-dev-mush's harness.RootModel, the only
// example in the retrieved pack with real creack/pty usage: the
// ptyReady-channel handoff between startPTY/closePTY and the output reader
// loop, and the SIGTERM-then-SIGKILL-after-deadline process-group shutdown
// sequence, are both adapted directly from it (swapping its stdlib
// syscall.Kill/Getpgid calls for golang.org/x/sys/unix's). Unlike that
// harness this host runs one child per Session with no terminal UI of its
// own: the engine is the sole producer of input frames and the sole
// consumer of output.
package agentproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrKind distinguishes Session failure modes for the engine.
type ErrKind string

const (
	// KindSessionDead means the child process exited before a send could
	// complete.
	KindSessionDead ErrKind = "session_dead"
)

// SendError is returned by Send when the child is no longer running.
type SendError struct {
	Kind ErrKind
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("agentproc: %s: %v", e.Kind, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Chunk is one slice of output read from the child's pseudo-terminal.
type Chunk struct {
	Data []byte
	// Terminal is set on the final Chunk delivered for a child's lifetime:
	// the child has exited, and ExitCode carries its status.
	Terminal bool
	ExitCode int
	// Err is set when the pty read itself failed for a reason other than
	// ordinary EOF-on-exit (rare, but surfaced rather than swallowed).
	Err error
}

// Health reports whether the child is alive, and its exit code if not.
type Health struct {
	Alive    bool
	ExitCode int
}

// ShutdownGrace is how long Close waits for a SIGTERM'd child to exit
// before escalating to SIGKILL.
const ShutdownGrace = 5 * time.Second

// Session wraps one agent CLI child process attached to a PTY. At most two
// Sessions exist per active milestone (one per role, per spec.md §4.3); the
// engine drives each strictly serially.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File
	// pgid is the child's process group, captured right after start. The
	// PTY makes the child its own session (and therefore group) leader, so
	// signalling -pgid reaches any grandchildren it spawns too, not just
	// the CLI process itself.
	pgid int

	mu       sync.Mutex
	alive    bool
	exitCode int
	waitOnce sync.Once
	waitCh   chan struct{}

	out chan Chunk
}

// Start launches name with args attached to a new pseudo-terminal sized
// cols x rows, with the given working directory and extra environment
// variables appended to the current process environment.
func Start(ctx context.Context, name string, args []string, dir string, env []string, cols, rows int) (*Session, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("agentproc: start %s: %w", name, err)
	}

	pgid := 0
	if cmd.Process != nil && cmd.Process.Pid > 0 {
		if pg, pgErr := unix.Getpgid(cmd.Process.Pid); pgErr == nil {
			pgid = pg
		}
	}

	s := &Session{
		cmd:    cmd,
		ptmx:   ptmx,
		pgid:   pgid,
		alive:  true,
		out:    make(chan Chunk, 16),
		waitCh: make(chan struct{}),
	}

	go s.readLoop()
	go s.waitLoop()

	return s, nil
}

// Send writes a frame to the child's standard input. It fails with a
// *SendError of KindSessionDead if the child has already exited.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return &SendError{Kind: KindSessionDead, Err: errors.New("child process has exited")}
	}

	if _, err := s.ptmx.Write(frame); err != nil {
		s.mu.Lock()
		s.alive = false
		s.mu.Unlock()
		return &SendError{Kind: KindSessionDead, Err: err}
	}
	return nil
}

// Output returns the channel of output chunks. The final chunk delivered
// has Terminal set and carries the child's exit code; the channel is then
// closed.
func (s *Session) Output() <-chan Chunk {
	return s.out
}

// Health reports whether the child is alive right now.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{Alive: s.alive, ExitCode: s.exitCode}
}

// Resize adjusts the pseudo-terminal's window size, e.g. in response to a
// host terminal resize relayed by the caller.
func (s *Session) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.out <- Chunk{Data: chunk}
		}
		if err != nil {
			<-s.waitCh
			s.mu.Lock()
			exitCode := s.exitCode
			s.mu.Unlock()
			s.out <- Chunk{Terminal: true, ExitCode: exitCode}
			close(s.out)
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	s.alive = false
	s.exitCode = exitCode
	s.mu.Unlock()

	s.waitOnce.Do(func() { close(s.waitCh) })
}

// Close requests graceful shutdown: SIGTERM, then SIGKILL if the child has
// not exited within ShutdownGrace. Close always reaps the child (waits for
// cmd.Wait to return) before returning, per spec.md §4.3's "zombie reaping
// is guaranteed on close/kill before the handle is released."
func (s *Session) Close() error {
	return s.shutdown(syscall.SIGTERM, ShutdownGrace)
}

// Kill forces immediate termination with SIGKILL and reaps the child.
func (s *Session) Kill() error {
	return s.shutdown(syscall.SIGKILL, ShutdownGrace)
}

// sendSignal delivers sig to the child's whole process group so that any
// grandchildren it spawned die with it, falling back to the single pid if
// the group no longer exists (unix.ESRCH) or was never captured.
func (s *Session) sendSignal(sig syscall.Signal) {
	if s.pgid > 0 {
		if err := unix.Kill(-s.pgid, sig); err == nil || errors.Is(err, unix.ESRCH) {
			return
		}
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(sig)
	}
}

func (s *Session) shutdown(sig syscall.Signal, grace time.Duration) error {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()

	if alive {
		s.sendSignal(sig)
	}

	if sig == syscall.SIGTERM {
		select {
		case <-s.waitCh:
		case <-time.After(grace):
			s.sendSignal(syscall.SIGKILL)
			<-s.waitCh
		}
	} else {
		<-s.waitCh
	}

	_ = s.ptmx.Close()
	return nil
}
