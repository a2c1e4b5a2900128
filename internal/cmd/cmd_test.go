package cmd

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/config"
	"github.com/saltbo/anima/internal/engine"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/supervisor"
	"github.com/saltbo/anima/internal/wake"
)

// captureStdout temporarily swaps os.Stdout for a pipe so commands that
// fmt.Printf straight to the terminal can be asserted on.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	r.Close()
	return buf.String()
}

type completingRunner struct{}

func (completingRunner) Run(ctx context.Context, milestoneID ids.MilestoneID, resume bool) (engine.Outcome, *engine.QuotaSuspension, error) {
	return engine.OutcomeCompleted, nil, nil
}

// startTestDaemon points $XDG_CONFIG_HOME at a fresh temp directory (so
// config.AppConfigDir resolves the same socket path the commands under
// test will dial) and starts a real supervisor.Server listening there,
// backed by a stub Iteration Engine so no agent process is ever spawned.
func startTestDaemon(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	appDir, err := config.AppConfigDir()
	require.NoError(t, err)

	mgr := supervisor.New(supervisor.Deps{
		AppConfigDir: appDir,
		Store:        store.New(),
		Clock:        clock.New(),
		Bus:          eventbus.New(nil),
		Launcher:     func(store.Paths, *log.Logger) engine.AgentLauncher { return nil },
		NewEngine: func(engine.Deps, store.ProjectConfig) wake.EngineRunner {
			return completingRunner{}
		},
	})

	server := supervisor.NewServer(mgr)
	socketPath := filepath.Join(appDir, supervisor.RPCSocketName)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, socketPath)
	}()
	t.Cleanup(func() {
		cancel()
		mgr.Shutdown()
		<-done
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("daemon socket never appeared at %s", socketPath)
}

func TestRegisterListStatusEndToEnd(t *testing.T) {
	startTestDaemon(t)
	projectDir := t.TempDir()

	out := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"register", projectDir, "--name", "demo"})
		require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	})
	require.Contains(t, out, "registered")
	require.Contains(t, out, projectDir)

	out = captureStdout(t, func() {
		rootCmd.SetArgs([]string{"list"})
		require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	})
	require.Contains(t, out, "demo")
	require.Contains(t, out, projectDir)
}

func TestRequireSubcommandRejectsUnknown(t *testing.T) {
	rootCmd.SetArgs([]string{"daemon", "bogus"})
	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
}
