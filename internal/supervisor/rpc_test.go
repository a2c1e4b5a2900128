package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/engine"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/wake"
)

// rpcHarness starts a Server on a temp Unix socket backed by a stubRunner
// manager, and returns an http.Client dialed to it plus a cancel func that
// shuts the server down.
func rpcHarness(t *testing.T, runner *stubRunner) (*http.Client, func()) {
	t.Helper()

	m := New(Deps{
		AppConfigDir: t.TempDir(),
		Store:        store.New(),
		Clock:        clock.New(),
		Bus:          eventbus.New(nil),
		Launcher:     noopLauncherFactory,
		NewEngine: func(engine.Deps, store.ProjectConfig) wake.EngineRunner {
			return runner
		},
	})

	socketPath := filepath.Join(t.TempDir(), "anima.sock")
	server := NewServer(m)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, socketPath)
	}()
	// Give the listener a moment to bind.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(time.Millisecond)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
	cleanup := func() {
		cancel()
		m.Shutdown()
		<-done
	}
	return httpClient, cleanup
}

func TestRPCRegisterListAndSnapshot(t *testing.T) {
	runner := &stubRunner{outcome: func(call int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeCompleted, nil, nil
	}}
	httpClient, cleanup := rpcHarness(t, runner)
	defer cleanup()

	projectDir := t.TempDir()
	body, _ := json.Marshal(map[string]string{"path": projectDir, "name": "demo"})
	resp, err := httpClient.Post("http://anima.local/projects", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var registered struct {
		ID ids.ProjectID `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&registered))
	resp.Body.Close()
	require.NotEmpty(t, registered.ID)

	resp, err = httpClient.Get("http://anima.local/projects")
	require.NoError(t, err)
	var projects []store.ProjectRegistration
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&projects))
	resp.Body.Close()
	require.Len(t, projects, 1)
	require.Equal(t, registered.ID, projects[0].ID)

	resp, err = httpClient.Get("http://anima.local/projects/" + string(registered.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	require.Equal(t, registered.ID, snap.Registration.ID)
}

func TestRPCWakeUnknownProjectReturnsError(t *testing.T) {
	httpClient, cleanup := rpcHarness(t, &stubRunner{outcome: func(int) (engine.Outcome, *engine.QuotaSuspension, error) {
		return engine.OutcomeCompleted, nil, nil
	}})
	defer cleanup()

	resp, err := httpClient.Post("http://anima.local/projects/does-not-exist/wake", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRPCEventsStreamsPublishedEvents(t *testing.T) {
	m := New(Deps{
		AppConfigDir: t.TempDir(),
		Store:        store.New(),
		Clock:        clock.New(),
		Bus:          eventbus.New(nil),
		Launcher:     noopLauncherFactory,
	})
	server := NewServer(m)
	socketPath := filepath.Join(t.TempDir(), "anima.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, socketPath)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(time.Millisecond)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://anima.local/events", nil)
	require.NoError(t, err)
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	projectID := ids.NewProjectID()
	m.deps.Bus.Publish(eventbus.Event{
		ID:        ids.NewEventID(),
		ProjectID: projectID,
		Kind:      eventbus.KindStatusChange,
		Timestamp: time.Now(),
	})

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	var ev eventbus.Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
	require.Equal(t, projectID, ev.ProjectID)
}
