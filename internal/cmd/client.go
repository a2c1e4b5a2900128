package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/saltbo/anima/internal/config"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/supervisor"
)

// client talks to a running anima daemon over its Unix-socket Control API,
// dialing the way bureau-foundation/bureau's cmd/bureau-state-check and
// cmd/bureau-test-agent reach their own daemon's relay socket: an
// http.Client whose Transport.DialContext ignores the address it's given
// and always dials the same local socket file.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// socketPath returns the path the running daemon listens on, resolved
// the same way the daemon itself resolves its app config directory.
func socketPath() (string, error) {
	dir, err := config.AppConfigDir()
	if err != nil {
		return "", err
	}
	return dir + "/" + supervisor.RPCSocketName, nil
}

func defaultClient() (*client, error) {
	sp, err := socketPath()
	if err != nil {
		return nil, err
	}
	return newClient(sp), nil
}

const daemonBaseURL = "http://anima.local"

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, daemonBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to anima daemon (is it running? try 'anima daemon start'): %w", err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("%s", errBody.Error)
		}
		return fmt.Errorf("anima daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) register(ctx context.Context, path, name string) (ids.ProjectID, error) {
	resp, err := c.do(ctx, http.MethodPost, "/projects", map[string]string{"path": path, "name": name})
	if err != nil {
		return "", err
	}
	var out struct {
		ID ids.ProjectID `json:"id"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *client) remove(ctx context.Context, id ids.ProjectID) error {
	resp, err := c.do(ctx, http.MethodDelete, "/projects/"+string(id), nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func (c *client) list(ctx context.Context) ([]store.ProjectRegistration, error) {
	resp, err := c.do(ctx, http.MethodGet, "/projects", nil)
	if err != nil {
		return nil, err
	}
	var out []store.ProjectRegistration
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) snapshot(ctx context.Context, id ids.ProjectID) (*supervisor.Snapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/projects/"+string(id), nil)
	if err != nil {
		return nil, err
	}
	var out supervisor.Snapshot
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) signal(ctx context.Context, id ids.ProjectID, verb string) error {
	resp, err := c.do(ctx, http.MethodPost, "/projects/"+string(id)+"/"+verb, nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func (c *client) reject(ctx context.Context, id ids.ProjectID, reason string) error {
	resp, err := c.do(ctx, http.MethodPost, "/projects/"+string(id)+"/reject", map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func (c *client) guidance(ctx context.Context, id ids.ProjectID, text string) error {
	resp, err := c.do(ctx, http.MethodPost, "/projects/"+string(id)+"/guidance", map[string]string{"text": text})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// streamEvents reads newline-delimited JSON events from path until ctx is
// cancelled or the connection ends, invoking onEvent for each one.
func (c *client) streamEvents(ctx context.Context, path string, onEvent func(eventbus.Event)) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeResponse(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev eventbus.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		onEvent(ev)
	}
	return scanner.Err()
}
