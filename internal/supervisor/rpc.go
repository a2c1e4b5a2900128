package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/ids"
)

// RPCSocketName is the Unix domain socket file the Supervisor listens on
// inside the app config directory, and the address cmd/anima's client
// dials. There is no network exposure: the socket is local-filesystem-only,
// matching spec.md §6's "desktop-resident" framing — nothing here is meant
// to be reachable off the machine it runs on.
const RPCSocketName = "anima.sock"

// Server exposes a Manager's Control API over an HTTP-over-Unix-socket
// transport, grounded on bureau-foundation/bureau's cmd/bureau-daemon
// (its relay Unix socket serving an http.ServeMux) since gastown's own
// CLI talks to its daemon only indirectly, through shared state files —
// Anima's Control API needs a running goroutine's live state, which only
// the process holding it can answer for.
type Server struct {
	mgr        *Manager
	httpServer *http.Server
}

// NewServer returns an RPC Server for mgr. Call Serve to start accepting
// connections.
func NewServer(mgr *Manager) *Server {
	s := &Server{mgr: mgr}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects", s.handleRegister)
	mux.HandleFunc("GET /projects", s.handleList)
	mux.HandleFunc("DELETE /projects/{id}", s.handleRemove)
	mux.HandleFunc("GET /projects/{id}", s.handleSnapshot)
	mux.HandleFunc("POST /projects/{id}/wake", s.handleSignal(mgr.WakeNow))
	mux.HandleFunc("POST /projects/{id}/pause", s.handleSignal(mgr.Pause))
	mux.HandleFunc("POST /projects/{id}/resume", s.handleSignal(mgr.Resume))
	mux.HandleFunc("POST /projects/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /projects/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /projects/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /projects/{id}/guidance", s.handleGuidance)
	mux.HandleFunc("GET /projects/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /events", s.handleEventsAll)
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Serve listens on socketPath and blocks until ctx is cancelled, then
// shuts the HTTP server down gracefully. A stale socket file left behind
// by a process that didn't clean up (the usual crash-recovery case) is
// removed before listening, matching daemon.IsRunning's PID-file staleness
// handling in spirit.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("supervisor: removing stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("supervisor: listening on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.mgr.RegisterProject(r.Context(), req.Path, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]ids.ProjectID{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ListProjects())
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := ids.ProjectID(r.PathValue("id"))
	if err := s.mgr.RemoveProject(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := ids.ProjectID(r.PathValue("id"))
	snap, err := s.mgr.GetProjectSnapshot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSignal adapts a no-argument Control API method (WakeNow, Pause,
// Resume) into an HTTP handler.
func (s *Server) handleSignal(fn func(context.Context, ids.ProjectID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := ids.ProjectID(r.PathValue("id"))
		if err := fn(r.Context(), id); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := ids.ProjectID(r.PathValue("id"))
	if err := s.mgr.CancelMilestone(r.Context(), id, ""); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := ids.ProjectID(r.PathValue("id"))
	if err := s.mgr.ApproveAwaitingReview(r.Context(), id, ""); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	id := ids.ProjectID(r.PathValue("id"))
	if err := s.mgr.RejectAwaitingReview(r.Context(), id, "", req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := ids.ProjectID(r.PathValue("id"))
	if err := s.mgr.ProvideHumanGuidance(r.Context(), id, req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEvents streams one project's events as newline-delimited JSON
// until the client disconnects or the project is removed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := ids.ProjectID(r.PathValue("id"))
	ch, unsubscribe := s.mgr.SubscribeEvents(id)
	s.streamEvents(w, r, ch, unsubscribe)
}

func (s *Server) handleEventsAll(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.mgr.SubscribeAllEvents()
	s.streamEvents(w, r, ch, unsubscribe)
}

// streamEvents writes each event from ch as one JSON line, flushing after
// every write so a client reading incrementally sees events as they
// happen rather than buffered until the connection closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan eventbus.Event, unsubscribe func()) {
	defer unsubscribe()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		// Send the headers now so the client's request returns before the
		// first event is published.
		flusher.Flush()
	}
	enc := json.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
