package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/b0gdan00/keywatch/internal/logging"
)

var httpLog = logging.ForComponent(logging.CompHTTP)

// proxyTimeout bounds one proxied worker call.
const proxyTimeout = 60 * time.Second

// Server is the manager's control API: session CRUD and lifecycle plus a
// transparent proxy to each worker's own API.
type Server struct {
	sup    *Supervisor
	client *http.Client
	server *http.Server
}

// NewServer wires the control API around a supervisor.
func NewServer(sup *Supervisor) *Server {
	s := &Server{
		sup:    sup,
		client: &http.Client{Timeout: proxyTimeout},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.proxyHandler("/api/status"))
	mux.HandleFunc("GET /api/sessions/{id}/settings", s.proxyHandler("/api/settings"))
	mux.HandleFunc("POST /api/sessions/{id}/settings", s.proxyHandler("/api/settings"))
	mux.HandleFunc("GET /api/sessions/{id}/logs", s.proxyHandler("/api/logs"))
	mux.HandleFunc("GET /api/sessions/{id}/chats", s.handleChats)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Run binds and serves until ctx is cancelled, then shuts down cleanly.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("manager listen %s: %w", addr, err)
	}
	httpLog.Info("manager_listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sup.Sessions()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	id, err := s.sup.Create(req.Name)
	if err != nil {
		if errors.Is(err, ErrSessionLimit) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sup.Exists(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := s.sup.Start(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sup.Exists(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.sup.Stop(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wipe := r.URL.Query().Get("deleteData") == "1"

	err := s.sup.Delete(id, wipe)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	endpoint := "/api/chats"
	if r.URL.Query().Get("refresh") == "1" {
		endpoint += "?refresh=1"
	}
	s.proxy(w, r, endpoint)
}

// proxyHandler forwards a fixed worker endpoint for the session in the
// path.
func (s *Server) proxyHandler(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.proxy(w, r, endpoint)
	}
}

// proxy relays method and body to the worker's loopback port and the
// response back verbatim. Without a live port it answers a conflict
// immediately, no network I/O attempted.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, endpoint string) {
	id := r.PathValue("id")
	if !s.sup.Exists(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	port, ok := s.sup.WorkerPort(id)
	if !ok {
		writeError(w, http.StatusConflict, "session is not running")
		return
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, endpoint)

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read request body")
			return
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("could not reach worker: %v", err))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		httpLog.Warn("proxy_relay_failed", slog.String("session", id), slog.Any("error", err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		httpLog.Warn("response_encode_failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
