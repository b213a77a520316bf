package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/b0gdan00/keywatch/internal/chat"
	"github.com/b0gdan00/keywatch/internal/logging"
	"github.com/b0gdan00/keywatch/internal/scanner"
)

var httpLog = logging.ForComponent(logging.CompHTTP)

// Server is the worker's loopback control API, consumed by the manager's
// proxy and never exposed directly.
type Server struct {
	worker *Worker
	server *http.Server
}

// NewServer wires the control API around a worker.
func NewServer(w *Worker) *Server {
	s := &Server{worker: w}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/meta", s.handleMeta)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/chats", s.handleChats)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleSetSettings)
	mux.HandleFunc("GET /api/logs", s.handleLogs)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Listen binds the control listener and returns the bound port. Port 0
// requests an ephemeral port.
func (s *Server) Listen(host string, port int) (int, net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, nil, fmt.Errorf("worker listen %s:%d: %w", host, port, err)
	}
	return ln.Addr().(*net.TCPAddr).Port, ln, nil
}

// Serve runs the API until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId":  s.worker.env.SessionID,
		"sessionDir": s.worker.env.SessionDir,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.StatusSnapshot())
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if !s.worker.Ready() {
		writeError(w, http.StatusConflict, "chat client is not ready yet")
		return
	}

	refresh := r.URL.Query().Get("refresh") == "1"
	if refresh || len(s.worker.Chats()) == 0 {
		if err := s.worker.RefreshChats(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("could not fetch chats: %v", err))
			return
		}
	}

	chats := s.worker.Chats()
	if chats == nil {
		chats = []chat.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsPayload(s.worker.Settings()))
}

type settingsRequest struct {
	SourceChatIDs     []string `json:"sourceChatIds"`
	DestinationChatID string   `json:"destinationChatId"`
	Keywords          []string `json:"keywords"`
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	var req settingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	applied, err := s.worker.UpdateSettings(req.SourceChatIDs, req.DestinationChatID, req.Keywords)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, settingsPayload(applied))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.worker.Audit().Recent(100)})
}

// settingsPayload keeps the wire shape stable even when slices are nil.
func settingsPayload(s scanner.Settings) map[string]any {
	sources := s.SourceChatIDs
	if sources == nil {
		sources = []string{}
	}
	keywords := s.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return map[string]any{
		"sourceChatIds":     sources,
		"destinationChatId": s.DestinationChatID,
		"keywords":          keywords,
		"enabled":           s.Enabled,
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
