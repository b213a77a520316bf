package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAPISessionLifecycle(t *testing.T) {
	spawner := &fakeSpawner{port: 4242}
	sup := newTestSupervisor(t, testManagerConfig(t), spawner)
	srv := NewServer(sup)

	// Empty list to start.
	rec := doRequest(t, srv, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["sessions"], 0)

	// Create.
	rec = doRequest(t, srv, http.MethodPost, "/api/sessions", `{"name":"primary"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	// Start.
	rec = doRequest(t, srv, http.MethodPost, "/api/sessions/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/sessions", "")
	sessions := decodeBody(t, rec)["sessions"].([]any)
	require.Len(t, sessions, 1)
	runtime := sessions[0].(map[string]any)["runtime"].(map[string]any)
	assert.Equal(t, "running", runtime["status"])

	// Stop.
	rec = doRequest(t, srv, http.MethodPost, "/api/sessions/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Delete.
	rec = doRequest(t, srv, http.MethodDelete, "/api/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/sessions", "")
	assert.Len(t, decodeBody(t, rec)["sessions"], 0)
}

func TestAPICreateAtLimit(t *testing.T) {
	cfg := testManagerConfig(t)
	cfg.MaxSessions = 1
	srv := NewServer(newTestSupervisor(t, cfg, &fakeSpawner{}))

	rec := doRequest(t, srv, http.MethodPost, "/api/sessions", `{"name":"one"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/sessions", `{"name":"two"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPICreateBadBody(t *testing.T) {
	srv := NewServer(newTestSupervisor(t, testManagerConfig(t), &fakeSpawner{}))
	rec := doRequest(t, srv, http.MethodPost, "/api/sessions", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIUnknownSession(t *testing.T) {
	srv := NewServer(newTestSupervisor(t, testManagerConfig(t), &fakeSpawner{}))

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/sessions/nope/start"},
		{http.MethodPost, "/api/sessions/nope/stop"},
		{http.MethodDelete, "/api/sessions/nope"},
		{http.MethodGet, "/api/sessions/nope/status"},
		{http.MethodGet, "/api/sessions/nope/chats"},
	} {
		rec := doRequest(t, srv, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestAPIProxyNotRunning(t *testing.T) {
	sup := newTestSupervisor(t, testManagerConfig(t), &fakeSpawner{})
	srv := NewServer(sup)
	id, _ := sup.Create("s")

	rec := doRequest(t, srv, http.MethodGet, "/api/sessions/"+id+"/status", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "not running")
}

func TestAPIProxyRelaysWorkerResponse(t *testing.T) {
	// A stand-in worker API on loopback.
	workerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"ready","ready":true}`)
		case "/api/settings":
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"destination group not found in chat list"}`)
				return
			}
			fmt.Fprint(w, `{"enabled":false}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer workerSrv.Close()

	port := workerSrv.Listener.Addr().(*net.TCPAddr).Port
	spawner := &fakeSpawner{port: port}
	sup := newTestSupervisor(t, testManagerConfig(t), spawner)
	srv := NewServer(sup)

	id, _ := sup.Create("s")
	require.NoError(t, sup.Start(context.Background(), id))

	rec := doRequest(t, srv, http.MethodGet, "/api/sessions/"+id+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ready"])

	// Error status and body are relayed verbatim.
	rec = doRequest(t, srv, http.MethodPost, "/api/sessions/"+id+"/settings", `{"keywords":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "destination group")
}

func TestAPIProxyWorkerUnreachable(t *testing.T) {
	// Grab a port that is bound to nothing.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	spawner := &fakeSpawner{port: deadPort}
	sup := newTestSupervisor(t, testManagerConfig(t), spawner)
	srv := NewServer(sup)

	id, _ := sup.Create("s")
	require.NoError(t, sup.Start(context.Background(), id))

	rec := doRequest(t, srv, http.MethodGet, "/api/sessions/"+id+"/status", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
