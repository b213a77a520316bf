package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0gdan00/keywatch/internal/chat"
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

func TestServerStatus(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	s := NewServer(w)

	rec := doRequest(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, string(StatusStarting), body["status"])
	assert.Equal(t, false, body["ready"])
}

func TestServerMeta(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	s := NewServer(w)

	rec := doRequest(t, s, http.MethodGet, "/api/meta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s_test", decodeBody(t, rec)["sessionId"])
}

func TestServerChatsNotReady(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	s := NewServer(w)

	rec := doRequest(t, s, http.MethodGet, "/api/chats", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServerChatsWhenReady(t *testing.T) {
	client := newFakeClient()
	client.chats = []chat.Chat{{ID: "g@g.us", Name: "Watchers", IsGroup: true}}
	w := newTestWorker(t, client, testWorkerConfig())

	w.mu.Lock()
	w.status = StatusReady
	w.mu.Unlock()

	s := NewServer(w)
	rec := doRequest(t, s, http.MethodGet, "/api/chats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	chats, ok := body["chats"].([]any)
	require.True(t, ok)
	require.Len(t, chats, 1)
}

func TestServerSettingsRoundTrip(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	s := NewServer(w)

	// Defaults are empty but well-formed.
	rec := doRequest(t, s, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, []any{}, body["sourceChatIds"])
	assert.Equal(t, false, body["enabled"])

	// Apply a full config (not ready: destination validation deferred).
	payload := `{"sourceChatIds":["a@c.us"],"destinationChatId":"g@g.us","keywords":["Urgent"]}`
	rec = doRequest(t, s, http.MethodPost, "/api/settings", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, []any{"urgent"}, body["keywords"])

	rec = doRequest(t, s, http.MethodGet, "/api/settings", "")
	assert.Equal(t, "g@g.us", decodeBody(t, rec)["destinationChatId"])
}

func TestServerSettingsRejectsBadInput(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	s := NewServer(w)

	rec := doRequest(t, s, http.MethodPost, "/api/settings", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerSettingsRejectsUnknownDestination(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	w.mu.Lock()
	w.status = StatusReady
	w.chats = []chat.Chat{{ID: "g@g.us", Name: "Watchers", IsGroup: true}}
	w.mu.Unlock()
	s := NewServer(w)

	payload := `{"sourceChatIds":["a@c.us"],"destinationChatId":"missing@g.us","keywords":["urgent"]}`
	rec := doRequest(t, s, http.MethodPost, "/api/settings", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "not found")
}

func TestServerLogs(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	s := NewServer(w)

	rec := doRequest(t, s, http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := decodeBody(t, rec)["logs"].([]any)
	assert.True(t, ok)
}
