package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0gdan00/keywatch/internal/chat"
	"github.com/b0gdan00/keywatch/internal/config"
	"github.com/b0gdan00/keywatch/internal/scanner"
)

// fakeClient is a scriptable chat.Client for state machine tests.
type fakeClient struct {
	mu           sync.Mutex
	events       chan chat.Event
	chats        []chat.Chat
	initErr      error
	stateErr     error
	initCalls    int
	destroyCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan chat.Event, 16)}
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeClient) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	return nil
}

func (f *fakeClient) State(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateErr
}

func (f *fakeClient) Chats(ctx context.Context) ([]chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Chat, len(f.chats))
	copy(out, f.chats)
	return out, nil
}

func (f *fakeClient) SendText(ctx context.Context, chatID, text string) error { return nil }
func (f *fakeClient) SendMedia(ctx context.Context, chatID string, media chat.Media, caption string) error {
	return nil
}
func (f *fakeClient) DownloadMedia(ctx context.Context, msg *chat.Message) (*chat.Media, error) {
	return nil, errors.New("no media")
}
func (f *fakeClient) Events() <-chan chat.Event { return f.events }

func (f *fakeClient) push(ev chat.Event) { f.events <- ev }

func (f *fakeClient) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

func testWorkerConfig() config.WorkerSettings {
	return config.WorkerSettings{
		MaxTextLength:        3500,
		MaxCaptionLength:     900,
		SendChunkDelay:       0,
		KeepaliveInterval:    time.Hour,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    80 * time.Millisecond,
		ReconnectMaxAttempts: 12,
	}
}

func newTestWorker(t *testing.T, client chat.Client, cfg config.WorkerSettings) *Worker {
	t.Helper()
	env := config.WorkerEnv{SessionID: "s_test", SessionDir: t.TempDir(), Host: "127.0.0.1"}
	w, err := New(cfg, env, client)
	require.NoError(t, err)
	w.exit = func(code int) {}
	t.Cleanup(w.cancel)
	return w
}

func waitStatus(t *testing.T, w *Worker, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.StatusSnapshot().Status == want
	}, 2*time.Second, 5*time.Millisecond, "never reached status %s", want)
}

func TestWorkerLifecycleEvents(t *testing.T) {
	client := newFakeClient()
	client.chats = []chat.Chat{
		{ID: "g@g.us", Name: "Watchers", IsGroup: true},
		{ID: "a@c.us", Name: "Alpha"},
	}
	w := newTestWorker(t, client, testWorkerConfig())
	go w.Run()

	assert.Equal(t, StatusStarting, w.StatusSnapshot().Status)

	client.push(chat.Event{Type: chat.EventQR, QRPayload: "challenge"})
	waitStatus(t, w, StatusQRPending)
	snap := w.StatusSnapshot()
	assert.True(t, snap.HasQR)
	assert.Contains(t, snap.QR, "data:image/png;base64,")

	client.push(chat.Event{Type: chat.EventAuthenticated})
	waitStatus(t, w, StatusAuthenticated)
	assert.False(t, w.StatusSnapshot().HasQR, "QR cleared after authentication")

	client.push(chat.Event{Type: chat.EventReady})
	waitStatus(t, w, StatusReady)

	require.Eventually(t, func() bool {
		return len(w.Chats()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	// Groups sort ahead of direct chats.
	assert.Equal(t, "g@g.us", w.Chats()[0].ID)
}

func TestWorkerDisconnectSchedulesReconnect(t *testing.T) {
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())
	go w.Run()

	require.Eventually(t, func() bool { return client.initCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	client.push(chat.Event{Type: chat.EventDisconnected, Reason: "stream closed"})
	waitStatus(t, w, StatusReconnecting)

	// The armed timer must fire a reinitialization.
	require.Eventually(t, func() bool {
		return client.initCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerAuthFailureReconnects(t *testing.T) {
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())
	go w.Run()

	client.push(chat.Event{Type: chat.EventAuthFailure, Reason: "bad credentials"})
	waitStatus(t, w, StatusReconnecting)
}

func TestWorkerReconnectCeilingExits(t *testing.T) {
	client := newFakeClient()
	cfg := testWorkerConfig()
	cfg.ReconnectMaxAttempts = 1

	w := newTestWorker(t, client, cfg)
	exitCode := make(chan int, 1)
	w.exit = func(code int) { exitCode <- code }

	w.scheduleReconnect("disconnected", "test")

	select {
	case code := <-exitCode:
		assert.Equal(t, EscalationExitCode, code)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not escalate at the reconnect ceiling")
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.ReconnectBaseDelay = time.Second
	cfg.ReconnectMaxDelay = 10 * time.Second
	w := newTestWorker(t, newFakeClient(), cfg)

	for attempt := 1; attempt <= 20; attempt++ {
		d := w.ReconnectDelay(attempt)
		assert.GreaterOrEqual(t, d, cfg.ReconnectBaseDelay, "attempt %d", attempt)
		assert.LessOrEqual(t, d, cfg.ReconnectMaxDelay, "attempt %d", attempt)
	}

	// Past the doubling horizon the delay pins to the max.
	assert.Equal(t, cfg.ReconnectMaxDelay, w.ReconnectDelay(10))
	// Nonsense attempts clamp to the first.
	assert.GreaterOrEqual(t, w.ReconnectDelay(0), cfg.ReconnectBaseDelay)
}

func TestUpdateSettingsRejectsUnknownDestination(t *testing.T) {
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())

	w.mu.Lock()
	w.status = StatusReady
	w.chats = []chat.Chat{{ID: "g@g.us", Name: "Watchers", IsGroup: true}}
	w.mu.Unlock()

	before := w.Settings()
	_, err := w.UpdateSettings([]string{"a@c.us"}, "missing@g.us", []string{"urgent"})
	require.Error(t, err)
	assert.Equal(t, before, w.Settings(), "rejected update must not mutate settings")
}

func TestUpdateSettingsRejectsNonGroupDestination(t *testing.T) {
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())

	w.mu.Lock()
	w.status = StatusReady
	w.chats = []chat.Chat{{ID: "a@c.us", Name: "Alpha", IsGroup: false}}
	w.mu.Unlock()

	_, err := w.UpdateSettings([]string{"b@c.us"}, "a@c.us", []string{"urgent"})
	require.Error(t, err)
}

func TestUpdateSettingsAppliesAndPersists(t *testing.T) {
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())

	w.mu.Lock()
	w.status = StatusReady
	w.chats = []chat.Chat{{ID: "g@g.us", Name: "Watchers", IsGroup: true}}
	w.mu.Unlock()

	applied, err := w.UpdateSettings([]string{"a@c.us", "g@g.us"}, "g@g.us", []string{"Urgent"})
	require.NoError(t, err)
	assert.True(t, applied.Enabled)
	assert.Equal(t, []string{"a@c.us"}, applied.SourceChatIDs)
	assert.Equal(t, []string{"urgent"}, applied.Keywords)

	// Persisted: a fresh load from the store sees the same config.
	loaded, found, err := w.store.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, applied, loaded)
}

func TestUpdateSettingsBeforeReadySkipsValidation(t *testing.T) {
	// Before the chat list exists the destination cannot be checked;
	// the update is stored and validated again at readiness.
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())

	applied, err := w.UpdateSettings([]string{"a@c.us"}, "unknown@g.us", []string{"urgent"})
	require.NoError(t, err)
	assert.True(t, applied.Enabled)
}

func TestValidateDestinationDisablesOnMissingGroup(t *testing.T) {
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())

	w.mu.Lock()
	w.status = StatusReady
	w.chats = []chat.Chat{{ID: "other@g.us", Name: "Other", IsGroup: true}}
	w.settings = scanner.Normalize([]string{"a@c.us"}, "g@g.us", []string{"urgent"})
	w.mu.Unlock()

	w.validateDestination()
	assert.False(t, w.Settings().Enabled, "missing destination must disable scanning")
	assert.Equal(t, "g@g.us", w.Settings().DestinationChatID, "stored destination is kept")
}

func TestValidateDestinationSkippedBeforeReady(t *testing.T) {
	client := newFakeClient()
	w := newTestWorker(t, client, testWorkerConfig())

	w.mu.Lock()
	w.settings = scanner.Normalize([]string{"a@c.us"}, "g@g.us", []string{"urgent"})
	w.mu.Unlock()

	w.validateDestination()
	assert.True(t, w.Settings().Enabled, "no chat list yet, nothing to validate against")
}
