// Package worker hosts one session: the chat client adapter, the
// connection-resilience state machine, the forwarding pipeline and the
// local control API consumed by the manager.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/b0gdan00/keywatch/internal/audit"
	"github.com/b0gdan00/keywatch/internal/chat"
	"github.com/b0gdan00/keywatch/internal/config"
	"github.com/b0gdan00/keywatch/internal/logging"
	"github.com/b0gdan00/keywatch/internal/proc"
	"github.com/b0gdan00/keywatch/internal/scanner"
)

var log = logging.ForComponent(logging.CompWorker)

// Status is the worker's connection status.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusQRPending     Status = "qr_pending"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusReconnecting  Status = "reconnecting"
	StatusDisconnected  Status = "disconnected"
	StatusAuthFailed    Status = "auth_failed"
	StatusInitError     Status = "init_error"
)

// EscalationExitCode is the distinguished exit code for the reconnect
// ceiling: the worker gives up on in-process recovery and defers to the
// manager's restart-on-crash supervision (which can discard a corrupted
// automation profile).
const EscalationExitCode = 2

// reconnectJitter is the additive random spread on top of exponential
// backoff, preventing synchronized reconnect storms across sessions.
const reconnectJitter = 500 * time.Millisecond

// adapterCallTimeout bounds individual adapter calls issued outside the
// send queue (probes, chat listing, destroy).
const adapterCallTimeout = 30 * time.Second

// Worker is one session worker process's runtime.
type Worker struct {
	cfg config.WorkerSettings
	env config.WorkerEnv

	client   chat.Client
	audit    *audit.Log
	store    *scanner.Store
	pipeline *scanner.Pipeline

	mu           sync.Mutex
	status       Status
	lastError    string
	qrDataURL    string
	settings     scanner.Settings
	chats        []chat.Chat
	chatNames    map[string]string
	attempts     int
	pendingTimer *time.Timer
	initInFlight bool
	shuttingDown bool
	keepaliveOn  bool

	ctx    context.Context
	cancel context.CancelFunc

	// exit is swapped in tests; defaults to os.Exit.
	exit func(code int)
}

// New assembles a worker for the given environment. Session-scoped
// directories are created here; failure to do so is fatal (the worker
// cannot persist anything).
func New(cfg config.WorkerSettings, env config.WorkerEnv, client chat.Client) (*Worker, error) {
	dataDir := filepath.Join(env.SessionDir, "data")
	logDir := filepath.Join(env.SessionDir, "logs")
	for _, dir := range []string{dataDir, logDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create session dir %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:       cfg,
		env:       env,
		client:    client,
		audit:     audit.New(logDir),
		store:     scanner.NewStore(filepath.Join(dataDir, "settings.json")),
		status:    StatusStarting,
		chatNames: map[string]string{},
		ctx:       ctx,
		cancel:    cancel,
		exit:      os.Exit,
	}

	w.pipeline = scanner.New(
		scanner.Config{
			MaxTextLength:    cfg.MaxTextLength,
			MaxCaptionLength: cfg.MaxCaptionLength,
			ChunkDelay:       cfg.SendChunkDelay,
		},
		client,
		w.Settings,
		w.chatName,
		w.audit,
	)

	w.loadSettings()
	return w, nil
}

// Audit exposes the session audit log.
func (w *Worker) Audit() *audit.Log { return w.audit }

// loadSettings reads persisted settings; absence or corruption degrades
// to empty disabled settings, never to a startup failure.
func (w *Worker) loadSettings() {
	s, found, err := w.store.Load()
	switch {
	case err != nil:
		w.audit.Pushf(audit.TypeError, "Could not load settings.json: %v", err)
	case !found:
		w.audit.Push(audit.TypeSystem, "settings.json not found, starting with empty settings.")
	default:
		w.setSettings(s)
		w.audit.Pushf(audit.TypeSystem,
			"Settings loaded from disk: sources=%d, keywords=%d, destination=%s.",
			len(s.SourceChatIDs), len(s.Keywords), presentOrMissing(s.DestinationChatID))
	}
}

// Settings returns the current scanning configuration.
func (w *Worker) Settings() scanner.Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

func (w *Worker) setSettings(s scanner.Settings) {
	w.mu.Lock()
	w.settings = s
	w.mu.Unlock()
}

// StatusSnapshot is what the status endpoint reports.
type StatusSnapshot struct {
	Status    Status `json:"status"`
	Ready     bool   `json:"ready"`
	HasQR     bool   `json:"hasQr"`
	QR        string `json:"qr,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// StatusSnapshot returns the current connection status for the API.
func (w *Worker) StatusSnapshot() StatusSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return StatusSnapshot{
		Status:    w.status,
		Ready:     w.status == StatusReady,
		HasQR:     w.qrDataURL != "",
		QR:        w.qrDataURL,
		LastError: w.lastError,
	}
}

// Run starts event consumption and the first client initialization, then
// blocks until the worker context ends.
func (w *Worker) Run() {
	go w.consumeEvents()

	if err := w.client.Initialize(w.ctx); err != nil {
		w.mu.Lock()
		w.status = StatusInitError
		w.lastError = err.Error()
		w.mu.Unlock()
		w.audit.Pushf(audit.TypeError, "Client initialization failed: %v", err)
		w.scheduleReconnect("init_error", err.Error())
	}

	<-w.ctx.Done()
}

// EmitHandshake writes the one-time startup message for the parent
// process on stdout.
func (w *Worker) EmitHandshake(port int) {
	hs := proc.Handshake{Type: proc.HandshakeType, Port: port}
	line, _ := json.Marshal(hs)
	fmt.Println(string(line))
	w.audit.Pushf(audit.TypeSystem, "Worker control API listening on %s:%d (session=%s)", w.env.Host, port, w.env.SessionID)
}

// consumeEvents drains the adapter event stream. A panic while handling
// an event degrades to a reconnect trigger instead of crashing the
// worker.
func (w *Worker) consumeEvents() {
	defer func() {
		if r := recover(); r != nil {
			w.audit.Pushf(audit.TypeError, "Unexpected error in event handling: %v", r)
			w.scheduleReconnect("panic", fmt.Sprint(r))
			go w.consumeEvents()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.client.Events():
			if !ok {
				return
			}
			w.handleEvent(ev)
		}
	}
}

func (w *Worker) handleEvent(ev chat.Event) {
	switch ev.Type {
	case chat.EventQR:
		w.onQR(ev.QRPayload)
	case chat.EventAuthenticated:
		w.onAuthenticated()
	case chat.EventReady:
		w.onReady()
	case chat.EventAuthFailure:
		w.onAuthFailure(ev.Reason)
	case chat.EventDisconnected:
		w.onDisconnected(ev.Reason)
	case chat.EventMessage:
		w.pipeline.Process(w.ctx, ev.Message, ev.Channel)
	}
}

func (w *Worker) onQR(payload string) {
	dataURL, err := encodeQRDataURL(payload)

	w.mu.Lock()
	w.status = StatusQRPending
	w.lastError = ""
	if err != nil {
		w.qrDataURL = ""
		w.lastError = fmt.Sprintf("Could not encode QR: %v", err)
	} else {
		w.qrDataURL = dataURL
	}
	w.mu.Unlock()

	if err != nil {
		w.audit.Pushf(audit.TypeError, "Could not encode QR: %v", err)
		return
	}
	w.audit.Push(audit.TypeAuth, "New login QR code received.")
}

func (w *Worker) onAuthenticated() {
	w.mu.Lock()
	w.status = StatusAuthenticated
	w.lastError = ""
	w.qrDataURL = ""
	w.attempts = 0
	w.stopPendingTimerLocked()
	w.mu.Unlock()

	w.audit.Push(audit.TypeAuth, "Authenticated, waiting for client readiness.")
}

func (w *Worker) onReady() {
	w.mu.Lock()
	w.status = StatusReady
	w.lastError = ""
	w.qrDataURL = ""
	w.attempts = 0
	w.stopPendingTimerLocked()
	startKeepalive := !w.keepaliveOn
	w.keepaliveOn = true
	w.mu.Unlock()

	if startKeepalive {
		go w.keepaliveLoop()
	}
	w.audit.Push(audit.TypeSystem, "Chat client is ready.")

	if err := w.RefreshChats(w.ctx); err != nil {
		w.mu.Lock()
		w.lastError = fmt.Sprintf("Could not load chats: %v", err)
		w.mu.Unlock()
		w.audit.Pushf(audit.TypeError, "Could not load chats: %v", err)
		return
	}
	w.audit.Pushf(audit.TypeSystem, "Loaded %d chats.", len(w.Chats()))

	w.validateDestination()
}

// validateDestination disables scanning when the configured destination
// no longer resolves to a known group. Stored configuration is kept; only
// the derived enabled flag is forced off.
func (w *Worker) validateDestination() {
	if !w.Ready() {
		// Without a chat list there is nothing to validate against.
		return
	}
	s := w.Settings()
	if s.DestinationChatID == "" {
		return
	}

	dest, ok := w.chatByID(s.DestinationChatID)
	switch {
	case !ok:
		s.Enabled = false
		w.setSettings(s)
		w.audit.Push(audit.TypeError, "Configured destination group not found in chat list. Scanning disabled.")
	case !dest.IsGroup:
		s.Enabled = false
		w.setSettings(s)
		w.audit.Push(audit.TypeError, "Configured destination chat is not a group. Scanning disabled.")
	}
}

func (w *Worker) onAuthFailure(reason string) {
	if reason == "" {
		reason = "authentication failed"
	}
	w.mu.Lock()
	w.status = StatusAuthFailed
	w.lastError = reason
	w.mu.Unlock()

	w.audit.Pushf(audit.TypeError, "Authentication failure: %s", reason)
	w.scheduleReconnect("auth_failure", reason)
}

func (w *Worker) onDisconnected(reason string) {
	if reason == "" {
		reason = "unknown reason"
	}
	w.mu.Lock()
	w.status = StatusDisconnected
	w.qrDataURL = ""
	w.mu.Unlock()

	w.audit.Pushf(audit.TypeSystem, "Client disconnected: %s.", reason)
	w.scheduleReconnect("disconnected", reason)
}

// keepaliveLoop probes adapter liveness while the worker is ready. A
// failed probe schedules a reconnect; the status change itself comes from
// the subsequent disconnect/failure event.
func (w *Worker) keepaliveLoop() {
	ticker := time.NewTicker(w.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		skip := w.shuttingDown || w.status != StatusReady
		w.mu.Unlock()
		if skip {
			continue
		}

		ctx, cancel := context.WithTimeout(w.ctx, adapterCallTimeout)
		err := w.client.State(ctx)
		cancel()
		if err != nil {
			w.audit.Pushf(audit.TypeError, "Keepalive error: %v", err)
			w.scheduleReconnect("keepalive", err.Error())
		}
	}
}

// ReconnectDelay computes the backoff for the given attempt (1-based):
// exponential from the base, capped at the max, plus bounded jitter.
// The result never exceeds the configured max delay.
func (w *Worker) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := w.cfg.ReconnectBaseDelay
	max := w.cfg.ReconnectMaxDelay

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	delay += time.Duration(rand.Int63n(int64(reconnectJitter)))
	if delay > max {
		delay = max
	}
	return delay
}

// scheduleReconnect arms a one-shot reconnect unless one is already
// pending or in flight, escalating to self-termination once the attempt
// ceiling is reached.
func (w *Worker) scheduleReconnect(trigger, details string) {
	w.mu.Lock()
	if w.shuttingDown || w.pendingTimer != nil || w.initInFlight {
		w.mu.Unlock()
		return
	}

	w.attempts++
	attempt := w.attempts
	if attempt >= w.cfg.ReconnectMaxAttempts {
		w.mu.Unlock()
		w.audit.Push(audit.TypeError, "Too many failed reconnects. Restarting worker for clean recovery.")
		w.Shutdown(EscalationExitCode)
		return
	}

	delay := w.ReconnectDelay(attempt)
	w.status = StatusReconnecting
	w.lastError = ""
	w.qrDataURL = ""
	w.pendingTimer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		w.pendingTimer = nil
		w.mu.Unlock()
		w.reinitialize(trigger)
	})
	w.mu.Unlock()

	reason := ""
	if details != "" {
		reason = fmt.Sprintf(" (%s)", details)
	}
	w.audit.Pushf(audit.TypeSystem, "Reconnect scheduled in %ds: %s%s.", int(delay.Round(time.Second).Seconds()), trigger, reason)
	log.Info("reconnect_scheduled",
		slog.String("session", w.env.SessionID),
		slog.String("trigger", trigger),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
}

// reinitialize tears the adapter down and brings it back up. A failure
// feeds back into the same backoff policy; success is confirmed by the
// subsequent authenticated/ready events, which reset the counter.
func (w *Worker) reinitialize(trigger string) {
	w.mu.Lock()
	if w.shuttingDown || w.initInFlight {
		w.mu.Unlock()
		return
	}
	w.initInFlight = true
	w.status = StatusReconnecting
	w.lastError = ""
	w.qrDataURL = ""
	attempt := w.attempts
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.initInFlight = false
		w.mu.Unlock()
	}()

	w.audit.Pushf(audit.TypeSystem, "Reconnect attempt (%s), attempt #%d...", trigger, attempt)

	destroyCtx, cancel := context.WithTimeout(w.ctx, adapterCallTimeout)
	if err := w.client.Destroy(destroyCtx); err != nil {
		w.audit.Pushf(audit.TypeError, "destroy() before reconnect: %v", err)
	}
	cancel()

	if err := w.client.Initialize(w.ctx); err != nil {
		w.audit.Pushf(audit.TypeError, "Reconnect failed: %v", err)
		// Release the in-flight flag before rescheduling or the guard
		// in scheduleReconnect would drop the retry.
		w.mu.Lock()
		w.initInFlight = false
		w.mu.Unlock()
		w.scheduleReconnect("reconnect_failed", err.Error())
	}
}

func (w *Worker) stopPendingTimerLocked() {
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
		w.pendingTimer = nil
	}
}

// Chats returns the cached chat list.
func (w *Worker) Chats() []chat.Chat {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]chat.Chat, len(w.chats))
	copy(out, w.chats)
	return out
}

func (w *Worker) chatByID(id string) (chat.Chat, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.chats {
		if c.ID == id {
			return c, true
		}
	}
	return chat.Chat{}, false
}

func (w *Worker) chatName(id string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if name, ok := w.chatNames[id]; ok && name != "" {
		return name
	}
	return id
}

// RefreshChats reloads the chat cache from the adapter. Groups sort
// first, then by name, which is the order the UI presents.
func (w *Worker) RefreshChats(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, adapterCallTimeout)
	defer cancel()

	chats, err := w.client.Chats(ctx)
	if err != nil {
		return err
	}

	filtered := chats[:0]
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		if c.Name == "" {
			c.Name = c.ID
		}
		filtered = append(filtered, c)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].IsGroup != filtered[j].IsGroup {
			return filtered[i].IsGroup
		}
		return strings.ToLower(filtered[i].Name) < strings.ToLower(filtered[j].Name)
	})

	names := make(map[string]string, len(filtered))
	for _, c := range filtered {
		names[c.ID] = c.Name
	}

	w.mu.Lock()
	w.chats = filtered
	w.chatNames = names
	w.mu.Unlock()
	return nil
}

// UpdateSettings applies a full replacement of the scanning
// configuration. When the worker is ready and a destination is given, it
// must resolve to a known group chat; a rejected update leaves stored
// settings untouched.
func (w *Worker) UpdateSettings(sourceChatIDs []string, destinationChatID string, keywords []string) (scanner.Settings, error) {
	next := scanner.Normalize(sourceChatIDs, destinationChatID, keywords)

	w.mu.Lock()
	ready := w.status == StatusReady
	w.mu.Unlock()

	if next.DestinationChatID != "" && ready {
		dest, ok := w.chatByID(next.DestinationChatID)
		if !ok {
			return scanner.Settings{}, fmt.Errorf("destination group not found in chat list")
		}
		if !dest.IsGroup {
			return scanner.Settings{}, fmt.Errorf("destination chat must be a group")
		}
	}

	w.setSettings(next)
	if err := w.store.Save(next); err != nil {
		w.audit.Pushf(audit.TypeError, "Could not save settings.json: %v", err)
	}

	if next.Enabled {
		w.audit.Pushf(audit.TypeScan, "Settings updated: sources=%d, keywords=%d, scanning active.",
			len(next.SourceChatIDs), len(next.Keywords))
	} else {
		w.audit.Pushf(audit.TypeScan,
			"Settings updated but scanning inactive: sources=%d, keywords=%d, destination=%s.",
			len(next.SourceChatIDs), len(next.Keywords), presentOrMissing(next.DestinationChatID))
	}
	return next, nil
}

// Ready reports whether the client connection is ready.
func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == StatusReady
}

// Shutdown stops the worker and exits with code. Idempotent: the second
// caller returns immediately.
func (w *Worker) Shutdown(code int) {
	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		return
	}
	w.shuttingDown = true
	w.stopPendingTimerLocked()
	w.mu.Unlock()

	w.audit.Push(audit.TypeSystem, "Stopping worker...")
	w.pipeline.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adapterCallTimeout)
	if err := w.client.Destroy(ctx); err != nil {
		w.audit.Pushf(audit.TypeError, "destroy() error: %v", err)
	}
	cancel()

	w.cancel()
	w.audit.Push(audit.TypeSystem, "Worker stopped.")
	w.audit.Close()
	w.exit(code)
}

func presentOrMissing(v string) string {
	if v == "" {
		return "missing"
	}
	return "ok"
}
