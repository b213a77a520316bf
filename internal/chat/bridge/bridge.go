// Package bridge implements chat.Client over a loopback websocket to the
// browser-automation bridge process. The bridge owns the headless browser
// and the chat-network session; this client only shuttles JSON frames.
//
// Frame shapes:
//
//	request:  {"id": 7, "op": "chats", "args": {...}}
//	response: {"id": 7, "ok": true, "result": {...}} or {"id": 7, "ok": false, "error": "..."}
//	event:    {"event": "qr", "payload": "...", "reason": "...", "message": {...}, "channel": "message"}
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/b0gdan00/keywatch/internal/chat"
	"github.com/b0gdan00/keywatch/internal/logging"
)

var log = logging.ForComponent(logging.CompClient)

// ErrNotConnected is returned for operations issued before Initialize
// succeeds or after the bridge socket drops.
var ErrNotConnected = errors.New("bridge: not connected")

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

// Client talks to one bridge process for one session.
type Client struct {
	url       string
	sessionID string

	mu      sync.Mutex
	writeMu sync.Mutex // gorilla conns allow one concurrent writer
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan response

	events    chan chat.Event
	eventOnce sync.Once

	readDone chan struct{}
}

type request struct {
	ID   int64           `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type eventFrame struct {
	Event   string        `json:"event"`
	Payload string        `json:"payload,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Channel string        `json:"channel,omitempty"`
}

// New creates a bridge client for the given websocket URL
// (e.g. ws://127.0.0.1:7301/session/<id>).
func New(url, sessionID string) *Client {
	return &Client{
		url:       url,
		sessionID: sessionID,
		pending:   map[int64]chan response{},
		events:    make(chan chat.Event, eventBuffer),
	}
}

// Initialize dials the bridge and asks it to start the automation session.
// Lifecycle progress (qr, authenticated, ready) arrives via Events.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("bridge: already initialized")
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("bridge dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)

	args, _ := json.Marshal(map[string]string{"sessionId": c.sessionID})
	if _, err := c.call(ctx, "init", args); err != nil {
		_ = c.Destroy(context.Background())
		return fmt.Errorf("bridge init: %w", err)
	}
	log.Debug("bridge_initialized", slog.String("session", c.sessionID))
	return nil
}

// Destroy closes the automation session and the socket. Safe in any state.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	done := c.readDone
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Best-effort: tell the bridge to tear down the browser session before
	// dropping the socket.
	frame, _ := json.Marshal(request{ID: -1, Op: "destroy"})
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	err := conn.Close()
	c.writeMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		case <-time.After(writeTimeout):
		}
	}
	return err
}

// State probes bridge/session liveness.
func (c *Client) State(ctx context.Context) error {
	_, err := c.call(ctx, "state", nil)
	return err
}

// Chats lists conversations visible to the account.
func (c *Client) Chats(ctx context.Context) ([]chat.Chat, error) {
	raw, err := c.call(ctx, "chats", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Chats []chat.Chat `json:"chats"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("bridge chats decode: %w", err)
	}
	return out.Chats, nil
}

// SendText delivers one text chunk.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	args, _ := json.Marshal(map[string]string{"chatId": chatID, "text": text})
	_, err := c.call(ctx, "sendText", args)
	return err
}

// SendMedia delivers one media unit with an optional caption.
func (c *Client) SendMedia(ctx context.Context, chatID string, media chat.Media, caption string) error {
	args, _ := json.Marshal(map[string]any{
		"chatId":   chatID,
		"mimeType": media.MimeType,
		"fileName": media.FileName,
		"data":     media.Data, // base64 via encoding/json
		"caption":  caption,
	})
	_, err := c.call(ctx, "sendMedia", args)
	return err
}

// DownloadMedia fetches a message attachment from the bridge.
func (c *Client) DownloadMedia(ctx context.Context, msg *chat.Message) (*chat.Media, error) {
	args, _ := json.Marshal(map[string]string{"messageId": msg.ID, "chatId": msg.ChatID})
	raw, err := c.call(ctx, "downloadMedia", args)
	if err != nil {
		return nil, err
	}
	var media chat.Media
	var out struct {
		MimeType string `json:"mimeType"`
		FileName string `json:"fileName"`
		Data     []byte `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("bridge media decode: %w", err)
	}
	media.MimeType = out.MimeType
	media.FileName = out.FileName
	media.Data = out.Data
	if len(media.Data) == 0 {
		return nil, errors.New("bridge: empty media payload")
	}
	return &media, nil
}

// Events returns the adapter event stream.
func (c *Client) Events() <-chan chat.Event {
	return c.events
}

func (c *Client) call(ctx context.Context, op string, args json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(request{ID: id, Op: op, Args: args})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("bridge write %s: %w", op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !resp.OK {
			return nil, fmt.Errorf("bridge %s: %s", op, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop decodes frames until the socket drops, then surfaces a
// disconnected event so the worker's resilience logic takes over.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.readDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			open := c.conn == conn
			if open {
				c.conn = nil
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()

			// Only report a disconnect if we did not close the socket
			// ourselves via Destroy.
			if open {
				c.emit(chat.Event{Type: chat.EventDisconnected, Reason: err.Error()})
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var resp response
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	var ev eventFrame
	if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
		log.Warn("bridge_frame_unrecognized", slog.Int("bytes", len(data)))
		return
	}

	switch chat.EventType(ev.Event) {
	case chat.EventQR:
		c.emit(chat.Event{Type: chat.EventQR, QRPayload: ev.Payload})
	case chat.EventAuthenticated:
		c.emit(chat.Event{Type: chat.EventAuthenticated})
	case chat.EventReady:
		c.emit(chat.Event{Type: chat.EventReady})
	case chat.EventAuthFailure:
		c.emit(chat.Event{Type: chat.EventAuthFailure, Reason: ev.Reason})
	case chat.EventDisconnected:
		c.emit(chat.Event{Type: chat.EventDisconnected, Reason: ev.Reason})
	case chat.EventMessage:
		if ev.Message != nil {
			c.emit(chat.Event{Type: chat.EventMessage, Message: ev.Message, Channel: ev.Channel})
		}
	default:
		log.Debug("bridge_event_ignored", slog.String("event", ev.Event))
	}
}

// emit never blocks the read loop. A full buffer drops the event: the
// worker deduplicates messages by ID and lifecycle state is re-probed by
// keepalive, so a drop degrades to a delay, not a wedge.
func (c *Client) emit(ev chat.Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn("bridge_event_dropped", slog.String("type", string(ev.Type)))
	}
}
