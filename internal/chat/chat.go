// Package chat defines the contract between a session worker and the
// underlying chat-automation client. The client itself (browser automation,
// login state, the wire protocol to the chat network) is opaque: the worker
// only consumes typed lifecycle/message events and calls back into the
// small operation surface below.
package chat

import "context"

// Chat is one conversation visible to the connected account.
type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup"`
}

// Message is an inbound message event payload.
type Message struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"` // chat the message arrived in
	Sender   string `json:"sender"`
	To       string `json:"to"` // recipient chat for self-sent messages
	Body     string `json:"body"`
	FromMe   bool   `json:"fromMe"`
	HasMedia bool   `json:"hasMedia"`
}

// SourceChatID resolves the chat a message originated in. Outbound echoes
// report the account itself as sender, so for self-sent messages the
// recipient chat is the source.
func (m Message) SourceChatID() string {
	if m.FromMe && m.To != "" {
		return m.To
	}
	return m.ChatID
}

// Media is a downloaded attachment.
type Media struct {
	MimeType string
	FileName string
	Data     []byte
}

// EventType identifies an adapter lifecycle or message event.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
)

// Event is one item on the adapter's event stream.
type Event struct {
	Type EventType

	// QRPayload is set for EventQR: the raw challenge to encode.
	QRPayload string

	// Reason is set for EventAuthFailure and EventDisconnected.
	Reason string

	// Message is set for EventMessage.
	Message *Message

	// Channel names the delivery channel a message event arrived on.
	// The same underlying message can be observed on more than one
	// channel, so consumers must deduplicate by message ID.
	Channel string
}

// Client is the operation surface of the chat-automation client.
// All calls may block on network or browser automation and honor ctx.
type Client interface {
	// Initialize connects (or reconnects) the client. Lifecycle progress
	// is reported through Events, not the return value: a nil error only
	// means the connection attempt was started.
	Initialize(ctx context.Context) error

	// Destroy tears the client down. Safe to call in any state.
	Destroy(ctx context.Context) error

	// State is a lightweight liveness probe; an error means the session
	// is no longer healthy.
	State(ctx context.Context) error

	// Chats lists conversations visible to the account.
	Chats(ctx context.Context) ([]Chat, error)

	// SendText delivers one text chunk to a chat.
	SendText(ctx context.Context, chatID, text string) error

	// SendMedia delivers one media unit with an optional caption.
	SendMedia(ctx context.Context, chatID string, media Media, caption string) error

	// DownloadMedia fetches the attachment of a message.
	DownloadMedia(ctx context.Context, msg *Message) (*Media, error)

	// Events returns the adapter event stream. Closed on Destroy.
	Events() <-chan Event
}
