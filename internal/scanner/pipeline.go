package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/b0gdan00/keywatch/internal/audit"
	"github.com/b0gdan00/keywatch/internal/chat"
)

// ForwardPrefix heads every forwarded payload, followed by the source
// chat's display name and a blank line.
const ForwardPrefix = "Forwarded automatically from "

const (
	dedupCapacity = 2000

	sendMaxAttempts  = 3
	sendRetryStep    = 2 * time.Second
	sendRetryCeiling = 5 * time.Second
)

// Sender is the slice of the chat client the pipeline delivers through.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
	SendMedia(ctx context.Context, chatID string, media chat.Media, caption string) error
	DownloadMedia(ctx context.Context, msg *chat.Message) (*chat.Media, error)
}

// Config bounds pipeline delivery.
type Config struct {
	MaxTextLength    int
	MaxCaptionLength int
	ChunkDelay       time.Duration
}

// Pipeline decides whether an inbound message is forwarded and delivers
// matches to the destination exactly once, through a serialized queue.
type Pipeline struct {
	cfg      Config
	sender   Sender
	settings func() Settings
	chatName func(id string) string
	log      *audit.Log

	dedup   *Dedup
	queue   *SendQueue
	limiter *rate.Limiter
}

// New creates a pipeline. settings must return the current scanning
// configuration; chatName resolves a chat id to its display name (falling
// back to the id is fine).
func New(cfg Config, sender Sender, settings func() Settings, chatName func(id string) string, log *audit.Log) *Pipeline {
	var limiter *rate.Limiter
	if cfg.ChunkDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.ChunkDelay), 1)
	}
	return &Pipeline{
		cfg:      cfg,
		sender:   sender,
		settings: settings,
		chatName: chatName,
		log:      log,
		dedup:    NewDedup(dedupCapacity),
		queue:    NewSendQueue(),
		limiter:  limiter,
	}
}

// Close drains nothing: queued sends not yet started are dropped.
func (p *Pipeline) Close() {
	p.queue.Close()
}

// PendingSends reports queue depth (observability only).
func (p *Pipeline) PendingSends() int {
	return p.queue.Pending()
}

// Process runs one inbound message event through the scan/forward
// decision. channel names the event channel the message arrived on (the
// same message may arrive on several; dedup keys on message id).
// Errors are recovered here: a bad message is logged and dropped, never
// fatal to the worker.
func (p *Pipeline) Process(ctx context.Context, msg *chat.Message, channel string) {
	if msg == nil {
		return
	}

	if p.dedup.Seen(msg.ID) {
		return
	}

	s := p.settings()
	if !s.Enabled || s.DestinationChatID == "" {
		return
	}

	sourceID := msg.SourceChatID()
	if sourceID == "" {
		p.log.Pushf(audit.TypeScan, "Skip (%s): could not resolve source chat id.", channel)
		return
	}

	if !s.HasSource(sourceID) {
		return
	}

	// Never should hold, but live reconfiguration could race a message
	// event; skip rather than echo into the destination.
	if sourceID == s.DestinationChatID {
		p.log.Push(audit.TypeScan, "Skip: source chat equals the destination group.")
		return
	}

	if msg.Body == "" {
		// Media without a caption is deliberately not forwarded.
		p.log.Pushf(audit.TypeScan, "Skip message from %q: empty text.", p.chatName(sourceID))
		return
	}

	matched := s.MatchKeyword(msg.Body)
	if matched == "" {
		p.log.Pushf(audit.TypeScan, "Skip (%s) from %q: no keyword match. Text: %q",
			channel, p.chatName(sourceID), excerpt(msg.Body))
		return
	}

	fullText := ForwardPrefix + p.chatName(sourceID) + "\n\n" + msg.Body
	dest := s.DestinationChatID

	if msg.HasMedia {
		media, err := p.sender.DownloadMedia(ctx, msg)
		if err != nil || media == nil {
			p.log.Pushf(audit.TypeError, "Media download failed, skipping forward: %v", err)
			return
		}
		m := *media
		p.queue.Enqueue(func(ctx context.Context) error {
			return p.sendMediaWithText(ctx, dest, m, fullText)
		}, func(err error) {
			p.log.Pushf(audit.TypeError, "Forward failed: %v", err)
		})
	} else {
		p.queue.Enqueue(func(ctx context.Context) error {
			return p.sendTextChunks(ctx, dest, fullText, p.cfg.MaxTextLength)
		}, func(err error) {
			p.log.Pushf(audit.TypeError, "Forward failed: %v", err)
		})
	}

	p.log.Pushf(audit.TypeScan, "Forwarded (%s): %q -> %q, keyword %q, text: %q",
		channel, p.chatName(sourceID), p.chatName(dest), matched, excerpt(msg.Body))
}

// sendTextChunks delivers text split into bounded chunks, paced by the
// chunk-delay limiter.
func (p *Pipeline) sendTextChunks(ctx context.Context, chatID, text string, limit int) error {
	for _, chunk := range SplitText(text, limit) {
		if chunk == "" {
			continue
		}
		if err := p.pace(ctx); err != nil {
			return err
		}
		if err := p.sendWithRetry(ctx, func(ctx context.Context) error {
			return p.sender.SendText(ctx, chatID, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

// sendMediaWithText delivers media captioned with the first caption-sized
// chunk; overflow follows as plain text chunks.
func (p *Pipeline) sendMediaWithText(ctx context.Context, chatID string, media chat.Media, text string) error {
	chunks := SplitText(text, p.cfg.MaxCaptionLength)
	if len(chunks) == 0 {
		if err := p.pace(ctx); err != nil {
			return err
		}
		return p.sendWithRetry(ctx, func(ctx context.Context) error {
			return p.sender.SendMedia(ctx, chatID, media, "")
		})
	}

	if err := p.pace(ctx); err != nil {
		return err
	}
	if err := p.sendWithRetry(ctx, func(ctx context.Context) error {
		return p.sender.SendMedia(ctx, chatID, media, chunks[0])
	}); err != nil {
		return err
	}

	for _, chunk := range chunks[1:] {
		if chunk == "" {
			continue
		}
		if err := p.pace(ctx); err != nil {
			return err
		}
		if err := p.sendWithRetry(ctx, func(ctx context.Context) error {
			return p.sender.SendText(ctx, chatID, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

// sendWithRetry runs one send with bounded retries and linear backoff.
func (p *Pipeline) sendWithRetry(ctx context.Context, send func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		lastErr = send(ctx)
		if lastErr == nil {
			return nil
		}
		p.log.Pushf(audit.TypeError, "send failed (attempt %d/%d): %v", attempt, sendMaxAttempts, lastErr)

		if attempt == sendMaxAttempts {
			break
		}
		wait := time.Duration(attempt) * sendRetryStep
		if wait > sendRetryCeiling {
			wait = sendRetryCeiling
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("send gave up after %d attempts: %w", sendMaxAttempts, lastErr)
}

func (p *Pipeline) pace(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// excerpt compacts whitespace and caps the text at 120 bytes for logs,
// cutting on a rune boundary so multi-byte text stays valid.
func excerpt(text string) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) <= 120 {
		return compact
	}
	cut := 117
	for cut > 0 && !utf8.RuneStart(compact[cut]) {
		cut--
	}
	return compact[:cut] + "..."
}
