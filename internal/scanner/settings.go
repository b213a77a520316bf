package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Settings is the scanning configuration of one worker. Enabled is derived,
// never set directly: scanning runs only when a destination is configured,
// at least one source survives destination-exclusion, and at least one
// keyword exists.
type Settings struct {
	SourceChatIDs     []string `json:"sourceChatIds"`
	DestinationChatID string   `json:"destinationChatId"`
	Keywords          []string `json:"keywords"`
	Enabled           bool     `json:"enabled"`
}

// Normalize builds canonical settings from raw input: sources are trimmed,
// deduplicated and stripped of the destination id; keywords are lowercased,
// trimmed and deduplicated preserving configured order (first match wins
// downstream, so order is part of the contract).
func Normalize(sourceChatIDs []string, destinationChatID string, keywords []string) Settings {
	dest := strings.TrimSpace(destinationChatID)

	sources := make([]string, 0, len(sourceChatIDs))
	seenSrc := make(map[string]bool, len(sourceChatIDs))
	for _, id := range sourceChatIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == dest || seenSrc[id] {
			continue
		}
		seenSrc[id] = true
		sources = append(sources, id)
	}

	kws := make([]string, 0, len(keywords))
	seenKw := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seenKw[kw] {
			continue
		}
		seenKw[kw] = true
		kws = append(kws, kw)
	}

	return Settings{
		SourceChatIDs:     sources,
		DestinationChatID: dest,
		Keywords:          kws,
		Enabled:           dest != "" && len(sources) > 0 && len(kws) > 0,
	}
}

// HasSource reports whether id is a configured source chat.
func (s Settings) HasSource(id string) bool {
	for _, src := range s.SourceChatIDs {
		if src == id {
			return true
		}
	}
	return false
}

// MatchKeyword returns the first configured keyword found inside the body
// (case-insensitive substring), or "" when none match.
func (s Settings) MatchKeyword(body string) string {
	content := strings.ToLower(body)
	for _, kw := range s.Keywords {
		if strings.Contains(content, kw) {
			return kw
		}
	}
	return ""
}

// Store persists settings to a JSON file. Concurrency: the worker event
// loop is the only writer; the fsnotify reload path takes the same lock.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a settings store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (st *Store) Path() string { return st.path }

// Load reads settings from disk. A missing file returns zero settings with
// ok=false; a corrupt file returns an error (callers log and fall back to
// disabled defaults, never fail startup).
func (st *Store) Load() (Settings, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("read settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, false, fmt.Errorf("parse settings: %w", err)
	}

	// Re-derive instead of trusting the stored flag or stored filtering.
	return Normalize(s.SourceChatIDs, s.DestinationChatID, s.Keywords), true, nil
}

// Save writes settings atomically (temp file + rename).
func (st *Store) Save(s Settings) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	raw = append(raw, '\n')

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write settings temp file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("finalize settings save: %w", err)
	}
	return nil
}
