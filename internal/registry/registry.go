// Package registry persists the manager's session registry. The contract
// is best-effort durability: a missing or corrupt file degrades to empty
// defaults (after trying rolling backups), never to a startup failure.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/b0gdan00/keywatch/internal/logging"
)

var log = logging.ForComponent(logging.CompStore)

// maxBackupGenerations is the number of rolling backups to keep
const maxBackupGenerations = 3

// Session is one registered session. Identity is immutable once created.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// fileData is the on-disk JSON shape.
type fileData struct {
	Sessions  []Session `json:"sessions"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry handles persistence of session records.
// Thread-safe with mutex protection for concurrent access.
type Registry struct {
	path string
	mu   sync.Mutex
}

// New creates a registry backed by the given file path, creating the
// parent directory with owner-only permissions.
func New(path string) (*Registry, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	r := &Registry{path: path}
	r.cleanupTempFile()
	return r, nil
}

// Path returns the file path this registry is using.
func (r *Registry) Path() string {
	return r.path
}

// cleanupTempFile removes a leftover .tmp file from a previous crash.
func (r *Registry) cleanupTempFile() {
	tmpPath := r.path + ".tmp"
	if _, err := os.Stat(tmpPath); err == nil {
		if err := os.Remove(tmpPath); err != nil {
			log.Warn("registry_tmp_cleanup_failed", slog.String("path", tmpPath), slog.Any("error", err))
		}
	}
}

// Save persists sessions with the atomic write pattern:
// write temp, fsync, rotate backups, rename into place.
func (r *Registry) Save(sessions []Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := fileData{
		Sessions:  sessions,
		UpdatedAt: time.Now(),
	}
	if data.Sessions == nil {
		data.Sessions = []Session{}
	}

	if err := validate(data.Sessions); err != nil {
		return fmt.Errorf("registry validation failed: %w", err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}

	if err := syncFile(tmpPath); err != nil {
		// Atomic rename still provides some safety.
		log.Warn("registry_fsync_failed", slog.String("path", tmpPath), slog.Any("error", err))
	}

	if _, err := os.Stat(r.path); err == nil {
		r.rotateBackups()
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("finalize registry save: %w", err)
	}
	return nil
}

// Load reads the registry. A missing file yields an empty list; a corrupt
// main file falls back to the newest readable backup, then to empty.
func (r *Registry) Load() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		return []Session{}
	}

	data, err := loadFromFile(r.path)
	if err != nil {
		log.Warn("registry_corrupt", slog.String("path", r.path), slog.Any("error", err))
		data, err = r.recoverFromBackups()
		if err != nil {
			log.Error("registry_unrecoverable", slog.Any("error", err))
			return []Session{}
		}
		log.Info("registry_recovered_from_backup")
	}

	if data.Sessions == nil {
		return []Session{}
	}
	return data.Sessions
}

func validate(sessions []Session) error {
	seen := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if s.ID == "" {
			return fmt.Errorf("session has empty ID")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate session ID: %s", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// rotateBackups maintains rolling backups: .bak, .bak.1, .bak.2
func (r *Registry) rotateBackups() {
	bakPath := r.path + ".bak"

	for i := maxBackupGenerations - 1; i > 0; i-- {
		oldPath := fmt.Sprintf("%s.%d", bakPath, i-1)
		if i == 1 {
			oldPath = bakPath
		}
		newPath := fmt.Sprintf("%s.%d", bakPath, i)

		if i == maxBackupGenerations-1 {
			os.Remove(newPath)
		}

		if _, err := os.Stat(oldPath); err == nil {
			if err := os.Rename(oldPath, newPath); err != nil {
				log.Warn("registry_backup_rotate_failed", slog.String("from", oldPath), slog.Any("error", err))
			}
		}
	}

	if err := copyFile(r.path, bakPath); err != nil {
		log.Warn("registry_backup_copy_failed", slog.String("path", bakPath), slog.Any("error", err))
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}

func loadFromFile(path string) (*fileData, error) {
	jsonData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return nil, fmt.Errorf("unmarshal registry: %w", err)
	}
	return &data, nil
}

func (r *Registry) recoverFromBackups() (*fileData, error) {
	bakPath := r.path + ".bak"

	backupPaths := []string{bakPath}
	for i := 1; i < maxBackupGenerations; i++ {
		backupPaths = append(backupPaths, fmt.Sprintf("%s.%d", bakPath, i))
	}

	for _, tryPath := range backupPaths {
		if _, err := os.Stat(tryPath); os.IsNotExist(err) {
			continue
		}
		data, err := loadFromFile(tryPath)
		if err != nil {
			log.Warn("registry_backup_corrupt", slog.String("path", tryPath), slog.Any("error", err))
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("all backups corrupted or missing")
}

// NewID mints a session id: s_<timestamp base36>_<random hex>.
// The shape matches ids minted by earlier deployments so existing
// session directories keep resolving.
func NewID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("s_%s_%d", ts, time.Now().UnixNano()%1e6)
	}
	return fmt.Sprintf("s_%s_%s", ts, hex.EncodeToString(buf))
}
