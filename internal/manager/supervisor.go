// Package manager supervises session workers: it owns the durable session
// registry, spawns and stops one worker process per session, tracks their
// runtime state and proxies control-API calls to them.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/b0gdan00/keywatch/internal/config"
	"github.com/b0gdan00/keywatch/internal/logging"
	"github.com/b0gdan00/keywatch/internal/proc"
	"github.com/b0gdan00/keywatch/internal/registry"
)

var log = logging.ForComponent(logging.CompManager)

// RuntimeStatus is the manager's view of a worker process.
type RuntimeStatus string

const (
	RuntimeStopped  RuntimeStatus = "stopped"
	RuntimeStarting RuntimeStatus = "starting"
	RuntimeRunning  RuntimeStatus = "running"
	RuntimeStopping RuntimeStatus = "stopping"
	RuntimeError    RuntimeStatus = "error"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = fmt.Errorf("session not found")

// ErrSessionLimit is returned when creating beyond the configured maximum.
var ErrSessionLimit = fmt.Errorf("session limit reached")

// runtime is the per-session in-memory record. It is the sole owner of
// the subprocess handle.
type runtime struct {
	handle    proc.Handle
	port      int
	status    RuntimeStatus
	lastError string
}

// RuntimeView is the runtime record as reported by the API.
type RuntimeView struct {
	Status    RuntimeStatus `json:"status"`
	Port      int           `json:"port,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	PID       int           `json:"pid,omitempty"`
}

// SessionView is one session plus its runtime state.
type SessionView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedAt time.Time   `json:"createdAt"`
	Runtime   RuntimeView `json:"runtime"`
}

// Supervisor owns the registry and all worker runtimes.
type Supervisor struct {
	cfg     config.ManagerSettings
	reg     *registry.Registry
	spawner proc.Spawner

	// workerArgv builds the argv for a worker process; the session
	// contract itself travels in the environment. Injectable so tests
	// can spawn fakes.
	workerArgv func() ([]string, error)

	mu       sync.Mutex
	sessions []registry.Session
	runtimes map[string]*runtime
}

// NewSupervisor loads the registry and prepares runtime tracking.
func NewSupervisor(cfg config.ManagerSettings, reg *registry.Registry, spawner proc.Spawner) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		reg:        reg,
		spawner:    spawner,
		workerArgv: defaultWorkerArgv,
		runtimes:   map[string]*runtime{},
	}
	s.sessions = reg.Load()
	s.migrateLegacySingleSession()
	return s
}

func defaultWorkerArgv() ([]string, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}
	return []string{self, "worker"}, nil
}

// migrateLegacySingleSession adopts a pre-multisession deployment: when
// no sessions exist but legacy data/settings.json does, a "default"
// session is created and the settings file copied in. Best-effort.
func (s *Supervisor) migrateLegacySingleSession() {
	if len(s.sessions) > 0 {
		return
	}

	legacy := filepath.Join(s.cfg.BaseDir, "data", "settings.json")
	if _, err := os.Stat(legacy); err != nil {
		return
	}

	sess := registry.Session{ID: "default", Name: "Default", CreatedAt: time.Now().UTC()}
	s.sessions = append(s.sessions, sess)
	if err := s.reg.Save(s.sessions); err != nil {
		log.Warn("legacy_migration_registry_save_failed", slog.Any("error", err))
	}

	dir, err := s.ensureSessionDirs(sess.ID)
	if err != nil {
		log.Warn("legacy_migration_dirs_failed", slog.Any("error", err))
		return
	}

	dst := filepath.Join(dir, "data", "settings.json")
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if data, err := os.ReadFile(legacy); err == nil {
			if err := os.WriteFile(dst, data, 0600); err != nil {
				log.Warn("legacy_migration_copy_failed", slog.Any("error", err))
			}
		}
	}
	log.Info("legacy_session_migrated", slog.String("session", sess.ID))
}

// SessionDir returns the on-disk directory of a session.
func (s *Supervisor) SessionDir(id string) string {
	return filepath.Join(s.cfg.BaseDir, "sessions", id)
}

func (s *Supervisor) ensureSessionDirs(id string) (string, error) {
	dir := s.SessionDir(id)
	for _, sub := range []string{dir, filepath.Join(dir, "data"), filepath.Join(dir, "logs")} {
		if err := os.MkdirAll(sub, 0700); err != nil {
			return "", fmt.Errorf("create session dir %s: %w", sub, err)
		}
	}
	return dir, nil
}

// runtimeFor returns (creating lazily) the runtime record for a session.
// Caller must hold s.mu.
func (s *Supervisor) runtimeFor(id string) *runtime {
	r, ok := s.runtimes[id]
	if !ok {
		r = &runtime{status: RuntimeStopped}
		s.runtimes[id] = r
	}
	return r
}

func (s *Supervisor) findSession(id string) (registry.Session, bool) {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return registry.Session{}, false
}

// Sessions lists all sessions with their runtime state.
func (s *Supervisor) Sessions() []SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionView, 0, len(s.sessions))
	for _, sess := range s.sessions {
		r := s.runtimeFor(sess.ID)
		view := SessionView{
			ID:        sess.ID,
			Name:      sess.Name,
			CreatedAt: sess.CreatedAt,
			Runtime: RuntimeView{
				Status:    r.status,
				Port:      r.port,
				LastError: r.lastError,
			},
		}
		if r.handle != nil {
			view.Runtime.PID = r.handle.PID()
		}
		out = append(out, view)
	}
	return out
}

// Create registers a new session and prepares its directories.
func (s *Supervisor) Create(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.cfg.MaxSessions {
		return "", fmt.Errorf("%w (max %d)", ErrSessionLimit, s.cfg.MaxSessions)
	}

	id := registry.NewID()
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}

	s.sessions = append(s.sessions, registry.Session{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	})

	if _, err := s.ensureSessionDirs(id); err != nil {
		log.Warn("session_dirs_failed", slog.String("session", id), slog.Any("error", err))
	}
	if err := s.reg.Save(s.sessions); err != nil {
		log.Warn("registry_save_failed", slog.Any("error", err))
	}
	return id, nil
}

// Start spawns the session's worker and waits for its startup handshake,
// racing a timeout and early process exit. A no-op when a live process
// handle already exists or another start is in flight: the runtime
// record owns at most one subprocess.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.findSession(id); !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	r := s.runtimeFor(id)
	if r.handle != nil || r.status == RuntimeStarting {
		s.mu.Unlock()
		return nil
	}
	r.status = RuntimeStarting
	r.lastError = ""
	r.port = 0
	s.mu.Unlock()

	dir, err := s.ensureSessionDirs(id)
	if err != nil {
		s.failStart(id, err)
		return err
	}

	argv, err := s.workerArgv()
	if err != nil {
		s.failStart(id, err)
		return err
	}

	env := append(os.Environ(),
		"SESSION_ID="+id,
		"SESSION_DIR="+dir,
		"WORKER_HOST=127.0.0.1",
		"WORKER_PORT=0",
	)

	handle, err := s.spawner.Spawn(ctx, proc.Spec{
		Args: argv,
		Env:  env,
		Dir:  s.cfg.BaseDir,
		LogLine: func(line string, stderr bool) {
			if stderr {
				log.Warn("worker_stderr", slog.String("session", id), slog.String("line", line))
			} else {
				log.Info("worker_stdout", slog.String("session", id), slog.String("line", line))
			}
		},
	})
	if err != nil {
		s.failStart(id, err)
		return fmt.Errorf("spawn worker: %w", err)
	}

	s.mu.Lock()
	r.handle = handle
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case hs, ok := <-handle.Handshake():
		if !ok {
			// Handshake channel closed without a message: early exit.
			err := fmt.Errorf("worker exited early")
			if status, received := receiveExit(handle, time.Second); received {
				err = fmt.Errorf("worker exited early (code=%d)", status.Code)
			}
			s.clearHandle(id, RuntimeError, err.Error())
			return err
		}
		s.mu.Lock()
		r.port = hs.Port
		r.status = RuntimeRunning
		s.mu.Unlock()
		go s.watchExit(id, handle)
		log.Info("worker_started", slog.String("session", id), slog.Int("port", hs.Port), slog.Int("pid", handle.PID()))
		return nil

	case <-timer.C:
		err := fmt.Errorf("worker start timeout")
		s.clearHandle(id, RuntimeError, err.Error())
		_ = handle.Terminate()
		return err

	case <-ctx.Done():
		s.clearHandle(id, RuntimeError, ctx.Err().Error())
		_ = handle.Terminate()
		return ctx.Err()
	}
}

func (s *Supervisor) failStart(id string, err error) {
	s.mu.Lock()
	r := s.runtimeFor(id)
	r.status = RuntimeError
	r.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Supervisor) clearHandle(id string, status RuntimeStatus, lastError string) {
	s.mu.Lock()
	r := s.runtimeFor(id)
	r.handle = nil
	r.port = 0
	r.status = status
	r.lastError = lastError
	s.mu.Unlock()
}

// watchExit records a worker's eventual exit: handle and port are
// cleared, status becomes stopped, and a non-zero exit is kept as the
// last error for inspection.
func (s *Supervisor) watchExit(id string, handle proc.Handle) {
	status := <-handle.Exited()

	s.mu.Lock()
	r := s.runtimeFor(id)
	if r.handle != handle {
		// A stop or restart already took over this record.
		s.mu.Unlock()
		return
	}
	r.handle = nil
	r.port = 0
	r.status = RuntimeStopped
	if status.Code != 0 {
		r.lastError = fmt.Sprintf("exited (code=%d, signal=%s)", status.Code, status.Signal)
	} else {
		r.lastError = ""
	}
	last := r.lastError
	s.mu.Unlock()

	if last != "" {
		log.Warn("worker_exited", slog.String("session", id), slog.String("reason", last))
	} else {
		log.Info("worker_exited", slog.String("session", id))
	}
}

// Stop terminates the session's worker, waiting up to the grace period.
// From the manager's point of view a stop always ends in stopped: the
// signal is best-effort, not a guarantee the OS process is gone.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	r := s.runtimeFor(id)
	handle := r.handle
	if handle == nil {
		s.mu.Unlock()
		return
	}
	r.status = RuntimeStopping
	s.mu.Unlock()

	if err := handle.Terminate(); err != nil {
		log.Warn("worker_terminate_failed", slog.String("session", id), slog.Any("error", err))
	} else {
		if _, ok := receiveExit(handle, s.cfg.StopGrace); !ok {
			log.Warn("worker_stop_grace_elapsed", slog.String("session", id))
		}
	}

	s.clearHandle(id, RuntimeStopped, "")
}

func receiveExit(handle proc.Handle, wait time.Duration) (proc.ExitStatus, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case status := <-handle.Exited():
		return status, true
	case <-timer.C:
		return proc.ExitStatus{}, false
	}
}

// Delete stops the worker, removes the registry entry and optionally
// wipes the session's on-disk data.
func (s *Supervisor) Delete(id string, wipeData bool) error {
	s.mu.Lock()
	if _, ok := s.findSession(id); !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.mu.Unlock()

	s.Stop(id)

	s.mu.Lock()
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.ID != id {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept
	delete(s.runtimes, id)
	if err := s.reg.Save(s.sessions); err != nil {
		log.Warn("registry_save_failed", slog.Any("error", err))
	}
	s.mu.Unlock()

	if wipeData {
		if err := os.RemoveAll(s.SessionDir(id)); err != nil {
			return fmt.Errorf("delete session data: %w", err)
		}
	}
	return nil
}

// Exists reports whether the session id is registered.
func (s *Supervisor) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.findSession(id)
	return ok
}

// WorkerPort returns the bound control port of a running worker.
func (s *Supervisor) WorkerPort(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runtimeFor(id)
	if r.handle == nil || r.port == 0 {
		return 0, false
	}
	return r.port, true
}

// StopAll stops every live worker. Used on manager shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		ids = append(ids, sess.ID)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}
