// Package proc abstracts worker subprocess control so the manager's
// start/stop logic is testable against a fake handle. The real
// implementation wraps os/exec; the startup handshake is a single JSON
// line the child writes to stdout once its control listener is bound.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/b0gdan00/keywatch/internal/logging"
)

var log = logging.ForComponent(logging.CompProc)

// Handshake is the one-time startup message a worker sends its parent.
type Handshake struct {
	Type string `json:"type"`
	Port int    `json:"port"`
}

// HandshakeType is the Type value of a valid handshake line.
const HandshakeType = "listening"

// ExitStatus describes how a child ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Handle is a live child process owned by the manager.
type Handle interface {
	// PID of the child.
	PID() int

	// Terminate sends a graceful termination signal.
	Terminate() error

	// Handshake yields the startup message. The channel is closed
	// without a value if the child exits first.
	Handshake() <-chan Handshake

	// Exited yields the exit status once and is then closed.
	Exited() <-chan ExitStatus
}

// Spec describes a child to spawn.
type Spec struct {
	// Args is the full argv including the program.
	Args []string

	// Env is the complete child environment.
	Env []string

	// Dir is the working directory (empty keeps the parent's).
	Dir string

	// LogLine receives every non-handshake output line.
	LogLine func(line string, stderr bool)
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// ExecSpawner spawns real OS processes.
type ExecSpawner struct{}

type execHandle struct {
	cmd       *exec.Cmd
	handshake chan Handshake
	exited    chan ExitStatus
	hsOnce    sync.Once
}

// Spawn starts the child and begins scanning its output for the
// handshake line.
func (ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("spawn: empty argv")
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Args[0], err)
	}

	h := &execHandle{
		cmd:       cmd,
		handshake: make(chan Handshake, 1),
		exited:    make(chan ExitStatus, 1),
	}

	logLine := spec.LogLine
	if logLine == nil {
		logLine = func(string, bool) {}
	}

	var scanners sync.WaitGroup
	scanners.Add(2)

	go func() {
		defer scanners.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			line := sc.Text()
			if hs, ok := parseHandshake(line); ok {
				h.hsOnce.Do(func() {
					h.handshake <- hs
					close(h.handshake)
				})
				continue
			}
			logLine(line, false)
		}
	}()

	go func() {
		defer scanners.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			logLine(sc.Text(), true)
		}
	}()

	go func() {
		scanners.Wait()
		err := cmd.Wait()
		// A child that exits without handshaking unblocks waiters.
		h.hsOnce.Do(func() { close(h.handshake) })

		status := ExitStatus{}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status.Code = exitErr.ExitCode()
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					status.Signal = ws.Signal().String()
				}
			} else {
				status.Code = -1
				log.Warn("child_wait_failed", slog.Any("error", err))
			}
		}
		h.exited <- status
		close(h.exited)
	}()

	log.Debug("child_spawned", slog.Int("pid", cmd.Process.Pid), slog.String("argv0", spec.Args[0]))
	return h, nil
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Terminate() error {
	if h.cmd.Process == nil {
		return fmt.Errorf("terminate: process not started")
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Handshake() <-chan Handshake { return h.handshake }
func (h *execHandle) Exited() <-chan ExitStatus   { return h.exited }

// parseHandshake recognizes the startup line. Anything else, including
// JSON that is not a handshake, is treated as ordinary output.
func parseHandshake(line string) (Handshake, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Handshake{}, false
	}
	var hs Handshake
	if err := json.Unmarshal([]byte(trimmed), &hs); err != nil {
		return Handshake{}, false
	}
	if hs.Type != HandshakeType || hs.Port <= 0 {
		return Handshake{}, false
	}
	return hs, true
}
