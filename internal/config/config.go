// Package config loads keywatch configuration: defaults, then an optional
// config.toml, then a best-effort .env file, then environment overrides.
// Environment names mirror the knobs the deployment already sets, so an
// existing install keeps working without a config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ConfigFileName is the TOML config file looked up in the base directory.
const ConfigFileName = "config.toml"

// Config is the full keywatch configuration tree.
type Config struct {
	Manager ManagerSettings `toml:"manager"`
	Worker  WorkerSettings  `toml:"worker"`
	Logging LogSettings     `toml:"logging"`
}

// ManagerSettings configures the supervising manager process.
type ManagerSettings struct {
	// Host/Port the manager control API binds to
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// BaseDir holds manager-data/ and sessions/ (default: cwd)
	BaseDir string `toml:"base_dir"`

	// MaxSessions caps how many sessions may exist (default: 3)
	MaxSessions int `toml:"max_sessions"`

	// StartTimeout bounds the worker startup handshake (default: 30s)
	StartTimeout time.Duration `toml:"-"`
	// StopGrace bounds the wait after SIGTERM (default: 15s)
	StopGrace time.Duration `toml:"-"`

	StartTimeoutSecs int `toml:"start_timeout_secs"`
	StopGraceSecs    int `toml:"stop_grace_secs"`
}

// WorkerSettings configures each session worker.
type WorkerSettings struct {
	// BridgeURL is the websocket endpoint of the automation bridge.
	// The session id is appended as the final path element.
	BridgeURL string `toml:"bridge_url"`

	// Chunking bounds. Oversized forwards are split so the whole text
	// arrives instead of being truncated by the chat network.
	MaxTextLength    int `toml:"max_text_length"`
	MaxCaptionLength int `toml:"max_caption_length"`

	// SendChunkDelay spaces consecutive chunk sends to stay under
	// anti-automation throttling.
	SendChunkDelay time.Duration `toml:"-"`

	// Keepalive and reconnect tuning.
	KeepaliveInterval  time.Duration `toml:"-"`
	ReconnectBaseDelay time.Duration `toml:"-"`
	ReconnectMaxDelay  time.Duration `toml:"-"`

	// ReconnectMaxAttempts is the escalation ceiling: past it the worker
	// exits and leaves recovery to the manager (default: 12)
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`

	SendChunkDelayMS      int `toml:"send_chunk_delay_ms"`
	KeepaliveIntervalSecs int `toml:"keepalive_interval_secs"`
	ReconnectBaseDelayMS  int `toml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMS   int `toml:"reconnect_max_delay_ms"`
}

// LogSettings configures the structured debug log.
type LogSettings struct {
	Dir    string `toml:"dir"`
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Debug  bool   `toml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Manager: ManagerSettings{
			Host:         "0.0.0.0",
			Port:         3000,
			BaseDir:      ".",
			MaxSessions:  3,
			StartTimeout: 30 * time.Second,
			StopGrace:    15 * time.Second,
		},
		Worker: WorkerSettings{
			BridgeURL:            "ws://127.0.0.1:7301/session",
			MaxTextLength:        3500,
			MaxCaptionLength:     900,
			SendChunkDelay:       250 * time.Millisecond,
			KeepaliveInterval:    60 * time.Second,
			ReconnectBaseDelay:   5 * time.Second,
			ReconnectMaxDelay:    5 * time.Minute,
			ReconnectMaxAttempts: 12,
		},
		Logging: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration. Missing or unreadable files are
// never fatal: the caller always gets a usable config back.
func Load(baseDir string) Config {
	cfg := Default()
	if baseDir != "" {
		cfg.Manager.BaseDir = baseDir
	}

	// .env first so its values participate in the env overrides below.
	_ = godotenv.Load(filepath.Join(cfg.Manager.BaseDir, ".env"))

	path := filepath.Join(cfg.Manager.BaseDir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring unreadable %s: %v\n", path, err)
			cfg = Default()
			if baseDir != "" {
				cfg.Manager.BaseDir = baseDir
			}
		}
	}

	cfg.applySecondsFields()
	cfg.applyEnv()
	return cfg
}

// applySecondsFields folds the integer TOML fields into durations.
func (c *Config) applySecondsFields() {
	if c.Manager.StartTimeoutSecs > 0 {
		c.Manager.StartTimeout = time.Duration(c.Manager.StartTimeoutSecs) * time.Second
	}
	if c.Manager.StopGraceSecs > 0 {
		c.Manager.StopGrace = time.Duration(c.Manager.StopGraceSecs) * time.Second
	}
	if c.Worker.SendChunkDelayMS > 0 {
		c.Worker.SendChunkDelay = time.Duration(c.Worker.SendChunkDelayMS) * time.Millisecond
	}
	if c.Worker.KeepaliveIntervalSecs > 0 {
		c.Worker.KeepaliveInterval = time.Duration(c.Worker.KeepaliveIntervalSecs) * time.Second
	}
	if c.Worker.ReconnectBaseDelayMS > 0 {
		c.Worker.ReconnectBaseDelay = time.Duration(c.Worker.ReconnectBaseDelayMS) * time.Millisecond
	}
	if c.Worker.ReconnectMaxDelayMS > 0 {
		c.Worker.ReconnectMaxDelay = time.Duration(c.Worker.ReconnectMaxDelayMS) * time.Millisecond
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Manager.Host = v
	}
	if v := envInt("PORT"); v > 0 {
		c.Manager.Port = v
	}
	if v := os.Getenv("KEYWATCH_BASE_DIR"); v != "" {
		c.Manager.BaseDir = v
	}
	if v := envInt("MAX_SESSIONS"); v > 0 {
		c.Manager.MaxSessions = v
	}
	if v := os.Getenv("BRIDGE_URL"); v != "" {
		c.Worker.BridgeURL = v
	}
	if v := envInt("MAX_TEXT_LENGTH"); v > 0 {
		c.Worker.MaxTextLength = v
	}
	if v := envInt("MAX_CAPTION_LENGTH"); v > 0 {
		c.Worker.MaxCaptionLength = v
	}
	if v := envInt("SEND_CHUNK_DELAY_MS"); v >= 0 {
		// Zero is meaningful here: it disables chunk pacing.
		c.Worker.SendChunkDelay = time.Duration(v) * time.Millisecond
	}
	if v := envInt("KEEPALIVE_INTERVAL_MS"); v > 0 {
		c.Worker.KeepaliveInterval = time.Duration(v) * time.Millisecond
	}
	if v := envInt("RECONNECT_BASE_DELAY_MS"); v > 0 {
		c.Worker.ReconnectBaseDelay = time.Duration(v) * time.Millisecond
	}
	if v := envInt("RECONNECT_MAX_DELAY_MS"); v > 0 {
		c.Worker.ReconnectMaxDelay = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("KEYWATCH_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("KEYWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if os.Getenv("KEYWATCH_DEBUG") == "1" {
		c.Logging.Debug = true
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// WorkerEnv is the contract between the manager and a spawned worker.
type WorkerEnv struct {
	SessionID  string
	SessionDir string
	Host       string
	Port       int
}

// WorkerEnvFromProcess reads the spawn contract from the environment.
func WorkerEnvFromProcess() (WorkerEnv, error) {
	env := WorkerEnv{
		SessionID:  os.Getenv("SESSION_ID"),
		SessionDir: os.Getenv("SESSION_DIR"),
		Host:       os.Getenv("WORKER_HOST"),
	}
	if env.SessionID == "" {
		return env, fmt.Errorf("SESSION_ID not set")
	}
	if env.SessionDir == "" {
		env.SessionDir = filepath.Join("sessions", env.SessionID)
	}
	if env.Host == "" {
		env.Host = "127.0.0.1"
	}
	if v := envInt("WORKER_PORT"); v > 0 {
		env.Port = v
	}
	return env, nil
}
