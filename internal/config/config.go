// Package config resolves sdbus settings from defaults, an optional JSONC
// file and SD_* environment variables, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Environment variables.
const (
	EnvSessionsDir    = "SD_SESSIONS_DIR"
	EnvSessionFile    = "SD_SESSION_FILE"
	EnvWSURL          = "SD_WS_URL"
	EnvHubListen      = "SD_HUB_LISTEN"
	EnvWSDisabled     = "SD_WS_DISABLED"
	EnvSessionID      = "SD_SESSION_ID"
	EnvLogLevel       = "SD_LOG_LEVEL"
	EnvReconnectDelay = "SD_RECONNECT_DELAY"
	EnvConfig         = "SD_CONFIG"
)

// DefaultHubAddr is where the hub listens and clients connect by default.
const DefaultHubAddr = "127.0.0.1:52321"

type Config struct {
	// SessionsDir holds <session_id>.jsonl logs and index.json.
	SessionsDir string `json:"sessions_dir"`
	// SessionFile, when set, replaces the log path for every session.
	SessionFile string `json:"session_file,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	LogLevel    string `json:"log_level"`

	Hub struct {
		Listen       string   `json:"listen"`
		URL          string   `json:"url"`
		Disabled     bool     `json:"disabled"`
		MaxPending   int      `json:"max_pending"`
		PingInterval Duration `json:"ping_interval"`
	} `json:"hub"`

	Client struct {
		ReconnectDelay Duration `json:"reconnect_delay"`
		FollowInterval Duration `json:"follow_interval"`
		SendTimeout    Duration `json:"send_timeout"`
	} `json:"client"`

	// path is the config file that was read, if any.
	path string
}

// Duration is a time.Duration that reads and writes as "1s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"1s\": %s", data)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		SessionsDir: filepath.Join(home, ".sd", "sessions"),
		LogLevel:    "info",
	}
	cfg.Hub.Listen = DefaultHubAddr
	cfg.Hub.URL = "ws://" + DefaultHubAddr + "/ws"
	cfg.Hub.MaxPending = 1024
	cfg.Hub.PingInterval = Duration(30 * time.Second)
	cfg.Client.ReconnectDelay = Duration(time.Second)
	cfg.Client.FollowInterval = Duration(500 * time.Millisecond)
	cfg.Client.SendTimeout = Duration(2 * time.Second)
	return cfg
}

// DefaultPath returns the config file location: $SD_CONFIG, or
// ~/.sd/config.jsonc.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sd", "config.jsonc")
}

// Load builds the configuration from defaults, the JSONC file at path (if
// it exists) and the environment. A missing file is not an error; an
// unreadable or invalid one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg.path = path
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.SessionsDir = getEnv(EnvSessionsDir, c.SessionsDir)
	c.SessionFile = getEnv(EnvSessionFile, c.SessionFile)
	c.SessionID = getEnv(EnvSessionID, c.SessionID)
	c.LogLevel = getEnv(EnvLogLevel, c.LogLevel)
	c.Hub.Listen = getEnv(EnvHubListen, c.Hub.Listen)
	c.Hub.URL = getEnv(EnvWSURL, c.Hub.URL)
	c.Hub.Disabled = getBoolEnv(EnvWSDisabled, c.Hub.Disabled)
	c.Client.ReconnectDelay = Duration(getDurationEnv(EnvReconnectDelay, c.Client.ReconnectDelay.Std()))
}

// Validate reports settings that would make every command fail.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SessionsDir) == "" {
		return errors.New("sessions_dir must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.Hub.Listen); err != nil {
		return fmt.Errorf("hub.listen %q: %w", c.Hub.Listen, err)
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("hub.url %q: %w", c.Hub.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url %q: scheme must be ws or wss", c.Hub.URL)
	}
	if c.Client.ReconnectDelay <= 0 {
		return errors.New("client.reconnect_delay must be positive")
	}
	if c.Client.SendTimeout <= 0 {
		return errors.New("client.send_timeout must be positive")
	}
	return nil
}

// EnsureDirs creates the sessions directory.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.SessionsDir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	if c.SessionFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.SessionFile), 0o755); err != nil {
			return fmt.Errorf("create session file dir: %w", err)
		}
	}
	return nil
}

// Path returns the config file that was loaded, or "" if none was.
func (c *Config) Path() string { return c.path }

// IndexPath is the session registry file.
func (c *Config) IndexPath() string {
	return filepath.Join(c.SessionsDir, "index.json")
}

// PIDPath is where a running hub records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(filepath.Dir(c.SessionsDir), "hub.pid")
}

// ToMap returns the configuration as a nested map, the shape Flatten expects.
func (c *Config) ToMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
