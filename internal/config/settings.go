package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSettingsFile holds per-project CLI defaults.
const DefaultSettingsFile = ".shipforge.yml"

// Settings holds persistent CLI defaults loaded from a config file.
type Settings struct {
	Shell       []string      `yaml:"shell,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`      // default per-task timeout, 0 = none
	IdleTimeout time.Duration `yaml:"idle_timeout"` // kill a task after this long without output
	OutputTail  int           `yaml:"output_tail"`  // bytes of output kept per result
	StateDir    string        `yaml:"state_dir"`    // run logs, reports, file locks and history
	HistoryDB   string        `yaml:"history_db"`   // default <state_dir>/history.db
	MetricsFile string        `yaml:"metrics_file"` // node_exporter textfile, empty = off
	PostRun     string        `yaml:"post_run"`     // shell command run after the report is written; $SHIPFORGE_RUN_DIR is set

	SSH  SSHSettings  `yaml:"ssh"`
	Lock LockSettings `yaml:"lock"`
}

// SSHSettings configures SSH connections.
type SSHSettings struct {
	User            string        `yaml:"user,omitempty"`
	KnownHosts      string        `yaml:"known_hosts,omitempty"`
	InsecureHostKey bool          `yaml:"insecure_host_key,omitempty"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout,omitempty"`
}

// Lock backends.
const (
	LockFile  = "file"
	LockRedis = "redis"
	LockNone  = "none"
)

// LockSettings selects and configures the deploy lock backend.
type LockSettings struct {
	Backend       string        `yaml:"backend"` // file (default), redis or none
	Dir           string        `yaml:"dir,omitempty"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"` // literal or "env:VAR_NAME"
	RedisDB       int           `yaml:"redis_db,omitempty"`
	Prefix        string        `yaml:"prefix,omitempty"`
	TTL           time.Duration `yaml:"ttl,omitempty"`
}

// LoadSettings reads a YAML config file into Settings.
// If the file does not exist, it returns default Settings and nil error.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.applyDefaults()
			return &s, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.StateDir == "" {
		s.StateDir = ".shipforge"
	}
	if s.HistoryDB == "" {
		s.HistoryDB = filepath.Join(s.StateDir, "history.db")
	}
	if s.Lock.Backend == "" {
		s.Lock.Backend = LockFile
	}
	if s.Lock.Dir == "" {
		s.Lock.Dir = filepath.Join(s.StateDir, "locks")
	}
}

func (s *Settings) validate() error {
	switch s.Lock.Backend {
	case LockFile, LockNone:
	case LockRedis:
		if s.Lock.RedisAddr == "" {
			return errors.New("lock backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", s.Lock.Backend)
	}
	if s.Timeout < 0 || s.IdleTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// RunsDir returns the directory holding one subdirectory per run.
func (s *Settings) RunsDir() string {
	return filepath.Join(s.StateDir, "runs")
}

// ResolveSecret returns a literal value or, for "env:VAR_NAME", the named
// environment variable.
func ResolveSecret(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}
