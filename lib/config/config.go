// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runhost/runhost/lib/admission"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "RUNHOST_CONFIG"

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// EscalationMode selects how the coordinator starts workers.
type EscalationMode string

const (
	// EscalationSudo runs workers as the mapped account through
	// runhost-escalator.
	EscalationSudo EscalationMode = "sudo"
	// EscalationDirect forks workers as the coordinator's own user.
	EscalationDirect EscalationMode = "direct"
)

// Config is the runhost configuration shared by every binary.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths       PathsConfig       `yaml:"paths"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Quota       admission.Quota   `yaml:"quota"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Broker      BrokerConfig      `yaml:"broker"`
	Worker      WorkerConfig      `yaml:"worker"`
	Reaper      ReaperConfig      `yaml:"reaper"`

	// Per-environment sections, decoded over the base values.
	Development *yaml.Node `yaml:"development,omitempty"`
	Staging     *yaml.Node `yaml:"staging,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for runhost data.
	Root string `yaml:"root"`

	// Bin holds the runhost binaries; consulted before PATH.
	Bin string `yaml:"bin"`

	// State holds the coordinator's sockets and journal.
	State string `yaml:"state"`

	// Work is the parent of every run's working directory.
	Work string `yaml:"work"`

	// Sockets holds worker endpoints. Every worker account creates
	// its socket here, so the directory is world-writable and sticky.
	Sockets string `yaml:"sockets"`
}

// CoordinatorConfig configures runhost-coordinator.
type CoordinatorConfig struct {
	// Socket is the unix socket the run API listens on.
	Socket string `yaml:"socket"`

	// CallbackSocket receives worker usage records. It must be
	// reachable by every mapped account.
	CallbackSocket string `yaml:"callback_socket"`

	// IdentityMap is the JSONC principal-to-account file. Empty maps
	// every principal to the coordinator's own account.
	IdentityMap string `yaml:"identity_map"`

	// UsageJournal is the SQLite usage-record database.
	UsageJournal string `yaml:"usage_journal"`

	// DefaultLifetime is a new run's expiry when create gives none.
	DefaultLifetime time.Duration `yaml:"default_lifetime"`

	// MaxLifetime caps the expiry create and set-expiry accept.
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// EscalationConfig configures worker spawning.
type EscalationConfig struct {
	Mode EscalationMode `yaml:"mode"`

	// PasswordFile is handed to the escalator through its environment.
	PasswordFile string `yaml:"password_file"`

	// SudoPath overrides sudo's location.
	SudoPath string `yaml:"sudo_path"`
}

// BrokerConfig configures the directory broker the coordinator spawns.
type BrokerConfig struct {
	Port           int           `yaml:"port"`
	LocalhostOnly  bool          `yaml:"localhost_only"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// WorkerConfig configures runhost-worker and the supervisor's timing
// around it.
type WorkerConfig struct {
	// Executor is the command a worker runs for its run, with
	// arguments. The run's working directory is its cwd.
	Executor []string `yaml:"executor"`

	// Pausable enables SIGSTOP/SIGCONT support for stop and resume.
	Pausable bool `yaml:"pausable"`

	StartupInterval time.Duration `yaml:"startup_interval"`
	StartupTimeout  time.Duration `yaml:"startup_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ProbeFailures   int           `yaml:"probe_failures"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// ReaperConfig configures expired-run eviction.
type ReaperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// Default returns the base every file is decoded onto.
func Default() *Config {
	root := "/var/lib/runhost"
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:    root,
			Bin:     "${RUNHOST_ROOT}/bin",
			State:   "${RUNHOST_ROOT}/state",
			Work:    "${RUNHOST_ROOT}/work",
			Sockets: "${RUNHOST_ROOT}/sockets",
		},
		Coordinator: CoordinatorConfig{
			Socket:          "${RUNHOST_ROOT}/state/coordinator.sock",
			CallbackSocket:  "${RUNHOST_ROOT}/state/callback.sock",
			UsageJournal:    "${RUNHOST_ROOT}/state/usage.db",
			DefaultLifetime: 24 * time.Hour,
			MaxLifetime:     7 * 24 * time.Hour,
		},
		Quota: admission.Quota{
			Global:         64,
			DefaultPerUser: 4,
			OperatingLimit: 8,
		},
		Escalation: EscalationConfig{Mode: EscalationDirect},
		Broker: BrokerConfig{
			Port:           0,
			LocalhostOnly:  true,
			StartupTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			StartupInterval: 500 * time.Millisecond,
			StartupTimeout:  30 * time.Second,
			GracePeriod:     10 * time.Second,
			MonitorInterval: 5 * time.Second,
			ProbeFailures:   3,
			CallTimeout:     10 * time.Second,
		},
		Reaper: ReaperConfig{Interval: time.Minute, Concurrency: 4},
	}
}

// Load loads the file named by RUNHOST_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your runhost.yaml, or use -config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads path over Default, applies the environment section,
// and expands path variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is LoadFile on already-read bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyEnvironmentOverlay(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverlay() error {
	var overlay *yaml.Node
	switch c.Environment {
	case Development:
		overlay = c.Development
	case Staging:
		overlay = c.Staging
	case Production:
		overlay = c.Production
	}
	c.Development, c.Staging, c.Production = nil, nil, nil
	if overlay == nil {
		return nil
	}
	environment := c.Environment
	if err := overlay.Decode(c); err != nil {
		return fmt.Errorf("applying %s section: %w", environment, err)
	}
	// A section cannot move the config to another environment.
	c.Environment = environment
	c.Development, c.Staging, c.Production = nil, nil, nil
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["RUNHOST_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.Bin,
		&c.Paths.State,
		&c.Paths.Work,
		&c.Paths.Sockets,
		&c.Coordinator.Socket,
		&c.Coordinator.CallbackSocket,
		&c.Coordinator.IdentityMap,
		&c.Coordinator.UsageJournal,
		&c.Escalation.PasswordFile,
	} {
		*field = expandVars(*field, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars wins over the
// process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Paths.Work == "" {
		errs = append(errs, errors.New("paths.work is required"))
	}
	if c.Paths.Sockets == "" {
		errs = append(errs, errors.New("paths.sockets is required"))
	}
	if c.Coordinator.Socket == "" {
		errs = append(errs, errors.New("coordinator.socket is required"))
	}
	if c.Coordinator.CallbackSocket == "" {
		errs = append(errs, errors.New("coordinator.callback_socket is required"))
	}
	if c.Coordinator.DefaultLifetime <= 0 {
		errs = append(errs, errors.New("coordinator.default_lifetime must be positive"))
	}
	if c.Coordinator.MaxLifetime < c.Coordinator.DefaultLifetime {
		errs = append(errs, errors.New("coordinator.max_lifetime is shorter than default_lifetime"))
	}
	if err := c.Quota.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quota: %w", err))
	}

	switch c.Escalation.Mode {
	case EscalationSudo:
		if c.Escalation.PasswordFile == "" {
			errs = append(errs, errors.New("escalation.password_file is required in sudo mode"))
		}
	case EscalationDirect:
		if c.Environment == Production {
			errs = append(errs, errors.New("escalation.mode direct is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("escalation.mode must be %q or %q, got %q", EscalationSudo, EscalationDirect, c.Escalation.Mode))
	}

	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	if len(c.Worker.Executor) == 0 {
		errs = append(errs, errors.New("worker.executor is required"))
	}
	if c.Worker.ProbeFailures < 0 {
		errs = append(errs, errors.New("worker.probe_failures is negative"))
	}
	if c.Reaper.Concurrency < 0 {
		errs = append(errs, errors.New("reaper.concurrency is negative"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.State, c.Paths.Work} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	if c.Paths.Sockets != "" {
		if err := os.MkdirAll(c.Paths.Sockets, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", c.Paths.Sockets, err)
		}
		// MkdirAll is subject to the umask and leaves an existing
		// directory alone.
		if err := os.Chmod(c.Paths.Sockets, os.ModeSticky|0o777); err != nil {
			return fmt.Errorf("opening %s to worker accounts: %w", c.Paths.Sockets, err)
		}
	}
	return nil
}

// BinaryPath resolves a runhost binary, preferring Paths.Bin over PATH.
func (c *Config) BinaryPath(name string) (string, error) {
	if c.Paths.Bin != "" {
		candidate := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
