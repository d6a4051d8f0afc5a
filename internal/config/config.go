// Package config loads the courier daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/partners"
	"github.com/fentz26/courier/internal/strategy"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Worker modes.
const (
	ModeInproc  = "inproc"
	ModeProcess = "process"
)

// ReservedPaths are served by the API itself and cannot be routing prefixes.
var ReservedPaths = []string{
	"/work", "/request", "/batch", "/assign-order", "/orders",
	"/workers", "/partners", "/records", "/health", "/metrics",
}

// Config holds the daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database path.
	DBPath   string         `yaml:"db_path"`
	Workers  WorkersConfig  `yaml:"workers"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Partners PartnersConfig `yaml:"partners"`
}

// WorkersConfig sizes and shapes the worker pool.
type WorkersConfig struct {
	// Count is the pool size. 0 means one worker per logical CPU.
	Count int `yaml:"count"`
	// Mode is inproc (goroutines) or process (child processes).
	Mode string `yaml:"mode"`
	// SimulatedLatency is how long the built-in handler takes per item.
	SimulatedLatency time.Duration `yaml:"simulated_latency"`
	// MailboxSize bounds each worker's pending message queue.
	MailboxSize int `yaml:"mailbox_size"`
}

// DispatchConfig controls lane classification and priority draining.
type DispatchConfig struct {
	// PriorityStrategy selects workers for drained priority items.
	PriorityStrategy string `yaml:"priority_strategy"`
	// RedrainInterval retries priority items left queued for lack of workers.
	RedrainInterval time.Duration `yaml:"redrain_interval"`
	// Rules map request path prefixes to lanes.
	Rules []RoutingRule `yaml:"rules"`
}

// RoutingRule classifies requests whose path starts with Prefix.
type RoutingRule struct {
	Prefix string      `yaml:"prefix"`
	Lane   models.Lane `yaml:"lane"`
	// Priority is used when the request carries none.
	Priority int `yaml:"priority,omitempty"`
}

// PartnersConfig describes the delivery partner pool.
type PartnersConfig struct {
	GrantDuration time.Duration    `yaml:"grant_duration"`
	Selection     string           `yaml:"selection"`
	Pool          []models.Partner `yaml:"pool"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dbPath := "courier.db"
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, ".courier", "courier.db")
	}

	return &Config{
		Listen: "127.0.0.1:8000",
		DBPath: dbPath,
		Workers: WorkersConfig{
			Count:            0,
			Mode:             ModeInproc,
			SimulatedLatency: 100 * time.Millisecond,
			MailboxSize:      1024,
		},
		Dispatch: DispatchConfig{
			PriorityStrategy: strategy.NameRoundRobin,
			RedrainInterval:  3 * time.Second,
			Rules: []RoutingRule{
				{Prefix: "/high-priority", Lane: models.LanePriority, Priority: 1},
			},
		},
		Partners: PartnersConfig{
			GrantDuration: partners.DefaultGrantDuration,
			Selection:     string(partners.SelectCursor),
			Pool:          partners.DefaultPool(),
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HomePath returns ~/.courier/config.yaml.
func HomePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".courier", "config.yaml"), nil
}

// LoadFromHome loads configuration from ~/.courier/config.yaml.
func LoadFromHome() (*Config, error) {
	path, err := HomePath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Listen == "" {
		return invalid("listen address is required")
	}
	if c.Workers.Count < 0 {
		return invalid("workers.count must not be negative")
	}
	if c.Workers.Mode != ModeInproc && c.Workers.Mode != ModeProcess {
		return invalid("workers.mode %q must be %s or %s", c.Workers.Mode, ModeInproc, ModeProcess)
	}
	if c.Workers.SimulatedLatency < 0 {
		return invalid("workers.simulated_latency must not be negative")
	}
	if _, err := strategy.New(c.Dispatch.PriorityStrategy); err != nil {
		return invalid("dispatch.priority_strategy: %v", err)
	}
	if c.Dispatch.RedrainInterval <= 0 {
		return invalid("dispatch.redrain_interval must be positive")
	}
	for i, r := range c.Dispatch.Rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return invalid("dispatch.rules[%d]: prefix %q must start with /", i, r.Prefix)
		}
		if strings.HasSuffix(r.Prefix, "/") {
			return invalid("dispatch.rules[%d]: prefix %q must not end with /", i, r.Prefix)
		}
		if strings.ContainsAny(r.Prefix, " \t{}") {
			return invalid("dispatch.rules[%d]: prefix %q contains spaces or braces", i, r.Prefix)
		}
		for _, reserved := range ReservedPaths {
			if r.Prefix == reserved {
				return invalid("dispatch.rules[%d]: prefix %q is a built-in route", i, r.Prefix)
			}
		}
		if r.Lane != models.LaneNormal && r.Lane != models.LanePriority {
			return invalid("dispatch.rules[%d]: unknown lane %q", i, r.Lane)
		}
	}
	if c.Partners.GrantDuration <= 0 {
		return invalid("partners.grant_duration must be positive")
	}
	if _, err := partners.ParseSelection(c.Partners.Selection); err != nil {
		return invalid("partners.selection: %v", err)
	}
	seen := make(map[int]bool)
	for _, p := range c.Partners.Pool {
		if p.Name == "" {
			return invalid("partner %d has no name", p.ID)
		}
		if seen[p.ID] {
			return invalid("duplicate partner id %d", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// WorkerCount resolves the pool size, using the logical CPU count when unset.
func (c *Config) WorkerCount() int {
	if c.Workers.Count > 0 {
		return c.Workers.Count
	}
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
