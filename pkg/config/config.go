// Package config loads the engine configuration from YAML or TOML files with
// environment overrides and serves read-only snapshots to the engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"coe/pkg/protocol"
)

// Config holds every tunable the engine reads. Zero values are replaced by
// defaults in withDefaults.
type Config struct {
	AIMode           protocol.AIMode `yaml:"ai_mode" toml:"ai_mode"`
	MaxActiveTickets int             `yaml:"max_active_tickets" toml:"max_active_tickets"`

	BossAutoRunEnabled     *bool `yaml:"boss_auto_run_enabled" toml:"boss_auto_run_enabled"`
	BossIdleTimeoutMinutes int   `yaml:"boss_idle_timeout_minutes" toml:"boss_idle_timeout_minutes"`
	StaleProcessingMinutes int   `yaml:"stale_processing_minutes" toml:"stale_processing_minutes"`
	RetryDelaySeconds      int   `yaml:"retry_delay_seconds" toml:"retry_delay_seconds"`

	MaxTicketRetries int `yaml:"max_ticket_retries" toml:"max_ticket_retries"`
	MaxErrorRetries  int `yaml:"max_error_retries" toml:"max_error_retries"`

	ClarityThreshold     int `yaml:"clarity_threshold" toml:"clarity_threshold"`
	WorkClarityThreshold int `yaml:"work_clarity_threshold" toml:"work_clarity_threshold"`

	ConversationWindow int `yaml:"conversation_window" toml:"conversation_window"`

	RerankEnabled bool `yaml:"rerank_enabled" toml:"rerank_enabled"`
	RerankTopN    int  `yaml:"rerank_top_n" toml:"rerank_top_n"`

	Agent        AgentConfig        `yaml:"agent" toml:"agent"`
	EventForward EventForwardConfig `yaml:"event_forward" toml:"event_forward"`
}

// AgentConfig configures the agent CLI caller.
type AgentConfig struct {
	Command        string `yaml:"command" toml:"command"`
	Model          string `yaml:"model" toml:"model"`
	ReviewModel    string `yaml:"review_model" toml:"review_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
	Workdir        string `yaml:"workdir" toml:"workdir"`
}

// EventForwardConfig selects an external bus that receives engine events.
type EventForwardConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // "", "nats" or "redis"
	URL     string `yaml:"url" toml:"url"`
	Prefix  string `yaml:"prefix" toml:"prefix"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return withDefaults(Config{})
}

// withDefaults fills in zero-valued fields.
func withDefaults(c Config) Config {
	if c.AIMode == "" {
		c.AIMode = protocol.ModeSmart
	}
	if c.MaxActiveTickets <= 0 {
		c.MaxActiveTickets = protocol.DefaultMaxActiveTickets
	}
	if c.BossAutoRunEnabled == nil {
		c.BossAutoRunEnabled = protocol.Ptr(true)
	}
	if c.BossIdleTimeoutMinutes <= 0 {
		c.BossIdleTimeoutMinutes = 5
	}
	if c.StaleProcessingMinutes <= 0 {
		c.StaleProcessingMinutes = 30
	}
	if c.RetryDelaySeconds <= 0 {
		c.RetryDelaySeconds = 5
	}
	if c.MaxTicketRetries <= 0 {
		c.MaxTicketRetries = 3
	}
	if c.MaxErrorRetries <= 0 {
		c.MaxErrorRetries = 3
	}
	if c.ClarityThreshold <= 0 {
		c.ClarityThreshold = 80
	}
	if c.WorkClarityThreshold <= 0 {
		c.WorkClarityThreshold = 70
	}
	if c.ConversationWindow <= 0 {
		c.ConversationWindow = 10
	}
	if c.RerankTopN <= 0 {
		c.RerankTopN = 5
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "claude-sonnet-4-5-20250929"
	}
	if c.Agent.ReviewModel == "" {
		c.Agent.ReviewModel = c.Agent.Model
	}
	if c.Agent.TimeoutSeconds <= 0 {
		c.Agent.TimeoutSeconds = 300
	}
	if c.EventForward.Prefix == "" {
		c.EventForward.Prefix = "coe"
	}
	return c
}

// AutoRun reports whether the idle countdown may start cycles.
func (c Config) AutoRun() bool {
	return c.BossAutoRunEnabled == nil || *c.BossAutoRunEnabled
}

// IdleTimeout is the countdown duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.BossIdleTimeoutMinutes) * time.Minute
}

// StaleAfter is the age after which a processing ticket counts as stuck.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleProcessingMinutes) * time.Minute
}

// RetryDelay is the pause before a cycle restarts after a retry.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// AgentTimeout bounds one agent invocation.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// Validate reports configuration values that cannot be honoured.
func (c Config) Validate() error {
	var errs []error
	if !c.AIMode.Valid() {
		errs = append(errs, fmt.Errorf("ai_mode %q: want manual, suggest, hybrid or smart", c.AIMode))
	}
	if c.ClarityThreshold > 100 || c.WorkClarityThreshold > 100 {
		errs = append(errs, fmt.Errorf("clarity thresholds must be <= 100"))
	}
	switch c.EventForward.Backend {
	case "", "nats", "redis":
	default:
		errs = append(errs, fmt.Errorf("event_forward.backend %q: want nats or redis", c.EventForward.Backend))
	}
	if c.EventForward.Backend != "" && c.EventForward.URL == "" {
		errs = append(errs, fmt.Errorf("event_forward.url is required for backend %q", c.EventForward.Backend))
	}
	return errors.Join(errs...)
}

// Parse decodes data as YAML or TOML (chosen by the file extension of name)
// and applies defaults.
func Parse(name string, data []byte) (Config, error) {
	var c Config
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		if err := toml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	c.AIMode = protocol.AIMode(strings.ToLower(string(c.AIMode)))
	return withDefaults(c), nil
}

// Load reads the config file at path. A missing file yields defaults.
// Environment overrides are applied last.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			c, err = Parse(path, data)
			if err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c = applyEnv(c)
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// applyEnv applies COE_* environment overrides.
func applyEnv(c Config) Config {
	if v := os.Getenv("COE_AI_MODE"); v != "" {
		c.AIMode = protocol.AIMode(strings.ToLower(v))
	}
	if v := os.Getenv("COE_MAX_ACTIVE_TICKETS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxActiveTickets = n
		}
	}
	if v := os.Getenv("COE_AGENT_COMMAND"); v != "" {
		c.Agent.Command = v
	}
	return c
}
