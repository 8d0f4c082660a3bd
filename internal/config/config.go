package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models caseflow.yml: scheduling defaults, the stale-job reaper
// policy, and the knobs the default safety gate evaluates.
type Config struct {
	Service struct {
		ID string `yaml:"id"`
	} `yaml:"service"`
	Scheduling struct {
		DefaultPriority int `yaml:"default_priority"`
		ClaimLimit      int `yaml:"claim_limit"`
	} `yaml:"scheduling"`
	Reaper struct {
		RunningTimeoutMinutes int `yaml:"running_timeout_minutes"`
		MaxAttempts           int `yaml:"max_attempts"`
	} `yaml:"reaper"`
	Safety struct {
		BlockedCommandTypes  []string `yaml:"blocked_command_types"`
		HITLAmountThreshold  float64  `yaml:"hitl_amount_threshold"`
		RequireCoverage      bool     `yaml:"require_connector_coverage"`
		EscalationRecipients []string `yaml:"escalation_recipients"`
	} `yaml:"safety"`
	Webhooks struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"webhooks"`
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Scheduling.DefaultPriority < 0 {
		return fmt.Errorf("config.scheduling.default_priority must be >= 0")
	}
	if c.Scheduling.ClaimLimit <= 0 {
		return fmt.Errorf("config.scheduling.claim_limit must be > 0")
	}
	if c.Reaper.RunningTimeoutMinutes <= 0 {
		return fmt.Errorf("config.reaper.running_timeout_minutes must be > 0")
	}
	if c.Reaper.MaxAttempts <= 0 {
		return fmt.Errorf("config.reaper.max_attempts must be > 0")
	}
	for _, ct := range c.Safety.BlockedCommandTypes {
		if ct == "" {
			return fmt.Errorf("config.safety.blocked_command_types contains empty entry")
		}
	}
	if c.Safety.HITLAmountThreshold < 0 {
		return fmt.Errorf("config.safety.hitl_amount_threshold must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

// Default returns the default Config struct for a service.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  id: %s

scheduling:
  default_priority: 100
  claim_limit: 10

reaper:
  running_timeout_minutes: 15
  max_attempts: 5

safety:
  blocked_command_types: []
  hitl_amount_threshold: 250000
  require_connector_coverage: true
  escalation_recipients: []

webhooks:
  timeout_seconds: 10
`
