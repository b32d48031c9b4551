package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models refinery.yml.
type Config struct {
	Stream struct {
		Name  string `yaml:"name"`
		Topic string `yaml:"topic"`
	} `yaml:"stream"`
	Scale     []int `yaml:"scale"`
	Consensus struct {
		SpreadThreshold  int     `yaml:"spread_threshold"`
		ClusterStep      int     `yaml:"cluster_step"`
		MajorityFraction float64 `yaml:"majority_fraction"`
	} `yaml:"consensus"`
	Batch struct {
		MaxIssues     int      `yaml:"max_issues"`
		DeadlineHours int      `yaml:"deadline_hours"`
		HolidayDates  []string `yaml:"holiday_dates"`
	} `yaml:"batch"`
	Reminders []ReminderConfig `yaml:"reminders"`
	Voters    []string         `yaml:"voters"`
	Zulip     struct {
		Site         string `yaml:"site"`
		Email        string `yaml:"email"`
		APIKey       string `yaml:"api_key"`
		WebhookToken string `yaml:"webhook_token"`
		BotName      string `yaml:"bot_name"`
	} `yaml:"zulip"`
	Tracker struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"tracker"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ReminderConfig fires once per batch when the given fraction of the
// voting window has elapsed.
type ReminderConfig struct {
	Kind     string  `yaml:"kind"`
	Elapsed  float64 `yaml:"elapsed"`
	Disabled bool    `yaml:"disabled"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run rfy config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "refinery.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Scale) < 2 {
		return fmt.Errorf("config.scale needs at least two members")
	}
	for i := 1; i < len(c.Scale); i++ {
		if c.Scale[i] <= c.Scale[i-1] {
			return fmt.Errorf("config.scale must be strictly increasing")
		}
	}
	if c.Consensus.SpreadThreshold < 0 {
		return fmt.Errorf("config.consensus.spread_threshold must be >= 0")
	}
	if c.Consensus.ClusterStep < 1 {
		return fmt.Errorf("config.consensus.cluster_step must be >= 1")
	}
	if c.Consensus.MajorityFraction <= 0.5 || c.Consensus.MajorityFraction > 1 {
		return fmt.Errorf("config.consensus.majority_fraction must be in (0.5, 1]")
	}
	if c.Batch.MaxIssues < 1 {
		return fmt.Errorf("config.batch.max_issues must be >= 1")
	}
	if c.Batch.DeadlineHours < 1 {
		return fmt.Errorf("config.batch.deadline_hours must be >= 1")
	}
	for _, d := range c.Batch.HolidayDates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("config.batch.holiday_dates: %q is not YYYY-MM-DD", d)
		}
	}
	seen := map[string]bool{}
	for _, r := range c.Reminders {
		if r.Kind == "" {
			return fmt.Errorf("config.reminders entry missing kind")
		}
		if seen[r.Kind] {
			return fmt.Errorf("config.reminders kind %s repeated", r.Kind)
		}
		seen[r.Kind] = true
		if r.Elapsed <= 0 || r.Elapsed >= 1 {
			return fmt.Errorf("config.reminders.%s.elapsed must be in (0, 1)", r.Kind)
		}
	}
	return nil
}

// Default returns the built-in configuration (Fibonacci scale, two
// business days of voting, a mid-window nudge).
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML for rfy config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `stream:
  name: engineering
  topic: ""

scale: [1, 2, 3, 5, 8, 13, 21]

consensus:
  # Positional distance on the scale between the lowest and the highest
  # cast value that still counts as near-agreement.
  spread_threshold: 1
  # Positional gap that still joins two values into one cluster.
  cluster_step: 1
  # Share of cast votes a single cluster must hold to resolve an issue.
  # A bare 2:1 split stays below this and goes to discussion.
  majority_fraction: 0.7

batch:
  max_issues: 6
  deadline_hours: 48
  holiday_dates: []

reminders:
  - kind: midpoint
    elapsed: 0.5
  - kind: last-call
    elapsed: 0.9

voters: []

zulip:
  site: ""
  email: ""
  api_key: ""
  webhook_token: ""
  bot_name: Refinement Bot

tracker:
  base_url: https://api.github.com
  token: ""
  timeout_seconds: 10

auth:
  jwt_secret: ""

webhooks: []
`
