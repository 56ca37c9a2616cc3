package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Dispatch struct {
		Unit            string  `yaml:"unit"`
		DefaultRadius   float64 `yaml:"default_radius"`
		CircleSegments  int     `yaml:"circle_segments"`
		DebounceMS      int     `yaml:"debounce_ms"`
		DefaultDuration int     `yaml:"default_duration"`
		Capabilities    struct {
			CanBeDeclined bool `yaml:"can_be_declined"`
			CanBePaused   bool `yaml:"can_be_paused"`
		} `yaml:"capabilities"`
	} `yaml:"dispatch"`
	Priorities struct {
		Levels  []string `yaml:"levels"`
		Default string   `yaml:"default"`
	} `yaml:"priorities"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// Load reads and validates config from workspace, falling back to the
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

// Default returns the default Config for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, workspaceID)), &cfg)
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

func (c *Config) applyDefaults() {
	if c.Dispatch.Unit == "" {
		c.Dispatch.Unit = "km"
	}
	if c.Dispatch.DefaultRadius == 0 {
		c.Dispatch.DefaultRadius = 25
	}
	if c.Dispatch.CircleSegments == 0 {
		c.Dispatch.CircleSegments = 64
	}
	if c.Dispatch.DebounceMS == 0 {
		c.Dispatch.DebounceMS = 300
	}
	if c.Dispatch.DefaultDuration == 0 {
		c.Dispatch.DefaultDuration = 60
	}
	if len(c.Priorities.Levels) == 0 {
		c.Priorities.Levels = []string{"low", "normal", "high", "urgent"}
	}
	if c.Priorities.Default == "" {
		c.Priorities.Default = "normal"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Dispatch.Unit {
	case "km", "mi":
	default:
		return fmt.Errorf("config.dispatch.unit must be km or mi, got %q", c.Dispatch.Unit)
	}
	if c.Dispatch.DefaultRadius < 0 {
		return fmt.Errorf("config.dispatch.default_radius must be non-negative")
	}
	if c.Dispatch.CircleSegments < 3 {
		return fmt.Errorf("config.dispatch.circle_segments must be at least 3")
	}
	if c.Dispatch.DebounceMS < 0 {
		return fmt.Errorf("config.dispatch.debounce_ms must be non-negative")
	}
	if len(c.Priorities.Levels) == 0 {
		return fmt.Errorf("config.priorities.levels is required")
	}
	if !c.PriorityValid(c.Priorities.Default) {
		return fmt.Errorf("config.priorities.default %q not in levels", c.Priorities.Default)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// PriorityValid reports whether p is one of the configured levels.
func (c *Config) PriorityValid(p string) bool {
	for _, level := range c.Priorities.Levels {
		if level == p {
			return true
		}
	}
	return false
}

const defaultTemplate = `workspace:
  id: %s

dispatch:
  unit: km
  default_radius: 25
  circle_segments: 64
  debounce_ms: 300
  default_duration: 60
  capabilities:
    can_be_declined: true
    can_be_paused: true

priorities:
  levels: [low, normal, high, urgent]
  default: normal

auth:
  allow_legacy_actor_header: true

log:
  level: info
`
