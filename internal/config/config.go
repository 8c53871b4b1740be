package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models clinicrm.yml.
type Config struct {
	HTTP struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"http"`
	Auth struct {
		// JWTSecretEnv names the environment variable holding the HMAC secret.
		JWTSecretEnv     string `yaml:"jwt_secret_env"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Queue      QueueConfig      `yaml:"queue"`
	Automation AutomationConfig `yaml:"automation"`
	Sweeper    struct {
		Schedule string `yaml:"schedule"`
		Enabled  bool   `yaml:"enabled"`
	} `yaml:"sweeper"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type QueueConfig struct {
	// Backend is "sql" or "jetstream".
	Backend      string        `yaml:"backend"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	NATSURL      string        `yaml:"nats_url"`
	Stream       string        `yaml:"stream"`
	Policy       PolicyConfig  `yaml:"policy"`
}

type PolicyConfig struct {
	Attempts int `yaml:"attempts"`
	Backoff  struct {
		Type  string        `yaml:"type"`
		Delay time.Duration `yaml:"delay"`
	} `yaml:"backoff"`
	RemoveOnComplete bool `yaml:"remove_on_complete"`
	RemoveOnFail     bool `yaml:"remove_on_fail"`
}

type AutomationConfig struct {
	// FallbackAssigneeID receives LEAD_OWNER tasks of leads without a
	// responsible user. Empty means such rules fail with an assignment error.
	FallbackAssigneeID  string `yaml:"fallback_assignee_id"`
	CancelOnMove        bool   `yaml:"cancel_on_move"`
	GuardCancelledLeads bool   `yaml:"guard_cancelled_leads"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("config.http.addr is required")
	}
	if c.HTTP.BasePath != "" && !strings.HasPrefix(c.HTTP.BasePath, "/") {
		return fmt.Errorf("config.http.base_path must start with /")
	}
	switch c.Queue.Backend {
	case "sql":
	case "jetstream":
		if strings.TrimSpace(c.Queue.NATSURL) == "" {
			return fmt.Errorf("config.queue.nats_url is required for the jetstream backend")
		}
		if strings.TrimSpace(c.Queue.Stream) == "" {
			return fmt.Errorf("config.queue.stream is required for the jetstream backend")
		}
	default:
		return fmt.Errorf("config.queue.backend must be sql or jetstream, got %q", c.Queue.Backend)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config.queue.workers must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config.queue.poll_interval must be positive")
	}
	p := c.Queue.Policy
	if p.Attempts < 1 {
		return fmt.Errorf("config.queue.policy.attempts must be at least 1")
	}
	switch p.Backoff.Type {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("config.queue.policy.backoff.type must be fixed or exponential, got %q", p.Backoff.Type)
	}
	if p.Backoff.Delay < 0 {
		return fmt.Errorf("config.queue.policy.backoff.delay must not be negative")
	}
	if c.Sweeper.Enabled && strings.TrimSpace(c.Sweeper.Schedule) == "" {
		return fmt.Errorf("config.sweeper.schedule is required when the sweeper is enabled")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clinicrm.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `http:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret_env: CLINICRM_JWT_SECRET
  allow_actor_header: true

queue:
  backend: sql
  workers: 2
  poll_interval: 500ms
  nats_url: nats://127.0.0.1:4222
  stream: AUTOMATION
  policy:
    attempts: 3
    backoff:
      type: exponential
      delay: 2s
    remove_on_complete: true
    remove_on_fail: false

automation:
  fallback_assignee_id: ""
  cancel_on_move: true
  guard_cancelled_leads: true

sweeper:
  schedule: "@every 15m"
  enabled: true

webhooks: []
`
