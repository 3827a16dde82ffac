package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pledgeline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv string   `yaml:"jwt_secret_env"`
		AdminRoles   []string `yaml:"admin_roles"`
	} `yaml:"auth"`
	Monitor MonitorConfig `yaml:"monitor"`
	ESign   ESignConfig   `yaml:"esign"`
	Email   EmailConfig   `yaml:"email"`
	Archive struct {
		Dir string `yaml:"dir"`
	} `yaml:"archive"`
	Invitations struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"invitations"`
	NATS struct {
		URL            string `yaml:"url"`
		MonitorSubject string `yaml:"monitor_subject"`
	} `yaml:"nats"`
	Webhooks []Webhook `yaml:"webhooks"`
	Log      LogConfig `yaml:"log"`
}

type MonitorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
	Concurrency int           `yaml:"concurrency"`
}

type ESignConfig struct {
	BaseURL   string        `yaml:"base_url"`
	AccountID string        `yaml:"account_id"`
	TokenEnv  string        `yaml:"token_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

type EmailConfig struct {
	Provider  string `yaml:"provider"`
	Endpoint  string `yaml:"endpoint"`
	From      string `yaml:"from"`
	APIKeyEnv string `yaml:"api_key_env"`
	// AcceptURL is the invitation link prefix; the token is appended.
	AcceptURL string `yaml:"accept_url"`
}

type Webhook struct {
	ID         string   `yaml:"id"`
	URL        string   `yaml:"url"`
	Events     []string `yaml:"events"`
	SecretEnv  string   `yaml:"secret_env"`
	MaxRetries int      `yaml:"max_retries"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("config.monitor.interval must be positive")
	}
	if c.Monitor.TaskTimeout <= 0 {
		return fmt.Errorf("config.monitor.task_timeout must be positive")
	}
	if c.Monitor.JobTimeout < c.Monitor.TaskTimeout {
		return fmt.Errorf("config.monitor.job_timeout must be at least task_timeout")
	}
	if c.Monitor.Concurrency < 1 {
		return fmt.Errorf("config.monitor.concurrency must be >= 1")
	}
	if c.ESign.Timeout <= 0 {
		return fmt.Errorf("config.esign.timeout must be positive")
	}
	switch c.Email.Provider {
	case "log":
	case "http":
		if c.Email.Endpoint == "" {
			return fmt.Errorf("config.email.endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("config.email.provider must be log or http")
	}
	if c.Invitations.TTL <= 0 {
		return fmt.Errorf("config.invitations.ttl must be positive")
	}
	if c.NATS.URL != "" && c.NATS.MonitorSubject == "" {
		return fmt.Errorf("config.nats.monitor_subject is required when nats.url is set")
	}
	seen := map[string]bool{}
	for i, h := range c.Webhooks {
		if h.ID == "" {
			return fmt.Errorf("config.webhooks[%d].id is required", i)
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate webhook id %s", h.ID)
		}
		seen[h.ID] = true
		if !strings.HasPrefix(h.URL, "http://") && !strings.HasPrefix(h.URL, "https://") {
			return fmt.Errorf("webhook %s url must be http(s)", h.ID)
		}
		if h.MaxRetries < 0 {
			return fmt.Errorf("webhook %s max_retries must be >= 0", h.ID)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pledgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret_env: PLEDGELINE_JWT_SECRET
  admin_roles: [admin]

monitor:
  enabled: true
  interval: 15m
  task_timeout: 20s
  job_timeout: 5m
  concurrency: 4

esign:
  base_url: ""
  account_id: ""
  token_env: PLEDGELINE_ESIGN_TOKEN
  timeout: 15s

email:
  provider: log
  from: no-reply@pledgeline.local
  api_key_env: PLEDGELINE_EMAIL_API_KEY
  accept_url: http://127.0.0.1:8080/invitations/

archive:
  dir: .pledgeline/archive

invitations:
  ttl: 168h

nats:
  url: ""
  monitor_subject: pledgeline.monitor.signatures

log:
  level: info
  pretty: false
`
