package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models leadline.yml.
type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Broker struct {
		// URL selects the job broker: empty or sqlite: uses the database,
		// redis:// uses Redis.
		URL string `yaml:"url"`
	} `yaml:"broker"`
	Features Features         `yaml:"features"`
	Schedule Schedule         `yaml:"schedule"`
	Outreach Outreach         `yaml:"outreach"`
	Scoring  Scoring          `yaml:"scoring"`
	Prospect Prospect         `yaml:"prospecting"`
	Mailer   Mailer           `yaml:"mailer"`
	Webhooks Webhooks         `yaml:"webhooks"`
	Retries  map[string]Retry `yaml:"retries"`
	Tasks    Tasks            `yaml:"tasks"`
	Queues   map[string]Queue `yaml:"queues"`
	Audit    Audit            `yaml:"audit"`
	Personas []Persona        `yaml:"personas"`
	Server   Server           `yaml:"server"`
}

type Features struct {
	AutomatedOutreach bool `yaml:"automated_outreach_enabled"`
	EmailMonitoring   bool `yaml:"email_monitoring_enabled"`
	Prospecting       bool `yaml:"prospecting_enabled"`
}

// Schedule entries accept cron specs or @every descriptors.
type Schedule struct {
	QueueProcessing   string `yaml:"queue_processing"`
	Monitoring        string `yaml:"monitoring"`
	Prospecting       string `yaml:"prospecting"`
	MissedReplies     string `yaml:"missed_replies"`
	AutomatedOutreach string `yaml:"automated_outreach"`
	Cleanup           string `yaml:"cleanup"`
}

type Outreach struct {
	DedupWindow       time.Duration `yaml:"dedup_window"`
	BatchSize         int           `yaml:"batch_size"`
	MaxBulk           int           `yaml:"max_bulk"`
	FailedMaxAge      time.Duration `yaml:"failed_max_age"`
	StaleSendingAfter time.Duration `yaml:"stale_sending_after"`
	AutomatedLimit    int           `yaml:"automated_limit"`
	Requester         struct {
		Email string `yaml:"email"`
		Name  string `yaml:"name"`
	} `yaml:"requester"`
	Templates struct {
		Subject string `yaml:"subject"`
		Body    string `yaml:"body"`
	} `yaml:"templates"`
}

type Scoring struct {
	Threshold float64 `yaml:"threshold"`
}

type Prospect struct {
	Source        string   `yaml:"source"`
	File          string   `yaml:"file"`
	Repos         []string `yaml:"repos"`
	MaxPerRepo    int      `yaml:"max_per_repo"`
	GitHubToken   string   `yaml:"github_token"`
	GitHubBaseURL string   `yaml:"github_base_url"`
}

type Mailer struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	InboxID string        `yaml:"inbox_id"`
	From    string        `yaml:"from"`
	Timeout time.Duration `yaml:"timeout"`
}

type Webhooks struct {
	Secret string `yaml:"secret"`
}

type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

type Tasks struct {
	SoftTimeout time.Duration `yaml:"soft_timeout"`
	HardTimeout time.Duration `yaml:"hard_timeout"`
	Lease       time.Duration `yaml:"lease"`
	Retention   time.Duration `yaml:"retention"`

	// PollInterval is how long an idle worker waits before asking the
	// broker again.
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Queue struct {
	Concurrency int     `yaml:"concurrency"`
	RateLimit   float64 `yaml:"rate_limit"`
	Burst       int     `yaml:"burst"`
}

type Audit struct {
	Buffer    int           `yaml:"buffer"`
	Retention time.Duration `yaml:"retention"`
}

type Persona struct {
	Key        string   `yaml:"key"`
	Name       string   `yaml:"name"`
	Repos      []string `yaml:"repos"`
	Modalities []string `yaml:"modalities"`
	Intro      string   `yaml:"intro"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	BasePath        string        `yaml:"base_path"`
	JWTSecret       string        `yaml:"jwt_secret"`
	AllowHeaderAuth bool          `yaml:"allow_header_auth"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with leadline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if u := c.Broker.URL; u != "" && !strings.HasPrefix(u, "sqlite:") && !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		return fmt.Errorf("config.broker.url must be empty, sqlite: or redis://")
	}
	if c.Scoring.Threshold < 0 || c.Scoring.Threshold > 1 {
		return fmt.Errorf("config.scoring.threshold must be within [0,1]")
	}
	if c.Outreach.DedupWindow <= 0 {
		return fmt.Errorf("config.outreach.dedup_window must be positive")
	}
	if c.Outreach.BatchSize <= 0 {
		return fmt.Errorf("config.outreach.batch_size must be positive")
	}
	if c.Outreach.MaxBulk <= 0 {
		return fmt.Errorf("config.outreach.max_bulk must be positive")
	}
	if c.Outreach.Requester.Email == "" {
		return fmt.Errorf("config.outreach.requester.email is required")
	}
	for name, r := range c.Retries {
		if r.MaxRetries < 0 {
			return fmt.Errorf("retry policy %s has negative max_retries", name)
		}
		if r.MaxRetries > 0 && r.Backoff <= 0 {
			return fmt.Errorf("retry policy %s needs a positive backoff", name)
		}
	}
	for name, q := range c.Queues {
		if name == "" {
			return fmt.Errorf("config.queues contains empty queue name")
		}
		if q.Concurrency <= 0 {
			return fmt.Errorf("queue %s concurrency must be positive", name)
		}
		if q.RateLimit < 0 {
			return fmt.Errorf("queue %s rate_limit must not be negative", name)
		}
	}
	if c.Tasks.HardTimeout > 0 && c.Tasks.SoftTimeout > c.Tasks.HardTimeout {
		return fmt.Errorf("config.tasks.soft_timeout exceeds hard_timeout")
	}
	if c.Tasks.Lease > 0 && c.Tasks.Lease <= c.Tasks.HardTimeout {
		return fmt.Errorf("config.tasks.lease must exceed hard_timeout")
	}
	seen := map[string]bool{}
	for i, p := range c.Personas {
		if p.Key == "" {
			return fmt.Errorf("persona %d has empty key", i)
		}
		if seen[p.Key] {
			return fmt.Errorf("persona %s defined twice", p.Key)
		}
		seen[p.Key] = true
	}
	if c.Audit.Buffer <= 0 {
		return fmt.Errorf("config.audit.buffer must be positive")
	}
	return nil
}

// RetryFor returns the retry policy for a job class, falling back to def.
func (c *Config) RetryFor(class string, def Retry) Retry {
	if r, ok := c.Retries[class]; ok {
		return r
	}
	return def
}

// QueueFor returns the queue settings, defaulting to a single slot.
func (c *Config) QueueFor(name string) Queue {
	if q, ok := c.Queues[name]; ok {
		return q
	}
	return Queue{Concurrency: 1}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `database:
  path: ""

broker:
  url: ""

features:
  automated_outreach_enabled: false
  email_monitoring_enabled: true
  prospecting_enabled: false

schedule:
  queue_processing: "@every 5m"
  monitoring: "@every 30s"
  prospecting: "0 9 * * *"
  missed_replies: "@hourly"
  automated_outreach: "@hourly"
  cleanup: "0 3 * * 0"

outreach:
  dedup_window: 168h
  batch_size: 10
  max_bulk: 50
  failed_max_age: 2160h
  stale_sending_after: 30m
  automated_limit: 5
  requester:
    email: outreach@leadline.local
    name: Leadline
  templates:
    subject: "Re: {{.IssueTitle}}"
    body: |
      Hi {{if .UserLogin}}{{.UserLogin}}{{else}}there{{end}},

      {{.Intro}}

      I noticed your issue on {{.Repo}} ({{.IssueURL}}) and thought a short walkthrough might help.

      {{.PersonaName}}

scoring:
  threshold: 0.6

prospecting:
  source: github
  repos: []
  max_per_repo: 20
  github_base_url: https://api.github.com

mailer:
  base_url: https://api.agentmail.to/v0
  api_key: ""
  inbox_id: ""
  timeout: 15s

webhooks:
  secret: ""

retries:
  prospecting.daily: {max_retries: 3, backoff: 60s}
  prospecting.repos: {max_retries: 3, backoff: 30s}
  outreach.drain: {max_retries: 0, backoff: 0s}
  outreach.send_single: {max_retries: 2, backoff: 60s}
  outreach.automated: {max_retries: 3, backoff: 300s}
  outreach.schedule_automated: {max_retries: 0, backoff: 0s}
  monitoring.inbound: {max_retries: 3, backoff: 30s}
  monitoring.missed_replies: {max_retries: 3, backoff: 30s}
  cleanup.periodic: {max_retries: 1, backoff: 300s}

tasks:
  soft_timeout: 10m
  hard_timeout: 15m
  lease: 20m
  retention: 720h
  poll_interval: 1s

queues:
  prospecting: {concurrency: 1, rate_limit: 0, burst: 0}
  outreach: {concurrency: 2, rate_limit: 5, burst: 5}
  monitoring: {concurrency: 1, rate_limit: 0, burst: 0}
  missed-replies: {concurrency: 1, rate_limit: 0, burst: 0}
  cleanup: {concurrency: 1, rate_limit: 0, burst: 0}

audit:
  buffer: 1024
  retention: 2160h

personas:
  - key: maintainer
    name: The Leadline team
    repos: []
    modalities: [install, setup, error]
    intro: "We help newcomers get projects running."

server:
  addr: ":8080"
  base_path: /v1
  jwt_secret: ""
  allow_header_auth: false
  request_timeout: 30s
`
