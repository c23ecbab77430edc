package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models annotask.yml.
type Config struct {
	Tasks   Tasks   `yaml:"tasks"`
	Store   Store   `yaml:"store"`
	Storage Storage `yaml:"storage"`
	Events  Events  `yaml:"events"`
	Auth    Auth    `yaml:"auth"`
	Limits  Limits  `yaml:"limits"`
	Logging Logging `yaml:"logging"`
	Server  Server  `yaml:"server"`
}

type Tasks struct {
	// Enabled is the service-wide kill switch.
	Enabled          bool    `yaml:"enabled"`
	MockMode         bool    `yaml:"mock_mode"`
	MockBacklog      int     `yaml:"mock_backlog"`
	GoldenRatio      float64 `yaml:"golden_ratio"`
	TargetVotes      int     `yaml:"target_votes"`
	MinGreenSkipQA   int     `yaml:"min_green_skip_qa"`
	MinGreenReview   int     `yaml:"min_green_review"`
	BundleSize       int     `yaml:"bundle_size"`
	MaxBundleSize    int     `yaml:"max_bundle_size"`
	LeaseMinutes     int     `yaml:"lease_minutes"`
	BundleTTLMinutes int     `yaml:"bundle_ttl_minutes"`
	CandidateLimit   int     `yaml:"candidate_limit"`
}

func (t Tasks) LeaseDuration() time.Duration {
	return time.Duration(t.LeaseMinutes) * time.Minute
}

func (t Tasks) BundleTTL() time.Duration {
	return time.Duration(t.BundleTTLMinutes) * time.Minute
}

type Store struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	Workspace string `yaml:"workspace"`
}

type Storage struct {
	Kind   string `yaml:"kind"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"`
	S3     struct {
		Endpoint        string `yaml:"endpoint"`
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
	} `yaml:"s3"`
}

type Webhook struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Enabled bool     `yaml:"enabled"`
	Events  []string `yaml:"events"`
}

type Events struct {
	AMQPURL       string        `yaml:"amqp_url"`
	Queue         string        `yaml:"queue"`
	RelayInterval time.Duration `yaml:"relay_interval"`
	Webhooks      []Webhook     `yaml:"webhooks"`
}

type Auth struct {
	JWTSecret      string `yaml:"jwt_secret"`
	AllowDevHeader bool   `yaml:"allow_dev_header"`
	DevHeader      string `yaml:"dev_header"`
	AllowAnonymous bool   `yaml:"allow_anonymous"`
}

type Limits struct {
	ClaimsPerHour   int `yaml:"claims_per_hour"`
	BundlesPerHour  int `yaml:"bundles_per_hour"`
	SubmitPerMinute int `yaml:"submit_per_minute"`
	SubmitPerHour   int `yaml:"submit_per_hour"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Addr           string        `yaml:"addr"`
	BasePath       string        `yaml:"base_path"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with annotask init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	t := c.Tasks
	if t.GoldenRatio < 0 || t.GoldenRatio > 1 {
		return fmt.Errorf("tasks.golden_ratio must be within [0,1]")
	}
	if t.TargetVotes <= 0 {
		return fmt.Errorf("tasks.target_votes must be positive")
	}
	if t.MinGreenSkipQA <= 0 || t.MinGreenReview <= 0 {
		return fmt.Errorf("tasks.min_green_skip_qa and tasks.min_green_review must be positive")
	}
	if t.MinGreenReview > t.MinGreenSkipQA {
		return fmt.Errorf("tasks.min_green_review (%d) exceeds tasks.min_green_skip_qa (%d)", t.MinGreenReview, t.MinGreenSkipQA)
	}
	if t.BundleSize <= 0 || t.MaxBundleSize <= 0 {
		return fmt.Errorf("tasks.bundle_size and tasks.max_bundle_size must be positive")
	}
	if t.BundleSize > t.MaxBundleSize {
		return fmt.Errorf("tasks.bundle_size exceeds tasks.max_bundle_size")
	}
	if t.LeaseMinutes <= 0 || t.BundleTTLMinutes <= 0 {
		return fmt.Errorf("tasks.lease_minutes and tasks.bundle_ttl_minutes must be positive")
	}
	if t.MockBacklog < 0 {
		return fmt.Errorf("tasks.mock_backlog must not be negative")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}
	switch c.Storage.Kind {
	case "", "none", "local":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for s3")
		}
	default:
		return fmt.Errorf("storage.kind must be none, local or s3, got %q", c.Storage.Kind)
	}
	for i, hook := range c.Events.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("events.webhooks[%d].url is required", i)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "annotask.yml")
}

// GenerateDefault returns the default config YAML.
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

// FromYAML parses config from raw YAML bytes on top of the defaults and
// validates the result.
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

const defaultTemplate = `tasks:
  enabled: true
  mock_mode: false
  mock_backlog: 8
  golden_ratio: 0.02
  target_votes: 5
  min_green_skip_qa: 4
  min_green_review: 3
  bundle_size: 3
  max_bundle_size: 10
  lease_minutes: 15
  bundle_ttl_minutes: 45
  candidate_limit: 25

store:
  driver: sqlite
  dsn: ""
  workspace: "."

storage:
  kind: none
  bucket: ""
  prefix: annotations
  dir: .annotask/objects
  s3:
    endpoint: ""
    region: us-east-1

events:
  amqp_url: ""
  queue: annotask.events
  relay_interval: 2s
  webhooks: []

auth:
  jwt_secret: ""
  allow_dev_header: false
  dev_header: X-Contributor-Id
  allow_anonymous: false

limits:
  claims_per_hour: 60
  bundles_per_hour: 100
  submit_per_minute: 10
  submit_per_hour: 60

logging:
  level: info
  format: text

server:
  addr: ":8080"
  base_path: /v1
  cors_origins: ["*"]
  request_timeout: 30s
`
