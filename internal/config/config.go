// Package config loads the daemon configuration from a YAML file and the
// environment. Environment variables (prefix UBUS_) win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "UBUS"

var (
	// ErrInvalidPort is returned when the HTTP port is out of range
	ErrInvalidPort = errors.New("http port must be between 1 and 65535")
	// ErrMissingSecretKey is returned when authentication is on without a key
	ErrMissingSecretKey = errors.New("http secret key is required unless no_auth is set")
	// ErrInvalidWorkers is returned when the dispatch pool has no workers or no queue
	ErrInvalidWorkers = errors.New("workers and queue size must be positive")
	// ErrInvalidDelay is returned when a retry delay or timeout is not positive
	ErrInvalidDelay = errors.New("delays and timeouts must be positive")
	// ErrEmptyEntity is returned when a well-known entity name is empty
	ErrEmptyEntity = errors.New("entity names cannot be empty")
	// ErrInvalidTopic is returned when a seeded topic cannot be parsed
	ErrInvalidTopic = errors.New("invalid seeded topic")
)

// Config is the daemon configuration.
type Config struct {
	Broker BrokerConfig   `yaml:"broker"`
	HTTP   HTTPConfig     `yaml:"http"`
	Log    logging.Config `yaml:"log"`

	// Manifests lists the entities each package may register as
	Manifests map[string][]string `yaml:"manifests" ignored:"true"`

	// Topics seeds the in-memory subscription authority
	Topics []TopicConfig `yaml:"topics" ignored:"true"`
}

// BrokerConfig configures the routing core.
type BrokerConfig struct {
	PackageName        string        `yaml:"package_name" split_words:"true"`
	RemoteEntity       string        `yaml:"remote_entity" split_words:"true"`
	SubscriptionEntity string        `yaml:"subscription_entity" split_words:"true"`
	DeliveryRetryDelay time.Duration `yaml:"delivery_retry_delay" split_words:"true"`
	RequestRetryDelay  time.Duration `yaml:"request_retry_delay" split_words:"true"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size" split_words:"true"`
}

// HTTPConfig configures the HTTP binding.
type HTTPConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	SecretKey string        `yaml:"secret_key" split_words:"true"`
	NoAuth    bool          `yaml:"no_auth" split_words:"true"`
	TokenTTL  time.Duration `yaml:"token_ttl" split_words:"true"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// TopicConfig is a topic created at startup with its subscribers.
type TopicConfig struct {
	Topic       string   `yaml:"topic"`
	Publisher   string   `yaml:"publisher"`
	Subscribers []string `yaml:"subscribers"`
}

// Parse returns the URIs of t.
func (t TopicConfig) Parse() (topic, publisher uri.URI, subscribers []uri.URI, err error) {
	if topic, err = uri.Parse(t.Topic); err != nil || !topic.IsTopic() {
		return uri.URI{}, uri.URI{}, nil, fmt.Errorf("%w: topic %q", ErrInvalidTopic, t.Topic)
	}
	if t.Publisher != "" {
		if publisher, err = uri.Parse(t.Publisher); err != nil {
			return uri.URI{}, uri.URI{}, nil, fmt.Errorf("%w: publisher %q: %v", ErrInvalidTopic, t.Publisher, err)
		}
	}
	for _, s := range t.Subscribers {
		u, perr := uri.Parse(s)
		if perr != nil {
			return uri.URI{}, uri.URI{}, nil, fmt.Errorf("%w: subscriber %q: %v", ErrInvalidTopic, s, perr)
		}
		subscribers = append(subscribers, u)
	}
	return topic, publisher, subscribers, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Broker.PackageName == "" {
		c.Broker.PackageName = "core.ubus"
	}
	if c.Broker.RemoteEntity == "" {
		c.Broker.RemoteEntity = "core.ubus.remote"
	}
	if c.Broker.SubscriptionEntity == "" {
		c.Broker.SubscriptionEntity = "core.usubscription"
	}
	if c.Broker.DeliveryRetryDelay == 0 {
		c.Broker.DeliveryRetryDelay = 50 * time.Millisecond
	}
	if c.Broker.RequestRetryDelay == 0 {
		c.Broker.RequestRetryDelay = 500 * time.Millisecond
	}
	if c.Broker.ShutdownTimeout == 0 {
		c.Broker.ShutdownTimeout = 100 * time.Millisecond
	}
	if c.Broker.Workers == 0 {
		c.Broker.Workers = 4
	}
	if c.Broker.QueueSize == 0 {
		c.Broker.QueueSize = 1024
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.TokenTTL == 0 {
		c.HTTP.TokenTTL = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
}

// Validate returns the first problem found in c.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return ErrInvalidPort
	}
	if !c.HTTP.NoAuth && c.HTTP.SecretKey == "" {
		return ErrMissingSecretKey
	}
	if c.Broker.Workers <= 0 || c.Broker.QueueSize <= 0 {
		return ErrInvalidWorkers
	}
	if c.Broker.DeliveryRetryDelay <= 0 || c.Broker.RequestRetryDelay <= 0 || c.Broker.ShutdownTimeout <= 0 || c.HTTP.TokenTTL <= 0 {
		return ErrInvalidDelay
	}
	if c.Broker.PackageName == "" || c.Broker.RemoteEntity == "" || c.Broker.SubscriptionEntity == "" {
		return ErrEmptyEntity
	}
	for _, t := range c.Topics {
		if _, _, _, err := t.Parse(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads path (when not empty), applies the environment and the
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}
