// Package config loads and validates kin.yaml for the kin CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "kin.yaml"

// Config represents the kin CLI configuration.
type Config struct {
	// Version of the config file format.
	Version string `yaml:"version"`

	Database   DatabaseConfig   `yaml:"database"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
	ChangeFeed ChangeFeedConfig `yaml:"change_feed"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	// Driver is postgres or memory.
	Driver string `yaml:"driver"`

	// URL is the connection string. ${VAR} references are expanded on load.
	URL string `yaml:"url,omitempty"`

	Schema         string `yaml:"schema"`
	MaxConnections int    `yaml:"max_connections,omitempty"`
}

// EngineConfig tunes the command processor and snapshot manager.
type EngineConfig struct {
	// UnknownKinds is skip or reject.
	UnknownKinds string         `yaml:"unknown_kinds"`
	Retry        RetryConfig    `yaml:"retry"`
	Snapshot     SnapshotConfig `yaml:"snapshot"`
}

// RetryConfig mirrors kin.RetryPolicy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// SnapshotConfig mirrors kin.SnapshotPolicy plus the state codec.
type SnapshotConfig struct {
	EventThreshold int64         `yaml:"event_threshold"`
	MaxAge         time.Duration `yaml:"max_age"`
	ExpiryGrace    time.Duration `yaml:"expiry_grace"`

	// Serializer is json or msgpack.
	Serializer string `yaml:"serializer"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	// Environment is production or development.
	Environment string `yaml:"environment"`
	Level       string `yaml:"level"`
}

// ChangeFeedConfig selects how projections receive events.
type ChangeFeedConfig struct {
	// Driver is poll (read the event store directly) or nats.
	Driver       string        `yaml:"driver"`
	Consumer     string        `yaml:"consumer"`
	PollInterval time.Duration `yaml:"poll_interval"`

	NATSURL       string `yaml:"nats_url,omitempty"`
	Stream        string `yaml:"stream,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`

	// MaxDeliveries bounds redelivery before an event is dead-lettered.
	MaxDeliveries int `yaml:"max_deliveries"`
}

// DeadLetterConfig selects where permanently failing events go.
type DeadLetterConfig struct {
	// Driver is memory, kafka, sns or sqs.
	Driver string `yaml:"driver"`

	KafkaBrokers []string `yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `yaml:"kafka_topic,omitempty"`

	SNSTopicARN string `yaml:"sns_topic_arn,omitempty"`
	SNSFIFO     bool   `yaml:"sns_fifo,omitempty"`

	SQSQueueURL string `yaml:"sqs_queue_url,omitempty"`

	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Database: DatabaseConfig{
			Driver: "postgres",
			URL:    "${DATABASE_URL}",
			Schema: "kin",
		},
		Engine: EngineConfig{
			UnknownKinds: "skip",
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   20 * time.Millisecond,
				MaxDelay:    time.Second,
				Jitter:      0.5,
			},
			Snapshot: SnapshotConfig{
				EventThreshold: 100,
				MaxAge:         7 * 24 * time.Hour,
				ExpiryGrace:    24 * time.Hour,
				Serializer:     "msgpack",
			},
		},
		Logging: LoggingConfig{
			Environment: "development",
			Level:       "info",
		},
		ChangeFeed: ChangeFeedConfig{
			Driver:        "poll",
			Consumer:      "task-projection",
			PollInterval:  100 * time.Millisecond,
			Stream:        "KIN_EVENTS",
			SubjectPrefix: "kin.event",
			MaxDeliveries: 5,
		},
		DeadLetter: DeadLetterConfig{
			Driver: "memory",
		},
	}
}

// Load loads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from path. Environment references are
// expanded before parsing and missing sections keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save saves the configuration to the specified directory.
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up.
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() []string {
	var errors []string

	switch c.Database.Driver {
	case "":
		errors = append(errors, "database.driver is required")
	case "postgres":
		if c.Database.URL == "" || strings.Contains(c.Database.URL, "${") {
			errors = append(errors, "database.url is required for postgres driver")
		}
	case "memory":
	default:
		errors = append(errors, "database.driver must be 'postgres' or 'memory'")
	}

	if !oneOf(c.Engine.UnknownKinds, "skip", "reject") {
		errors = append(errors, "engine.unknown_kinds must be 'skip' or 'reject'")
	}
	if c.Engine.Retry.MaxAttempts < 1 {
		errors = append(errors, "engine.retry.max_attempts must be at least 1")
	}
	if c.Engine.Retry.Jitter < 0 || c.Engine.Retry.Jitter > 1 {
		errors = append(errors, "engine.retry.jitter must be between 0 and 1")
	}
	if c.Engine.Snapshot.EventThreshold < 0 {
		errors = append(errors, "engine.snapshot.event_threshold must not be negative")
	}
	if !oneOf(c.Engine.Snapshot.Serializer, "json", "msgpack") {
		errors = append(errors, "engine.snapshot.serializer must be 'json' or 'msgpack'")
	}

	if !oneOf(c.Logging.Environment, "production", "development") {
		errors = append(errors, "logging.environment must be 'production' or 'development'")
	}

	switch c.ChangeFeed.Driver {
	case "poll":
	case "nats":
		if c.ChangeFeed.NATSURL == "" {
			errors = append(errors, "change_feed.nats_url is required for nats driver")
		}
	default:
		errors = append(errors, "change_feed.driver must be 'poll' or 'nats'")
	}
	if c.ChangeFeed.Consumer == "" {
		errors = append(errors, "change_feed.consumer is required")
	}

	switch c.DeadLetter.Driver {
	case "memory":
	case "kafka":
		if len(c.DeadLetter.KafkaBrokers) == 0 {
			errors = append(errors, "dead_letter.kafka_brokers is required for kafka driver")
		}
	case "sns":
		if c.DeadLetter.SNSTopicARN == "" {
			errors = append(errors, "dead_letter.sns_topic_arn is required for sns driver")
		}
	case "sqs":
		if c.DeadLetter.SQSQueueURL == "" {
			errors = append(errors, "dead_letter.sqs_queue_url is required for sqs driver")
		}
	default:
		errors = append(errors, "dead_letter.driver must be one of memory, kafka, sns, sqs")
	}
	if oneOf(c.DeadLetter.Driver, "sns", "sqs") && c.DeadLetter.Region == "" {
		errors = append(errors, "dead_letter.region is required for "+c.DeadLetter.Driver+" driver")
	}

	return errors
}

// GenerateYAML renders a commented kin.yaml for cfg.
func GenerateYAML(cfg *Config) string {
	var b strings.Builder
	w := func(format string, args ...interface{}) { fmt.Fprintf(&b, format+"\n", args...) }

	w("# kin configuration")
	w("version: %q", cfg.Version)
	w("")
	w("database:")
	w("  # postgres or memory")
	w("  driver: %q", cfg.Database.Driver)
	w("  url: %q", cfg.Database.URL)
	w("  schema: %q", cfg.Database.Schema)
	w("")
	w("engine:")
	w("  # skip or reject events of unknown kind during replay")
	w("  unknown_kinds: %q", cfg.Engine.UnknownKinds)
	w("  retry:")
	w("    max_attempts: %d", cfg.Engine.Retry.MaxAttempts)
	w("    base_delay: %s", cfg.Engine.Retry.BaseDelay)
	w("    max_delay: %s", cfg.Engine.Retry.MaxDelay)
	w("    jitter: %g", cfg.Engine.Retry.Jitter)
	w("  snapshot:")
	w("    event_threshold: %d", cfg.Engine.Snapshot.EventThreshold)
	w("    max_age: %s", cfg.Engine.Snapshot.MaxAge)
	w("    expiry_grace: %s", cfg.Engine.Snapshot.ExpiryGrace)
	w("    serializer: %q", cfg.Engine.Snapshot.Serializer)
	w("")
	w("logging:")
	w("  environment: %q", cfg.Logging.Environment)
	w("  level: %q", cfg.Logging.Level)
	w("")
	w("change_feed:")
	w("  # poll or nats")
	w("  driver: %q", cfg.ChangeFeed.Driver)
	w("  consumer: %q", cfg.ChangeFeed.Consumer)
	w("  poll_interval: %s", cfg.ChangeFeed.PollInterval)
	w("  nats_url: %q", cfg.ChangeFeed.NATSURL)
	w("  stream: %q", cfg.ChangeFeed.Stream)
	w("  subject_prefix: %q", cfg.ChangeFeed.SubjectPrefix)
	w("  max_deliveries: %d", cfg.ChangeFeed.MaxDeliveries)
	w("")
	w("dead_letter:")
	w("  # memory, kafka, sns or sqs")
	w("  driver: %q", cfg.DeadLetter.Driver)
	if len(cfg.DeadLetter.KafkaBrokers) > 0 {
		w("  kafka_brokers: [%s]", strings.Join(quoteAll(cfg.DeadLetter.KafkaBrokers), ", "))
	}
	if cfg.DeadLetter.KafkaTopic != "" {
		w("  kafka_topic: %q", cfg.DeadLetter.KafkaTopic)
	}
	if cfg.DeadLetter.SNSTopicARN != "" {
		w("  sns_topic_arn: %q", cfg.DeadLetter.SNSTopicARN)
	}
	if cfg.DeadLetter.SQSQueueURL != "" {
		w("  sqs_queue_url: %q", cfg.DeadLetter.SQSQueueURL)
	}
	if cfg.DeadLetter.Region != "" {
		w("  region: %q", cfg.DeadLetter.Region)
	}
	if cfg.DeadLetter.Endpoint != "" {
		w("  endpoint: %q", cfg.DeadLetter.Endpoint)
	}

	return b.String()
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
