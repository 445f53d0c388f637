// Package config loads the YAML service configuration. Files merge over
// defaults: any field absent from the file keeps its default value.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-sec/aegis/internal/quota"
)

// Duration is a time.Duration that marshals as a Go duration string
// ("30s", "15m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level service configuration.
type Config struct {
	Server   ServerConfig              `yaml:"server"`
	Redis    RedisConfig               `yaml:"redis"`
	Logging  LoggingConfig             `yaml:"logging"`
	Audit    AuditConfig               `yaml:"audit"`
	Security SecurityConfig            `yaml:"security"`
	Policies map[string]PolicyOverride `yaml:"policies"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds connection settings for the shared store.
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	PoolSize     int      `yaml:"pool_size"`
	MaxRetries   int      `yaml:"max_retries"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	OpTimeout    Duration `yaml:"op_timeout"`
	Cluster      bool     `yaml:"cluster"`
	ClusterNodes []string `yaml:"cluster_nodes"`
}

// LoggingConfig controls the zap logger and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuditConfig selects the audit sinks.
type AuditConfig struct {
	File  FileAuditConfig  `yaml:"file"`
	Kafka KafkaAuditConfig `yaml:"kafka"`
}

// FileAuditConfig enables the NDJSON audit file.
type FileAuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// KafkaAuditConfig enables the Kafka audit publisher.
type KafkaAuditConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// SecurityConfig tunes the request-path detector hooks.
type SecurityConfig struct {
	// TrackRequestVolume feeds every rate-limited request into the
	// volume-flood rule. Costs one extra store round-trip per request.
	TrackRequestVolume bool `yaml:"track_request_volume"`
	// InspectQueryParams runs the malicious-input signatures over query
	// string values of rate-limited requests.
	InspectQueryParams bool `yaml:"inspect_query_params"`
}

// PolicyOverride tunes a named preset policy. Zero fields keep the
// preset value.
type PolicyOverride struct {
	Window        Duration `yaml:"window"`
	MaxRequests   int      `yaml:"max_requests"`
	BlockDuration Duration `yaml:"block_duration"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			MaxRetries:  3,
			DialTimeout: Duration(5 * time.Second),
			OpTimeout:   Duration(500 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Kafka: KafkaAuditConfig{
				Topic: "aegis.security.events",
			},
		},
		Security: SecurityConfig{
			TrackRequestVolume: true,
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Redis.Addr == "" && !c.Redis.Cluster {
		return fmt.Errorf("redis.addr must not be empty")
	}
	if c.Redis.Cluster && len(c.Redis.ClusterNodes) == 0 {
		return fmt.Errorf("redis.cluster_nodes must not be empty in cluster mode")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging.format %q, must be one of: json, console", c.Logging.Format)
	}
	if c.Audit.File.Enabled && c.Audit.File.Path == "" {
		return fmt.Errorf("audit.file.path must be set when the file sink is enabled")
	}
	if c.Audit.Kafka.Enabled && len(c.Audit.Kafka.Brokers) == 0 {
		return fmt.Errorf("audit.kafka.brokers must be set when the kafka sink is enabled")
	}

	presets := quota.Presets()
	for name, o := range c.Policies {
		if _, ok := presets[name]; !ok {
			return fmt.Errorf("policies.%s does not name a known policy", name)
		}
		if o.Window < 0 || o.MaxRequests < 0 || o.BlockDuration < 0 {
			return fmt.Errorf("policies.%s fields must not be negative", name)
		}
	}
	return nil
}

// QuotaPolicies returns the preset policies with file overrides applied.
func (c Config) QuotaPolicies() map[string]quota.Policy {
	policies := quota.Presets()
	for name, o := range c.Policies {
		p, ok := policies[name]
		if !ok {
			continue
		}
		if o.Window > 0 {
			p.Window = o.Window.Std()
		}
		if o.MaxRequests > 0 {
			p.MaxRequests = o.MaxRequests
		}
		if o.BlockDuration > 0 {
			p.BlockDuration = o.BlockDuration.Std()
		}
		policies[name] = p
	}
	return policies
}

// LoadFile reads a YAML config file and merges it with defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	example := `server:
  addr: ":8080"
  read_timeout: "10s"
  write_timeout: "10s"
  shutdown_timeout: "15s"

redis:
  addr: "localhost:6379"
  pool_size: 10
  max_retries: 3
  dial_timeout: "5s"
  op_timeout: "500ms"

logging:
  level: "info"
  format: "json"

audit:
  file:
    enabled: false
    path: "aegis-audit.ndjson"
  kafka:
    enabled: false
    brokers: ["localhost:9092"]
    topic: "aegis.security.events"

security:
  track_request_volume: true
  inspect_query_params: false

policies:
  login:
    max_requests: 5
    window: "15m"
    block_duration: "30m"
`
	return os.WriteFile(path, []byte(example), 0o644)
}
