package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the events service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Retention   RetentionConfig   `yaml:"retention"`
	Collector   CollectorConfig   `yaml:"collector"`
	Search      SearchConfig      `yaml:"search"`
}

// ServerConfig controls the gRPC, HTTP collector and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StoreConfig selects and configures the storage substrate.
type StoreConfig struct {
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	PoolSize     int           `yaml:"poolSize"`
	TLS          bool          `yaml:"tls"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AggregationConfig selects single-group or per-slice aggregation.
type AggregationConfig struct {
	Mode   string        `yaml:"mode"`
	Slices []SliceConfig `yaml:"slices"`
}

// SliceConfig declares one grouping rule.
type SliceConfig struct {
	Slug   string   `yaml:"slug"`
	Name   string   `yaml:"name"`
	Events []string `yaml:"events"`
	Tags   []string `yaml:"tags"`
}

// RetentionConfig controls the background sweeper.
type RetentionConfig struct {
	TruncateAfter time.Duration `yaml:"truncateAfter"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batchSize"`
}

// CollectorConfig controls signed ingestion and remote forwarding.
type CollectorConfig struct {
	Key           string        `yaml:"key"`
	PublicWrites  bool          `yaml:"publicWrites"`
	Remotes       []string      `yaml:"remotes"`
	RemoteTimeout time.Duration `yaml:"remoteTimeout"`
	ServerName    string        `yaml:"serverName"`
}

// SearchConfig configures the optional Weaviate indexer.
type SearchConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Class    string        `yaml:"class"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_EVENTS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "valkey":
		if c.Store.Addr == "" {
			return fmt.Errorf("store.addr is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Aggregation.Mode {
	case "single":
	case "slices":
		if len(c.Aggregation.Slices) == 0 {
			return fmt.Errorf("aggregation.slices must not be empty in slices mode")
		}
		seen := make(map[string]struct{}, len(c.Aggregation.Slices))
		for _, s := range c.Aggregation.Slices {
			if s.Slug == "" {
				return fmt.Errorf("aggregation slice without slug")
			}
			if _, dup := seen[s.Slug]; dup {
				return fmt.Errorf("duplicate aggregation slice %q", s.Slug)
			}
			seen[s.Slug] = struct{}{}
		}
	default:
		return fmt.Errorf("unknown aggregation mode %q", c.Aggregation.Mode)
	}
	if c.Retention.TruncateAfter < 0 {
		return fmt.Errorf("retention.truncateAfter must not be negative")
	}
	if !c.Collector.PublicWrites && c.Collector.Key == "" {
		return fmt.Errorf("collector.key is required unless collector.publicWrites is set")
	}
	return nil
}

func defaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":9000",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "memory",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			PoolSize:     16,
		},
		Logging:     LoggingConfig{Level: "info", JSON: false},
		Aggregation: AggregationConfig{Mode: "single"},
		Retention: RetentionConfig{
			Interval:  5 * time.Minute,
			BatchSize: 100,
		},
		Collector: CollectorConfig{
			PublicWrites:  true,
			RemoteTimeout: 5 * time.Second,
			ServerName:    host,
		},
		Search: SearchConfig{Class: "MiradorEventGroup", Timeout: 5 * time.Second},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_EVENTS_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_USERNAME"); v != "" {
		cfg.Store.Username = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_KEY_PREFIX"); v != "" {
		cfg.Store.KeyPrefix = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Store.TLS = true
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.DialTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.ReadTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.WriteTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_STORE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Store.MaxRetries = retry
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_EVENTS_AGGREGATION_MODE"); v != "" {
		cfg.Aggregation.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_EVENTS_TRUNCATE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.TruncateAfter = d
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_RETENTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.Interval = d
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_COLLECTOR_KEY"); v != "" {
		cfg.Collector.Key = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_PUBLIC_WRITES"); v != "" {
		cfg.Collector.PublicWrites = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("MIRADOR_EVENTS_REMOTES"); v != "" {
		cfg.Collector.Remotes = splitList(v)
	}
	if v := os.Getenv("MIRADOR_EVENTS_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collector.RemoteTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_EVENTS_SERVER_NAME"); v != "" {
		cfg.Collector.ServerName = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_WEAVIATE_URL"); v != "" {
		cfg.Search.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_EVENTS_WEAVIATE_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
