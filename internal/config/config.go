// Package config holds the agent's configuration surface: the knobs
// exposed in §6.5 plus the ambient process settings (logging, ports,
// circuit breaking) the engine needs around them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete agent configuration.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Cache    CacheConfig    `yaml:"cache"`
	Rules    RulesConfig    `yaml:"rules"`
	Resolver ResolverConfig `yaml:"resolver"`
	Transfer TransferConfig `yaml:"transfer"`
	Labels   LabelsConfig   `yaml:"labels"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Source   SourceConfig   `yaml:"source"`
	Plugins  []PluginConfig `yaml:"plugins"`
}

// SourceConfig declares this node's local content roots (§4.2 Tier 1/5).
type SourceConfig struct {
	WatchPaths []string `yaml:"watch_paths"`
}

// PluginConfig declares one materialize-capable plugin (§6.3, §4.2 Tier 5).
type PluginConfig struct {
	Name           string        `yaml:"name"`
	FilePathPrefix string        `yaml:"file_path_prefix"`
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Timeout        time.Duration `yaml:"timeout"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	HealthPort  int    `yaml:"health_port"`
	MetricsPort int    `yaml:"metrics_port"`
	ProfilePort int    `yaml:"profile_port"`
	CacheRoot   string `yaml:"cache_root"`
	NodeID      string `yaml:"node_id"`
}

// CacheConfig covers the content cache's sizing knobs (§4.3, §6.5).
type CacheConfig struct {
	BlockSize          int64         `yaml:"block_size"`
	FullBlockThreshold int64         `yaml:"full_block_threshold"`
	SizeCap            int64         `yaml:"size_cap"`
	MinFreeSpace       int64         `yaml:"min_free_space"`
	IntervalCountCap   int           `yaml:"interval_count_cap"`
	PerPeerFetchCap    int           `yaml:"per_peer_fetch_cap"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
}

// RulesConfig covers the rule engine's listing cache (§4.1.3).
type RulesConfig struct {
	ListingCacheTTL time.Duration `yaml:"listing_cache_ttl"`
}

// ResolverConfig covers tiered-resolver retry/circuit-breaker behavior (§4.2, §7).
type ResolverConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// RetryConfig mirrors the exponential-backoff parameters fixed by §7:
// initial 1s, cap 60s, ±25% jitter.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterFrac   float64       `yaml:"jitter_frac"`
}

// BreakerConfig configures the per-peer circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// TransferConfig covers the peer-transfer HTTP endpoint and HMAC signing (§6.2, §6.4).
type TransferConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AccessKeyID    string        `yaml:"access_key_id"`
	SecretKey      string        `yaml:"secret_key"`
	ClockSkew      time.Duration `yaml:"clock_skew"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LabelsConfig covers the derived label/access caches (§4.4).
type LabelsConfig struct {
	ShardCount int `yaml:"shard_count"`
}

// MetricsConfig toggles the prometheus surface.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewDefault returns the configuration with the defaults enumerated in §6.5.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			HealthPort:  8081,
			MetricsPort: 8080,
			ProfilePort: 6060,
			CacheRoot:   "/var/lib/mosaicfs/cache",
		},
		Cache: CacheConfig{
			BlockSize:          1 << 20,   // 1 MiB
			FullBlockThreshold: 50 << 20,  // 50 MiB
			SizeCap:            10 << 30,  // 10 GiB
			MinFreeSpace:       1 << 30,   // 1 GiB
			IntervalCountCap:   1000,
			PerPeerFetchCap:    8,
			FetchTimeout:       30 * time.Second,
		},
		Rules: RulesConfig{
			ListingCacheTTL: 5 * time.Second,
		},
		Resolver: ResolverConfig{
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				JitterFrac:   0.25,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      60 * time.Second,
				HalfOpenMaxCalls: 1,
			},
		},
		Transfer: TransferConfig{
			ListenAddr:     ":7940",
			ClockSkew:      5 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Labels: LabelsConfig{
			ShardCount: 16,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadFromFile loads and merges configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays MOSAICFS_-prefixed environment variables.
func (c *Configuration) LoadFromEnv() error {
	if v := os.Getenv("MOSAICFS_LOG_LEVEL"); v != "" {
		c.Global.LogLevel = v
	}
	if v := os.Getenv("MOSAICFS_NODE_ID"); v != "" {
		c.Global.NodeID = v
	}
	if v := os.Getenv("MOSAICFS_CACHE_ROOT"); v != "" {
		c.Global.CacheRoot = v
	}
	if v := os.Getenv("MOSAICFS_CACHE_SIZE_CAP"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.SizeCap = n
		}
	}
	if v := os.Getenv("MOSAICFS_TRANSFER_LISTEN_ADDR"); v != "" {
		c.Transfer.ListenAddr = v
	}
	if v := os.Getenv("MOSAICFS_TRANSFER_ACCESS_KEY_ID"); v != "" {
		c.Transfer.AccessKeyID = v
	}
	if v := os.Getenv("MOSAICFS_TRANSFER_SECRET_KEY"); v != "" {
		c.Transfer.SecretKey = v
	}
	if v := os.Getenv("MOSAICFS_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = strings.ToLower(v) == "true"
	}
	return nil
}

// SaveToFile writes the configuration back out as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks invariants the rest of the engine assumes hold.
func (c *Configuration) Validate() error {
	if c.Cache.BlockSize <= 0 {
		return fmt.Errorf("cache.block_size must be greater than 0")
	}
	if c.Cache.FullBlockThreshold <= 0 {
		return fmt.Errorf("cache.full_block_threshold must be greater than 0")
	}
	if c.Cache.SizeCap <= 0 {
		return fmt.Errorf("cache.size_cap must be greater than 0")
	}
	if c.Cache.IntervalCountCap <= 0 {
		return fmt.Errorf("cache.interval_count_cap must be greater than 0")
	}
	if c.Cache.PerPeerFetchCap <= 0 {
		return fmt.Errorf("cache.per_peer_fetch_cap must be greater than 0")
	}
	if c.Labels.ShardCount <= 0 || c.Labels.ShardCount&(c.Labels.ShardCount-1) != 0 {
		return fmt.Errorf("labels.shard_count must be a power of two, got %d", c.Labels.ShardCount)
	}
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)", c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	for _, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugins: name is required")
		}
		if p.FilePathPrefix == "" {
			return fmt.Errorf("plugins.%s: file_path_prefix is required", p.Name)
		}
		if p.Command == "" {
			return fmt.Errorf("plugins.%s: command is required", p.Name)
		}
	}
	return nil
}
