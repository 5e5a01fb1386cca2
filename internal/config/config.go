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

// Eviction policy names accepted by CacheConfig. Only LRU is implemented;
// the other values are accepted and normalized to LRU.
const (
	PolicyLRU = "lru"
	PolicyLFU = "lfu"
	PolicyTTL = "ttl"
)

// Configuration represents the complete cache subsystem configuration.
type Configuration struct {
	Cache   CacheConfig   `yaml:"cache"`
	Store   StoreConfig   `yaml:"store"`
	Memory  MemoryConfig  `yaml:"memory"`
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig represents memory-tier and manager settings.
type CacheConfig struct {
	MaxMemorySize    int64         `yaml:"max_memory_size"`
	MaxMemoryEntries int           `yaml:"max_memory_entries"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	PersistentCache  bool          `yaml:"persistent_cache_enabled"`
	EvictionPolicy   string        `yaml:"eviction_policy"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// StoreConfig represents durable-tier settings.
type StoreConfig struct {
	Path        string        `yaml:"path"`
	Compression bool          `yaml:"compression"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// MemoryConfig represents memory-pressure manager settings.
type MemoryConfig struct {
	MaxPooledBuffers      int           `yaml:"max_pooled_buffers"`
	PressureCheckInterval time.Duration `yaml:"pressure_check_interval"`
	SnapshotInterval      time.Duration `yaml:"snapshot_interval"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Cache: CacheConfig{
			MaxMemorySize:    100 * 1024 * 1024, // 100MB
			MaxMemoryEntries: 1000,
			DefaultTTL:       24 * time.Hour,
			PersistentCache:  true,
			EvictionPolicy:   PolicyLRU,
			CleanupInterval:  5 * time.Minute,
		},
		Store: StoreConfig{
			Path:        "chunkcache.db",
			Compression: true,
			BusyTimeout: 5 * time.Second,
		},
		Memory: MemoryConfig{
			MaxPooledBuffers:      20,
			PressureCheckInterval: 2 * time.Second,
			SnapshotInterval:      time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the receiver.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("CHUNKCACHE_MAX_MEMORY_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.MaxMemorySize = size
		}
	}
	if val := os.Getenv("CHUNKCACHE_MAX_MEMORY_ENTRIES"); val != "" {
		if entries, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxMemoryEntries = entries
		}
	}
	if val := os.Getenv("CHUNKCACHE_DEFAULT_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.DefaultTTL = duration
		}
	}
	if val := os.Getenv("CHUNKCACHE_PERSISTENT_CACHE"); val != "" {
		c.Cache.PersistentCache = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CHUNKCACHE_EVICTION_POLICY"); val != "" {
		c.Cache.EvictionPolicy = strings.ToLower(val)
	}
	if val := os.Getenv("CHUNKCACHE_CLEANUP_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.CleanupInterval = duration
		}
	}
	if val := os.Getenv("CHUNKCACHE_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("CHUNKCACHE_STORE_COMPRESSION"); val != "" {
		c.Store.Compression = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CHUNKCACHE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NormalizedEvictionPolicy returns the policy that will actually be applied.
// LFU and TTL are accepted for forward compatibility but run LRU semantics.
func (c *CacheConfig) NormalizedEvictionPolicy() string {
	switch strings.ToLower(c.EvictionPolicy) {
	case PolicyLRU, PolicyLFU, PolicyTTL:
		return PolicyLRU
	default:
		return PolicyLRU
	}
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	var problems []string

	if c.Cache.MaxMemorySize <= 0 {
		problems = append(problems, "cache.max_memory_size must be greater than 0")
	}
	if c.Cache.MaxMemoryEntries <= 0 {
		problems = append(problems, "cache.max_memory_entries must be greater than 0")
	}
	if c.Cache.DefaultTTL < 0 {
		problems = append(problems, "cache.default_ttl must not be negative")
	}
	if c.Cache.CleanupInterval <= 0 {
		problems = append(problems, "cache.cleanup_interval must be greater than 0")
	}

	switch strings.ToLower(c.Cache.EvictionPolicy) {
	case PolicyLRU, PolicyLFU, PolicyTTL:
	default:
		problems = append(problems, fmt.Sprintf("cache.eviction_policy %q is not one of: %s, %s, %s",
			c.Cache.EvictionPolicy, PolicyLRU, PolicyLFU, PolicyTTL))
	}

	if c.Cache.PersistentCache && c.Store.Path == "" {
		problems = append(problems, "store.path is required when the persistent cache is enabled")
	}
	if c.Memory.MaxPooledBuffers <= 0 {
		problems = append(problems, "memory.max_pooled_buffers must be greater than 0")
	}
	if c.Memory.PressureCheckInterval <= 0 {
		problems = append(problems, "memory.pressure_check_interval must be greater than 0")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.Logging.Level) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		problems = append(problems, fmt.Sprintf("logging.level %q must be one of: %s",
			c.Logging.Level, strings.Join(validLogLevels, ", ")))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
