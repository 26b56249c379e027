// Package config loads ontoq configuration from YAML files and environment
// variables.
//
// Defaults come from Default(). LoadFile overlays a YAML document on the
// defaults, LoadFromEnv overlays ONTOQ_* variables, and Load applies the
// file first and the environment on top, so a deployment can pin a file and
// still override single values.
//
// Example Usage:
//
//	cfg, err := config.Load("ontoq.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
//   - ONTOQ_CACHE_ENABLED=true
//   - ONTOQ_CACHE_L1_SIZE=100, ONTOQ_CACHE_L1_TTL=5m, ONTOQ_CACHE_L1_MAX_BYTES=100KB
//   - ONTOQ_CACHE_L2_SIZE=1000, ONTOQ_CACHE_L2_TTL=30m, ONTOQ_CACHE_L2_MAX_BYTES=1MB
//   - ONTOQ_CACHE_L3_ENABLED=false, ONTOQ_CACHE_L3_DIR="", ONTOQ_CACHE_L3_TTL=1h
//   - ONTOQ_CACHE_PROMOTE_AFTER=1
//   - ONTOQ_POLICY_ENABLED=true, ONTOQ_POLICY_BASE_TTL=300s, ONTOQ_POLICY_REALTIME_TTL=60s
//   - ONTOQ_INDEX_TIERING=true, ONTOQ_INDEX_WARM_THRESHOLD=10, ONTOQ_INDEX_HOT_THRESHOLD=100
//   - ONTOQ_INDEX_SUGGEST_MIN_FREQUENCY=10, ONTOQ_INDEX_SUGGEST_MIN_DURATION=50ms
//   - ONTOQ_LOG_LEVEL=info, ONTOQ_LOG_FORMAT=text
//   - ONTOQ_METRICS_ENABLED=false, ONTOQ_METRICS_NAMESPACE=ontoq
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all ontoq configuration.
//
// Configuration is organized into sections:
//   - Cache: result cache levels and promotion
//   - Policy: the intelligent caching policy
//   - Index: hot/warm/cold tiering and index suggestions
//   - Logging: log level and format
//   - Metrics: Prometheus export
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Policy  PolicyConfig  `yaml:"policy"`
	Index   IndexConfig   `yaml:"index"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CacheConfig sizes the multi-level result cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	L1Size     int           `yaml:"l1_size"`
	L1TTL      time.Duration `yaml:"l1_ttl"`
	L1MaxBytes int64         `yaml:"l1_max_bytes"`

	L2Size     int           `yaml:"l2_size"`
	L2TTL      time.Duration `yaml:"l2_ttl"`
	L2MaxBytes int64         `yaml:"l2_max_bytes"`

	// L3 is a badger instance; in memory unless L3Dir is set.
	L3Enabled bool          `yaml:"l3_enabled"`
	L3Dir     string        `yaml:"l3_dir"`
	L3TTL     time.Duration `yaml:"l3_ttl"`

	PromoteAfter int `yaml:"promote_after"`
}

// PolicyConfig tunes which results are cached, for how long and where.
// Frequencies are accesses per minute.
type PolicyConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MinFrequency         float64       `yaml:"min_frequency"`
	MinCost              time.Duration `yaml:"min_cost"`
	SmallResultBytes     int64         `yaml:"small_result_bytes"`
	SmallResultFrequency float64       `yaml:"small_result_frequency"`
	BaseTTL              time.Duration `yaml:"base_ttl"`
	HighFrequency        float64       `yaml:"high_frequency"`
	VeryHighFrequency    float64       `yaml:"very_high_frequency"`
	RealTimeTTL          time.Duration `yaml:"realtime_ttl"`
	L1Frequency          float64       `yaml:"l1_frequency"`
	L2Frequency          float64       `yaml:"l2_frequency"`
	Window               time.Duration `yaml:"window"`
	HistorySize          int           `yaml:"history_size"`
	MaxKeys              int           `yaml:"max_keys"`
}

// IndexConfig controls index tiering and suggestions.
type IndexConfig struct {
	TieringEnabled bool `yaml:"tiering_enabled"`
	WarmThreshold  int  `yaml:"warm_threshold"`
	HotThreshold   int  `yaml:"hot_threshold"`

	SuggestMinFrequency int           `yaml:"suggest_min_frequency"`
	SuggestMinDuration  time.Duration `yaml:"suggest_min_duration"`
}

// LoggingConfig selects the logrus level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig enables the Prometheus recorder.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Enabled:      true,
			L1Size:       100,
			L1TTL:        5 * time.Minute,
			L1MaxBytes:   100 * 1024,
			L2Size:       1000,
			L2TTL:        30 * time.Minute,
			L2MaxBytes:   1024 * 1024,
			L3TTL:        time.Hour,
			PromoteAfter: 1,
		},
		Policy: PolicyConfig{
			Enabled:              true,
			MinFrequency:         5,
			MinCost:              10 * time.Millisecond,
			SmallResultBytes:     1000,
			SmallResultFrequency: 10,
			BaseTTL:              300 * time.Second,
			HighFrequency:        50,
			VeryHighFrequency:    100,
			RealTimeTTL:          60 * time.Second,
			L1Frequency:          10,
			L2Frequency:          1,
			Window:               5 * time.Minute,
			HistorySize:          100,
			MaxKeys:              10000,
		},
		Index: IndexConfig{
			TieringEnabled:      true,
			WarmThreshold:       10,
			HotThreshold:        100,
			SuggestMinFrequency: 10,
			SuggestMinDuration:  50 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Namespace: "ontoq"},
	}
}

// LoadFromEnv returns the defaults overlaid with ONTOQ_* variables.
func LoadFromEnv() *Config {
	c := Default()
	c.applyEnv()
	return c
}

// LoadFile returns the defaults overlaid with the YAML document at path.
// Keys missing from the document keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

// Load applies the file at path, when path is not empty, then the
// environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		var err error
		if c, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	c.Cache.Enabled = getEnvBool("ONTOQ_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.L1Size = getEnvInt("ONTOQ_CACHE_L1_SIZE", c.Cache.L1Size)
	c.Cache.L1TTL = getEnvDuration("ONTOQ_CACHE_L1_TTL", c.Cache.L1TTL)
	c.Cache.L1MaxBytes = getEnvMemory("ONTOQ_CACHE_L1_MAX_BYTES", c.Cache.L1MaxBytes)
	c.Cache.L2Size = getEnvInt("ONTOQ_CACHE_L2_SIZE", c.Cache.L2Size)
	c.Cache.L2TTL = getEnvDuration("ONTOQ_CACHE_L2_TTL", c.Cache.L2TTL)
	c.Cache.L2MaxBytes = getEnvMemory("ONTOQ_CACHE_L2_MAX_BYTES", c.Cache.L2MaxBytes)
	c.Cache.L3Enabled = getEnvBool("ONTOQ_CACHE_L3_ENABLED", c.Cache.L3Enabled)
	c.Cache.L3Dir = getEnv("ONTOQ_CACHE_L3_DIR", c.Cache.L3Dir)
	c.Cache.L3TTL = getEnvDuration("ONTOQ_CACHE_L3_TTL", c.Cache.L3TTL)
	c.Cache.PromoteAfter = getEnvInt("ONTOQ_CACHE_PROMOTE_AFTER", c.Cache.PromoteAfter)

	c.Policy.Enabled = getEnvBool("ONTOQ_POLICY_ENABLED", c.Policy.Enabled)
	c.Policy.MinFrequency = getEnvFloat("ONTOQ_POLICY_MIN_FREQUENCY", c.Policy.MinFrequency)
	c.Policy.MinCost = getEnvDuration("ONTOQ_POLICY_MIN_COST", c.Policy.MinCost)
	c.Policy.SmallResultBytes = getEnvMemory("ONTOQ_POLICY_SMALL_RESULT_BYTES", c.Policy.SmallResultBytes)
	c.Policy.SmallResultFrequency = getEnvFloat("ONTOQ_POLICY_SMALL_RESULT_FREQUENCY", c.Policy.SmallResultFrequency)
	c.Policy.BaseTTL = getEnvDuration("ONTOQ_POLICY_BASE_TTL", c.Policy.BaseTTL)
	c.Policy.RealTimeTTL = getEnvDuration("ONTOQ_POLICY_REALTIME_TTL", c.Policy.RealTimeTTL)
	c.Policy.L1Frequency = getEnvFloat("ONTOQ_POLICY_L1_FREQUENCY", c.Policy.L1Frequency)
	c.Policy.L2Frequency = getEnvFloat("ONTOQ_POLICY_L2_FREQUENCY", c.Policy.L2Frequency)
	c.Policy.Window = getEnvDuration("ONTOQ_POLICY_WINDOW", c.Policy.Window)
	c.Policy.HistorySize = getEnvInt("ONTOQ_POLICY_HISTORY_SIZE", c.Policy.HistorySize)
	c.Policy.MaxKeys = getEnvInt("ONTOQ_POLICY_MAX_KEYS", c.Policy.MaxKeys)

	c.Index.TieringEnabled = getEnvBool("ONTOQ_INDEX_TIERING", c.Index.TieringEnabled)
	c.Index.WarmThreshold = getEnvInt("ONTOQ_INDEX_WARM_THRESHOLD", c.Index.WarmThreshold)
	c.Index.HotThreshold = getEnvInt("ONTOQ_INDEX_HOT_THRESHOLD", c.Index.HotThreshold)
	c.Index.SuggestMinFrequency = getEnvInt("ONTOQ_INDEX_SUGGEST_MIN_FREQUENCY", c.Index.SuggestMinFrequency)
	c.Index.SuggestMinDuration = getEnvDuration("ONTOQ_INDEX_SUGGEST_MIN_DURATION", c.Index.SuggestMinDuration)

	c.Logging.Level = getEnv("ONTOQ_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("ONTOQ_LOG_FORMAT", c.Logging.Format)

	c.Metrics.Enabled = getEnvBool("ONTOQ_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getEnv("ONTOQ_METRICS_NAMESPACE", c.Metrics.Namespace)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.L1Size <= 0 || c.Cache.L2Size <= 0 {
		errs = append(errs, fmt.Errorf("cache level sizes must be positive (l1=%d, l2=%d)", c.Cache.L1Size, c.Cache.L2Size))
	}
	if c.Cache.L1TTL < 0 || c.Cache.L2TTL < 0 || c.Cache.L3TTL < 0 {
		errs = append(errs, fmt.Errorf("cache ttls must not be negative"))
	}
	if c.Cache.L1MaxBytes < 0 || c.Cache.L2MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("cache memory budgets must not be negative"))
	}
	if c.Cache.PromoteAfter < 1 {
		errs = append(errs, fmt.Errorf("invalid promote_after: %d", c.Cache.PromoteAfter))
	}
	if c.Policy.Window <= 0 {
		errs = append(errs, fmt.Errorf("invalid policy window: %s", c.Policy.Window))
	}
	if c.Policy.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("invalid policy history size: %d", c.Policy.HistorySize))
	}
	if c.Policy.MaxKeys <= 0 {
		errs = append(errs, fmt.Errorf("invalid policy max keys: %d", c.Policy.MaxKeys))
	}
	if c.Index.WarmThreshold <= 0 || c.Index.HotThreshold < c.Index.WarmThreshold {
		errs = append(errs, fmt.Errorf("tier thresholds need 0 < warm <= hot (warm=%d, hot=%d)",
			c.Index.WarmThreshold, c.Index.HotThreshold))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (text or json)", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	l3 := "off"
	if c.Cache.L3Enabled {
		l3 = "memory"
		if c.Cache.L3Dir != "" {
			l3 = c.Cache.L3Dir
		}
	}
	return fmt.Sprintf(
		"Config{Cache: %v, L1: %d/%s/%s, L2: %d/%s/%s, L3: %s, Policy: %v, Tiering: %v (%d/%d), Log: %s/%s}",
		c.Cache.Enabled,
		c.Cache.L1Size, c.Cache.L1TTL, FormatMemorySize(c.Cache.L1MaxBytes),
		c.Cache.L2Size, c.Cache.L2TTL, FormatMemorySize(c.Cache.L2MaxBytes),
		l3, c.Policy.Enabled,
		c.Index.TieringEnabled, c.Index.WarmThreshold, c.Index.HotThreshold,
		c.Logging.Level, c.Logging.Format,
	)
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Apply sets the level and formatter of l.
func (c LoggingConfig) Apply(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)
	if strings.EqualFold(c.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// bare numbers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvMemory(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, ok := parseMemorySize(val); ok {
			return n
		}
	}
	return defaultVal
}

// parseMemorySize parses sizes like "1024", "64KB", "1MB" or "2G".
func parseMemorySize(s string) (int64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToUpper(s)), "B")
	if s == "" {
		return 0, false
	}
	var multiplier int64 = 1
	switch s[len(s)-1] {
	case 'K':
		multiplier = 1 << 10
	case 'M':
		multiplier = 1 << 20
	case 'G':
		multiplier = 1 << 30
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n * multiplier, true
}

// FormatMemorySize formats bytes as a human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1 << 10
		MB = 1 << 20
		GB = 1 << 30
	)
	switch {
	case bytes <= 0:
		return "unbounded"
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	}
	return fmt.Sprintf("%d B", bytes)
}
