package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/lucid-vigil/guardian/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Debug       bool              `mapstructure:"debug"`
	APIPort     string            `mapstructure:"api_port"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Anomaly     AnomalyConfig     `mapstructure:"anomaly"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Network     NetworkConfig     `mapstructure:"network"`
	Events      EventsConfig      `mapstructure:"events"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Privileges  PrivilegesConfig  `mapstructure:"privileges"`
}

// CoordinatorConfig controls the refresh loop.
type CoordinatorConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// Workers bounds the per-process lookup fan-out. Zero means one per CPU.
	Workers int `mapstructure:"workers"`
}

type AnomalyConfig struct {
	HistorySize int     `mapstructure:"history_size"`
	MinSamples  int     `mapstructure:"min_samples"`
	MinPoints   int     `mapstructure:"min_points"`
	Epsilon     float64 `mapstructure:"epsilon"`
}

// PolicyConfig mirrors policy.Policy with YAML-friendly types.
type PolicyConfig struct {
	MaxCPUUsage               float64  `mapstructure:"max_cpu_usage"`
	MaxMemoryUsage            float64  `mapstructure:"max_memory_usage"`
	SuspiciousProcesses       []string `mapstructure:"suspicious_process_substrings"`
	AllowedPorts              []int    `mapstructure:"allowed_ports"`
	AllowedDomains            []string `mapstructure:"allowed_domains"`
	AllowedSigningAuthorities []string `mapstructure:"allowed_signing_authorities"`
	AllowedPaths              []string `mapstructure:"allowed_filesystem_paths"`
	VerifyCodeSigning         bool     `mapstructure:"verify_code_signing"`
	VerifyIntegrity           bool     `mapstructure:"verify_integrity"`
}

type StorageConfig struct {
	Path            string        `mapstructure:"path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type NetworkConfig struct {
	ResolveNames bool          `mapstructure:"resolve_names"`
	DNSServer    string        `mapstructure:"dns_server"`
	DNSTimeout   time.Duration `mapstructure:"dns_timeout"`
}

// EventsConfig sizes the alert bus. Deduplication and rate limiting apply to
// live subscribers only; every alert is still persisted.
type EventsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	RateBurst     int           `mapstructure:"rate_burst"`
	// StreamSeverity is the lowest severity sent to websocket and Redis subscribers.
	StreamSeverity string `mapstructure:"stream_severity"`
}

// RedisConfig controls the optional alert mirror.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Key       string        `mapstructure:"key"`
	MaxAlerts int64         `mapstructure:"max_alerts"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type PrivilegesConfig struct {
	User string `mapstructure:"user"`
}

// ToPolicy converts the configured rules. Ports outside 1..65535 are dropped.
func (p PolicyConfig) ToPolicy() policy.Policy {
	ports := make([]uint16, 0, len(p.AllowedPorts))
	for _, port := range p.AllowedPorts {
		if port > 0 && port <= 65535 {
			ports = append(ports, uint16(port))
		}
	}
	return policy.Policy{
		MaxCPUUsage:               p.MaxCPUUsage,
		MaxMemoryUsage:            p.MaxMemoryUsage,
		SuspiciousProcesses:       append([]string(nil), p.SuspiciousProcesses...),
		AllowedPorts:              ports,
		AllowedDomains:            append([]string(nil), p.AllowedDomains...),
		AllowedSigningAuthorities: append([]string(nil), p.AllowedSigningAuthorities...),
		AllowedPaths:              append([]string(nil), p.AllowedPaths...),
		VerifyCodeSigning:         p.VerifyCodeSigning,
		VerifyIntegrity:           p.VerifyIntegrity,
	}
}

// EffectiveWorkers resolves the zero value to the CPU count.
func (c CoordinatorConfig) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Loader owns a viper instance so that flags, reloads and the initial load
// all see the same sources.
type Loader struct {
	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader prepares a loader. An empty path searches for config.yaml in the
// current directory and /etc/guardian/.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")              // Search in current directory
		v.AddConfigPath("/etc/guardian/") // Search in /etc/guardian/
	}

	setDefaults(v)

	// Read environment variables
	v.SetEnvPrefix("GUARDIAN")                         // Look for GUARDIAN_ prefix
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores for nested keys
	v.AutomaticEnv()                                   // Automatically bind environment variables to config keys

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("api_port", "8080")

	v.SetDefault("coordinator.refresh_interval", time.Second)
	v.SetDefault("coordinator.workers", 0)

	v.SetDefault("anomaly.history_size", 1000)
	v.SetDefault("anomaly.min_samples", 10)
	v.SetDefault("anomaly.min_points", 5)
	v.SetDefault("anomaly.epsilon", 0.5)

	p := policy.DefaultPolicy()
	ports := make([]int, 0, len(p.AllowedPorts))
	for _, port := range p.AllowedPorts {
		ports = append(ports, int(port))
	}
	v.SetDefault("policy.max_cpu_usage", p.MaxCPUUsage)
	v.SetDefault("policy.max_memory_usage", p.MaxMemoryUsage)
	v.SetDefault("policy.suspicious_process_substrings", p.SuspiciousProcesses)
	v.SetDefault("policy.allowed_ports", ports)
	v.SetDefault("policy.allowed_domains", p.AllowedDomains)
	v.SetDefault("policy.allowed_signing_authorities", p.AllowedSigningAuthorities)
	v.SetDefault("policy.allowed_filesystem_paths", p.AllowedPaths)
	v.SetDefault("policy.verify_code_signing", p.VerifyCodeSigning)
	v.SetDefault("policy.verify_integrity", p.VerifyIntegrity)

	v.SetDefault("storage.path", defaultStoragePath())
	v.SetDefault("storage.retention", 7*24*time.Hour)
	v.SetDefault("storage.cleanup_interval", time.Hour)

	v.SetDefault("network.resolve_names", true)
	v.SetDefault("network.dns_server", "")
	v.SetDefault("network.dns_timeout", 500*time.Millisecond)

	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.dedup_window", 30*time.Second)
	v.SetDefault("events.rate_per_minute", 100)
	v.SetDefault("events.rate_burst", 10)
	v.SetDefault("events.stream_severity", "low")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "guardian:alerts")
	v.SetDefault("redis.max_alerts", 1000)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("privileges.user", "")
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "guardian.db"
	}
	return filepath.Join(home, ".local", "share", "guardian", "monitor.db")
}

// BindFlags lets --log-level and --debug override file and environment values.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, name := range map[string]string{"log_level": "log-level", "debug": "debug"} {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the configuration file (if any) and unmarshals all sources.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Read configuration file
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msg("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Coordinator.RefreshInterval <= 0 {
		return nil, fmt.Errorf("coordinator.refresh_interval must be positive, got %s", cfg.Coordinator.RefreshInterval)
	}
	if cfg.Anomaly.HistorySize < cfg.Anomaly.MinSamples {
		return nil, fmt.Errorf("anomaly.history_size (%d) must be at least anomaly.min_samples (%d)", cfg.Anomaly.HistorySize, cfg.Anomaly.MinSamples)
	}
	if _, err := model.ParseSeverity(cfg.Events.StreamSeverity); err != nil {
		return nil, fmt.Errorf("events.stream_severity: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the file on every change and hands the new configuration
// to onChange. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.v.ConfigFileUsed() == "" {
		log.Debug().Msg("No config file in use, hot reload disabled")
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.unmarshal()
		l.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Configuration reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// LoadConfig reads the configuration from a YAML file (e.g., config.yaml) and
// environment variables. It uses Viper for robust configuration management,
// allowing for defaults and environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	return NewLoader(path).Load()
}
