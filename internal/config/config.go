package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v2"

	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

// Persistence modes
const (
	ModeWriteThrough = "write-through"
	ModeBackground   = "background"
	ModeIdle         = "idle"
	ModeNone         = "none"
)

const envPrefix = "BUNDLECACHE_"

// Configuration represents the complete cache configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Memory      MemoryConfig      `yaml:"memory"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Remote      RemoteConfig      `yaml:"remote"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// Rotation of LogFile; a zero size disables rotation
	LogMaxSizeMB  int  `yaml:"log_max_size_mb"`
	LogMaxBackups int  `yaml:"log_max_backups"`
	LogCompress   bool `yaml:"log_compress"`
}

// MemoryConfig represents the memory tier settings
type MemoryConfig struct {
	// MaxGenerations is the number of builds an unused entry survives in
	// memory. Zero selects the plain memory tier that never evicts.
	MaxGenerations int `yaml:"max_generations"`
}

// PersistenceConfig represents the disk tier settings
type PersistenceConfig struct {
	Mode        string      `yaml:"mode"`
	Directory   string      `yaml:"directory"`
	Compression bool        `yaml:"compression"`
	IndexFile   string      `yaml:"index_file"`
	Idle        IdleConfig  `yaml:"idle"`
	Retry       RetryConfig `yaml:"retry"`
}

// IdleConfig represents the idle-deferred tier timings
type IdleConfig struct {
	Timeout                  time.Duration `yaml:"timeout"`
	TimeoutForInitialStore   time.Duration `yaml:"timeout_for_initial_store"`
	TimeoutAfterLargeChanges time.Duration `yaml:"timeout_after_large_changes"`
	BatchSize                int           `yaml:"batch_size"`
}

// RetryConfig represents retry settings for strategy writes
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Remote tier backends
const (
	RemoteRedis = "redis"
	RemoteS3    = "s3"
)

// RemoteConfig represents the shared network tier. Kind selects a Redis
// server or an S3 bucket.
type RemoteConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Kind         string        `yaml:"kind"`
	Prefix       string        `yaml:"prefix"`
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// redis
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`

	// s3
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents the breaker guarding the remote tier
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Address      string            `yaml:"address"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
			LogCompress:   true,
		},
		Memory: MemoryConfig{
			MaxGenerations: 5,
		},
		Persistence: PersistenceConfig{
			Mode:        ModeIdle,
			Directory:   filepath.Join("node_modules", ".cache", "bundlecache"),
			Compression: true,
			IndexFile:   "index.pack",
			Idle: IdleConfig{
				Timeout:                  60 * time.Second,
				TimeoutForInitialStore:   5 * time.Second,
				TimeoutAfterLargeChanges: 1 * time.Second,
				BatchSize:                100,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   20 * time.Millisecond,
				MaxDelay:    500 * time.Millisecond,
			},
		},
		Remote: RemoteConfig{
			Enabled:      false,
			Kind:         RemoteRedis,
			Prefix:       "bundlecache",
			QueryTimeout: 2 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "bundlecache",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from BUNDLECACHE_* environment variables.
// Durations accept day and week units ("1d", "2w") as well as Go durations.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	// Global settings
	env.setString("LOG_LEVEL", &c.Global.LogLevel)
	env.setString("LOG_FORMAT", &c.Global.LogFormat)
	env.setString("LOG_FILE", &c.Global.LogFile)

	// Memory
	env.setInt("MAX_GENERATIONS", &c.Memory.MaxGenerations)

	// Persistence
	env.setString("PERSISTENCE_MODE", &c.Persistence.Mode)
	env.setString("CACHE_DIR", &c.Persistence.Directory)
	env.setBool("COMPRESSION", &c.Persistence.Compression)
	env.setDuration("IDLE_TIMEOUT", &c.Persistence.Idle.Timeout)
	env.setDuration("IDLE_TIMEOUT_FOR_INITIAL_STORE", &c.Persistence.Idle.TimeoutForInitialStore)
	env.setDuration("IDLE_TIMEOUT_AFTER_LARGE_CHANGES", &c.Persistence.Idle.TimeoutAfterLargeChanges)

	// Remote
	if val := os.Getenv(envPrefix + "REMOTE_ADDR"); val != "" {
		c.Remote.Address = val
		c.Remote.Enabled = true
	}
	env.setString("REMOTE_PASSWORD", &c.Remote.Password)
	env.setString("REMOTE_PREFIX", &c.Remote.Prefix)
	env.setDuration("REMOTE_TTL", &c.Remote.TTL)
	env.setString("REMOTE_KIND", &c.Remote.Kind)
	if val := os.Getenv(envPrefix + "REMOTE_BUCKET"); val != "" {
		c.Remote.Kind = RemoteS3
		c.Remote.Bucket = val
		c.Remote.Enabled = true
	}
	env.setString("REMOTE_REGION", &c.Remote.Region)
	env.setString("REMOTE_ENDPOINT", &c.Remote.Endpoint)

	// Monitoring
	env.setBool("METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	env.setString("METRICS_ADDR", &c.Monitoring.Metrics.Address)

	return env.err
}

// envReader applies variables and remembers the first malformed one.
type envReader struct {
	err error
}

func (r *envReader) lookup(name string) (string, bool) {
	val := os.Getenv(envPrefix + name)
	return val, val != "" && r.err == nil
}

func (r *envReader) fail(name, val string, cause error) {
	r.err = errors.NewError(errors.ErrCodeConfigLoad, "invalid environment variable").
		WithDetail("variable", envPrefix+name).
		WithDetail("value", val).
		WithCause(cause)
}

func (r *envReader) setString(name string, dst *string) {
	if val, ok := r.lookup(name); ok {
		*dst = val
	}
}

func (r *envReader) setInt(name string, dst *int) {
	if val, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) setBool(name string, dst *bool) {
	if val, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) setDuration(name string, dst *time.Duration) {
	if val, ok := r.lookup(name); ok {
		d, err := str2duration.ParseDuration(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file
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

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("global.log_level", c.Global.LogLevel, "must be one of TRACE, DEBUG, INFO, WARN, ERROR, FATAL")
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("global.log_format", c.Global.LogFormat, "must be text or json")
	}
	if c.Global.LogMaxSizeMB < 0 || c.Global.LogMaxBackups < 0 {
		return invalid("global.log_rotation", c.Global, "size and backups must not be negative")
	}

	if c.Memory.MaxGenerations < 0 {
		return invalid("memory.max_generations", c.Memory.MaxGenerations, "must not be negative")
	}

	p := c.Persistence
	modes := []string{ModeWriteThrough, ModeBackground, ModeIdle, ModeNone}
	known := false
	for _, mode := range modes {
		if p.Mode == mode {
			known = true
			break
		}
	}
	if !known {
		return invalid("persistence.mode", p.Mode, "must be one of: "+strings.Join(modes, ", "))
	}
	if p.Mode != ModeNone && p.Directory == "" {
		return invalid("persistence.directory", p.Directory, "is required unless mode is none")
	}
	if p.Idle.Timeout < 0 || p.Idle.TimeoutForInitialStore < 0 || p.Idle.TimeoutAfterLargeChanges < 0 {
		return invalid("persistence.idle", p.Idle, "timeouts must not be negative")
	}
	if p.Idle.BatchSize < 0 {
		return invalid("persistence.idle.batch_size", p.Idle.BatchSize, "must not be negative")
	}
	if p.Retry.MaxAttempts < 0 {
		return invalid("persistence.retry.max_attempts", p.Retry.MaxAttempts, "must not be negative")
	}

	switch c.Remote.Kind {
	case "", RemoteRedis:
		if c.Remote.Enabled && c.Remote.Address == "" {
			return invalid("remote.address", c.Remote.Address, "is required when remote is enabled")
		}
	case RemoteS3:
		if c.Remote.Enabled && c.Remote.Bucket == "" {
			return invalid("remote.bucket", c.Remote.Bucket, "is required when the s3 remote is enabled")
		}
	default:
		return invalid("remote.kind", c.Remote.Kind, "must be redis or s3")
	}
	if c.Remote.TTL < 0 {
		return invalid("remote.ttl", c.Remote.TTL, "must not be negative")
	}
	if cb := c.Remote.CircuitBreaker; cb.Enabled && (cb.FailureThreshold < 1 || cb.Timeout <= 0) {
		return invalid("remote.circuit_breaker", cb, "needs a positive failure threshold and timeout")
	}

	return nil
}

func invalid(field string, value interface{}, reason string) error {
	return errors.Newf(errors.ErrCodeConfigValidation, "invalid %s: %s", field, reason).
		WithComponent("config").
		WithDetail("field", field).
		WithDetail("value", value)
}
