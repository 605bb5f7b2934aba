package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bundlecache/bundlecache/pkg/errors"
)

const TestDebugLevel = "DEBUG"

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Memory.MaxGenerations != 5 {
		t.Errorf("Expected MaxGenerations to be 5, got %d", cfg.Memory.MaxGenerations)
	}

	idle := cfg.Persistence.Idle
	if cfg.Persistence.Mode != ModeIdle {
		t.Errorf("Expected idle persistence, got %s", cfg.Persistence.Mode)
	}
	if idle.Timeout != 60*time.Second {
		t.Errorf("Expected idle timeout 60s, got %v", idle.Timeout)
	}
	if idle.TimeoutForInitialStore != 5*time.Second {
		t.Errorf("Expected initial store timeout 5s, got %v", idle.TimeoutForInitialStore)
	}
	if idle.TimeoutAfterLargeChanges != time.Second {
		t.Errorf("Expected large change timeout 1s, got %v", idle.TimeoutAfterLargeChanges)
	}
	if !cfg.Persistence.Compression {
		t.Error("Expected compression to be enabled by default")
	}
	if cfg.Remote.Enabled {
		t.Error("Expected remote tier to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration is invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			modify: func(*Configuration) {},
		},
		{
			name:   "plain memory tier",
			modify: func(cfg *Configuration) { cfg.Memory.MaxGenerations = 0 },
		},
		{
			name: "no persistence needs no directory",
			modify: func(cfg *Configuration) {
				cfg.Persistence.Mode = ModeNone
				cfg.Persistence.Directory = ""
			},
		},
		{
			name:    "invalid log level",
			modify:  func(cfg *Configuration) { cfg.Global.LogLevel = "LOUD" },
			wantErr: true,
			errMsg:  "global.log_level",
		},
		{
			name:    "invalid log format",
			modify:  func(cfg *Configuration) { cfg.Global.LogFormat = "xml" },
			wantErr: true,
			errMsg:  "global.log_format",
		},
		{
			name:    "negative generations",
			modify:  func(cfg *Configuration) { cfg.Memory.MaxGenerations = -1 },
			wantErr: true,
			errMsg:  "memory.max_generations",
		},
		{
			name:    "unknown mode",
			modify:  func(cfg *Configuration) { cfg.Persistence.Mode = "eventually" },
			wantErr: true,
			errMsg:  "persistence.mode",
		},
		{
			name:    "missing directory",
			modify:  func(cfg *Configuration) { cfg.Persistence.Directory = "" },
			wantErr: true,
			errMsg:  "persistence.directory",
		},
		{
			name:    "negative idle timeout",
			modify:  func(cfg *Configuration) { cfg.Persistence.Idle.TimeoutAfterLargeChanges = -time.Second },
			wantErr: true,
			errMsg:  "persistence.idle",
		},
		{
			name:    "negative batch size",
			modify:  func(cfg *Configuration) { cfg.Persistence.Idle.BatchSize = -1 },
			wantErr: true,
			errMsg:  "batch_size",
		},
		{
			name:    "remote without address",
			modify:  func(cfg *Configuration) { cfg.Remote.Enabled = true },
			wantErr: true,
			errMsg:  "remote.address",
		},
		{
			name: "s3 remote without bucket",
			modify: func(cfg *Configuration) {
				cfg.Remote.Enabled = true
				cfg.Remote.Kind = RemoteS3
			},
			wantErr: true,
			errMsg:  "remote.bucket",
		},
		{
			name: "s3 remote needs no address",
			modify: func(cfg *Configuration) {
				cfg.Remote.Enabled = true
				cfg.Remote.Kind = RemoteS3
				cfg.Remote.Bucket = "builds"
			},
		},
		{
			name:    "unknown remote kind",
			modify:  func(cfg *Configuration) { cfg.Remote.Kind = "memcached" },
			wantErr: true,
			errMsg:  "remote.kind",
		},
		{
			name:    "negative remote ttl",
			modify:  func(cfg *Configuration) { cfg.Remote.TTL = -time.Minute },
			wantErr: true,
			errMsg:  "remote.ttl",
		},
		{
			name:    "breaker without threshold",
			modify:  func(cfg *Configuration) { cfg.Remote.CircuitBreaker.FailureThreshold = 0 },
			wantErr: true,
			errMsg:  "remote.circuit_breaker",
		},
		{
			name: "disabled breaker is not checked",
			modify: func(cfg *Configuration) {
				cfg.Remote.CircuitBreaker = CircuitBreakerConfig{}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.HasCode(err, errors.ErrCodeConfigValidation) {
				t.Errorf("Expected CONFIG_VALIDATION, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  log_format: json

memory:
  max_generations: 0

persistence:
  mode: background
  directory: /tmp/build-cache
  compression: false
  idle:
    timeout: 30s

remote:
  enabled: true
  address: localhost:6379
  ttl: 168h
  circuit_breaker:
    failure_threshold: 2
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Memory.MaxGenerations != 0 {
		t.Errorf("Expected MaxGenerations to be 0, got %d", cfg.Memory.MaxGenerations)
	}
	if cfg.Persistence.Mode != ModeBackground {
		t.Errorf("Expected background mode, got %s", cfg.Persistence.Mode)
	}
	if cfg.Persistence.Compression {
		t.Error("Expected compression to be disabled")
	}
	if cfg.Persistence.Idle.Timeout != 30*time.Second {
		t.Errorf("Expected idle timeout 30s, got %v", cfg.Persistence.Idle.Timeout)
	}
	// untouched keys keep their defaults
	if cfg.Persistence.Idle.TimeoutForInitialStore != 5*time.Second {
		t.Errorf("Expected default initial store timeout, got %v", cfg.Persistence.Idle.TimeoutForInitialStore)
	}
	if !cfg.Remote.Enabled || cfg.Remote.Address != "localhost:6379" {
		t.Errorf("Unexpected remote config %+v", cfg.Remote)
	}
	if cfg.Remote.TTL != 7*24*time.Hour {
		t.Errorf("Expected remote TTL 168h, got %v", cfg.Remote.TTL)
	}
	cb := cfg.Remote.CircuitBreaker
	if !cb.Enabled || cb.FailureThreshold != 2 || cb.Timeout != 30*time.Second {
		t.Errorf("Expected breaker threshold override on top of defaults, got %+v", cb)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD for a missing file, got %v", err)
	}

	configFile := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(configFile, []byte("memory: [unterminated"), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	err = cfg.LoadFromFile(configFile)
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD for malformed YAML, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"BUNDLECACHE_LOG_LEVEL":                        "ERROR",
		"BUNDLECACHE_MAX_GENERATIONS":                  "3",
		"BUNDLECACHE_PERSISTENCE_MODE":                 "write-through",
		"BUNDLECACHE_CACHE_DIR":                        "/var/cache/build",
		"BUNDLECACHE_COMPRESSION":                      "false",
		"BUNDLECACHE_IDLE_TIMEOUT":                     "2m",
		"BUNDLECACHE_IDLE_TIMEOUT_AFTER_LARGE_CHANGES": "500ms",
		"BUNDLECACHE_REMOTE_ADDR":                      "redis:6379",
		"BUNDLECACHE_REMOTE_TTL":                       "2d",
		"BUNDLECACHE_METRICS_ADDR":                     ":9102",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Memory.MaxGenerations != 3 {
		t.Errorf("Expected MaxGenerations to be 3, got %d", cfg.Memory.MaxGenerations)
	}
	if cfg.Persistence.Mode != ModeWriteThrough {
		t.Errorf("Expected write-through mode, got %s", cfg.Persistence.Mode)
	}
	if cfg.Persistence.Directory != "/var/cache/build" {
		t.Errorf("Unexpected directory %s", cfg.Persistence.Directory)
	}
	if cfg.Persistence.Compression {
		t.Error("Expected compression to be disabled")
	}
	if cfg.Persistence.Idle.Timeout != 2*time.Minute {
		t.Errorf("Expected idle timeout 2m, got %v", cfg.Persistence.Idle.Timeout)
	}
	if cfg.Persistence.Idle.TimeoutAfterLargeChanges != 500*time.Millisecond {
		t.Errorf("Expected large change timeout 500ms, got %v", cfg.Persistence.Idle.TimeoutAfterLargeChanges)
	}
	if !cfg.Remote.Enabled || cfg.Remote.Address != "redis:6379" {
		t.Errorf("Expected remote enabled at redis:6379, got %+v", cfg.Remote)
	}
	if cfg.Remote.TTL != 48*time.Hour {
		t.Errorf("Expected remote TTL 48h, got %v", cfg.Remote.TTL)
	}
	if cfg.Monitoring.Metrics.Address != ":9102" {
		t.Errorf("Unexpected metrics address %s", cfg.Monitoring.Metrics.Address)
	}
}

func TestLoadFromEnvS3Remote(t *testing.T) {
	t.Setenv("BUNDLECACHE_REMOTE_BUCKET", "builds")
	t.Setenv("BUNDLECACHE_REMOTE_REGION", "eu-west-1")
	t.Setenv("BUNDLECACHE_REMOTE_ENDPOINT", "http://minio:9000")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if !cfg.Remote.Enabled || cfg.Remote.Kind != RemoteS3 || cfg.Remote.Bucket != "builds" {
		t.Errorf("Expected s3 remote on bucket builds, got %+v", cfg.Remote)
	}
	if cfg.Remote.Region != "eu-west-1" || cfg.Remote.Endpoint != "http://minio:9000" {
		t.Errorf("Unexpected s3 location %+v", cfg.Remote)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"BUNDLECACHE_MAX_GENERATIONS", "many"},
		{"BUNDLECACHE_COMPRESSION", "sometimes"},
		{"BUNDLECACHE_IDLE_TIMEOUT", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.name, tt.value)
			err := NewDefault().LoadFromEnv()
			if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
				t.Fatalf("Expected CONFIG_LOAD, got %v", err)
			}
			if !strings.Contains(err.(*errors.BundleCacheError).String(), tt.name) {
				t.Errorf("Error does not name the variable: %v", err)
			}
		})
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "subdir", "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = TestDebugLevel
	cfg.Persistence.Mode = ModeBackground

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if newCfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if newCfg.Persistence.Mode != ModeBackground {
		t.Errorf("Expected background mode, got %s", newCfg.Persistence.Mode)
	}
	if newCfg.Persistence.Idle.Timeout != 60*time.Second {
		t.Errorf("Expected idle timeout to round-trip, got %v", newCfg.Persistence.Idle.Timeout)
	}
}
