package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration that decodes from strings such as "30s" in
// JSON, YAML and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// PortsConfig is the range workers are given ports from.
type PortsConfig struct {
	Host  string `json:"host" yaml:"host" toml:"host"`
	Start int    `json:"start" yaml:"start" toml:"start"`
	End   int    `json:"end" yaml:"end" toml:"end"`
}

// StoreConfig selects the registry backend: memory, sqlite or redis.
type StoreConfig struct {
	Driver      string `json:"driver" yaml:"driver" toml:"driver"`
	SQLitePath  string `json:"sqlite_path" yaml:"sqlite_path" toml:"sqlite_path"`
	RedisURL    string `json:"redis_url" yaml:"redis_url" toml:"redis_url"`
	RedisPrefix string `json:"redis_prefix" yaml:"redis_prefix" toml:"redis_prefix"`
}

type TimeoutsConfig struct {
	Fetch          Duration `json:"fetch" yaml:"fetch" toml:"fetch"`
	Load           Duration `json:"load" yaml:"load" toml:"load"`
	Startup        Duration `json:"startup" yaml:"startup" toml:"startup"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	Health         Duration `json:"health" yaml:"health" toml:"health"`
	StopGrace      Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
	RemoveWait     Duration `json:"remove_wait" yaml:"remove_wait" toml:"remove_wait"`
	Shutdown       Duration `json:"shutdown" yaml:"shutdown" toml:"shutdown"`
}

// LimitsConfig holds admission limits. Zero means unlimited.
type LimitsConfig struct {
	MaxConcurrentTasks int `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks" toml:"max_concurrent_tasks"`
	MaxActive          int `json:"max_active" yaml:"max_active" toml:"max_active"`
	MemoryBudgetMB     int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MaxWorkers         int `json:"max_workers" yaml:"max_workers" toml:"max_workers"`
	UnhealthyThreshold int `json:"unhealthy_threshold" yaml:"unhealthy_threshold" toml:"unhealthy_threshold"`
}

type ProgressConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	MaxMissed         int      `json:"max_missed" yaml:"max_missed" toml:"max_missed"`
	BufferSize        int      `json:"buffer_size" yaml:"buffer_size" toml:"buffer_size"`
}

type HTTPConfig struct {
	APIPrefix    string   `json:"api_prefix" yaml:"api_prefix" toml:"api_prefix"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

type HFConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Token    string `json:"token" yaml:"token" toml:"token"`
}

type S3Settings struct {
	Region          string `json:"region" yaml:"region" toml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key" toml:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style" toml:"use_path_style"`
	Enabled         bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// TemplateConfig describes how to launch a worker for one model kind.
type TemplateConfig struct {
	Command    string   `json:"command" yaml:"command" toml:"command"`
	Args       []string `json:"args" yaml:"args" toml:"args"`
	Env        []string `json:"env" yaml:"env" toml:"env"`
	Dir        string   `json:"dir" yaml:"dir" toml:"dir"`
	HealthPath string   `json:"health_path" yaml:"health_path" toml:"health_path"`
	Extensions []string `json:"extensions" yaml:"extensions" toml:"extensions"`
	Check      []string `json:"check" yaml:"check" toml:"check"`
}

// Config holds runtime parameters for the service.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	CacheDir  string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	LogDir    string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	DefaultDevice         string `json:"default_device" yaml:"default_device" toml:"default_device"`
	StopWorkersOnShutdown bool   `json:"stop_workers_on_shutdown" yaml:"stop_workers_on_shutdown" toml:"stop_workers_on_shutdown"`

	Ports    PortsConfig    `json:"ports" yaml:"ports" toml:"ports"`
	Store    StoreConfig    `json:"store" yaml:"store" toml:"store"`
	Timeouts TimeoutsConfig `json:"timeouts" yaml:"timeouts" toml:"timeouts"`
	Limits   LimitsConfig   `json:"limits" yaml:"limits" toml:"limits"`
	Progress ProgressConfig `json:"progress" yaml:"progress" toml:"progress"`
	HTTP     HTTPConfig     `json:"http" yaml:"http" toml:"http"`
	HF       HFConfig       `json:"hf" yaml:"hf" toml:"hf"`
	S3       S3Settings     `json:"s3" yaml:"s3" toml:"s3"`

	// Templates are keyed by model kind. Empty uses the built-in templates.
	Templates map[string]TemplateConfig `json:"templates" yaml:"templates" toml:"templates"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:      ":8080",
		ModelsDir: "~/models",
		CacheDir:  "~/.cache/deployd/artifacts",
		LogDir:    "~/.cache/deployd/logs",
		LogLevel:  "info",
		LogFormat: "json",

		DefaultDevice:         "cpu",
		StopWorkersOnShutdown: true,

		Ports: PortsConfig{Host: "127.0.0.1", Start: 8100, End: 8199},
		Store: StoreConfig{Driver: "memory", SQLitePath: "deployd.db", RedisPrefix: "deployd"},
		Timeouts: TimeoutsConfig{
			Fetch:          Duration(30 * time.Minute),
			Load:           Duration(2 * time.Minute),
			Startup:        Duration(60 * time.Second),
			HealthInterval: Duration(10 * time.Second),
			Health:         Duration(2 * time.Second),
			StopGrace:      Duration(10 * time.Second),
			RemoveWait:     Duration(30 * time.Second),
			Shutdown:       Duration(15 * time.Second),
		},
		Limits:   LimitsConfig{MaxConcurrentTasks: 4, UnhealthyThreshold: 3},
		Progress: ProgressConfig{HeartbeatInterval: Duration(15 * time.Second), MaxMissed: 3, BufferSize: 64},
		HTTP:     HTTPConfig{APIPrefix: "/api/v1", MaxBodyBytes: 1 << 20},
	}
}

var (
	validDrivers = map[string]bool{"memory": true, "sqlite": true, "redis": true}
	validFormats = map[string]bool{"json": true, "console": true}
	validLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
)

// Validate reports every out-of-range value at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Addr == "" {
		bad("addr is required")
	}
	if c.Ports.Start < 1 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		bad("ports: invalid range %d-%d", c.Ports.Start, c.Ports.End)
	}
	if !validDrivers[c.Store.Driver] {
		bad("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		bad("store.sqlite_path is required for the sqlite driver")
	}
	if c.Store.Driver == "redis" && c.Store.RedisURL == "" {
		bad("store.redis_url is required for the redis driver")
	}
	if !validFormats[c.LogFormat] {
		bad("log_format: want json or console, got %q", c.LogFormat)
	}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		bad("log_level: unknown level %q", c.LogLevel)
	}
	for name, d := range map[string]Duration{
		"fetch": c.Timeouts.Fetch, "load": c.Timeouts.Load, "startup": c.Timeouts.Startup,
		"health_interval": c.Timeouts.HealthInterval, "health": c.Timeouts.Health,
		"stop_grace": c.Timeouts.StopGrace, "remove_wait": c.Timeouts.RemoveWait, "shutdown": c.Timeouts.Shutdown,
	} {
		if d < 0 {
			bad("timeouts.%s: must not be negative", name)
		}
	}
	for name, v := range map[string]int{
		"max_concurrent_tasks": c.Limits.MaxConcurrentTasks, "max_active": c.Limits.MaxActive,
		"memory_budget_mb": c.Limits.MemoryBudgetMB, "max_workers": c.Limits.MaxWorkers,
		"unhealthy_threshold": c.Limits.UnhealthyThreshold,
	} {
		if v < 0 {
			bad("limits.%s: must not be negative", name)
		}
	}
	if c.Progress.HeartbeatInterval < 0 || c.Progress.MaxMissed < 0 || c.Progress.BufferSize < 0 {
		bad("progress: values must not be negative")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		bad("http.max_body_bytes: must not be negative")
	}
	for kind, t := range c.Templates {
		if strings.TrimSpace(t.Command) == "" {
			bad("templates.%s: command is required", kind)
		}
	}
	return errors.Join(errs...)
}
