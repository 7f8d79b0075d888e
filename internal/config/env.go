package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFile is read by ApplyEnv when present. Variables already set in the
// process environment win over the file.
var EnvFile = ".env"

type envVar struct {
	key string
	set func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error { return dst(c).UnmarshalText([]byte(v)) }
}

// Later entries override earlier ones, so the DEPLOYD_ names come last.
var envVars = []envVar{
	{"DEPLOYD_ADDR", str(func(c *Config) *string { return &c.Addr })},
	{"DEPLOYD_MODELS_DIR", str(func(c *Config) *string { return &c.ModelsDir })},
	{"DEPLOYD_CACHE_DIR", str(func(c *Config) *string { return &c.CacheDir })},
	{"DEPLOYD_LOG_DIR", str(func(c *Config) *string { return &c.LogDir })},
	{"DEPLOYD_LOG_LEVEL", str(func(c *Config) *string { return &c.LogLevel })},
	{"DEPLOYD_LOG_FORMAT", str(func(c *Config) *string { return &c.LogFormat })},
	{"DEPLOYD_DEFAULT_DEVICE", str(func(c *Config) *string { return &c.DefaultDevice })},
	{"DEPLOYD_STOP_WORKERS_ON_SHUTDOWN", boolean(func(c *Config) *bool { return &c.StopWorkersOnShutdown })},

	{"DEPLOYD_PORT_HOST", str(func(c *Config) *string { return &c.Ports.Host })},
	{"DEPLOYD_PORT_START", integer(func(c *Config) *int { return &c.Ports.Start })},
	{"DEPLOYD_PORT_END", integer(func(c *Config) *int { return &c.Ports.End })},

	{"DEPLOYD_STORE", str(func(c *Config) *string { return &c.Store.Driver })},
	{"DEPLOYD_SQLITE_PATH", str(func(c *Config) *string { return &c.Store.SQLitePath })},
	{"DEPLOYD_REDIS_URL", str(func(c *Config) *string { return &c.Store.RedisURL })},
	{"DEPLOYD_REDIS_PREFIX", str(func(c *Config) *string { return &c.Store.RedisPrefix })},

	{"DEPLOYD_FETCH_TIMEOUT", duration(func(c *Config) *Duration { return &c.Timeouts.Fetch })},
	{"DEPLOYD_LOAD_TIMEOUT", duration(func(c *Config) *Duration { return &c.Timeouts.Load })},
	{"DEPLOYD_STARTUP_TIMEOUT", duration(func(c *Config) *Duration { return &c.Timeouts.Startup })},
	{"DEPLOYD_HEALTH_INTERVAL", duration(func(c *Config) *Duration { return &c.Timeouts.HealthInterval })},
	{"DEPLOYD_STOP_GRACE", duration(func(c *Config) *Duration { return &c.Timeouts.StopGrace })},
	{"DEPLOYD_SHUTDOWN_TIMEOUT", duration(func(c *Config) *Duration { return &c.Timeouts.Shutdown })},

	{"DEPLOYD_MAX_CONCURRENT_TASKS", integer(func(c *Config) *int { return &c.Limits.MaxConcurrentTasks })},
	{"DEPLOYD_MAX_ACTIVE", integer(func(c *Config) *int { return &c.Limits.MaxActive })},
	{"DEPLOYD_MEMORY_BUDGET_MB", integer(func(c *Config) *int { return &c.Limits.MemoryBudgetMB })},
	{"DEPLOYD_MAX_WORKERS", integer(func(c *Config) *int { return &c.Limits.MaxWorkers })},

	{"DEPLOYD_HEARTBEAT_INTERVAL", duration(func(c *Config) *Duration { return &c.Progress.HeartbeatInterval })},
	{"DEPLOYD_HEARTBEAT_MAX_MISSED", integer(func(c *Config) *int { return &c.Progress.MaxMissed })},

	{"DEPLOYD_API_PREFIX", str(func(c *Config) *string { return &c.HTTP.APIPrefix })},
	{"DEPLOYD_CORS_ENABLED", boolean(func(c *Config) *bool { return &c.HTTP.CORSEnabled })},
	{"DEPLOYD_CORS_ORIGINS", func(c *Config, v string) error { c.HTTP.CORSOrigins = splitCSV(v); return nil }},

	{"HF_ENDPOINT", str(func(c *Config) *string { return &c.HF.Endpoint })},
	{"HUGGINGFACE_TOKEN", str(func(c *Config) *string { return &c.HF.Token })},
	{"HF_TOKEN", str(func(c *Config) *string { return &c.HF.Token })},
	{"DEPLOYD_HF_ENDPOINT", str(func(c *Config) *string { return &c.HF.Endpoint })},
	{"DEPLOYD_HF_TOKEN", str(func(c *Config) *string { return &c.HF.Token })},

	{"AWS_REGION", str(func(c *Config) *string { return &c.S3.Region })},
	{"AWS_ENDPOINT_URL_S3", str(func(c *Config) *string { return &c.S3.Endpoint })},
	{"AWS_ACCESS_KEY_ID", str(func(c *Config) *string { return &c.S3.AccessKeyID })},
	{"AWS_SECRET_ACCESS_KEY", str(func(c *Config) *string { return &c.S3.SecretAccessKey })},
	{"DEPLOYD_S3_ENABLED", boolean(func(c *Config) *bool { return &c.S3.Enabled })},
	{"DEPLOYD_S3_PATH_STYLE", boolean(func(c *Config) *bool { return &c.S3.UsePathStyle })},
}

// ApplyEnv loads EnvFile if it exists, then overrides c from the environment.
// Malformed values are reported together; valid ones are still applied.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", EnvFile, err)
	}
	var errs []error
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.key)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.key, err))
		}
	}
	return errors.Join(errs...)
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
