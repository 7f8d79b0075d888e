package config

import (
	"github.com/rs/zerolog"

	"deployd/internal/artifact"
	"deployd/internal/orchestrator"
	"deployd/internal/progress"
	"deployd/internal/worker"
)

// WorkerTemplates returns the configured templates, or the built-in ones
// when none are configured.
func (c Config) WorkerTemplates() map[string]worker.Template {
	if len(c.Templates) == 0 {
		return worker.DefaultTemplates()
	}
	out := make(map[string]worker.Template, len(c.Templates))
	for kind, t := range c.Templates {
		hp := t.HealthPath
		if hp == "" {
			hp = "/health"
		}
		out[kind] = worker.Template{
			Command:    t.Command,
			Args:       append([]string(nil), t.Args...),
			Env:        append([]string(nil), t.Env...),
			Dir:        t.Dir,
			HealthPath: hp,
			Extensions: append([]string(nil), t.Extensions...),
			Check:      append([]string(nil), t.Check...),
		}
	}
	return out
}

func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		FetchTimeout:          c.Timeouts.Fetch.Std(),
		LoadTimeout:           c.Timeouts.Load.Std(),
		StartupTimeout:        c.Timeouts.Startup.Std(),
		HealthInterval:        c.Timeouts.HealthInterval.Std(),
		HealthTimeout:         c.Timeouts.Health.Std(),
		UnhealthyThreshold:    c.Limits.UnhealthyThreshold,
		StopGrace:             c.Timeouts.StopGrace.Std(),
		RemoveWait:            c.Timeouts.RemoveWait.Std(),
		MaxConcurrentTasks:    c.Limits.MaxConcurrentTasks,
		MaxActiveDeployments:  c.Limits.MaxActive,
		MemoryBudgetMB:        c.Limits.MemoryBudgetMB,
		MaxWorkers:            c.Limits.MaxWorkers,
		DefaultDevice:         c.DefaultDevice,
		StopWorkersOnShutdown: c.StopWorkersOnShutdown,
		CacheDir:              c.CacheDir,
		StoreDriver:           c.Store.Driver,
	}
}

func (c Config) ProgressOptions(log zerolog.Logger) progress.Options {
	return progress.Options{
		BufferSize:        c.Progress.BufferSize,
		HeartbeatInterval: c.Progress.HeartbeatInterval.Std(),
		MaxMissed:         c.Progress.MaxMissed,
		Logger:            log,
	}
}

// S3Config returns the S3 source settings. ok is false when S3 is neither
// enabled nor given credentials or an endpoint.
func (c Config) S3Config() (cfg artifact.S3Config, ok bool) {
	s := c.S3
	cfg = artifact.S3Config{
		Endpoint:        s.Endpoint,
		Region:          s.Region,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		UsePathStyle:    s.UsePathStyle,
	}
	return cfg, s.Enabled || s.Endpoint != "" || s.AccessKeyID != ""
}

// HFSource builds the hf:// source with the configured endpoint and token.
func (c Config) HFSource(userAgent string) *artifact.HFSource {
	return &artifact.HFSource{
		HTTP:     &artifact.HTTPSource{Token: c.HF.Token, UserAgent: userAgent},
		Endpoint: c.HF.Endpoint,
	}
}
