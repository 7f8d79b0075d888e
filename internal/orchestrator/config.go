package orchestrator

import "time"

// Defaults applied when corresponding Config fields are unset.
const (
	defaultFetchTimeout       = 30 * time.Minute
	defaultLoadTimeout        = 2 * time.Minute
	defaultStartupTimeout     = 60 * time.Second
	defaultHealthInterval     = 10 * time.Second
	defaultHealthTimeout      = 2 * time.Second
	defaultUnhealthyThreshold = 3
	defaultStopGrace          = 10 * time.Second
	defaultRemoveWait         = 30 * time.Second
	defaultMaxConcurrentTasks = 4
	defaultDevice             = "cpu"
)

// Config holds the orchestrator tunables. Zero values take the defaults
// above; the admission limits stay unlimited at zero.
type Config struct {
	FetchTimeout   time.Duration
	LoadTimeout    time.Duration
	StartupTimeout time.Duration

	HealthInterval     time.Duration
	HealthTimeout      time.Duration
	UnhealthyThreshold int

	StopGrace  time.Duration
	RemoveWait time.Duration

	// MaxConcurrentTasks bounds deployments running the pipeline at once;
	// the rest wait in Pending.
	MaxConcurrentTasks   int
	MaxActiveDeployments int
	MemoryBudgetMB       int
	MaxWorkers           int

	// DefaultDevice replaces "auto" when no accelerator is visible.
	DefaultDevice         string
	StopWorkersOnShutdown bool

	// Informational, reported by SystemInfo.
	CacheDir    string
	StoreDriver string
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.RemoveWait <= 0 {
		c.RemoveWait = defaultRemoveWait
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.DefaultDevice == "" || c.DefaultDevice == "auto" {
		c.DefaultDevice = defaultDevice
	}
	return c
}
