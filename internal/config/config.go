// Package config bootstraps the daemon's own process-level settings.
// Rich config-file parsing and validation is an external-collaborator
// concern (see SPEC_FULL.md §1/§7.1); this package only loads enough to
// start the worker pool, scheduler, registry, and store, following the
// teacher's am package shape (viper + mapstructure tags) without its full
// multi-source merge/validate/hot-reload machinery.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// Config is the daemon's bootstrap configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
}

// DatabaseConfig configures the SQLite-backed store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerPoolConfig configures the worker process pool.
type WorkerPoolConfig struct {
	Workers          int           `mapstructure:"workers"`
	WorkerBinaryPath string        `mapstructure:"worker_binary_path"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RestartBackoffCap time.Duration `mapstructure:"restart_backoff_cap"`
}

// SchedulerConfig holds the cron ticker setting. TickInterval is loaded but
// not applied: the scheduler always polls at its fixed
// scheduler.TickInterval (1s).
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// RegistryConfig configures task discovery. WatchDebounce is loaded but not
// applied: the filesystem watcher uses a fixed 250ms debounce.
type RegistryConfig struct {
	FilesystemRoots []string      `mapstructure:"filesystem_roots"`
	HTTPIndexURLs   []string      `mapstructure:"http_index_urls"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	CacheCapacity   int           `mapstructure:"cache_capacity"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
}

// DispatcherConfig configures the claim/execute/record/deliver loop.
type DispatcherConfig struct {
	GracePeriod          time.Duration `mapstructure:"grace_period"`
	StuckClaimThreshold  time.Duration `mapstructure:"stuck_claim_threshold"`
	DefaultExecutionDeadline time.Duration `mapstructure:"default_execution_deadline"`
}

// envPrefix is the environment variable prefix for this daemon, following
// the teacher's "QNTX_"-prefixed convention (am/load.go), renamed for this
// module.
const envPrefix = "RATCHET"

// Load reads configuration from (in ascending precedence) built-in
// defaults, an optional config file, and environment variables prefixed
// with RATCHET_.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrapf(err, "read config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "ratchet.db")

	v.SetDefault("worker_pool.workers", 0) // 0 => runtime.NumCPU() at construction
	v.SetDefault("worker_pool.worker_binary_path", "ratchet-worker")
	v.SetDefault("worker_pool.heartbeat_interval", 30*time.Second)
	v.SetDefault("worker_pool.restart_backoff_cap", 30*time.Second)

	v.SetDefault("scheduler.tick_interval", 1*time.Second)

	v.SetDefault("registry.poll_interval", 30*time.Second)
	v.SetDefault("registry.cache_capacity", 100)
	v.SetDefault("registry.watch_debounce", 250*time.Millisecond)

	v.SetDefault("dispatcher.grace_period", 30*time.Second)
	v.SetDefault("dispatcher.stuck_claim_threshold", 5*time.Minute)
	v.SetDefault("dispatcher.default_execution_deadline", 300*time.Second)
}
