// Package config loads udsd's hierarchical configuration through
// github.com/spf13/viper: a YAML file read into mapstructure-tagged
// section structs, with environment-variable overrides layered on top
// and a Validate pass before the value is handed to the rest of the
// process.
//
// The Core section's field names and defaults are the 20 scheduling
// and limit keys (CACHE_CHECK_DELAY, MAX_PREPARING_SERVICES,
// RESTRAINT_TIME, ...) udsd has always exposed as top-level settings.
// They become YAML keys here, each with an env-var alias to its
// historical uppercase name, so an operator carrying over settings
// from an older deployment doesn't have to relearn them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is udsd's full runtime configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Core     CoreConfig     `mapstructure:"core"`
}

// DatabaseConfig points at the Postgres store and its migrations.
type DatabaseConfig struct {
	DSN           string `mapstructure:"dsn"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// ServerConfig identifies this host and where it exposes metrics.
type ServerConfig struct {
	HostName    string `mapstructure:"hostname"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LogConfig controls internal/log's zerolog setup.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// CoreConfig holds the scheduling cadences and limits that govern the
// cache updater, deferred deletion, and login-throttling behavior.
type CoreConfig struct {
	CacheCheckDelay        time.Duration `mapstructure:"cache_check_delay"`
	DelayedTasksThreads    int           `mapstructure:"delayed_tasks_threads"`
	SchedulerThreads       int           `mapstructure:"scheduler_threads"`
	CleanupCheck           time.Duration `mapstructure:"cleanup_check"`
	KeepInfoTime           time.Duration `mapstructure:"keep_info_time"`
	MaxPreparingServices   int           `mapstructure:"max_preparing_services"`
	MaxRemovingServices    int           `mapstructure:"max_removing_services"`
	IgnoreLimits           bool          `mapstructure:"ignore_limits"`
	UserServiceCleanNumber int           `mapstructure:"user_service_clean_number"`
	RemovalCheck           time.Duration `mapstructure:"removal_check"`
	MaxInitializingTime    time.Duration `mapstructure:"max_initializing_time"`
	MaxLogsPerElement      int           `mapstructure:"max_logs_per_element"`
	RestraintTime          time.Duration `mapstructure:"restraint_time"`
	RestraintCount         int           `mapstructure:"restraint_count"`
	CheckUnusedTime        time.Duration `mapstructure:"check_unused_time"`
	ExclusiveLogout        bool          `mapstructure:"exclusive_logout"`
	NotifyRemovalByPub     bool          `mapstructure:"notify_removal_by_pub"`
	MaxLoginTries          int           `mapstructure:"max_login_tries"`
	LoginBlock             time.Duration `mapstructure:"login_block"`
	AutorunService         bool          `mapstructure:"autorun_service"`
}

// envAliases binds each setting's historical uppercase key name
// directly to its core.* viper key, on top of the automatic
// UDSD_CORE_* binding every field already gets.
var envAliases = map[string]string{
	"CACHE_CHECK_DELAY":         "core.cache_check_delay",
	"DELAYED_TASKS_THREADS":     "core.delayed_tasks_threads",
	"SCHEDULER_THREADS":         "core.scheduler_threads",
	"CLEANUP_CHECK":             "core.cleanup_check",
	"KEEP_INFO_TIME":            "core.keep_info_time",
	"MAX_PREPARING_SERVICES":    "core.max_preparing_services",
	"MAX_REMOVING_SERVICES":     "core.max_removing_services",
	"IGNORE_LIMITS":             "core.ignore_limits",
	"USER_SERVICE_CLEAN_NUMBER": "core.user_service_clean_number",
	"REMOVAL_CHECK":             "core.removal_check",
	"MAX_INITIALIZING_TIME":     "core.max_initializing_time",
	"MAX_LOGS_PER_ELEMENT":      "core.max_logs_per_element",
	"RESTRAINT_TIME":            "core.restraint_time",
	"RESTRAINT_COUNT":           "core.restraint_count",
	"CHECK_UNUSED_TIME":         "core.check_unused_time",
	"EXCLUSIVE_LOGOUT":          "core.exclusive_logout",
	"NOTIFY_REMOVAL_BY_PUB":     "core.notify_removal_by_pub",
	"MAX_LOGIN_TRIES":           "core.max_login_tries",
	"LOGIN_BLOCK":               "core.login_block",
	"AUTORUN_SERVICE":           "core.autorun_service",
}

// Load reads path (if non-empty) as a YAML config file, layers
// UDSD_*-prefixed and spec-named environment overrides on top, and
// validates the result. An empty path is valid: defaults plus
// environment variables alone can run the daemon.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UDSD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for env, key := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrations_dir", "internal/dbstore/migrations")

	v.SetDefault("server.hostname", "")
	v.SetDefault("server.metrics_addr", "127.0.0.1:9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	// Defaults mirror udsd's long-standing factory-default settings,
	// translated to Go durations.
	v.SetDefault("core.cache_check_delay", "20s")
	v.SetDefault("core.delayed_tasks_threads", 5)
	v.SetDefault("core.scheduler_threads", 3)
	v.SetDefault("core.cleanup_check", "1h")
	v.SetDefault("core.keep_info_time", "168h") // 7 days
	v.SetDefault("core.max_preparing_services", 15)
	v.SetDefault("core.max_removing_services", 15)
	v.SetDefault("core.ignore_limits", false)
	v.SetDefault("core.user_service_clean_number", 8)
	v.SetDefault("core.removal_check", "5m")
	v.SetDefault("core.max_initializing_time", "3h")
	v.SetDefault("core.max_logs_per_element", 100)
	v.SetDefault("core.restraint_time", "10m")
	v.SetDefault("core.restraint_count", 3)
	v.SetDefault("core.check_unused_time", "10m")
	v.SetDefault("core.exclusive_logout", false)
	v.SetDefault("core.notify_removal_by_pub", false)
	v.SetDefault("core.max_login_tries", 3)
	v.SetDefault("core.login_block", "5m")
	v.SetDefault("core.autorun_service", false)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set UDSD_DATABASE_DSN or database.dsn in the config file)")
	}
	if c.Core.SchedulerThreads < 1 {
		return fmt.Errorf("core.scheduler_threads must be at least 1, got %d", c.Core.SchedulerThreads)
	}
	if c.Core.DelayedTasksThreads < 1 {
		return fmt.Errorf("core.delayed_tasks_threads must be at least 1, got %d", c.Core.DelayedTasksThreads)
	}
	if c.Core.MaxLoginTries < 1 {
		return fmt.Errorf("core.max_login_tries must be at least 1, got %d", c.Core.MaxLoginTries)
	}
	return nil
}
