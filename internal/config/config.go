package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is built once by Load
// and handed to every component constructor; nothing mutates it afterwards.
type Config struct {
	Feed       FeedConfig       `yaml:"feed" mapstructure:"feed"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Watchdog   WatchdogConfig   `yaml:"watchdog" mapstructure:"watchdog"`
	Workers    WorkersConfig    `yaml:"workers" mapstructure:"workers"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Daemon     bool             `yaml:"daemon" mapstructure:"daemon"`
	Pidfile    string           `yaml:"pidfile" mapstructure:"pidfile"`
}

// FeedConfig configures the OpenProcurement feed client.
type FeedConfig struct {
	HostURL     string      `yaml:"host_url" mapstructure:"host_url"`
	APIVersion  string      `yaml:"api_version" mapstructure:"api_version"`
	Key         string      `yaml:"key" mapstructure:"key"`
	Resource    string      `yaml:"resource" mapstructure:"resource"`
	Feed        string      `yaml:"feed" mapstructure:"feed"`
	Mode        string      `yaml:"mode" mapstructure:"mode"`
	Limit       int         `yaml:"limit" mapstructure:"limit"`
	TimeoutSecs int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64     `yaml:"rate_limit" mapstructure:"rate_limit"`
	UserAgent   string      `yaml:"user_agent" mapstructure:"user_agent"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig holds the backoff settings applied to every feed call.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver             string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL        string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns           int    `yaml:"max_conns" mapstructure:"max_conns"`
	ReconnectDelaySecs int    `yaml:"reconnect_delay_secs" mapstructure:"reconnect_delay_secs"`
}

// SyncConfig configures the synchronization loop and cursor.
type SyncConfig struct {
	SkipUntil         string `yaml:"skip_until" mapstructure:"skip_until"`
	UseCache          bool   `yaml:"use_cache" mapstructure:"use_cache"`
	StoreClaim        bool   `yaml:"store_claim" mapstructure:"store_claim"`
	StoreDraft        bool   `yaml:"store_draft" mapstructure:"store_draft"`
	Rewind            bool   `yaml:"rewind" mapstructure:"rewind"`
	RewindDays        int    `yaml:"rewind_days" mapstructure:"rewind_days"`
	ResetHour         int    `yaml:"reset_hour" mapstructure:"reset_hour"`
	ClearCacheWeekday int    `yaml:"clear_cache_weekday" mapstructure:"clear_cache_weekday"`
	PageSleepSecs     int    `yaml:"page_sleep_secs" mapstructure:"page_sleep_secs"`
	IdleSleepSecs     int    `yaml:"idle_sleep_secs" mapstructure:"idle_sleep_secs"`
	ErrorThreshold    int    `yaml:"error_threshold" mapstructure:"error_threshold"`
	ResetAttempts     int    `yaml:"reset_attempts" mapstructure:"reset_attempts"`
	ResetDelaySecs    int    `yaml:"reset_delay_secs" mapstructure:"reset_delay_secs"`
}

// WatchdogConfig configures the liveness watchdog. A zero timeout disables it.
type WatchdogConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	GraceSecs   int `yaml:"grace_secs" mapstructure:"grace_secs"`
}

// WorkersConfig configures the process supervisor.
type WorkersConfig struct {
	Count            int `yaml:"count" mapstructure:"count"`
	RestartDelaySecs int `yaml:"restart_delay_secs" mapstructure:"restart_delay_secs"`
	StopGraceSecs    int `yaml:"stop_grace_secs" mapstructure:"stop_grace_secs"`
}

// ServerConfig configures the optional status HTTP server.
type ServerConfig struct {
	Addr        string   `yaml:"addr" mapstructure:"addr"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background alert checker run by the
// supervisor.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleAfterSecs    int    `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// Load reads configuration from an optional .env file, the config file and
// the environment. An empty path searches the working directory for
// config.yaml.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("COMPLAINTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("feed.host_url", "https://public.api.openprocurement.org")
	v.SetDefault("feed.api_version", "2.5")
	v.SetDefault("feed.key", "")
	v.SetDefault("feed.resource", "tenders")
	v.SetDefault("feed.feed", "changes")
	v.SetDefault("feed.mode", "")
	v.SetDefault("feed.limit", 100)
	v.SetDefault("feed.timeout_secs", 30)
	v.SetDefault("feed.rate_limit", 10.0)
	v.SetDefault("feed.user_agent", "complaints-queue/1.0")
	v.SetDefault("feed.retry.max_attempts", 5)
	v.SetDefault("feed.retry.initial_backoff_ms", 5000)
	v.SetDefault("feed.retry.max_backoff_ms", 60000)
	v.SetDefault("feed.retry.multiplier", 2.0)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.reconnect_delay_secs", 5)

	v.SetDefault("sync.skip_until", "")
	v.SetDefault("sync.use_cache", false)
	v.SetDefault("sync.store_claim", false)
	v.SetDefault("sync.store_draft", false)
	v.SetDefault("sync.rewind", true)
	v.SetDefault("sync.rewind_days", 1)
	v.SetDefault("sync.reset_hour", 3)
	v.SetDefault("sync.clear_cache_weekday", -1)
	v.SetDefault("sync.page_sleep_secs", 1)
	v.SetDefault("sync.idle_sleep_secs", 10)
	v.SetDefault("sync.error_threshold", 5)
	v.SetDefault("sync.reset_attempts", 5)
	v.SetDefault("sync.reset_delay_secs", 10)

	v.SetDefault("watchdog.timeout_secs", 600)
	v.SetDefault("watchdog.grace_secs", 5)

	v.SetDefault("workers.count", 0)
	v.SetDefault("workers.restart_delay_secs", 1)
	v.SetDefault("workers.stop_grace_secs", 10)

	v.SetDefault("daemon", false)
	v.SetDefault("pidfile", "")
	v.SetDefault("server.addr", "")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_after_secs", 1800)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	// Read config file (optional when searching, required when named)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate replaces out-of-range values with safe defaults and returns one
// warning per substitution. Configuration problems are never fatal.
func (c *Config) Validate() []string {
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	switch c.Feed.Feed {
	case "changes", "dateModified":
	default:
		warn("unknown feed type %q, using \"changes\"", c.Feed.Feed)
		c.Feed.Feed = "changes"
	}
	switch c.Feed.Mode {
	case "", "test", "_all_":
	default:
		warn("unknown feed mode %q, using default", c.Feed.Mode)
		c.Feed.Mode = ""
	}
	if c.Feed.Limit <= 0 || c.Feed.Limit > 1000 {
		warn("feed.limit %d out of range, using 100", c.Feed.Limit)
		c.Feed.Limit = 100
	}
	if c.Feed.TimeoutSecs <= 0 {
		warn("feed.timeout_secs %d invalid, using 30", c.Feed.TimeoutSecs)
		c.Feed.TimeoutSecs = 30
	}
	if c.Feed.RateLimit <= 0 {
		warn("feed.rate_limit %.2f invalid, using 10", c.Feed.RateLimit)
		c.Feed.RateLimit = 10
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		warn("unknown store driver %q, using \"postgres\"", c.Store.Driver)
		c.Store.Driver = "postgres"
	}

	if c.Sync.ResetHour < -1 || c.Sync.ResetHour > 23 {
		warn("sync.reset_hour %d out of range, disabling scheduled reset", c.Sync.ResetHour)
		c.Sync.ResetHour = -1
	}
	if c.Sync.ClearCacheWeekday < -1 || c.Sync.ClearCacheWeekday > 6 {
		warn("sync.clear_cache_weekday %d out of range, disabling cache clear", c.Sync.ClearCacheWeekday)
		c.Sync.ClearCacheWeekday = -1
	}
	if c.Sync.SkipUntil != "" && len(c.Sync.SkipUntil) < 10 {
		warn("sync.skip_until %q is not an ISO date, ignoring", c.Sync.SkipUntil)
		c.Sync.SkipUntil = ""
	}
	if c.Sync.ErrorThreshold <= 0 {
		warn("sync.error_threshold %d invalid, using 5", c.Sync.ErrorThreshold)
		c.Sync.ErrorThreshold = 5
	}
	if c.Sync.ResetAttempts <= 0 {
		warn("sync.reset_attempts %d invalid, using 5", c.Sync.ResetAttempts)
		c.Sync.ResetAttempts = 5
	}
	if c.Sync.RewindDays < 0 {
		warn("sync.rewind_days %d invalid, using 1", c.Sync.RewindDays)
		c.Sync.RewindDays = 1
	}

	if c.Workers.Count < 0 || c.Workers.Count > 2 {
		warn("workers.count %d out of range, using 2", c.Workers.Count)
		c.Workers.Count = 2
	}
	if c.Daemon {
		warn("daemon mode is not supported, running in the foreground; use a service manager to detach")
		c.Daemon = false
	}

	return warnings
}

// Timeout returns the feed HTTP timeout.
func (f FeedConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// PageSleep returns the pause between feed pages.
func (s SyncConfig) PageSleep() time.Duration {
	return time.Duration(s.PageSleepSecs) * time.Second
}

// IdleSleep returns the pause between poll cycles.
func (s SyncConfig) IdleSleep() time.Duration {
	return time.Duration(s.IdleSleepSecs) * time.Second
}

// ResetDelay returns the fixed delay between session rebuild attempts.
func (s SyncConfig) ResetDelay() time.Duration {
	return time.Duration(s.ResetDelaySecs) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	if cfg.File != "" {
		zapCfg.OutputPaths = []string{cfg.File}
		zapCfg.ErrorOutputPaths = []string{cfg.File}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
