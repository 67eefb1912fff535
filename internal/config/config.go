package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-alert-mailer/internal/logging"
	"price-alert-mailer/internal/notify"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Digest    DigestConfig    `mapstructure:"digest"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Retention       time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs the pipeline tick cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EventsConfig tunes the price-event source.
type EventsConfig struct {
	BatchSize     int `mapstructure:"batch_size"`
	HistoryPoints int `mapstructure:"history_points"`
}

// NotifyConfig carries the delivery engine knobs.
type NotifyConfig struct {
	QuietHoursStart         string        `mapstructure:"quiet_hours_start"`
	QuietHoursEnd           string        `mapstructure:"quiet_hours_end"`
	MaxEmailsPerHour        int           `mapstructure:"max_emails_per_hour"`
	DedupHorizonHours       int           `mapstructure:"dedup_horizon_hours"`
	DedupDirectionSensitive bool          `mapstructure:"dedup_direction_sensitive"`
	CoalesceWindowSeconds   int           `mapstructure:"coalesce_window_seconds"`
	MaxAttempts             int           `mapstructure:"max_attempts"`
	BackoffBaseSeconds      int           `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds       int           `mapstructure:"backoff_cap_seconds"`
	SendTimeout             time.Duration `mapstructure:"send_timeout"`
	Concurrency             int           `mapstructure:"concurrency"`
	PacePerSecond           float64       `mapstructure:"pace_per_second"`
}

// DedupHorizon returns the horizon as a duration.
func (n NotifyConfig) DedupHorizon() time.Duration {
	return time.Duration(n.DedupHorizonHours) * time.Hour
}

// CoalesceWindow returns the coalescing window as a duration.
func (n NotifyConfig) CoalesceWindow() time.Duration {
	return time.Duration(n.CoalesceWindowSeconds) * time.Second
}

// BackoffBase returns the retry backoff base as a duration.
func (n NotifyConfig) BackoffBase() time.Duration {
	return time.Duration(n.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the retry backoff cap as a duration.
func (n NotifyConfig) BackoffCap() time.Duration {
	return time.Duration(n.BackoffCapSeconds) * time.Second
}

// DigestConfig selects digest recipients and cadence.
type DigestConfig struct {
	Frequency   string   `mapstructure:"frequency"`
	CustomHours int      `mapstructure:"custom_hours"`
	Recipients  []string `mapstructure:"recipients"`
}

// SMTPConfig 描述邮件发送参数。
type SMTPConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	AdminEmail string        `mapstructure:"admin_email"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ALERTMAILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alertmailer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616c6d6c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("events.batch_size", 200)
	v.SetDefault("events.history_points", 30)

	v.SetDefault("notify.quiet_hours_start", "23:00")
	v.SetDefault("notify.quiet_hours_end", "07:00")
	v.SetDefault("notify.max_emails_per_hour", 10)
	v.SetDefault("notify.dedup_horizon_hours", 24)
	v.SetDefault("notify.dedup_direction_sensitive", false)
	v.SetDefault("notify.coalesce_window_seconds", 300)
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.backoff_base_seconds", 30)
	v.SetDefault("notify.backoff_cap_seconds", 3600)
	v.SetDefault("notify.send_timeout", "30s")
	v.SetDefault("notify.concurrency", 4)
	v.SetDefault("notify.pace_per_second", 1.0)

	v.SetDefault("digest.frequency", "daily")
	v.SetDefault("digest.custom_hours", 0)
	v.SetDefault("digest.recipients", []string{})

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.timeout", "30s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs fail-fast sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}

	if _, err := notify.ParseClock(c.Notify.QuietHoursStart); err != nil {
		return fmt.Errorf("notify.quiet_hours_start: %w", err)
	}
	if _, err := notify.ParseClock(c.Notify.QuietHoursEnd); err != nil {
		return fmt.Errorf("notify.quiet_hours_end: %w", err)
	}
	if c.Notify.MaxEmailsPerHour < 1 {
		return fmt.Errorf("notify.max_emails_per_hour must be at least 1")
	}
	if c.Notify.DedupHorizonHours <= 0 {
		return fmt.Errorf("notify.dedup_horizon_hours must be greater than zero")
	}
	if c.Notify.CoalesceWindowSeconds <= 0 {
		return fmt.Errorf("notify.coalesce_window_seconds must be greater than zero")
	}
	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify.max_attempts must be at least 1")
	}
	if c.Notify.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("notify.backoff_base_seconds must be greater than zero")
	}
	if c.Notify.BackoffCapSeconds < c.Notify.BackoffBaseSeconds {
		return fmt.Errorf("notify.backoff_cap_seconds must not be less than backoff_base_seconds")
	}
	if c.Notify.Concurrency < 1 {
		return fmt.Errorf("notify.concurrency must be at least 1")
	}

	if _, err := notify.DigestSchedule(c.Digest.Frequency, c.Digest.CustomHours); err != nil {
		return fmt.Errorf("digest.frequency: %w", err)
	}

	if c.SMTP.Enabled {
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp.host 必须配置")
		}
		if c.SMTP.From == "" {
			return fmt.Errorf("smtp.from 必须配置")
		}
	}

	if c.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be greater than zero")
	}

	return nil
}

// DeliveryModeFor maps a recipient to immediate or digest delivery.
func (c *Config) DeliveryModeFor(recipient string) notify.DeliveryMode {
	for _, r := range c.Digest.Recipients {
		if strings.EqualFold(r, recipient) {
			return notify.ModeDigest
		}
	}
	return notify.ModeImmediate
}
