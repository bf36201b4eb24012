// Package config provides configuration management for live-media-service
// using Viper. It supports configuration from defaults, files, and
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultBufferDuration     = 30 * time.Second
	defaultChunkSize          = 1024 * 1024 // 1 MiB
	defaultMaxReconnectAttemp = 5
	defaultReconnectDelayMs   = 2000
	defaultMaxSegmentsToKeep  = 3
	defaultCleanupSafetyBuf   = 5
	defaultPollIntervalMs     = 2000
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig holds control-API HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the pipeline-run/batch-history persistence connection.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds the on-disk tree layout (§6.4).
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PublishMode selects the StreamPublisher's downstream wire format.
type PublishMode string

const (
	PublishModeRTMP PublishMode = "rtmp"
	PublishModeSRT  PublishMode = "srt"
)

// PipelineConfig holds the options listed in §6.6 of the pipeline
// specification, plus the publish transport selection.
type PipelineConfig struct {
	BufferDuration       Duration    `mapstructure:"buffer_duration"`
	ChunkSize            ByteSize    `mapstructure:"chunk_size"`
	RateLimitBps         ByteSize    `mapstructure:"rate_limit_bps"`
	UseRateLimit         bool        `mapstructure:"use_rate_limit"`
	MaxReconnectAttempts int         `mapstructure:"max_reconnect_attempts"`
	ReconnectDelayMs     int         `mapstructure:"reconnect_delay_ms"`
	MaxSegmentsToKeep    int         `mapstructure:"max_segments_to_keep"`
	CleanupSafetyBuffer  int         `mapstructure:"cleanup_safety_buffer"`
	EnableCleanup        bool        `mapstructure:"enable_cleanup"`
	PollIntervalMs       int         `mapstructure:"poll_interval_ms"`
	PublishMode          PublishMode `mapstructure:"publish_mode"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // path to ffmpeg binary (empty = auto-detect)
}

// RetentionConfig configures the scheduled storage-retention sweep that acts
// as a safety net alongside the publisher's own sliding-window cleanup.
type RetentionConfig struct {
	SweepCron    string   `mapstructure:"sweep_cron"`    // 6-field cron expression
	OrphanMaxAge Duration `mapstructure:"orphan_max_age"` // max age before an orphaned temp dir is removed
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LMS_ and use underscores for nesting,
// e.g. LMS_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/live-media-service")
		v.AddConfigPath("$HOME/.live-media-service")
	}

	v.SetEnvPrefix("LMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Duration and ByteSize decode from strings such as "30s" or "1MiB"
	// through their UnmarshalText methods.
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "live-media-service.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("pipeline.buffer_duration", defaultBufferDuration.String())
	v.SetDefault("pipeline.chunk_size", defaultChunkSize)
	v.SetDefault("pipeline.rate_limit_bps", 0)
	v.SetDefault("pipeline.use_rate_limit", false)
	v.SetDefault("pipeline.max_reconnect_attempts", defaultMaxReconnectAttemp)
	v.SetDefault("pipeline.reconnect_delay_ms", defaultReconnectDelayMs)
	v.SetDefault("pipeline.max_segments_to_keep", defaultMaxSegmentsToKeep)
	v.SetDefault("pipeline.cleanup_safety_buffer", defaultCleanupSafetyBuf)
	v.SetDefault("pipeline.enable_cleanup", true)
	v.SetDefault("pipeline.poll_interval_ms", defaultPollIntervalMs)
	v.SetDefault("pipeline.publish_mode", string(PublishModeRTMP))

	v.SetDefault("ffmpeg.binary_path", "")

	v.SetDefault("retention.sweep_cron", "0 */15 * * * *")
	v.SetDefault("retention.orphan_max_age", "1h")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	const minBufferDuration = 5 * time.Second
	const maxBufferDuration = 120 * time.Second
	if bd := c.Pipeline.BufferDuration.Duration(); bd < minBufferDuration || bd > maxBufferDuration {
		return fmt.Errorf("pipeline.buffer_duration must be between %s and %s", minBufferDuration, maxBufferDuration)
	}

	if c.Pipeline.PublishMode != PublishModeRTMP && c.Pipeline.PublishMode != PublishModeSRT {
		return fmt.Errorf("pipeline.publish_mode must be one of: rtmp, srt")
	}

	if c.Pipeline.MaxSegmentsToKeep < 0 {
		return fmt.Errorf("pipeline.max_segments_to_keep must be >= 0")
	}
	if c.Pipeline.CleanupSafetyBuffer < 0 {
		return fmt.Errorf("pipeline.cleanup_safety_buffer must be >= 0")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
