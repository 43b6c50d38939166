// Package config provides configuration management for voxdub using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8080
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 10
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultUploadLimitBytes = 4 << 30 // 4GB video uploads
	defaultWorkerGrace      = 10 * time.Second

	// Per-stage wall-clock defaults. Cloning dominates because the voice
	// model re-synthesizes every subtitle line.
	defaultDiarizationTimeout = 15 * time.Minute
	defaultTranslationTimeout = 10 * time.Minute
	defaultCloningTimeout     = 30 * time.Minute
	defaultStitchTimeout      = 10 * time.Minute
	defaultExportTimeout      = 20 * time.Minute
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// UploadLimit is the maximum accepted multipart body size in bytes.
	UploadLimit int64 `mapstructure:"upload_limit"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	// TasksDir is the root under which every task's directory tree lives.
	TasksDir string `mapstructure:"tasks_dir"`
	// TempDir holds scratch files that never outlive a single stage run.
	TempDir string `mapstructure:"temp_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// WorkerProfile describes how to invoke one external stage worker.
// Stages target mutually incompatible runtimes, so each stage carries its
// own executable, working directory, and environment additions.
type WorkerProfile struct {
	// Executable is the path to the worker entrypoint.
	Executable string `mapstructure:"executable"`
	// Args are prepended before the request-file argument.
	Args []string `mapstructure:"args"`
	// WorkDir is the working directory for the child process.
	WorkDir string `mapstructure:"work_dir"`
	// Env lists KEY=VALUE additions to the child environment.
	Env []string `mapstructure:"env"`
	// Timeout is the wall-clock limit for one run.
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkersConfig holds one runtime profile per pipeline stage.
type WorkersConfig struct {
	Diarization WorkerProfile `mapstructure:"diarization"`
	Translation WorkerProfile `mapstructure:"translation"`
	Cloning     WorkerProfile `mapstructure:"cloning"`
	Stitch      WorkerProfile `mapstructure:"stitch"`
	// GracePeriod is how long to wait after SIGTERM before SIGKILL.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// ModelDir is handed to workers that load model weights.
	ModelDir string `mapstructure:"model_dir"`
	// NumProcesses bounds worker-internal parallelism.
	NumProcesses int `mapstructure:"num_processes"`
}

// FFmpegConfig holds FFmpeg binary configuration for the export stage.
type FFmpegConfig struct {
	BinaryPath string        `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = look up in PATH)
	ProbePath  string        `mapstructure:"probe_path"`  // Path to ffprobe binary (empty = look up in PATH)
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RetentionConfig holds processing-log retention configuration.
type RetentionConfig struct {
	// Cron is a 6-field cron expression for the pruning schedule.
	Cron string `mapstructure:"cron"`
	// LogAge is how long processing log rows are kept.
	LogAge time.Duration `mapstructure:"log_age"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VOXDUB_ and use underscores
// for nesting. Example: VOXDUB_SERVER_PORT=8080.
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
		v.AddConfigPath("/etc/voxdub")
		v.AddConfigPath("$HOME/.voxdub")
	}

	v.SetEnvPrefix("VOXDUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so that partial
// configs inherit sensible values.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.upload_limit", defaultUploadLimitBytes)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "voxdub.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.tasks_dir", "data/tasks")
	v.SetDefault("storage.temp_dir", "data/tmp")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	// Worker defaults
	v.SetDefault("workers.grace_period", defaultWorkerGrace)
	v.SetDefault("workers.model_dir", "models")
	v.SetDefault("workers.num_processes", 1)
	v.SetDefault("workers.diarization.executable", "workers/diarize/run.sh")
	v.SetDefault("workers.diarization.timeout", defaultDiarizationTimeout)
	v.SetDefault("workers.translation.executable", "workers/translate/run.sh")
	v.SetDefault("workers.translation.timeout", defaultTranslationTimeout)
	v.SetDefault("workers.cloning.executable", "workers/clone/run.sh")
	v.SetDefault("workers.cloning.timeout", defaultCloningTimeout)
	v.SetDefault("workers.stitch.executable", "workers/stitch/run.sh")
	v.SetDefault("workers.stitch.timeout", defaultStitchTimeout)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.timeout", defaultExportTimeout)

	// Retention defaults: prune at 03:10 daily, keep 30 days of logs.
	v.SetDefault("retention.cron", "0 10 3 * * *")
	v.SetDefault("retention.log_age", 30*24*time.Hour)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.Storage.TasksDir == "" {
		return fmt.Errorf("storage tasks_dir is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	for name, p := range map[string]WorkerProfile{
		"diarization": c.Workers.Diarization,
		"translation": c.Workers.Translation,
		"cloning":     c.Workers.Cloning,
		"stitch":      c.Workers.Stitch,
	} {
		if p.Executable == "" {
			return fmt.Errorf("workers.%s.executable is required", name)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("workers.%s.timeout must be positive", name)
		}
	}

	return nil
}
