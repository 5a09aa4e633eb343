// Package config provides configuration management for loomrun.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for loomrun.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Events      EventsConfig      `mapstructure:"events"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectStore"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// DispatcherURL is the control plane's address for the dispatcher's
	// best-effort executor-cancel RPC (spec §4.3.4 step 7). Unused by the
	// dispatcher process itself.
	DispatcherURL string `mapstructure:"dispatcherUrl"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" or "sqlite"
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration for the callback relay bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty means use the in-memory bus
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// ObjectStoreConfig holds S3-compatible object store configuration.
type ObjectStoreConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // non-empty for MinIO-style local dev
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	ForcePathStyle  bool   `mapstructure:"forcePathStyle"`
}

// DockerConfig holds Docker client configuration for the executor container pool.
type DockerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Host              string `mapstructure:"host"`
	APIVersion        string `mapstructure:"apiVersion"`
	TLSVerify         bool   `mapstructure:"tlsVerify"`
	DefaultNetwork    string `mapstructure:"defaultNetwork"`
	MaxContainers     int    `mapstructure:"maxContainers"`
	ExecutorImage     string `mapstructure:"executorImage"`
	AcquireTimeoutSec int    `mapstructure:"acquireTimeoutSec"`
	// ExecutorManagerURL, when set, points at an externally-managed
	// executor fleet (spec §6, EXECUTOR_MANAGER_URL) instead of letting
	// the dispatcher start containers itself via the Docker socket above.
	ExecutorManagerURL string `mapstructure:"executorManagerUrl"`
}

// QueueConfig holds the run queue and schedule-mode puller configuration.
type QueueConfig struct {
	ImmediatePollIntervalMs int    `mapstructure:"immediatePollIntervalMs"`
	ScheduledPollIntervalMs int    `mapstructure:"scheduledPollIntervalMs"`
	NightlyPollIntervalMs   int    `mapstructure:"nightlyPollIntervalMs"`
	LeaseSeconds            int    `mapstructure:"leaseSeconds"`
	MaxConcurrentTasks      int    `mapstructure:"maxConcurrentTasks"`
	NightlyWindowStartUTC   string `mapstructure:"nightlyWindowStartUtc"` // "HH:MM"
	NightlyWindowMinutes    int    `mapstructure:"nightlyWindowMinutes"`
}

// WorkspaceConfig holds per-session workspace staging configuration.
type WorkspaceConfig struct {
	Root             string `mapstructure:"root"`
	MaxAgeHours      int    `mapstructure:"maxAgeHours"`
	ArchiveEnabled   bool   `mapstructure:"archiveEnabled"`
	DefaultModel     string `mapstructure:"defaultModel"`
	CallbackBaseURL  string `mapstructure:"callbackBaseUrl"`
	CallbackToken    string `mapstructure:"callbackToken"`
	MaxUploadSizeMB  int    `mapstructure:"maxUploadSizeMb"`
}

// AuthConfig holds internal-surface authentication configuration.
type AuthConfig struct {
	InternalToken string `mapstructure:"internalToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LeaseDuration returns the default claim lease as a time.Duration.
func (q *QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LOOMRUN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.dispatcherUrl", "http://localhost:8082")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./loomrun.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "loomrun")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "loomrun")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "loomrun-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("objectStore.bucket", "loomrun")
	v.SetDefault("objectStore.region", "us-east-1")
	v.SetDefault("objectStore.endpoint", "")
	v.SetDefault("objectStore.forcePathStyle", false)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "loomrun-network")
	v.SetDefault("docker.maxContainers", 16)
	v.SetDefault("docker.executorImage", "loomrun/executor:latest")
	v.SetDefault("docker.acquireTimeoutSec", 20)
	v.SetDefault("docker.executorManagerUrl", "")

	v.SetDefault("queue.immediatePollIntervalMs", 2000)
	v.SetDefault("queue.scheduledPollIntervalMs", 5000)
	v.SetDefault("queue.nightlyPollIntervalMs", 10000)
	v.SetDefault("queue.leaseSeconds", 30)
	v.SetDefault("queue.maxConcurrentTasks", 4)
	v.SetDefault("queue.nightlyWindowStartUtc", "02:00")
	v.SetDefault("queue.nightlyWindowMinutes", 360)

	v.SetDefault("workspace.root", "./workspaces")
	v.SetDefault("workspace.maxAgeHours", 72)
	v.SetDefault("workspace.archiveEnabled", true)
	v.SetDefault("workspace.defaultModel", "claude-sonnet-4")
	v.SetDefault("workspace.callbackBaseUrl", "http://localhost:8081")
	v.SetDefault("workspace.callbackToken", "")
	v.SetDefault("workspace.maxUploadSizeMb", 50)

	v.SetDefault("auth.internalToken", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "loomrun")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LOOMRUN_ with each "." of the key
// replaced by "_" (camelCase segments are not split; see the BindEnv calls).
// Config file should be named config.yaml and placed in the current directory or /etc/loomrun/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LOOMRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not translate camelCase config keys, so bind the ones
	// whose canonical env var name (per spec §6) doesn't match the derived form.
	_ = v.BindEnv("auth.internalToken", "INTERNAL_API_TOKEN")
	_ = v.BindEnv("server.dispatcherUrl", "DISPATCHER_URL")
	_ = v.BindEnv("docker.executorManagerUrl", "EXECUTOR_MANAGER_URL")
	_ = v.BindEnv("workspace.callbackBaseUrl", "CALLBACK_BASE_URL")
	_ = v.BindEnv("workspace.callbackToken", "CALLBACK_TOKEN")
	_ = v.BindEnv("workspace.root", "WORKSPACE_ROOT")
	_ = v.BindEnv("workspace.maxAgeHours", "WORKSPACE_MAX_AGE_HOURS")
	_ = v.BindEnv("workspace.archiveEnabled", "WORKSPACE_ARCHIVE_ENABLED")
	_ = v.BindEnv("workspace.defaultModel", "DEFAULT_MODEL")
	_ = v.BindEnv("workspace.maxUploadSizeMb", "MAX_UPLOAD_SIZE_MB")
	_ = v.BindEnv("docker.maxContainers", "MAX_EXECUTOR_CONTAINERS")
	_ = v.BindEnv("logging.level", "LOOMRUN_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "LOOMRUN_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loomrun/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: postgres, sqlite")
	}

	if cfg.Auth.InternalToken == "" {
		cfg.Auth.InternalToken = generateDevToken()
	}

	if cfg.Queue.MaxConcurrentTasks <= 0 {
		errs = append(errs, "queue.maxConcurrentTasks must be positive")
	}
	if cfg.Queue.LeaseSeconds <= 0 {
		errs = append(errs, "queue.leaseSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevToken generates a placeholder internal token for local development.
func generateDevToken() string {
	return "dev-internal-token-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
