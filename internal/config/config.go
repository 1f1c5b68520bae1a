// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/geoingest/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Import   ImportConfig   `mapstructure:"import"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Inbox    InboxConfig    `mapstructure:"inbox"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
	Auth     AuthConfig     `mapstructure:"auth"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"` // bytes
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// DatabaseConfig locates the feature store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// UploadsConfig holds staged upload storage configuration.
type UploadsConfig struct {
	Type      string        `mapstructure:"type"` // local, s3, azure
	LocalPath string        `mapstructure:"local_path"`
	TTL       time.Duration `mapstructure:"ttl"`
	S3        S3Config      `mapstructure:"s3"`
	Azure     AzureConfig   `mapstructure:"azure"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// ImportConfig holds import pipeline settings.
type ImportConfig struct {
	BatchSize           int    `mapstructure:"batch_size"`
	DefaultTargetCRS    string `mapstructure:"default_target_crs"`
	SpatialiteExtension string `mapstructure:"spatialite_extension"`
	ScratchDir          string `mapstructure:"scratch_dir"` // empty uses the OS temp dir
}

// CacheConfig selects the chunk cache.
type CacheConfig struct {
	Type          string      `mapstructure:"type"` // none, memory, redis
	MemoryEntries int         `mapstructure:"memory_entries"`
	Redis         RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Sink  string      `mapstructure:"sink"` // log, kafka
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig holds the audit topic settings.
type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
}

// InboxConfig holds the drop folder settings.
type InboxConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Path     string        `mapstructure:"path"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// JanitorConfig controls purging of expired staged uploads.
type JanitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AuthConfig maps bearer tokens to user names.
type AuthConfig struct {
	Tokens map[string]string `mapstructure:"tokens"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Domains  []string     `mapstructure:"domains"`
	Email    string       `mapstructure:"email"`
	CacheDir string       `mapstructure:"cache_dir"`
	Staging  bool         `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      TLSDNSConfig `mapstructure:"dns"`
}

// TLSDNSConfig holds the Azure DNS settings for DNS-01 challenges.
type TLSDNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values on v.
func Defaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Minute)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_upload_size", int64(512<<20))
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.path", "./data/geoingest.db")

	// Upload storage defaults
	v.SetDefault("uploads.type", "local")
	v.SetDefault("uploads.local_path", "./data/uploads")
	v.SetDefault("uploads.ttl", 24*time.Hour)

	v.SetDefault("import.batch_size", 1000)
	v.SetDefault("import.default_target_crs", domain.DefaultTargetCRS)
	v.SetDefault("import.spatialite_extension", "mod_spatialite")

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.memory_entries", 256)
	v.SetDefault("cache.redis.ttl", time.Hour)

	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.kafka.topic", "geoingest.audit")
	v.SetDefault("audit.kafka.queue_size", 1024)

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.path", "./data/inbox")
	v.SetDefault("inbox.debounce", 2*time.Second)

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.interval", time.Hour)

	// TLS defaults
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cache_dir", "./.certmagic")
	v.SetDefault("tls.staging", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.New(), configPath)
}

// LoadWith loads configuration through v, so values bound to v (command
// line flags) take precedence over file and environment.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	Defaults(v)

	// Environment variable binding
	v.SetEnvPrefix("GEOINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/geoingest")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
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

func invalid(field, message string) error {
	return &domain.ConfigError{Field: field, Message: message}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port", fmt.Sprintf("invalid port %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		return invalid("database.path", "path is required")
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return invalid("tls.domains", "TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return invalid("tls.email", "TLS enabled but no email specified")
		}
	}

	switch c.Uploads.Type {
	case "local":
		if c.Uploads.LocalPath == "" {
			return invalid("uploads.local_path", "path is required")
		}
	case "s3":
		if c.Uploads.S3.Bucket == "" {
			return invalid("uploads.s3.bucket", "S3 bucket is required")
		}
		if c.Uploads.S3.Region == "" {
			return invalid("uploads.s3.region", "S3 region is required")
		}
	case "azure":
		if c.Uploads.Azure.Container == "" {
			return invalid("uploads.azure.container", "azure container is required")
		}
		if c.Uploads.Azure.AccountName == "" && c.Uploads.Azure.ConnectionString == "" {
			return invalid("uploads.azure", "azure account name or connection string is required")
		}
	default:
		return invalid("uploads.type", fmt.Sprintf("unknown storage type %q", c.Uploads.Type))
	}
	if c.Uploads.TTL <= 0 {
		return invalid("uploads.ttl", "ttl must be positive")
	}

	if c.Import.BatchSize < 1 {
		return invalid("import.batch_size", "batch size must be positive")
	}
	if _, err := domain.ParseCRS(c.Import.DefaultTargetCRS); err != nil {
		return invalid("import.default_target_crs", err.Error())
	}

	switch c.Cache.Type {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return invalid("cache.redis.addr", "redis address is required")
		}
	default:
		return invalid("cache.type", fmt.Sprintf("unknown cache type %q", c.Cache.Type))
	}

	switch c.Audit.Sink {
	case "log":
	case "kafka":
		if len(c.Audit.Kafka.Brokers) == 0 {
			return invalid("audit.kafka.brokers", "at least one broker is required")
		}
		if c.Audit.Kafka.Topic == "" {
			return invalid("audit.kafka.topic", "topic is required")
		}
	default:
		return invalid("audit.sink", fmt.Sprintf("unknown audit sink %q", c.Audit.Sink))
	}

	if c.Inbox.Enabled && c.Inbox.Path == "" {
		return invalid("inbox.path", "path is required when the inbox is enabled")
	}
	if c.Janitor.Enabled && c.Janitor.Interval <= 0 {
		return invalid("janitor.interval", "interval must be positive")
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
