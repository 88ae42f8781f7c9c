package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	AI       AIConfig       `mapstructure:"ai"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type StorageConfig struct {
	Backend string   `mapstructure:"backend"` // local, s3
	Root    string   `mapstructure:"root"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Type      string `mapstructure:"type"` // r2, s3, s3compatible; empty auto-detects
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type AIConfig struct {
	Provider    string        `mapstructure:"provider"` // gemini, openai
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	InlineLimit string        `mapstructure:"inline_limit"`
	// File API polling: exponential backoff from PollInitial to PollMax, giving up after PollCeiling.
	PollInitial time.Duration `mapstructure:"poll_initial"`
	PollMax     time.Duration `mapstructure:"poll_max"`
	PollCeiling time.Duration `mapstructure:"poll_ceiling"`

	InlineLimitBytes int64 `mapstructure:"-"`
}

type AnalysisConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	RetentionHour   int           `mapstructure:"retention_hour"`
	FramesRetention time.Duration `mapstructure:"frames_retention"`
	DefaultQuota    string        `mapstructure:"default_quota"`
	ListLimit       int           `mapstructure:"list_limit"`

	DefaultQuotaBytes int64 `mapstructure:"-"`
}

type IngestConfig struct {
	MaxUploadSize     string        `mapstructure:"max_upload_size"`
	MaxImageSize      string        `mapstructure:"max_image_size"`
	MaxImages         int           `mapstructure:"max_images"`
	DriveTimeout      time.Duration `mapstructure:"drive_timeout"`
	DriveMaxRedirects int           `mapstructure:"drive_max_redirects"`
	DriveBaseURL      string        `mapstructure:"drive_base_url"`

	MaxUploadBytes int64 `mapstructure:"-"`
	MaxImageBytes  int64 `mapstructure:"-"`
}

type QueueConfig struct {
	Driver       string   `mapstructure:"driver"` // none, redis, kafka
	RedisURL     string   `mapstructure:"redis_url"`
	RedisKey     string   `mapstructure:"redis_key"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	FileOnly   bool   `mapstructure:"file_only"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/teachermon.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.root", "./data/jobs")
	v.SetDefault("storage.s3.bucket", "teachermon")
	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("ai.timeout", 5*time.Minute)
	v.SetDefault("ai.inline_limit", "20MiB")
	v.SetDefault("ai.poll_initial", 5*time.Second)
	v.SetDefault("ai.poll_max", 30*time.Second)
	v.SetDefault("ai.poll_ceiling", 10*time.Minute)
	v.SetDefault("analysis.poll_interval", time.Minute)
	v.SetDefault("analysis.batch_size", 3)
	v.SetDefault("analysis.retention_hour", 2)
	v.SetDefault("analysis.frames_retention", 365*24*time.Hour)
	v.SetDefault("analysis.default_quota", "1GiB")
	v.SetDefault("analysis.list_limit", 50)
	// Size caps are binary: "500 MB" in the product means 500*1024*1024.
	v.SetDefault("ingest.max_upload_size", "500MiB")
	v.SetDefault("ingest.max_image_size", "20MiB")
	v.SetDefault("ingest.max_images", 5)
	v.SetDefault("ingest.drive_timeout", 10*time.Minute)
	v.SetDefault("ingest.drive_max_redirects", 5)
	v.SetDefault("ingest.drive_base_url", "https://drive.usercontent.google.com")
	v.SetDefault("queue.driver", "none")
	v.SetDefault("queue.redis_key", "queue:jobs")
	v.SetDefault("queue.kafka_topic", "analysis-jobs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// Load reads configuration from an optional YAML file, the process
// environment and a local .env file, in increasing order of precedence
// for environment values.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment endpoints use conventional names.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("ai.api_key", "GEMINI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("ai.base_url", "AI_BASE_URL")
	_ = v.BindEnv("ai.model", "AI_MODEL")
	_ = v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("storage.s3.access_key", "S3_ACCESS_KEY")
	_ = v.BindEnv("storage.s3.secret_key", "S3_SECRET_KEY")
	_ = v.BindEnv("queue.redis_url", "REDIS_URL")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve parses the human-readable size settings.
func (c *Config) resolve() error {
	sizes := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"ai.inline_limit", c.AI.InlineLimit, &c.AI.InlineLimitBytes},
		{"analysis.default_quota", c.Analysis.DefaultQuota, &c.Analysis.DefaultQuotaBytes},
		{"ingest.max_upload_size", c.Ingest.MaxUploadSize, &c.Ingest.MaxUploadBytes},
		{"ingest.max_image_size", c.Ingest.MaxImageSize, &c.Ingest.MaxImageBytes},
	}
	for _, s := range sizes {
		n, err := humanize.ParseBytes(s.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", s.name, s.raw, err)
		}
		*s.dst = int64(n)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return errors.New("database.url is required for postgres")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Root == "" {
			return errors.New("storage.root is required")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.endpoint and storage.s3.bucket are required")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	switch c.Queue.Driver {
	case "", "none":
	case "redis":
		if c.Queue.RedisURL == "" {
			return errors.New("queue.redis_url is required for the redis queue")
		}
	case "kafka":
		if len(c.Queue.KafkaBrokers) == 0 {
			return errors.New("queue.kafka_brokers is required for the kafka queue")
		}
	default:
		return fmt.Errorf("unsupported queue driver %q", c.Queue.Driver)
	}
	if c.Analysis.PollInterval <= 0 {
		return errors.New("analysis.poll_interval must be positive")
	}
	if c.Analysis.BatchSize <= 0 {
		return errors.New("analysis.batch_size must be positive")
	}
	if c.Analysis.RetentionHour < 0 || c.Analysis.RetentionHour > 23 {
		return fmt.Errorf("analysis.retention_hour %d out of range", c.Analysis.RetentionHour)
	}
	if c.Ingest.MaxImages < 1 {
		return errors.New("ingest.max_images must be at least 1")
	}
	if c.AI.PollInitial <= 0 || c.AI.PollMax < c.AI.PollInitial || c.AI.PollCeiling < c.AI.PollMax {
		return errors.New("ai poll settings must satisfy 0 < poll_initial <= poll_max <= poll_ceiling")
	}
	return nil
}
