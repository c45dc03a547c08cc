// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendLocal      = "local"
	BackendGCS        = "gcs"
	BackendS3         = "s3"
	BackendCloudinary = "cloudinary"
)

// Notification backends.
const (
	NotifyNone   = "none"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
	NotifyRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Events   EventsConfig   `mapstructure:"events"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// UploadConfig bounds and shapes accepted uploads.
type UploadConfig struct {
	FieldName    string `mapstructure:"field_name"`
	MaxBytes     int64  `mapstructure:"max_bytes"`
	SniffContent bool   `mapstructure:"sniff_content"`
	MaxPixels    int    `mapstructure:"max_pixels"`
}

// JobsConfig bounds the in-memory job store.
type JobsConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age"`
	MaxEntries    int           `mapstructure:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WorkerConfig governs the worker pool and its retry behavior.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	Timeout        time.Duration `mapstructure:"timeout"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// StorageConfig selects the blob backend and its folders.
type StorageConfig struct {
	Backend           string           `mapstructure:"backend"`
	OriginalFolder    string           `mapstructure:"original_folder"`
	TransformedFolder string           `mapstructure:"transformed_folder"`
	PublicBaseURL     string           `mapstructure:"public_base_url"`
	MaxRPS            float64          `mapstructure:"max_rps"`
	Burst             int              `mapstructure:"burst"`
	Local             LocalConfig      `mapstructure:"local"`
	GCS               GCSConfig        `mapstructure:"gcs"`
	S3                S3Config         `mapstructure:"s3"`
	Cloudinary        CloudinaryConfig `mapstructure:"cloudinary"`
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket        string `mapstructure:"bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	PathStyle     bool   `mapstructure:"path_style"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// CloudinaryConfig configures the Cloudinary backend.
type CloudinaryConfig struct {
	CloudName string `mapstructure:"cloud_name"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// EventsConfig tunes the lifecycle event hub and its notification sink.
type EventsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	CloseTimeout  time.Duration `mapstructure:"close_timeout"`
	Notify        string        `mapstructure:"notify"`
	Topic         string        `mapstructure:"topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig configures the Redis notification backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Channel   string        `mapstructure:"channel"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// DatabaseConfig controls the optional Postgres outcome ledger.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// ClientConfig controls the submit/poll client.
type ClientConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRAYSCALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("upload.field_name", "imageFile")
	v.SetDefault("upload.max_bytes", int64(10<<20))
	v.SetDefault("upload.sniff_content", true)
	v.SetDefault("upload.max_pixels", 40_000_000)
	v.SetDefault("jobs.max_age", time.Hour)
	v.SetDefault("jobs.max_entries", 10_000)
	v.SetDefault("jobs.sweep_interval", time.Minute)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.timeout", 30*time.Second)
	v.SetDefault("worker.enqueue_timeout", 5*time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_initial", 250*time.Millisecond)
	v.SetDefault("worker.backoff_max", 5*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.original_folder", "original_images")
	v.SetDefault("storage.transformed_folder", "grayscale_images")
	v.SetDefault("storage.public_base_url", "http://localhost:8080/blobs")
	v.SetDefault("storage.max_rps", 0.0)
	v.SetDefault("storage.burst", 4)
	v.SetDefault("storage.local.base_dir", "data/blobs")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.public_base_url", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("storage.s3.public_base_url", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.batch_size", 256)
	v.SetDefault("events.flush_interval", 250*time.Millisecond)
	v.SetDefault("events.close_timeout", 5*time.Second)
	v.SetDefault("events.notify", NotifyNone)
	v.SetDefault("events.topic", "grayscale-jobs")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "grayscale-jobs")
	v.SetDefault("redis.key_prefix", "grayscale:job:")
	v.SetDefault("redis.status_ttl", time.Hour)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "job_outcomes")
	v.SetDefault("database.max_conns", int32(4))
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.poll_interval", 3*time.Second)
	v.SetDefault("client.timeout", 2*time.Minute)
}

// bindLegacyEnv accepts the unprefixed Cloudinary variable names as well.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"storage.cloudinary.cloud_name": {"GRAYSCALE_STORAGE_CLOUDINARY_CLOUD_NAME", "CLOUDINARY_NAME"},
		"storage.cloudinary.api_key":    {"GRAYSCALE_STORAGE_CLOUDINARY_API_KEY", "CLOUDINARY_API_KEY"},
		"storage.cloudinary.api_secret": {"GRAYSCALE_STORAGE_CLOUDINARY_API_SECRET", "CLOUDINARY_API_SECRET"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be > 0")
	}
	if strings.TrimSpace(c.Upload.FieldName) == "" {
		return fmt.Errorf("upload.field_name must be set")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth < 0 {
		return fmt.Errorf("worker.queue_depth must be >= 0")
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be > 0")
	}
	if c.Jobs.MaxAge < 0 || c.Jobs.MaxEntries < 0 {
		return fmt.Errorf("jobs.max_age and jobs.max_entries must be >= 0")
	}
	if c.Storage.OriginalFolder == "" || c.Storage.TransformedFolder == "" {
		return fmt.Errorf("storage folders must be set")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	switch c.Events.Notify {
	case NotifyNone, NotifyMemory:
	case NotifyPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for pubsub notifications")
		}
	case NotifyRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for redis notifications")
		}
	default:
		return fmt.Errorf("events.notify %q is not supported", c.Events.Notify)
	}
	if c.Client.PollInterval <= 0 || c.Client.Timeout <= 0 {
		return fmt.Errorf("client.poll_interval and client.timeout must be > 0")
	}
	return nil
}

func (s StorageConfig) validate() error {
	if s.MaxRPS < 0 {
		return fmt.Errorf("storage.max_rps must be >= 0")
	}
	switch s.Backend {
	case BackendMemory:
	case BackendLocal:
		if s.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case BackendS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	case BackendCloudinary:
		c := s.Cloudinary
		if c.CloudName == "" || c.APIKey == "" || c.APISecret == "" {
			return fmt.Errorf("cloudinary cloud name, api key, and api secret are required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
