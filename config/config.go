// Package config loads engine configuration from environment variables and an
// optional YAML file, using viper the way the rest of the stack binds config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/evalgo-org/storedb/common"
)

// EnvPrefix is the environment variable prefix bound by Load.
const EnvPrefix = "STOREDB"

// ObjectStoreConfig configures the C1 object-store backend.
type ObjectStoreConfig struct {
	Backend         string // "s3" or "fs"
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	LocalRoot       string // used when Backend == "fs"
}

// CacheConfig configures the C3 three-tier read cache.
type CacheConfig struct {
	MaxEntries       int
	DataTTL          time.Duration
	MetadataTTL      time.Duration
	BloomTTL         time.Duration
	StaleWhileRevalidate time.Duration
}

// CommitConfig configures the C4 commit engine's OCC retry behavior.
type CommitConfig struct {
	MaxRetries     int
	BaseBackoffMs  int
	MaxBackoffMs   int
	VacuumRetention time.Duration
}

// StreamConfig configures the C9 streaming refresh engine.
type StreamConfig struct {
	MaxBufferSize     int
	BatchSize         int
	FlushInterval     time.Duration
	BackpressureSoft  float64 // fraction of MaxBufferSize, e.g. 0.8
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RedisAddr         string
	UseRedisSource    bool
}

// ServiceConfig carries environment metadata used in log fields.
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
}

// Config is the fully-resolved configuration for an engine instance.
type Config struct {
	Service     ServiceConfig
	ObjectStore ObjectStoreConfig
	Cache       CacheConfig
	Commit      CommitConfig
	Stream      StreamConfig
}

// Load reads STOREDB_* environment variables and an optional storedb.yaml
// (searched in the working directory and /etc/storedb) into a Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("storedb")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/storedb")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading storedb.yaml: %w", err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service.name"),
			Environment: v.GetString("service.environment"),
			LogLevel:    v.GetString("service.log_level"),
			LogFormat:   v.GetString("service.log_format"),
		},
		ObjectStore: ObjectStoreConfig{
			Backend:         v.GetString("objstore.backend"),
			Bucket:          v.GetString("objstore.bucket"),
			Endpoint:        v.GetString("objstore.endpoint"),
			Region:          v.GetString("objstore.region"),
			AccessKeyID:     v.GetString("objstore.access_key_id"),
			SecretAccessKey: v.GetString("objstore.secret_access_key"),
			UsePathStyle:    v.GetBool("objstore.use_path_style"),
			LocalRoot:       v.GetString("objstore.local_root"),
		},
		Cache: CacheConfig{
			MaxEntries:           v.GetInt("cache.max_entries"),
			DataTTL:              v.GetDuration("cache.data_ttl"),
			MetadataTTL:          v.GetDuration("cache.metadata_ttl"),
			BloomTTL:             v.GetDuration("cache.bloom_ttl"),
			StaleWhileRevalidate: v.GetDuration("cache.stale_while_revalidate"),
		},
		Commit: CommitConfig{
			MaxRetries:      v.GetInt("commit.max_retries"),
			BaseBackoffMs:   v.GetInt("commit.base_backoff_ms"),
			MaxBackoffMs:    v.GetInt("commit.max_backoff_ms"),
			VacuumRetention: v.GetDuration("commit.vacuum_retention"),
		},
		Stream: StreamConfig{
			MaxBufferSize:    v.GetInt("stream.max_buffer_size"),
			BatchSize:        v.GetInt("stream.batch_size"),
			FlushInterval:    v.GetDuration("stream.flush_interval"),
			BackpressureSoft: v.GetFloat64("stream.backpressure_soft"),
			RetryBaseDelay:   v.GetDuration("stream.retry_base_delay"),
			RetryMaxDelay:    v.GetDuration("stream.retry_max_delay"),
			RedisAddr:        v.GetString("stream.redis_addr"),
			UseRedisSource:   v.GetBool("stream.use_redis_source"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	common.ServiceLogger(cfg.Service.Name, cfg.Service.Environment).WithFields(map[string]interface{}{
		"objstore_backend":  cfg.ObjectStore.Backend,
		"objstore_bucket":   cfg.ObjectStore.Bucket,
		"objstore_secret":   common.MaskSecret(cfg.ObjectStore.SecretAccessKey),
		"stream_redis_addr": cfg.Stream.RedisAddr,
	}).Info("configuration loaded")

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "storedb")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.log_format", "text")

	v.SetDefault("objstore.backend", "fs")
	v.SetDefault("objstore.local_root", "./data")
	v.SetDefault("objstore.use_path_style", true)

	v.SetDefault("cache.max_entries", 4096)
	v.SetDefault("cache.data_ttl", 60*time.Second)
	v.SetDefault("cache.metadata_ttl", 300*time.Second)
	v.SetDefault("cache.bloom_ttl", 600*time.Second)
	v.SetDefault("cache.stale_while_revalidate", 30*time.Second)

	v.SetDefault("commit.max_retries", 10)
	v.SetDefault("commit.base_backoff_ms", 50)
	v.SetDefault("commit.max_backoff_ms", 5000)
	v.SetDefault("commit.vacuum_retention", 7*24*time.Hour)

	v.SetDefault("stream.max_buffer_size", 10000)
	v.SetDefault("stream.batch_size", 200)
	v.SetDefault("stream.flush_interval", 2*time.Second)
	v.SetDefault("stream.backpressure_soft", 0.8)
	v.SetDefault("stream.retry_base_delay", 200*time.Millisecond)
	v.SetDefault("stream.retry_max_delay", 30*time.Second)
	v.SetDefault("stream.redis_addr", "127.0.0.1:6379")
	v.SetDefault("stream.use_redis_source", false)
}

func validate(cfg *Config) error {
	val := NewValidator()
	val.RequireOneOf("objstore.backend", cfg.ObjectStore.Backend, []string{"s3", "fs"})
	if cfg.ObjectStore.Backend == "s3" {
		val.RequireString("objstore.bucket", cfg.ObjectStore.Bucket)
	}
	val.RequireOneOf("service.log_level", cfg.Service.LogLevel, []string{"debug", "info", "warn", "error"})
	val.RequirePositiveInt("commit.max_retries", cfg.Commit.MaxRetries)
	val.RequirePositiveInt("stream.max_buffer_size", cfg.Stream.MaxBufferSize)
	return val.Validate()
}

// Validator accumulates configuration validation errors, grounded on the
// teacher's own config.Validator shape.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Validate runs validation and returns an error if any check failed.
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
	}
	return nil
}
