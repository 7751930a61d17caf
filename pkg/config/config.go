// Package config loads the streamd configuration from YAML or JSON files and STREAM_ environment variables.
package config

import (
	"time"

	perrors "github.com/inteca/nuxeo/pkg/errors"
	"github.com/inteca/nuxeo/pkg/stream"
	"github.com/inteca/nuxeo/pkg/tracing"
	"github.com/inteca/nuxeo/pkg/work"
)

// Version represents the configuration file version
const (
	CurrentConfigVersion = "v1"
)

// Log backends
const (
	LogBackendMemory = "memory"
	LogBackendKafka  = "kafka"
)

// Key/value store backends
const (
	StoreMemory  = "memory"
	StoreSQL     = "sql"
	StoreRedis   = "redis"
	StoreNATS    = "nats"
	StoreRocksDB = "rocksdb"
)

// Config represents the complete streamd configuration
type Config struct {
	// Version of the configuration schema
	Version string `yaml:"version" json:"version"`

	// Application metadata
	Application ApplicationConfig `yaml:"application" json:"application"`

	// Log holding the streams
	Log LogConfig `yaml:"log" json:"log"`

	// Computation runner tuning
	Stream StreamConfig `yaml:"stream" json:"stream"`

	// Work manager and queues
	Work WorkConfig `yaml:"work" json:"work"`

	// Named key/value stores
	KV KVConfig `yaml:"kv" json:"kv"`

	// Metrics and monitoring configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	Tracing tracing.Config `yaml:"tracing" json:"tracing"`
}

// ApplicationConfig holds application-level metadata
type ApplicationConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Environment string            `yaml:"environment" json:"environment"` // development, staging, production, test
	Tags        map[string]string `yaml:"tags" json:"tags"`
}

// LogConfig selects the log implementation
type LogConfig struct {
	Backend string      `yaml:"backend" json:"backend"` // memory, kafka
	Kafka   KafkaConfig `yaml:"kafka" json:"kafka"`
}

// KafkaConfig holds the Kafka log configuration
type KafkaConfig struct {
	BootstrapServers  string            `yaml:"bootstrap_servers" json:"bootstrap_servers"`
	TopicPrefix       string            `yaml:"topic_prefix" json:"topic_prefix"`
	ReplicationFactor int               `yaml:"replication_factor" json:"replication_factor"`
	AdminTimeout      time.Duration     `yaml:"admin_timeout" json:"admin_timeout"`
	Producer          map[string]string `yaml:"producer" json:"producer"`
	Consumer          map[string]string `yaml:"consumer" json:"consumer"`
}

// StreamConfig tunes computation runners and pools
type StreamConfig struct {
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	StarvingTimeout    time.Duration `yaml:"starving_timeout" json:"starving_timeout"`
	InactivityBreak    time.Duration `yaml:"inactivity_break" json:"inactivity_break"`
	AssignmentTimeout  time.Duration `yaml:"assignment_timeout" json:"assignment_timeout"`
	OverProvisioning   int           `yaml:"over_provisioning" json:"over_provisioning"`
	DefaultConcurrency int           `yaml:"default_concurrency" json:"default_concurrency"`
	Restart            RestartConfig `yaml:"restart" json:"restart"`
}

// RestartConfig drives the relaunch of failed runners
type RestartConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"` // -1 = unlimited
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	BackoffJitter     float64       `yaml:"backoff_jitter" json:"backoff_jitter"`
}

// WorkConfig holds the work manager configuration
type WorkConfig struct {
	StoreState       bool                   `yaml:"store_state" json:"store_state"`
	StateTTL         time.Duration          `yaml:"state_ttl" json:"state_ttl"`
	StoreName        string                 `yaml:"store_name" json:"store_name"`
	ShutdownDelay    time.Duration          `yaml:"shutdown_delay" json:"shutdown_delay"`
	ShutdownTimeout  time.Duration          `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	DeadLetterStream string                 `yaml:"dead_letter_stream" json:"dead_letter_stream"`
	RetryBackoff     time.Duration          `yaml:"retry_backoff" json:"retry_backoff"`
	Filters          []stream.FilterConfig  `yaml:"filters" json:"filters"`
	Queues           []work.QueueDescriptor `yaml:"queues" json:"queues"`
}

// KVConfig lists the named key/value stores
type KVConfig struct {
	Stores []StoreConfig `yaml:"stores" json:"stores"`
}

// StoreConfig configures one key/value store, only the fields of its backend are used
type StoreConfig struct {
	Name    string `yaml:"name" json:"name"`
	Backend string `yaml:"backend" json:"backend"` // memory, sql, redis, nats, rocksdb

	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`

	// sql
	Driver string `yaml:"driver" json:"driver"` // postgres, sqlite
	DSN    string `yaml:"dsn" json:"dsn"`
	Table  string `yaml:"table" json:"table"`

	// redis
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`

	// nats
	URL       string        `yaml:"url" json:"url"`
	Bucket    string        `yaml:"bucket" json:"bucket"`
	BucketTTL time.Duration `yaml:"bucket_ttl" json:"bucket_ttl"`
	Replicas  int           `yaml:"replicas" json:"replicas"`

	// rocksdb
	Path string `yaml:"path" json:"path"`
	Sync bool   `yaml:"sync" json:"sync"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Runtime bool   `yaml:"runtime" json:"runtime"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" json:"format"` // json, console
	Output     string `yaml:"output" json:"output"` // stdout, stderr, file
	OutputPath string `yaml:"output_path" json:"output_path"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	workDefaults := work.DefaultConfig()
	return &Config{
		Version: CurrentConfigVersion,
		Application: ApplicationConfig{
			Name:        "streamd",
			Environment: "development",
			Tags:        make(map[string]string),
		},
		Log: LogConfig{
			Backend: LogBackendMemory,
			Kafka: KafkaConfig{
				BootstrapServers:  "localhost:9092",
				ReplicationFactor: 1,
				AdminTimeout:      30 * time.Second,
			},
		},
		Stream: StreamConfig{
			ReadTimeout:        stream.DefaultReadTimeout,
			StarvingTimeout:    stream.DefaultStarvingTimeout,
			InactivityBreak:    stream.DefaultInactivityBreak,
			AssignmentTimeout:  stream.DefaultAssignmentTimeout,
			OverProvisioning:   workDefaults.OverProvisioning,
			DefaultConcurrency: workDefaults.DefaultConcurrency,
			Restart: RestartConfig{
				MaxAttempts:       5,
				InitialBackoff:    time.Second,
				MaxBackoff:        time.Minute,
				BackoffMultiplier: 2.0,
				BackoffJitter:     0.2,
			},
		},
		Work: WorkConfig{
			StateTTL:         workDefaults.StateTTL,
			StoreName:        workDefaults.StoreName,
			ShutdownTimeout:  30 * time.Second,
			DeadLetterStream: workDefaults.DeadLetterStream,
			RetryBackoff:     workDefaults.RetryBackoff,
			Queues: []work.QueueDescriptor{
				{ID: work.DefaultQueueID},
			},
		},
		KV: KVConfig{
			Stores: []StoreConfig{
				{Name: "default", Backend: StoreMemory, CleanupInterval: time.Minute},
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9091",
			Runtime: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// ProductionConfig returns a production-ready configuration
func ProductionConfig() *Config {
	config := DefaultConfig()
	config.Application.Environment = "production"
	config.Log.Backend = LogBackendKafka
	config.Log.Kafka.ReplicationFactor = 3
	config.Work.StoreState = true
	config.Work.ShutdownDelay = 10 * time.Second
	config.Stream.Restart.MaxAttempts = 10
	config.Logging.Level = "warn"
	return config
}

// DevelopmentConfig returns a development-friendly configuration
func DevelopmentConfig() *Config {
	config := DefaultConfig()
	config.Application.Environment = "development"
	config.Stream.Restart.MaxAttempts = 0
	config.Logging.Level = "debug"
	config.Logging.Format = "console"
	return config
}

// WorkManagerConfig converts the work section
func (c *Config) WorkManagerConfig() work.Config {
	config := work.DefaultConfig()
	config.StoreState = c.Work.StoreState
	config.StateTTL = c.Work.StateTTL
	config.StoreName = c.Work.StoreName
	config.OverProvisioning = c.Stream.OverProvisioning
	config.DefaultConcurrency = c.Stream.DefaultConcurrency
	config.ShutdownDelay = c.Work.ShutdownDelay
	config.DeadLetterStream = c.Work.DeadLetterStream
	config.Filters = c.Work.Filters
	if c.Work.RetryBackoff > 0 {
		config.RetryBackoff = c.Work.RetryBackoff
	}
	return config
}

// ApplyStreamSettings copies the runner tuning into stream settings
func (c *Config) ApplyStreamSettings(s *stream.Settings) {
	s.ReadTimeout = c.Stream.ReadTimeout
	s.StarvingTimeout = c.Stream.StarvingTimeout
	s.InactivityBreak = c.Stream.InactivityBreak
	s.AssignmentTimeout = c.Stream.AssignmentTimeout
	r := c.Stream.Restart
	s.RetryPolicy = &perrors.RetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		InitialBackoff:    r.InitialBackoff,
		MaxBackoff:        r.MaxBackoff,
		BackoffMultiplier: r.BackoffMultiplier,
		Jitter:            r.BackoffJitter,
		RetriableFunc:     perrors.IsRetriable,
	}
}
