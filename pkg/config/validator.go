package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/inteca/nuxeo/pkg/kv/sql"
	"github.com/inteca/nuxeo/pkg/work"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("found %d validation error(s):\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", err.Field, err.Message))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add adds a validation error
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// Has reports whether a field has an error
func (e *ValidationErrors) Has(field string) bool {
	for _, err := range e.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validate validates the entire configuration
func Validate(config *Config) error {
	errs := &ValidationErrors{}

	validateVersion(config, errs)
	validateApplication(config, errs)
	validateLog(config, errs)
	validateStream(config, errs)
	validateKV(config, errs)
	validateWork(config, errs)
	validateMetrics(config, errs)
	validateLogging(config, errs)
	validateTracing(config, errs)

	if errs.HasErrors() {
		return errs
	}

	return nil
}

// oneOf adds an error when value is not in valid
func oneOf(errs *ValidationErrors, field, what, value string, valid ...string) {
	if !slices.Contains(valid, value) {
		errs.Add(field, fmt.Sprintf("invalid %s %s (valid: %s)", what, value, strings.Join(valid, ", ")))
	}
}

func validateVersion(config *Config, errs *ValidationErrors) {
	if config.Version == "" {
		errs.Add("version", "version is required")
		return
	}

	if config.Version != CurrentConfigVersion {
		errs.Add("version", fmt.Sprintf("unsupported version %s (current: %s)", config.Version, CurrentConfigVersion))
	}
}

func validateApplication(config *Config, errs *ValidationErrors) {
	if config.Application.Name == "" {
		errs.Add("application.name", "application name is required")
	}

	if config.Application.Environment != "" {
		oneOf(errs, "application.environment", "environment", config.Application.Environment,
			"development", "staging", "production", "test")
	}
}

func validateLog(config *Config, errs *ValidationErrors) {
	oneOf(errs, "log.backend", "log backend", config.Log.Backend, LogBackendMemory, LogBackendKafka)
	if config.Log.Backend != LogBackendKafka {
		return
	}
	if config.Log.Kafka.BootstrapServers == "" {
		errs.Add("log.kafka.bootstrap_servers", "bootstrap servers are required for the kafka log")
	}
	if config.Log.Kafka.ReplicationFactor < 1 {
		errs.Add("log.kafka.replication_factor", "replication factor must be at least 1")
	}
}

func validateStream(config *Config, errs *ValidationErrors) {
	s := config.Stream
	if s.ReadTimeout <= 0 {
		errs.Add("stream.read_timeout", "read timeout must be positive")
	}
	if s.StarvingTimeout <= 0 {
		errs.Add("stream.starving_timeout", "starving timeout must be positive")
	}
	if s.InactivityBreak < 0 {
		errs.Add("stream.inactivity_break", "inactivity break cannot be negative")
	}
	if s.AssignmentTimeout <= 0 {
		errs.Add("stream.assignment_timeout", "assignment timeout must be positive")
	}
	if s.OverProvisioning < 1 {
		errs.Add("stream.over_provisioning", "over provisioning factor must be at least 1")
	}
	if s.DefaultConcurrency < 1 {
		errs.Add("stream.default_concurrency", "default concurrency must be at least 1")
	}
	if s.Restart.MaxAttempts < -1 {
		errs.Add("stream.restart.max_attempts", "max attempts must be -1 (unlimited) or more")
	}
	if s.Restart.BackoffMultiplier < 1 {
		errs.Add("stream.restart.backoff_multiplier", "backoff multiplier must be at least 1")
	}
	if s.Restart.BackoffJitter < 0 || s.Restart.BackoffJitter > 1 {
		errs.Add("stream.restart.backoff_jitter", "backoff jitter must be between 0 and 1")
	}
	if s.Restart.MaxBackoff < s.Restart.InitialBackoff {
		errs.Add("stream.restart.max_backoff", "max backoff must be greater than initial backoff")
	}
}

func validateKV(config *Config, errs *ValidationErrors) {
	names := make(map[string]bool)
	for i, store := range config.KV.Stores {
		field := fmt.Sprintf("kv.stores[%d]", i)
		if store.Name == "" {
			errs.Add(field+".name", "store name is required")
		} else if names[store.Name] {
			errs.Add(field+".name", fmt.Sprintf("duplicate store name %s", store.Name))
		}
		names[store.Name] = true

		switch store.Backend {
		case StoreMemory:
		case StoreSQL:
			oneOf(errs, field+".driver", "driver", store.Driver, sql.DriverPostgres, sql.DriverSQLite)
			if store.DSN == "" {
				errs.Add(field+".dsn", "dsn is required for a sql store")
			}
		case StoreRedis:
			if store.Addr == "" {
				errs.Add(field+".addr", "addr is required for a redis store")
			}
		case StoreNATS:
			if store.URL == "" {
				errs.Add(field+".url", "url is required for a nats store")
			}
			if store.Bucket == "" {
				errs.Add(field+".bucket", "bucket is required for a nats store")
			}
		case StoreRocksDB:
			if store.Path == "" {
				errs.Add(field+".path", "path is required for a rocksdb store")
			}
		default:
			oneOf(errs, field+".backend", "store backend", store.Backend,
				StoreMemory, StoreSQL, StoreRedis, StoreNATS, StoreRocksDB)
		}
	}
}

func validateWork(config *Config, errs *ValidationErrors) {
	w := config.Work
	if w.StoreState && w.StoreName == "" {
		errs.Add("work.store_name", "store name is required when store_state is enabled")
	}
	if w.StoreName != "" && !storeExists(config, w.StoreName) {
		errs.Add("work.store_name", fmt.Sprintf("unknown store %s", w.StoreName))
	}
	if w.StateTTL < 0 {
		errs.Add("work.state_ttl", "state ttl cannot be negative")
	}
	if w.ShutdownTimeout <= 0 {
		errs.Add("work.shutdown_timeout", "shutdown timeout must be positive")
	}
	for i, f := range w.Filters {
		if f.Name == "" {
			errs.Add(fmt.Sprintf("work.filters[%d].name", i), "filter name is required")
		}
		if name := f.Options["storeName"]; name != "" && !storeExists(config, name) {
			errs.Add(fmt.Sprintf("work.filters[%d].options.storeName", i), fmt.Sprintf("unknown store %s", name))
		}
	}
	if len(w.Queues) == 0 {
		errs.Add("work.queues", "at least one queue is required")
	}
	if _, err := work.NewQueueRegistry(w.Queues...); err != nil {
		errs.Add("work.queues", err.Error())
	}
}

func storeExists(config *Config, name string) bool {
	for _, store := range config.KV.Stores {
		if store.Name == name {
			return true
		}
	}
	return false
}

func validateMetrics(config *Config, errs *ValidationErrors) {
	if config.Metrics.Enabled && config.Metrics.Address == "" {
		errs.Add("metrics.address", "metrics address is required when metrics are enabled")
	}
}

func validateLogging(config *Config, errs *ValidationErrors) {
	oneOf(errs, "logging.level", "log level", config.Logging.Level, "debug", "info", "warn", "error")
	oneOf(errs, "logging.format", "log format", config.Logging.Format, "json", "console")
	oneOf(errs, "logging.output", "log output", config.Logging.Output, "stdout", "stderr", "file")

	if config.Logging.Output == "file" && config.Logging.OutputPath == "" {
		errs.Add("logging.output_path", "output path is required when output is 'file'")
	}
}

func validateTracing(config *Config, errs *ValidationErrors) {
	if !config.Tracing.Enabled {
		return
	}
	if config.Tracing.SamplingRate < 0 || config.Tracing.SamplingRate > 1 {
		errs.Add("tracing.sampling_rate", "sampling rate must be between 0 and 1")
	}
	oneOf(errs, "tracing.exporter", "exporter", config.Tracing.Exporter, "stdout", "none")
}

// ValidateAndLoad loads and validates a configuration file
func ValidateAndLoad(path string) (*Config, error) {
	config, err := LoadConfigWithEnv(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}
