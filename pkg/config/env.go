package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STREAM_"

// ApplyEnvOverrides applies environment variable overrides to the configuration
// Environment variables follow the pattern: STREAM_<SECTION>_<KEY>
// Example: STREAM_WORK_STORE_STATE=true
func ApplyEnvOverrides(config *Config) error {
	// Application overrides
	if val := os.Getenv("STREAM_APPLICATION_NAME"); val != "" {
		config.Application.Name = val
	}
	if val := os.Getenv("STREAM_APPLICATION_ENVIRONMENT"); val != "" {
		config.Application.Environment = val
	}

	// Log overrides
	if val := os.Getenv("STREAM_LOG_BACKEND"); val != "" {
		config.Log.Backend = val
	}
	if val := os.Getenv("STREAM_LOG_KAFKA_BOOTSTRAP_SERVERS"); val != "" {
		config.Log.Kafka.BootstrapServers = val
	}
	if val := os.Getenv("STREAM_LOG_KAFKA_TOPIC_PREFIX"); val != "" {
		config.Log.Kafka.TopicPrefix = val
	}
	if err := envInt("STREAM_LOG_KAFKA_REPLICATION_FACTOR", &config.Log.Kafka.ReplicationFactor); err != nil {
		return err
	}

	// Stream overrides
	if err := envDuration("STREAM_STREAM_READ_TIMEOUT", &config.Stream.ReadTimeout); err != nil {
		return err
	}
	if err := envDuration("STREAM_STREAM_STARVING_TIMEOUT", &config.Stream.StarvingTimeout); err != nil {
		return err
	}
	if err := envDuration("STREAM_STREAM_INACTIVITY_BREAK", &config.Stream.InactivityBreak); err != nil {
		return err
	}
	if err := envDuration("STREAM_STREAM_ASSIGNMENT_TIMEOUT", &config.Stream.AssignmentTimeout); err != nil {
		return err
	}
	if err := envInt("STREAM_STREAM_OVER_PROVISIONING", &config.Stream.OverProvisioning); err != nil {
		return err
	}
	if err := envInt("STREAM_STREAM_DEFAULT_CONCURRENCY", &config.Stream.DefaultConcurrency); err != nil {
		return err
	}
	if err := envInt("STREAM_STREAM_RESTART_MAX_ATTEMPTS", &config.Stream.Restart.MaxAttempts); err != nil {
		return err
	}

	// Work overrides
	if val := os.Getenv("STREAM_WORK_STORE_STATE"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid STREAM_WORK_STORE_STATE: %w", err)
		}
		config.Work.StoreState = enabled
	}
	if err := envDuration("STREAM_WORK_STATE_TTL", &config.Work.StateTTL); err != nil {
		return err
	}
	if val := os.Getenv("STREAM_WORK_STORE_NAME"); val != "" {
		config.Work.StoreName = val
	}
	if err := envDuration("STREAM_WORK_SHUTDOWN_DELAY", &config.Work.ShutdownDelay); err != nil {
		return err
	}
	if err := envDuration("STREAM_WORK_SHUTDOWN_TIMEOUT", &config.Work.ShutdownTimeout); err != nil {
		return err
	}
	if val := os.Getenv("STREAM_WORK_DEAD_LETTER_STREAM"); val != "" {
		config.Work.DeadLetterStream = val
	}

	// Metrics overrides
	if val := os.Getenv("STREAM_METRICS_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid STREAM_METRICS_ENABLED: %w", err)
		}
		config.Metrics.Enabled = enabled
	}
	if val := os.Getenv("STREAM_METRICS_ADDRESS"); val != "" {
		config.Metrics.Address = val
	}

	// Logging overrides
	if val := os.Getenv("STREAM_LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("STREAM_LOGGING_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("STREAM_LOGGING_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("STREAM_LOGGING_OUTPUT_PATH"); val != "" {
		config.Logging.OutputPath = val
	}

	// Tracing overrides
	if val := os.Getenv("STREAM_TRACING_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid STREAM_TRACING_ENABLED: %w", err)
		}
		config.Tracing.Enabled = enabled
	}
	if val := os.Getenv("STREAM_TRACING_EXPORTER"); val != "" {
		config.Tracing.Exporter = val
	}
	if val := os.Getenv("STREAM_TRACING_SAMPLING_RATE"); val != "" {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid STREAM_TRACING_SAMPLING_RATE: %w", err)
		}
		config.Tracing.SamplingRate = rate
	}

	return nil
}

func envInt(key string, target *int) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = v
	return nil
}

func envDuration(key string, target *time.Duration) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	v, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = v
	return nil
}

// GetEnvWithDefault retrieves an environment variable or returns a default value
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable or returns a default value
func GetEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable or returns a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration retrieves a duration environment variable or returns a default value
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// LoadConfigWithEnv loads configuration from file and applies environment variable overrides
func LoadConfigWithEnv(path string) (*Config, error) {
	// Load base configuration
	config, err := LoadConfigWithDefaults(path)
	if err != nil {
		return nil, err
	}

	// Apply environment overrides
	if err := ApplyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// LoadOrDefaultWithEnv loads configuration from file (or uses default) and applies environment overrides
func LoadOrDefaultWithEnv(path string) (*Config, error) {
	// Load base configuration or use default
	config, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	// Apply environment overrides
	if err := ApplyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}
