package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a file
// Supports both YAML and JSON formats
func LoadConfig(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine format based on file extension
	ext := strings.ToLower(filepath.Ext(path))

	var config Config

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	return &config, nil
}

// LoadConfigWithDefaults loads configuration from a file and applies defaults for missing values
func LoadConfigWithDefaults(path string) (*Config, error) {
	config, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(config)

	return config, nil
}

// LoadOrDefault attempts to load configuration from path, returns default config if file doesn't exist
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return LoadConfigWithDefaults(path)
}

// SaveConfig saves configuration to a file
// Format is determined by file extension
func SaveConfig(config *Config, path string) error {
	ext := strings.ToLower(filepath.Ext(path))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyDefaults fills in missing values with defaults
func applyDefaults(config *Config) {
	defaults := DefaultConfig()

	// Apply version if missing
	if config.Version == "" {
		config.Version = defaults.Version
	}

	// Apply application defaults
	if config.Application.Name == "" {
		config.Application.Name = defaults.Application.Name
	}
	if config.Application.Environment == "" {
		config.Application.Environment = defaults.Application.Environment
	}
	if config.Application.Tags == nil {
		config.Application.Tags = make(map[string]string)
	}

	// Apply log defaults
	if config.Log.Backend == "" {
		config.Log.Backend = defaults.Log.Backend
	}
	if config.Log.Kafka.BootstrapServers == "" {
		config.Log.Kafka.BootstrapServers = defaults.Log.Kafka.BootstrapServers
	}
	if config.Log.Kafka.ReplicationFactor == 0 {
		config.Log.Kafka.ReplicationFactor = defaults.Log.Kafka.ReplicationFactor
	}
	if config.Log.Kafka.AdminTimeout == 0 {
		config.Log.Kafka.AdminTimeout = defaults.Log.Kafka.AdminTimeout
	}

	// Apply stream defaults
	if config.Stream.ReadTimeout == 0 {
		config.Stream.ReadTimeout = defaults.Stream.ReadTimeout
	}
	if config.Stream.StarvingTimeout == 0 {
		config.Stream.StarvingTimeout = defaults.Stream.StarvingTimeout
	}
	if config.Stream.InactivityBreak == 0 {
		config.Stream.InactivityBreak = defaults.Stream.InactivityBreak
	}
	if config.Stream.AssignmentTimeout == 0 {
		config.Stream.AssignmentTimeout = defaults.Stream.AssignmentTimeout
	}
	if config.Stream.OverProvisioning == 0 {
		config.Stream.OverProvisioning = defaults.Stream.OverProvisioning
	}
	if config.Stream.DefaultConcurrency == 0 {
		config.Stream.DefaultConcurrency = defaults.Stream.DefaultConcurrency
	}
	if config.Stream.Restart.InitialBackoff == 0 {
		config.Stream.Restart.InitialBackoff = defaults.Stream.Restart.InitialBackoff
	}
	if config.Stream.Restart.MaxBackoff == 0 {
		config.Stream.Restart.MaxBackoff = defaults.Stream.Restart.MaxBackoff
	}
	if config.Stream.Restart.BackoffMultiplier == 0 {
		config.Stream.Restart.BackoffMultiplier = defaults.Stream.Restart.BackoffMultiplier
	}

	// Apply work defaults
	if config.Work.StateTTL == 0 {
		config.Work.StateTTL = defaults.Work.StateTTL
	}
	if config.Work.StoreName == "" {
		config.Work.StoreName = defaults.Work.StoreName
	}
	if config.Work.ShutdownTimeout == 0 {
		config.Work.ShutdownTimeout = defaults.Work.ShutdownTimeout
	}
	if config.Work.RetryBackoff == 0 {
		config.Work.RetryBackoff = defaults.Work.RetryBackoff
	}
	if len(config.Work.Queues) == 0 {
		config.Work.Queues = defaults.Work.Queues
	}

	// Apply kv defaults, the work store must exist
	if len(config.KV.Stores) == 0 {
		config.KV.Stores = []StoreConfig{{Name: config.Work.StoreName, Backend: StoreMemory, CleanupInterval: time.Minute}}
	}
	for i := range config.KV.Stores {
		if config.KV.Stores[i].Backend == "" {
			config.KV.Stores[i].Backend = StoreMemory
		}
	}

	// Apply metrics defaults
	if config.Metrics.Address == "" {
		config.Metrics.Address = defaults.Metrics.Address
	}

	// Apply logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaults.Logging.Output
	}

	// Apply tracing defaults
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = config.Application.Name
	}
	if config.Tracing.Environment == "" {
		config.Tracing.Environment = config.Application.Environment
	}
	if config.Tracing.SamplingRate == 0 {
		config.Tracing.SamplingRate = defaults.Tracing.SamplingRate
	}
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = defaults.Tracing.Exporter
	}
}
