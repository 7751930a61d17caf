package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inteca/nuxeo/pkg/stream"
	"github.com/inteca/nuxeo/pkg/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, "streamd", cfg.Application.Name)
	assert.Equal(t, LogBackendMemory, cfg.Log.Backend)
	assert.Equal(t, 3, cfg.Stream.OverProvisioning)
	assert.Equal(t, 4, cfg.Stream.DefaultConcurrency)
	assert.Equal(t, time.Hour, cfg.Work.StateTTL)
	assert.Equal(t, "dlq-work", cfg.Work.DeadLetterStream)
	assert.Equal(t, work.DefaultQueueID, cfg.Work.Queues[0].ID)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, Validate(cfg))
}

func TestProductionConfig(t *testing.T) {
	cfg := ProductionConfig()

	assert.Equal(t, "production", cfg.Application.Environment)
	assert.Equal(t, LogBackendKafka, cfg.Log.Backend)
	assert.True(t, cfg.Work.StoreState)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.NoError(t, Validate(cfg))
}

func TestDevelopmentConfig(t *testing.T) {
	cfg := DevelopmentConfig()

	assert.Equal(t, 0, cfg.Stream.Restart.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadYAMLConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", `
version: v1
application:
  name: test-app
  environment: test
log:
  backend: kafka
  kafka:
    bootstrap_servers: broker:9092
    topic_prefix: nuxeo-
stream:
  starving_timeout: 2s
work:
  store_state: true
  state_ttl: 30m
  filters:
    - name: overflow
      options:
        storeName: default
        thresholdSize: "1000"
  queues:
    - id: default
    - id: indexing
      categories: [fulltext]
      max_threads: 2
      processing: false
logging:
  level: info
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "v1", cfg.Version)
	assert.Equal(t, "test-app", cfg.Application.Name)
	assert.Equal(t, LogBackendKafka, cfg.Log.Backend)
	assert.Equal(t, "broker:9092", cfg.Log.Kafka.BootstrapServers)
	assert.Equal(t, 2*time.Second, cfg.Stream.StarvingTimeout)
	assert.True(t, cfg.Work.StoreState)
	assert.Equal(t, 30*time.Minute, cfg.Work.StateTTL)
	assert.Equal(t, []stream.FilterConfig{{
		Name:    "overflow",
		Options: map[string]string{"storeName": "default", "thresholdSize": "1000"},
	}}, cfg.Work.Filters)
	require.Len(t, cfg.Work.Queues, 2)
	indexing := cfg.Work.Queues[1]
	assert.Equal(t, []string{"fulltext"}, indexing.Categories)
	assert.Equal(t, 2, indexing.MaxThreads)
	assert.False(t, indexing.IsProcessingEnabled())
	assert.True(t, indexing.IsQueuingEnabled())
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "version": "v1",
  "application": {"name": "test-app", "environment": "test"},
  "work": {"queues": [{"id": "default", "max_threads": 8}]},
  "logging": {"level": "info"}
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test-app", cfg.Application.Name)
	assert.Equal(t, 8, cfg.Work.Queues[0].MaxThreads)
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "config.toml", "version = 'v1'")
	_, err := LoadConfig(path)
	assert.Error(t, err)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigWithDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
version: v1
application:
  name: minimal-app
`)
	cfg, err := LoadConfigWithDefaults(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal-app", cfg.Application.Name)
	assert.Equal(t, LogBackendMemory, cfg.Log.Backend)
	assert.Equal(t, stream.DefaultStarvingTimeout, cfg.Stream.StarvingTimeout)
	assert.Equal(t, "default", cfg.Work.StoreName)
	require.Len(t, cfg.KV.Stores, 1)
	assert.Equal(t, StoreMemory, cfg.KV.Stores[0].Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, Validate(cfg))
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("STREAM_APPLICATION_NAME", "env-app")
	t.Setenv("STREAM_LOG_BACKEND", "kafka")
	t.Setenv("STREAM_STREAM_DEFAULT_CONCURRENCY", "8")
	t.Setenv("STREAM_WORK_STORE_STATE", "true")
	t.Setenv("STREAM_WORK_SHUTDOWN_TIMEOUT", "1m")
	t.Setenv("STREAM_LOGGING_LEVEL", "debug")
	t.Setenv("STREAM_TRACING_ENABLED", "true")

	require.NoError(t, ApplyEnvOverrides(cfg))

	assert.Equal(t, "env-app", cfg.Application.Name)
	assert.Equal(t, LogBackendKafka, cfg.Log.Backend)
	assert.Equal(t, 8, cfg.Stream.DefaultConcurrency)
	assert.True(t, cfg.Work.StoreState)
	assert.Equal(t, time.Minute, cfg.Work.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestApplyEnvOverridesInvalid(t *testing.T) {
	t.Setenv("STREAM_STREAM_STARVING_TIMEOUT", "soon")
	assert.Error(t, ApplyEnvOverrides(DefaultConfig()))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "version"},
		{"invalid environment", func(c *Config) { c.Application.Environment = "invalid-env" }, "application.environment"},
		{"unknown log backend", func(c *Config) { c.Log.Backend = "pulsar" }, "log.backend"},
		{"kafka without servers", func(c *Config) {
			c.Log.Backend = LogBackendKafka
			c.Log.Kafka.BootstrapServers = ""
		}, "log.kafka.bootstrap_servers"},
		{"zero starving timeout", func(c *Config) { c.Stream.StarvingTimeout = 0 }, "stream.starving_timeout"},
		{"zero over provisioning", func(c *Config) { c.Stream.OverProvisioning = 0 }, "stream.over_provisioning"},
		{"unknown work store", func(c *Config) { c.Work.StoreName = "missing" }, "work.store_name"},
		{"filter on unknown store", func(c *Config) {
			c.Work.Filters = []stream.FilterConfig{{Name: "overflow", Options: map[string]string{"storeName": "nope"}}}
		}, "work.filters[0].options.storeName"},
		{"conflicting categories", func(c *Config) {
			c.Work.Queues = []work.QueueDescriptor{
				{ID: "a", Categories: []string{"x"}},
				{ID: "b", Categories: []string{"x"}},
			}
		}, "work.queues"},
		{"duplicate store", func(c *Config) {
			c.KV.Stores = append(c.KV.Stores, StoreConfig{Name: "default", Backend: StoreMemory})
		}, "kv.stores[1].name"},
		{"sql store without dsn", func(c *Config) {
			c.KV.Stores = append(c.KV.Stores, StoreConfig{Name: "db", Backend: StoreSQL, Driver: "sqlite"})
		}, "kv.stores[1].dsn"},
		{"unknown store backend", func(c *Config) {
			c.KV.Stores = append(c.KV.Stores, StoreConfig{Name: "x", Backend: "etcd"})
		}, "kv.stores[1].backend"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"file output without path", func(c *Config) { c.Logging.Output = "file" }, "logging.output_path"},
		{"invalid sampling rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SamplingRate = 2
		}, "tracing.sampling_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.True(t, verrs.Has(tt.field), "expected error on %s, got %v", tt.field, err)
		})
	}
}

func TestValidateAndLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `
version: v1
logging:
  level: loud
`)
	_, err := ValidateAndLoad(path)
	assert.Error(t, err)

	path = writeFile(t, "ok.yaml", "version: v1\n")
	cfg, err := ValidateAndLoad(path)
	require.NoError(t, err)
	assert.Equal(t, "streamd", cfg.Application.Name)
}

func TestSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Application.Name = "save-test"

	for _, name := range []string{"config.yaml", "config.json"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		require.NoError(t, SaveConfig(cfg, path))
		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "save-test", loaded.Application.Name)
		require.Len(t, loaded.Work.Queues, 1)
		assert.Equal(t, work.DefaultQueueID, loaded.Work.Queues[0].ID)
		assert.Equal(t, cfg.Work.StateTTL, loaded.Work.StateTTL)
	}
}

func TestWorkManagerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Work.StoreState = true
	cfg.Work.ShutdownDelay = 5 * time.Second
	cfg.Stream.DefaultConcurrency = 2

	wc := cfg.WorkManagerConfig()
	assert.True(t, wc.StoreState)
	assert.Equal(t, 5*time.Second, wc.ShutdownDelay)
	assert.Equal(t, 2, wc.DefaultConcurrency)
	assert.Equal(t, 3, wc.OverProvisioning)
	assert.Equal(t, "dlq-work", wc.DeadLetterStream)

	settings := stream.NewSettings(1, 1, nil)
	cfg.Stream.StarvingTimeout = 3 * time.Second
	cfg.ApplyStreamSettings(settings)
	assert.Equal(t, 3*time.Second, settings.StarvingTimeout)
	assert.Equal(t, 5, settings.RetryPolicy.MaxAttempts)
}
