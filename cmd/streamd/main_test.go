package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inteca/nuxeo/pkg/config"
	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		level    string
		override string
		expected zapcore.Level
	}{
		{"debug", "", zap.DebugLevel},
		{"info", "", zap.InfoLevel},
		{"info", "error", zap.ErrorLevel},
		{"warn", "", zap.WarnLevel},
		{"bogus", "", zap.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.override, func(t *testing.T) {
			logger, err := initLogger(config.LoggingConfig{Level: tt.level, Format: "console", Output: "stderr"}, tt.override)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.expected))
			assert.False(t, logger.Core().Enabled(tt.expected-1))
		})
	}
}

func TestBuildStores(t *testing.T) {
	ctx := context.Background()
	stores, err := buildStores(ctx, config.KVConfig{Stores: []config.StoreConfig{
		{Name: "default", Backend: config.StoreMemory},
		{Name: "db", Backend: config.StoreSQL, Driver: "sqlite", DSN: "file:streamd_build?mode=memory&cache=shared"},
	}}, zap.NewNop())
	require.NoError(t, err)
	defer stores.Close()

	assert.Equal(t, []string{"db", "default"}, stores.Names())
	db, err := stores.Get("db")
	require.NoError(t, err)
	require.NoError(t, kv.PutString(ctx, db, "k", "v", 0))
	v, err := kv.GetString(ctx, db, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestBuildStoresUnsupported(t *testing.T) {
	_, err := buildStores(context.Background(), config.KVConfig{Stores: []config.StoreConfig{
		{Name: "default", Backend: config.StoreMemory},
		{Name: "x", Backend: "etcd"},
	}}, zap.NewNop())
	assert.ErrorContains(t, err, "store x")
}

func TestBuildLog(t *testing.T) {
	logs, err := buildLog(config.LogConfig{Backend: config.LogBackendMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, logs.SupportSubscribe())
	require.NoError(t, logs.Close())

	_, err = buildLog(config.LogConfig{Backend: "pulsar"}, zap.NewNop())
	assert.Error(t, err)
}

func TestLogWorkRoundTrip(t *testing.T) {
	types := workTypes(zap.NewNop())
	data, err := types.Encode(newLogWork("w1", "default", "hello"))
	require.NoError(t, err)

	w, env, err := types.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, logWorkType, env.Type)
	assert.Equal(t, "w1", w.ID())
	assert.True(t, w.IsIdempotent())
	assert.Equal(t, "hello", w.(*logWork).Message)
	assert.NoError(t, w.Run(context.Background()))
}

func TestMetricsCommand(t *testing.T) {
	path := writeConfig(t, `
version: v1
metrics:
  enabled: false
logging:
  level: error
  output: stderr
work:
  queues:
    - id: default
    - id: indexing
      categories: [fulltext]
`)
	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"metrics", "--config", path})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "QUEUE"))
	assert.True(t, strings.HasPrefix(lines[1], "default"))
	assert.True(t, strings.HasPrefix(lines[2], "indexing"))
}

func TestScheduleCommand(t *testing.T) {
	path := writeConfig(t, `
version: v1
logging:
  level: error
  output: stderr
`)
	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"schedule", "--config", path, "--id", "w1", "--message", "hello"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "scheduled work w1\n", out.String())
}

func TestInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
version: v2
`)
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", path})
	assert.ErrorContains(t, root.Execute(), "unsupported version")
}
