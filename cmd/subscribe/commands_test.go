package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devrev/pairdb/docstore/internal/config"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/subscription"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootOptions_FlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, `
store:
  database: orders
subscription:
  name: from-file
logging:
  level: warn
`)
	opts := &rootOptions{configPath: path, name: "from-flag", strategy: "TakeOver"}
	cfg, logger, err := opts.load()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Subscription.Name)
	assert.Equal(t, "TakeOver", cfg.Subscription.Strategy)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	opts.strategy = "Steal"
	_, _, err = opts.load()
	assert.EqualError(t, err, "configuration validation failed: subscription.strategy must be one of: OpenIfFree, TakeOver, WaitForFree")
}

func TestCreateCommand_RequiresQuery(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"create", "--config", writeConfig(t, "store:\n  database: orders\n")})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "query" not set`)
}

func TestRun_RequiresSubscriptionName(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Database = "orders"
	assert.EqualError(t, run(context.Background(), cfg, zap.NewNop()), "subscription.name is required")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestLogBatch(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := logBatch(zap.New(core))

	meta := model.NewMetadata()
	meta.Set(model.MetadataCollection, "Orders")
	batch := &subscription.Batch{Items: []*subscription.Item{
		{ID: "orders/1-A", ChangeVector: "A:1-db", Metadata: meta},
		{ID: "orders/2-A", ChangeVector: "A:2-db", Metadata: meta},
	}}
	require.NoError(t, handler(context.Background(), batch))

	entries := logs.FilterMessage("Received document").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "orders/2-A", entries[1].ContextMap()["id"])
	assert.Equal(t, "Orders", entries[0].ContextMap()["collection"])
}
