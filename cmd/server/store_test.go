package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/memory"
)

func TestOpenStore_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, closeStore, err := openStore(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer closeStore()

	assert.IsType(t, &memory.Store{}, store)
}

func TestOpenStore_UnknownAdapter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Adapter = "cassandra"

	_, _, err := openStore(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "cassandra")
}

func TestNewLogger(t *testing.T) {
	assert.True(t, newLogger(true).Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger(false).Enabled(context.Background(), slog.LevelDebug))
}
