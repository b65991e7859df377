package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/hlsdl/internal/history"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output: /media/downloads
batch_size: 4
retry:
  attempts: 5
  delay: 2s
limit_kbps: 512
http:
  user_agent: randomize
  headers:
    Referer: https://site.example
history:
  limit: 20
s3:
  target: s3://bucket/videos
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/media/downloads", cfg.Output)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
	assert.Equal(t, 30*time.Second, cfg.Retry.Timeout, "unset keys keep defaults")
	assert.Equal(t, "randomize", cfg.HTTP.UserAgent)
	assert.Equal(t, "https://site.example", cfg.HTTP.Headers["Referer"])
	assert.Equal(t, 20, cfg.History.Limit)
	assert.Equal(t, "s3://bucket/videos", cfg.S3.Target)
	assert.True(t, cfg.KeepTempOnError)

	opts := cfg.TaskOptions()
	assert.Equal(t, 4, opts.BatchSize)
	require.NotNil(t, opts.Limiter)
	assert.EqualValues(t, 512*1024, opts.Limiter.Limit())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 0\n"), 0644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "batch_size")
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.Delay)
	assert.Equal(t, 500*time.Millisecond, cfg.ProgressInterval)
	assert.Nil(t, cfg.TaskOptions().Limiter)
}

func TestHistoryStoreFallsBackToFile(t *testing.T) {
	cfg := Default()
	cfg.History.File = filepath.Join(t.TempDir(), "history.json")
	cfg.History.RedisURL = "::not a url::"
	store := cfg.HistoryStore(context.Background())
	_, ok := store.(*history.FileStore)
	assert.True(t, ok)
}
