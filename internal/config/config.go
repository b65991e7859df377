package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/history"
	"github.com/tanq16/hlsdl/internal/progress"
	"github.com/tanq16/hlsdl/internal/publish"
	"github.com/tanq16/hlsdl/internal/segments"
	"github.com/tanq16/hlsdl/internal/task"
	"github.com/tanq16/hlsdl/internal/utils"
	"gopkg.in/yaml.v3"
)

type HistoryConfig struct {
	File     string `yaml:"file"`
	RedisURL string `yaml:"redis_url"`
	RedisKey string `yaml:"redis_key"`
	Limit    int    `yaml:"limit"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	Output           string                 `yaml:"output"`
	BatchSize        int                    `yaml:"batch_size"`
	Retry            utils.RetryPolicy      `yaml:"retry"`
	ProgressInterval time.Duration          `yaml:"progress_interval"`
	TempDir          string                 `yaml:"temp_dir"`
	KeepTempOnError  bool                   `yaml:"keep_temp_on_error"`
	LimitKBps        int64                  `yaml:"limit_kbps"`
	FFmpeg           string                 `yaml:"ffmpeg"`
	HTTP             utils.HTTPClientConfig `yaml:"http"`
	History          HistoryConfig          `yaml:"history"`
	Server           ServerConfig           `yaml:"server"`
	S3               publish.S3Config       `yaml:"s3"`
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "hlsdl")
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func Default() Config {
	return Config{
		Output:           ".",
		BatchSize:        segments.DefaultBatchSize,
		Retry:            utils.DefaultRetryPolicy(),
		ProgressInterval: progress.DefaultInterval,
		TempDir:          filepath.Join(os.TempDir(), utils.TempDirName),
		KeepTempOnError:  true,
		FFmpeg:           "ffmpeg",
		HTTP: utils.HTTPClientConfig{
			Timeout:   3 * time.Minute,
			KATimeout: 90 * time.Second,
			UserAgent: utils.ToolUserAgent,
		},
		History: HistoryConfig{
			File:     filepath.Join(configDir(), "history.json"),
			RedisKey: history.DefaultRedisKey,
			Limit:    history.DefaultLimit,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:3001",
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load overlays the YAML file at path on the defaults. An empty path falls
// back to DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("error reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	log.Debug().Str("op", "config/config").Msgf("Loaded config from %s", path)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive, got %d", c.Retry.Attempts)
	}
	if c.Retry.Delay < 0 || c.Retry.Timeout < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	if c.LimitKBps < 0 {
		return fmt.Errorf("limit_kbps must not be negative")
	}
	return nil
}

func (c Config) TaskOptions() task.Options {
	return task.Options{
		BatchSize:        c.BatchSize,
		Retry:            c.Retry,
		ProgressInterval: c.ProgressInterval,
		TempRoot:         c.TempDir,
		KeepTempOnError:  c.KeepTempOnError,
		Limiter:          segments.NewBandwidthLimiter(c.LimitKBps * 1024),
	}
}

// HistoryStore returns the Redis store when configured and reachable, the
// JSON file store otherwise.
func (c Config) HistoryStore(ctx context.Context) history.Store {
	if c.History.RedisURL != "" {
		store, err := history.NewRedisStoreFromURL(ctx, c.History.RedisURL, c.History.RedisKey, c.History.Limit)
		if err == nil {
			return store
		}
		log.Warn().Str("op", "config/config").Err(err).Msg("Falling back to file history")
	}
	return history.NewFileStore(c.History.File, c.History.Limit)
}
