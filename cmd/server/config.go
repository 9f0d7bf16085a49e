package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/vulnchat/internal/chat"
	"github.com/MegaGrindStone/vulnchat/internal/pacing"
	"github.com/MegaGrindStone/vulnchat/internal/services"
	"github.com/MegaGrindStone/vulnchat/internal/stream"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port       string           `yaml:"port"`
	APIBase    string           `yaml:"apiBase"`
	StreamPath string           `yaml:"streamPath"`
	LogLevel   string           `yaml:"logLevel"`
	DBPath     string           `yaml:"dbPath"`
	Stream     streamConfig     `yaml:"stream"`
	Typewriter typewriterConfig `yaml:"typewriter"`
}

type streamConfig struct {
	WarnAfter    string `yaml:"warnAfter"`
	TimeoutAfter string `yaml:"timeoutAfter"`
	ReadRetries  int    `yaml:"readRetries"`
	RetryDelay   string `yaml:"retryDelay"`
	// ReplaceRatio of zero disables the length test; leave it unset for the default.
	ReplaceRatio *float64 `yaml:"replaceRatio"`
}

type typewriterConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	BaseInterval string `yaml:"baseInterval"`
	MinInterval  string `yaml:"minInterval"`
}

// loadConfig reads the config file at path. A missing file yields the defaults.
func loadConfig(path, dir string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := config{}
			cfg.applyDefaults(dir)
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return decodeConfig(f, dir)
}

func decodeConfig(r io.Reader, dir string) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.applyDefaults(dir)
	return cfg, nil
}

func (c *config) applyDefaults(dir string) {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.APIBase == "" {
		c.APIBase = os.Getenv("VULNCHAT_API_BASE")
	}
	if c.APIBase == "" {
		c.APIBase = services.DefaultAPIBase
	}
	if c.StreamPath == "" {
		c.StreamPath = services.DefaultStreamPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dir, "store.db")
	}
	if c.Stream.ReplaceRatio == nil {
		ratio := stream.DefaultReplaceRatio
		c.Stream.ReplaceRatio = &ratio
	}
	if c.Typewriter.Enabled == nil {
		enabled := true
		c.Typewriter.Enabled = &enabled
	}
}

func (c config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid logLevel: %w", err)
	}
	return lvl, nil
}

func (c config) chatConfig() (chat.Config, error) {
	cfg := chat.DefaultConfig()

	var err error
	if cfg.WarnAfter, err = duration("stream.warnAfter", c.Stream.WarnAfter, cfg.WarnAfter); err != nil {
		return chat.Config{}, err
	}
	if cfg.TimeoutAfter, err = duration("stream.timeoutAfter", c.Stream.TimeoutAfter, cfg.TimeoutAfter); err != nil {
		return chat.Config{}, err
	}
	if cfg.RetryDelay, err = duration("stream.retryDelay", c.Stream.RetryDelay, cfg.RetryDelay); err != nil {
		return chat.Config{}, err
	}
	if cfg.TimeoutAfter < cfg.WarnAfter {
		return chat.Config{}, fmt.Errorf("stream.timeoutAfter (%s) is shorter than stream.warnAfter (%s)",
			cfg.TimeoutAfter, cfg.WarnAfter)
	}
	if c.Stream.ReadRetries > 0 {
		cfg.ReadRetries = c.Stream.ReadRetries
	}
	if c.Stream.ReplaceRatio != nil {
		cfg.Merge.ReplaceRatio = *c.Stream.ReplaceRatio
	}
	return cfg, nil
}

// typewriterConfig returns the pacing configuration, or false when the typewriter is disabled.
func (c config) typewriterConfig() (pacing.Config, bool, error) {
	if c.Typewriter.Enabled != nil && !*c.Typewriter.Enabled {
		return pacing.Config{}, false, nil
	}

	baseInterval, err := duration("typewriter.baseInterval", c.Typewriter.BaseInterval, pacing.DefaultBaseInterval)
	if err != nil {
		return pacing.Config{}, false, err
	}
	minInterval, err := duration("typewriter.minInterval", c.Typewriter.MinInterval, pacing.DefaultMinInterval)
	if err != nil {
		return pacing.Config{}, false, err
	}

	return pacing.Config{
		BaseInterval: baseInterval,
		MinInterval:  minInterval,
		Placeholders: []string{stream.PendingText, chat.ThinkingText, chat.AnalyzingText},
	}, true, nil
}

func duration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
