// Package config holds pagecast's settings and the viper keys they are
// read from.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/user/pagecast/internal/compiler"
	"github.com/user/pagecast/internal/hub"
	"github.com/user/pagecast/internal/watcher"
)

const (
	EnvPrefix      = "PAGECAST"
	ConfigBaseName = "pagecast"
	ConfigFileName = ConfigBaseName + ".yaml"

	InputKey                = "input"
	RootKey                 = "root"
	ListenKey               = "listen"
	TokenKey                = "token"
	PPIKey                  = "ppi"
	CompilerCommandKey      = "compiler.command"
	CompilerTimeoutKey      = "compiler.timeout"
	WatchDebounceKey        = "watch.debounce"
	WatchPathsKey           = "watch.paths"
	WatchIgnoreKey          = "watch.ignore"
	DeliveryWriteTimeoutKey = "delivery.write_timeout"
	DeliveryPingIntervalKey = "delivery.ping_interval"
	HistoryPathKey          = "history.path"
	HistoryKeepKey          = "history.keep"

	LogFilenameKey   = "log.filename"
	LogLevelKey      = "log.level"
	LogVerboseKey    = "log.verbose"
	LogMaxSizeKey    = "log.max_size"
	LogMaxBackupsKey = "log.max_backups"
	LogMaxAgeKey     = "log.max_age"
	LogCompressKey   = "log.compress"

	DefaultListen      = "127.0.0.1:23625"
	DefaultHistoryPath = "~/.config/pagecast/history.db"
	DefaultHistoryKeep = 500

	DefaultLogLevel      = "info"
	DefaultLogMaxSize    = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAge     = 28
	DefaultLogCompress   = true
)

type Config struct {
	Input    string         `mapstructure:"input" yaml:"input"`
	Root     string         `mapstructure:"root" yaml:"root"`
	Listen   string         `mapstructure:"listen" yaml:"listen"`
	Token    string         `mapstructure:"token" yaml:"token"`
	PPI      float64        `mapstructure:"ppi" yaml:"ppi"`
	Compiler CompilerConfig `mapstructure:"compiler" yaml:"compiler"`
	Watch    WatchConfig    `mapstructure:"watch" yaml:"watch"`
	Delivery DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type CompilerConfig struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Paths    []string      `mapstructure:"paths" yaml:"paths"`
	Ignore   []string      `mapstructure:"ignore" yaml:"ignore"`
}

type DeliveryConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

type HistoryConfig struct {
	// Path is the sqlite file. Empty disables history.
	Path string `mapstructure:"path" yaml:"path"`
	Keep int    `mapstructure:"keep" yaml:"keep"`
}

type LogConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	Level      string `mapstructure:"level" yaml:"level"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(InputKey, "")
	v.SetDefault(RootKey, "")
	v.SetDefault(ListenKey, DefaultListen)
	v.SetDefault(TokenKey, "")
	v.SetDefault(PPIKey, compiler.DefaultPPI)
	v.SetDefault(CompilerCommandKey, compiler.DefaultCommand)
	v.SetDefault(CompilerTimeoutKey, compiler.DefaultTimeout)
	v.SetDefault(WatchDebounceKey, watcher.DefaultDebounce)
	v.SetDefault(WatchPathsKey, []string{})
	v.SetDefault(WatchIgnoreKey, watcher.DefaultIgnore)
	v.SetDefault(DeliveryWriteTimeoutKey, hub.DefaultWriteTimeout)
	v.SetDefault(DeliveryPingIntervalKey, hub.DefaultPingInterval)
	v.SetDefault(HistoryPathKey, DefaultHistoryPath)
	v.SetDefault(HistoryKeepKey, DefaultHistoryKeep)

	v.SetDefault(LogFilenameKey, "")
	v.SetDefault(LogLevelKey, DefaultLogLevel)
	v.SetDefault(LogVerboseKey, false)
	v.SetDefault(LogMaxSizeKey, DefaultLogMaxSize)
	v.SetDefault(LogMaxBackupsKey, DefaultLogMaxBackups)
	v.SetDefault(LogMaxAgeKey, DefaultLogMaxAge)
	v.SetDefault(LogCompressKey, DefaultLogCompress)
}

// ConfigureEnv makes PAGECAST_* variables override file values.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config, then resolves paths and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve makes every path absolute and fills in the root from the input.
func (c *Config) Resolve() error {
	if c.Input != "" {
		abs, err := filepath.Abs(c.Input)
		if err != nil {
			return fmt.Errorf("failed to resolve input %q: %w", c.Input, err)
		}
		c.Input = abs
		if c.Root == "" {
			c.Root = filepath.Dir(abs)
		}
	}
	if c.Root != "" {
		abs, err := filepath.Abs(c.Root)
		if err != nil {
			return fmt.Errorf("failed to resolve root %q: %w", c.Root, err)
		}
		c.Root = abs
	}
	for i, p := range c.Watch.Paths {
		abs, err := filepath.Abs(expandHome(p))
		if err != nil {
			return fmt.Errorf("failed to resolve watch path %q: %w", p, err)
		}
		c.Watch.Paths[i] = abs
	}
	c.History.Path = expandHome(c.History.Path)
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Input == "" {
		errs = append(errs, errors.New("input is required"))
	} else if info, err := os.Stat(c.Input); err != nil {
		errs = append(errs, fmt.Errorf("input: %w", err))
	} else if info.IsDir() {
		errs = append(errs, fmt.Errorf("input %q is a directory", c.Input))
	}
	if c.Root != "" {
		if info, err := os.Stat(c.Root); err != nil {
			errs = append(errs, fmt.Errorf("root: %w", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("root %q is not a directory", c.Root))
		}
	}
	if c.Input != "" && c.Root != "" {
		if rel, err := filepath.Rel(c.Root, c.Input); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			errs = append(errs, fmt.Errorf("input %q is outside root %q", c.Input, c.Root))
		}
	}
	if err := c.ValidateServe(); err != nil {
		errs = append(errs, err)
	}
	if c.PPI <= 0 {
		errs = append(errs, fmt.Errorf("invalid ppi %v: must be positive", c.PPI))
	}
	if c.Compiler.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid compiler.timeout %s: must be positive", c.Compiler.Timeout))
	}
	if c.Watch.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("invalid watch.debounce %s: must be positive", c.Watch.Debounce))
	}
	if c.History.Keep < 0 {
		errs = append(errs, fmt.Errorf("invalid history.keep %d: must not be negative", c.History.Keep))
	}
	return errors.Join(errs...)
}

// ValidateServe checks the settings only the watch command needs.
func (c *Config) ValidateServe() error {
	_, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if port == "" {
		return fmt.Errorf("invalid listen address %q: missing port", c.Listen)
	}
	if c.Delivery.WriteTimeout <= 0 {
		return fmt.Errorf("invalid delivery.write_timeout %s: must be positive", c.Delivery.WriteTimeout)
	}
	if c.Delivery.PingInterval <= 0 {
		return fmt.Errorf("invalid delivery.ping_interval %s: must be positive", c.Delivery.PingInterval)
	}
	return nil
}

// WatchPaths is the root followed by any auxiliary paths.
func (c *Config) WatchPaths() []string {
	paths := []string{c.Root}
	for _, p := range c.Watch.Paths {
		if p != c.Root {
			paths = append(paths, p)
		}
	}
	return paths
}

// SlogLevel maps log.level and log.verbose to a slog level.
func (c *Config) SlogLevel() slog.Level {
	if c.Log.Verbose {
		return slog.LevelDebug
	}
	return ParseSlogLevel(c.Log.Level, slog.LevelInfo)
}

func ParseSlogLevel(value string, defaultLevel slog.Level) slog.Level {
	level := strings.ToLower(strings.TrimSpace(value))
	switch level {
	case "":
		return defaultLevel
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	var n int
	if _, err := fmt.Sscanf(level, "%d", &n); err == nil {
		return slog.Level(n)
	}
	return defaultLevel
}

func GenerateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
