// Package config loads isolate-runtime configuration through viper.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wippyai/isolate-runtime/isolate"
	"github.com/wippyai/isolate-runtime/vm"
)

// EnvPrefix prefixes environment overrides, e.g. ISOLATE_VM_PRECOMPILED.
const EnvPrefix = "ISOLATE"

// Config is the complete runtime configuration
type Config struct {
	VM       VMConfig       `mapstructure:"vm"`
	Isolate  IsolateConfig  `mapstructure:"isolate"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
	Run      RunConfig      `mapstructure:"run"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// VMConfig controls the wazero VM
type VMConfig struct {
	// Precompiled runs root libraries from snapshot instructions instead of kernels
	Precompiled bool `mapstructure:"precompiled"`
	// MemoryLimitPages caps isolate memory in 64KB pages (0 = wazero default)
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
	// CacheDir persists compiled code between runs (empty = in memory)
	CacheDir string `mapstructure:"cache_dir"`
}

// IsolateConfig maps onto isolate.Settings
type IsolateConfig struct {
	LogTag                string `mapstructure:"log_tag"`
	EnableAsserts         bool   `mapstructure:"enable_asserts"`
	DisableServiceIsolate bool   `mapstructure:"disable_service_isolate"`
	StrictThreading       bool   `mapstructure:"strict_threading"`
	// ShutdownTimeoutMs bounds how long the host waits for the root isolate to shut down
	ShutdownTimeoutMs int `mapstructure:"shutdown_timeout_ms"`
}

// SnapshotConfig names the snapshot mappings on disk
type SnapshotConfig struct {
	Data         string `mapstructure:"data"`
	Instructions string `mapstructure:"instructions"`
	SharedData   string `mapstructure:"shared_data"`
	// ServiceData is the snapshot of the diagnostic service isolate (empty = none)
	ServiceData string `mapstructure:"service_data"`
	// ServiceInstructions is the service isolate's precompiled code (optional)
	ServiceInstructions string `mapstructure:"service_instructions"`
}

// KernelConfig lists kernel pieces in load order; the last is the root library
type KernelConfig struct {
	Pieces []string `mapstructure:"pieces"`
}

// RunConfig selects what the root isolate runs
type RunConfig struct {
	URI        string   `mapstructure:"uri"`
	Library    string   `mapstructure:"library"`
	Entrypoint string   `mapstructure:"entrypoint"`
	Args       []string `mapstructure:"args"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format is json or console
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Isolate: IsolateConfig{
			LogTag:            "isolate",
			ShutdownTimeoutMs: 5000,
		},
		Run: RunConfig{
			Entrypoint: "main",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers every default with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("vm.precompiled", defaults.VM.Precompiled)
	v.SetDefault("vm.memory_limit_pages", defaults.VM.MemoryLimitPages)
	v.SetDefault("vm.cache_dir", defaults.VM.CacheDir)

	v.SetDefault("isolate.log_tag", defaults.Isolate.LogTag)
	v.SetDefault("isolate.enable_asserts", defaults.Isolate.EnableAsserts)
	v.SetDefault("isolate.disable_service_isolate", defaults.Isolate.DisableServiceIsolate)
	v.SetDefault("isolate.strict_threading", defaults.Isolate.StrictThreading)
	v.SetDefault("isolate.shutdown_timeout_ms", defaults.Isolate.ShutdownTimeoutMs)

	v.SetDefault("snapshot.data", defaults.Snapshot.Data)
	v.SetDefault("snapshot.instructions", defaults.Snapshot.Instructions)
	v.SetDefault("snapshot.shared_data", defaults.Snapshot.SharedData)
	v.SetDefault("snapshot.service_data", defaults.Snapshot.ServiceData)
	v.SetDefault("snapshot.service_instructions", defaults.Snapshot.ServiceInstructions)

	v.SetDefault("kernel.pieces", defaults.Kernel.Pieces)

	v.SetDefault("run.uri", defaults.Run.URI)
	v.SetDefault("run.library", defaults.Run.Library)
	v.SetDefault("run.entrypoint", defaults.Run.Entrypoint)
	v.SetDefault("run.args", defaults.Run.Args)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.development", defaults.Logging.Development)
}

// NewViper returns a viper instance with defaults, environment overrides
// and, if found, the config file. An empty cfgFile searches the default
// locations.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("isolate")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "isolate-runtime")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".isolate-runtime"
	}
	return filepath.Join(home, ".config", "isolate-runtime")
}

// Settings converts the isolate section into isolate settings
func (c *Config) Settings() *isolate.Settings {
	return &isolate.Settings{
		LogTag:                c.Isolate.LogTag,
		EnableAsserts:         c.Isolate.EnableAsserts,
		DisableServiceIsolate: c.Isolate.DisableServiceIsolate,
		StrictThreading:       c.Isolate.StrictThreading,
		MemoryLimitPages:      c.VM.MemoryLimitPages,
	}
}

// VMConfig converts the vm section into a vm.Config
func (c *Config) VMConfig() vm.Config {
	return vm.Config{
		Precompiled:      c.VM.Precompiled,
		MemoryLimitPages: c.VM.MemoryLimitPages,
		CacheDir:         c.VM.CacheDir,
	}
}

// ShutdownTimeout returns the shutdown timeout as a duration
func (c *IsolateConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// BuildLogger builds a zap logger from the logging section
func (c *LoggingConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.Encoding = c.Format
	return zc.Build()
}
