package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the project configuration file looked up in the project root.
const FileName = "ao.config.yml"

// Config is the project configuration stored in ao.config.yml.
// The first block mirrors the scaffolder's fields; the rest configures aoctl.
type Config struct {
	LuaFiles       []string          `mapstructure:"luaFiles" yaml:"luaFiles"`
	PackageManager string            `mapstructure:"packageManager" yaml:"packageManager"`
	Framework      string            `mapstructure:"framework" yaml:"framework"`
	ProcessName    string            `mapstructure:"processName" yaml:"processName"`
	Ports          Ports             `mapstructure:"ports" yaml:"ports"`
	Tags           map[string]string `mapstructure:"-" yaml:"tags,omitempty"`
	CronInterval   string            `mapstructure:"cronInterval" yaml:"cronInterval,omitempty"`
	RunWithAO      bool              `mapstructure:"runWithAO" yaml:"runWithAO"`
	Env            map[string]string `mapstructure:"-" yaml:"env,omitempty"`

	Worker    string    `mapstructure:"worker" yaml:"worker,omitempty"`
	Wallet    string    `mapstructure:"wallet" yaml:"wallet,omitempty"`
	Module    string    `mapstructure:"module" yaml:"module,omitempty"`
	Endpoints Endpoints `mapstructure:"endpoints" yaml:"endpoints,omitempty"`
	Schedule  Schedule  `mapstructure:"schedule" yaml:"schedule,omitempty"`
	History   History   `mapstructure:"history" yaml:"history,omitempty"`
	Log       Log       `mapstructure:"log" yaml:"log,omitempty"`
	Metrics   Metrics   `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

type Ports struct {
	Dev int `mapstructure:"dev" yaml:"dev"`
}

// Endpoints overrides the network the worker talks to.
type Endpoints struct {
	Gateway string `mapstructure:"gateway" yaml:"gateway,omitempty"`
	CU      string `mapstructure:"cu" yaml:"cu,omitempty"`
	MU      string `mapstructure:"mu" yaml:"mu,omitempty"`
}

// Schedule holds defaults for `aoctl schedule`.
type Schedule struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`
	Tick       string        `mapstructure:"tick" yaml:"tick,omitempty"`
	MaxRetries int           `mapstructure:"maxRetries" yaml:"maxRetries,omitempty"`
	OnError    string        `mapstructure:"onError" yaml:"onError,omitempty"`
}

// History selects a lifecycle history sink by DSN; empty disables history.
type History struct {
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

type Log struct {
	Dir        string `mapstructure:"dir" yaml:"dir,omitempty"`
	Level      string `mapstructure:"level" yaml:"level,omitempty"`
	Format     string `mapstructure:"format" yaml:"format,omitempty"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB" yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `mapstructure:"maxBackups" yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" yaml:"maxAgeDays,omitempty"`
	Compress   bool   `mapstructure:"compress" yaml:"compress,omitempty"`
}

type Metrics struct {
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

// Built-in defaults. File values win per key.
const (
	DefaultPackageManager = "npm"
	DefaultFramework      = "nextjs"
	DefaultDevPort        = 3000
	DefaultWorker         = "aos"
	DefaultInterval       = time.Minute
	DefaultMaxRetries     = 3
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("luaFiles", []string{})
	v.SetDefault("packageManager", DefaultPackageManager)
	v.SetDefault("framework", DefaultFramework)
	v.SetDefault("processName", "")
	v.SetDefault("ports.dev", DefaultDevPort)
	v.SetDefault("cronInterval", "")
	v.SetDefault("runWithAO", false)
	v.SetDefault("worker", DefaultWorker)
	v.SetDefault("schedule.interval", DefaultInterval)
	v.SetDefault("schedule.maxRetries", DefaultMaxRetries)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the built-in configuration.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	c.Tags = map[string]string{}
	c.Env = map[string]string{}
	return c
}

// Path returns the config file path for a project directory.
func Path(dir string) string { return filepath.Join(dir, FileName) }

// Load reads <dir>/ao.config.yml merged over the defaults. A missing file
// yields the defaults. An empty processName defaults to the directory name.
func Load(dir string) (Config, error) {
	c, err := LoadFile(Path(dir))
	if err != nil {
		return Config{}, err
	}
	if c.ProcessName == "" {
		if abs, err := filepath.Abs(dir); err == nil {
			c.ProcessName = filepath.Base(abs)
		}
	}
	return c, nil
}

// LoadFile reads a config file merged over the defaults.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	raw, err := os.ReadFile(clean)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		raw = nil
	case err != nil:
		return Config{}, err
	default:
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	// viper lowercases map keys; tags and env are case-sensitive, so they
	// are decoded straight from the document.
	var maps struct {
		Tags map[string]string `yaml:"tags"`
		Env  map[string]string `yaml:"env"`
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &maps); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	c.Tags = nonNil(maps.Tags)
	c.Env = nonNil(maps.Env)
	c.PackageManager = strings.TrimSpace(c.PackageManager)
	return c, nil
}

// Save writes c as YAML to path.
func Save(path string, c Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644) // #nosec G306 project file meant to be committed
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
