package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fpemud/mycdn-controller-sub000/internal/env"
	"github.com/fpemud/mycdn-controller-sub000/internal/ipc"
	"github.com/fpemud/mycdn-controller-sub000/internal/logger"
	"github.com/fpemud/mycdn-controller-sub000/internal/plugin"
	"github.com/fpemud/mycdn-controller-sub000/internal/site"
	apitls "github.com/fpemud/mycdn-controller-sub000/internal/tls"
	"github.com/fpemud/mycdn-controller-sub000/internal/updater"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. MYCDN_DAEMON_COUNTRY for daemon.country.
const EnvPrefix = "MYCDN"

const (
	DefaultRunDir        = "/run/mycdn"
	DefaultLogDir        = "/var/log/mycdn"
	DefaultTmpDir        = "/var/tmp/mycdn"
	DefaultShutdownGrace = 10 * time.Second
)

type Config struct {
	Daemon  DaemonConfig      `mapstructure:"daemon"`
	Log     logger.Config     `mapstructure:"log"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	API     APIConfig         `mapstructure:"api"`
	History HistoryConfig     `mapstructure:"history"`
	Plugins []PluginConfig    `mapstructure:"plugins"`
	Sites   []site.MirrorSite `mapstructure:"sites"`
}

type DaemonConfig struct {
	RunDir     string `mapstructure:"run_dir"`
	SocketPath string `mapstructure:"socket_path"` // default <run_dir>/api.sock
	LockFile   string `mapstructure:"lock_file"`   // default <run_dir>/mycdnd.lock
	LogDir     string `mapstructure:"log_dir"`
	TmpDir     string `mapstructure:"tmp_dir"`
	Country    string `mapstructure:"country"`
	Location   string `mapstructure:"location"`

	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	InitRetryInterval time.Duration `mapstructure:"init_retry_interval"`

	// Plugin environment: the daemon's own environment when UseOSEnv is set,
	// then EnvFiles in order, then Env.
	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // empty serves /metrics on the API listener only
	// ChildInterval is how often CPU and memory of running plugins are sampled.
	ChildInterval time.Duration `mapstructure:"child_interval"`
}

type APIConfig struct {
	Listen   string        `mapstructure:"listen"` // empty disables the status API
	BasePath string        `mapstructure:"base_path"`
	TLS      apitls.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	DSN    string `mapstructure:"dsn"` // empty disables history
	Buffer int    `mapstructure:"buffer"`
}

// PluginConfig installs a directory plugin under Name.
type PluginConfig struct {
	Name string `mapstructure:"name"`
	Dir  string `mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.run_dir", DefaultRunDir)
	v.SetDefault("daemon.log_dir", DefaultLogDir)
	v.SetDefault("daemon.tmp_dir", DefaultTmpDir)
	v.SetDefault("daemon.shutdown_grace", DefaultShutdownGrace)
	v.SetDefault("daemon.init_retry_interval", updater.DefaultInitRetry)
	v.SetDefault("daemon.use_os_env", true)
	v.SetDefault("daemon.country", "")
	v.SetDefault("daemon.location", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.child_interval", 15*time.Second)
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("history.buffer", 256)
}

// Load reads the TOML file at path, applies MYCDN_* overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.resolvePaths(filepath.Dir(path))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths fills derived paths and makes env files relative to the
// config file's directory.
func (c *Config) resolvePaths(base string) {
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(c.Daemon.RunDir, filepath.Base(ipc.DefaultSocketPath))
	}
	if c.Daemon.LockFile == "" {
		c.Daemon.LockFile = filepath.Join(c.Daemon.RunDir, "mycdnd.lock")
	}
	for i, f := range c.Daemon.EnvFiles {
		if !filepath.IsAbs(f) {
			c.Daemon.EnvFiles[i] = filepath.Join(base, f)
		}
	}
}

// Validate checks everything that can be checked without touching the
// filesystem.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range map[string]string{
		"daemon.run_dir":     c.Daemon.RunDir,
		"daemon.socket_path": c.Daemon.SocketPath,
		"daemon.lock_file":   c.Daemon.LockFile,
		"daemon.log_dir":     c.Daemon.LogDir,
		"daemon.tmp_dir":     c.Daemon.TmpDir,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, p))
		}
	}
	if c.Daemon.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("daemon.shutdown_grace must be positive"))
	}
	if c.Daemon.InitRetryInterval <= 0 {
		errs = append(errs, errors.New("daemon.init_retry_interval must be positive"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.API.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && c.Metrics.ChildInterval <= 0 {
		errs = append(errs, errors.New("metrics.child_interval must be positive"))
	}

	plugins := map[string]bool{plugin.Exec{}.Name(): true}
	for _, p := range c.Plugins {
		if p.Name == "" {
			errs = append(errs, errors.New("plugin name is required"))
			continue
		}
		if plugins[p.Name] {
			errs = append(errs, fmt.Errorf("plugin %q defined twice", p.Name))
		}
		plugins[p.Name] = true
		if !filepath.IsAbs(p.Dir) {
			errs = append(errs, fmt.Errorf("plugin %q: dir must be an absolute path", p.Name))
		}
	}

	if len(c.Sites) == 0 {
		errs = append(errs, errors.New("no sites configured"))
	}
	ids := make(map[string]bool, len(c.Sites))
	dirs := make(map[string]string, len(c.Sites))
	for _, s := range c.Sites {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("site %q defined twice", s.ID))
		}
		ids[s.ID] = true
		d := filepath.Clean(s.DataDir)
		if other, ok := dirs[d]; ok {
			errs = append(errs, fmt.Errorf("sites %q and %q share data_dir %s", other, s.ID, d))
		}
		dirs[d] = s.ID
		if !plugins[s.Plugin] {
			errs = append(errs, fmt.Errorf("site %q: %w: %s", s.ID, plugin.ErrUnknownPlugin, s.Plugin))
		}
	}
	return errors.Join(errs...)
}

// Registry builds the plugin registry: the built-in exec plugin plus one
// directory plugin per [[plugins]] entry.
func (c *Config) Registry() (*plugin.Registry, error) {
	r := plugin.NewRegistry()
	if err := r.Register(plugin.Exec{}); err != nil {
		return nil, err
	}
	for _, p := range c.Plugins {
		if err := r.Register(plugin.Dir{PluginName: p.Name, Path: p.Dir}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// PluginEnv builds the daemon-wide layer of the plugin environment.
func (c *Config) PluginEnv() (*env.Env, error) {
	e := env.New(c.Daemon.UseOSEnv)
	for _, f := range c.Daemon.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	e.SetPairs(c.Daemon.Env)
	return e, nil
}

func (c *Config) Site(id string) (site.MirrorSite, bool) {
	for _, s := range c.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return site.MirrorSite{}, false
}
