package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/crestsync/internal/build"
)

// DefaultPath is where the configuration is looked up when no --config flag is given.
const DefaultPath = "~/.config/crestsync/config.yaml"

// Config represents the complete crestsync configuration
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Build   BuildConfig   `yaml:"build"`
	Symbols SymbolsConfig `yaml:"symbols"`
	Serve   ServeConfig   `yaml:"serve"`
	Watch   WatchConfig   `yaml:"watch"`
	Log     LogConfig     `yaml:"log"`
}

// DeviceConfig configures the Crestron control system connection
type DeviceConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	PasswordFile   string        `yaml:"password_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	RemotePath     string        `yaml:"remote_path"`
	ProgramSlot    int           `yaml:"program_slot"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// BuildConfig configures how the program is compiled
type BuildConfig struct {
	Project       string        `yaml:"project"`
	Configuration string        `yaml:"configuration"`
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	OutputDir     string        `yaml:"output_dir"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SymbolsConfig configures debug symbol conversion
type SymbolsConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Converter string `yaml:"converter"`
}

// ServeConfig configures the HTTP publish trigger
type ServeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"`
	SecretFile string        `yaml:"secret_file"`
	Debounce   time.Duration `yaml:"debounce"`
}

// WatchConfig configures the source watcher
type WatchConfig struct {
	Paths    []string      `yaml:"paths"`
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig configures the optional rotating log file
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandPaths expands environment variables in all string fields and ~ in
// path fields
func (c *Config) expandPaths() error {
	c.Device.Host = os.ExpandEnv(c.Device.Host)
	c.Device.Username = os.ExpandEnv(c.Device.Username)
	c.Device.Password = os.ExpandEnv(c.Device.Password)
	c.Device.RemotePath = os.ExpandEnv(c.Device.RemotePath)
	c.Build.Configuration = os.ExpandEnv(c.Build.Configuration)
	c.Build.Command = os.ExpandEnv(c.Build.Command)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)

	paths := []*string{
		&c.Device.PasswordFile,
		&c.Device.KnownHostsFile,
		&c.Build.Project,
		&c.Build.OutputDir,
		&c.Serve.SecretFile,
		&c.Log.File,
	}
	for i := range c.Watch.Paths {
		paths = append(paths, &c.Watch.Paths[i])
	}

	for _, p := range paths {
		expanded, err := homedir.Expand(os.ExpandEnv(*p))
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Device.Port == 0 {
		c.Device.Port = 22
	}
	if c.Device.Username == "" {
		c.Device.Username = "admin"
	}
	if c.Device.RemotePath == "" {
		c.Device.RemotePath = "program0"
	}
	if c.Device.ConnectTimeout == 0 {
		c.Device.ConnectTimeout = 10 * time.Second
	}
	if c.Device.CommandTimeout == 0 {
		c.Device.CommandTimeout = 2 * time.Minute
	}

	if c.Build.Configuration == "" {
		c.Build.Configuration = "Debug"
	}
	if c.Build.Command == "" {
		c.Build.Command = "dotnet"
	}
	if len(c.Build.Args) == 0 {
		c.Build.Args = slices.Clone(build.DefaultArgs)
	}
	if c.Build.Timeout == 0 {
		c.Build.Timeout = 10 * time.Minute
	}

	if c.Symbols.Enabled == nil {
		enabled := true
		c.Symbols.Enabled = &enabled
	}
	if c.Symbols.Converter == "" {
		c.Symbols.Converter = "pdb2mdb"
	}

	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 2 * time.Second
	}

	if len(c.Watch.Paths) == 0 && c.Build.Project != "" {
		c.Watch.Paths = []string{c.ProjectDir()}
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = time.Second
	}

	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Device.Host == "" {
		return fmt.Errorf("device.host is required")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		return fmt.Errorf("device.port must be between 1 and 65535: %d", c.Device.Port)
	}
	if c.Device.Password != "" && c.Device.PasswordFile != "" {
		return fmt.Errorf("device: only one of password or password_file may be set")
	}
	if c.Device.ProgramSlot < 0 {
		return fmt.Errorf("device.program_slot must not be negative: %d", c.Device.ProgramSlot)
	}
	if c.Device.ConnectTimeout < 0 || c.Device.CommandTimeout < 0 {
		return fmt.Errorf("device timeouts must not be negative")
	}

	if c.Build.Project == "" {
		return fmt.Errorf("build.project is required: %w", build.ErrNoProject)
	}
	if !filepath.IsAbs(c.Build.Project) {
		return fmt.Errorf("build.project must be an absolute path: %s", c.Build.Project)
	}
	if !slices.Contains(build.SupportedConfigurations, c.Build.Configuration) {
		return fmt.Errorf("build.configuration %q must be one of %s: %w",
			c.Build.Configuration, strings.Join(build.SupportedConfigurations, ", "), build.ErrUnsupportedConfiguration)
	}
	if c.Build.OutputDir != "" && !filepath.IsAbs(c.Build.OutputDir) {
		return fmt.Errorf("build.output_dir must be an absolute path: %s", c.Build.OutputDir)
	}
	if c.Build.Timeout < 0 {
		return fmt.Errorf("build.timeout must not be negative")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}
	if c.Serve.Debounce < 0 || c.Watch.Debounce < 0 {
		return fmt.Errorf("debounce intervals must not be negative")
	}

	return nil
}

// ProjectDir returns the directory containing the project file
func (c *Config) ProjectDir() string {
	return filepath.Dir(c.Build.Project)
}

// SymbolsEnabled reports whether debug symbols are converted after a build
func (c *Config) SymbolsEnabled() bool {
	return c.Symbols.Enabled == nil || *c.Symbols.Enabled
}

// DevicePassword returns the configured password, reading password_file when set
func (c *Config) DevicePassword() (string, error) {
	if c.Device.PasswordFile == "" {
		return c.Device.Password, nil
	}
	data, err := os.ReadFile(c.Device.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("failed to read device password file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// ResolvePath returns the config file path to use: the flag value when set,
// otherwise DefaultPath.
func ResolvePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	p, err := homedir.Expand(DefaultPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve default config path: %w", err)
	}
	return p, nil
}
