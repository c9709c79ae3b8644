package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/schaermu/crestsync/internal/build"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("CRESTSYNC_TEST_HOST", "192.168.1.50")

	path := writeConfig(t, `
device:
  host: "${CRESTSYNC_TEST_HOST}"
  password: "secret"
  program_slot: 2
  command_timeout: 90s

build:
  project: "/src/Room/Room.csproj"
  configuration: "Release"

symbols:
  enabled: false

watch:
  debounce: 500ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Device.Host != "192.168.1.50" {
		t.Errorf("expected host 192.168.1.50, got %s", cfg.Device.Host)
	}
	if cfg.Device.ProgramSlot != 2 {
		t.Errorf("expected program slot 2, got %d", cfg.Device.ProgramSlot)
	}
	if cfg.Device.CommandTimeout != 90*time.Second {
		t.Errorf("expected command timeout 90s, got %s", cfg.Device.CommandTimeout)
	}
	if cfg.Build.Configuration != "Release" {
		t.Errorf("expected configuration Release, got %s", cfg.Build.Configuration)
	}
	if cfg.SymbolsEnabled() {
		t.Error("expected symbols to be disabled")
	}
	if cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("expected watch debounce 500ms, got %s", cfg.Watch.Debounce)
	}
	if len(cfg.Watch.Paths) != 1 || cfg.Watch.Paths[0] != "/src/Room" {
		t.Errorf("expected watch paths to default to the project dir, got %v", cfg.Watch.Paths)
	}
}

func TestLoad_ExpandsHomeDir(t *testing.T) {
	home, err := homedir.Dir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	path := writeConfig(t, `
device:
  host: "cp4"
  known_hosts_file: "~/.ssh/known_hosts"
build:
  project: "~/src/App/App.csproj"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if want := filepath.Join(home, ".ssh", "known_hosts"); cfg.Device.KnownHostsFile != want {
		t.Errorf("KnownHostsFile = %s, want %s", cfg.Device.KnownHostsFile, want)
	}
	if want := filepath.Join(home, "src", "App", "App.csproj"); cfg.Build.Project != want {
		t.Errorf("Project = %s, want %s", cfg.Build.Project, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	if _, err := Load(writeConfig(t, "device: [not, a, map")); err == nil {
		t.Error("expected error for malformed YAML")
	}

	_, err := Load(writeConfig(t, `
device:
  host: cp4
build:
  project: /src/App.csproj
  configuration: Staging
`))
	if !errors.Is(err, build.ErrUnsupportedConfiguration) {
		t.Errorf("expected ErrUnsupportedConfiguration, got %v", err)
	}
}

func validConfig() Config {
	cfg := Config{
		Device: DeviceConfig{Host: "cp4"},
		Build:  BuildConfig{Project: "/src/App/App.csproj"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Device.Host = "" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Device.Port = 70000 },
			wantErr: true,
		},
		{
			name: "password and password file",
			mutate: func(c *Config) {
				c.Device.Password = "x"
				c.Device.PasswordFile = "/run/secrets/cp4"
			},
			wantErr: true,
		},
		{
			name:    "negative program slot",
			mutate:  func(c *Config) { c.Device.ProgramSlot = -1 },
			wantErr: true,
		},
		{
			name:    "missing project",
			mutate:  func(c *Config) { c.Build.Project = "" },
			wantErr: true,
		},
		{
			name:    "relative project",
			mutate:  func(c *Config) { c.Build.Project = "App/App.csproj" },
			wantErr: true,
		},
		{
			name:    "relative output dir",
			mutate:  func(c *Config) { c.Build.OutputDir = "bin/Debug" },
			wantErr: true,
		},
		{
			name:    "unsupported configuration",
			mutate:  func(c *Config) { c.Build.Configuration = "Staging" },
			wantErr: true,
		},
		{
			name: "serve enabled missing secret file",
			mutate: func(c *Config) {
				c.Serve.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "serve enabled with secret file",
			mutate: func(c *Config) {
				c.Serve.Enabled = true
				c.Serve.SecretFile = "/run/secrets/hook"
			},
			wantErr: false,
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.Watch.Debounce = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MissingProjectIsNoProject(t *testing.T) {
	cfg := validConfig()
	cfg.Build.Project = ""
	if err := cfg.Validate(); !errors.Is(err, build.ErrNoProject) {
		t.Errorf("expected ErrNoProject, got %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Build: BuildConfig{Project: "/src/App/App.csproj"}}
	cfg.applyDefaults()

	if cfg.Device.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Device.Port)
	}
	if cfg.Device.Username != "admin" {
		t.Errorf("Username = %q, want admin", cfg.Device.Username)
	}
	if cfg.Device.RemotePath != "program0" {
		t.Errorf("RemotePath = %q, want program0", cfg.Device.RemotePath)
	}
	if cfg.Build.Configuration != "Debug" {
		t.Errorf("Configuration = %q, want Debug", cfg.Build.Configuration)
	}
	if cfg.Build.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %s, want 10m", cfg.Build.Timeout)
	}
	if !cfg.SymbolsEnabled() {
		t.Error("symbols should be enabled by default")
	}
	if cfg.Serve.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("ListenAddr = %q", cfg.Serve.ListenAddr)
	}

	// The default args must not alias the package-level slice.
	cfg.Build.Args[0] = "rebuild"
	if build.DefaultArgs[0] != "build" {
		t.Error("applyDefaults shares build.DefaultArgs")
	}

	// Explicit values must not be overwritten
	cfg2 := Config{Device: DeviceConfig{Port: 2222, Username: "crestron"}}
	cfg2.applyDefaults()
	if cfg2.Device.Port != 2222 || cfg2.Device.Username != "crestron" {
		t.Errorf("applyDefaults() overwrote explicit values: %+v", cfg2.Device)
	}
}

func TestDevicePassword(t *testing.T) {
	cfg := validConfig()
	cfg.Device.Password = "inline"

	got, err := cfg.DevicePassword()
	if err != nil || got != "inline" {
		t.Errorf("DevicePassword() = %q, %v", got, err)
	}

	secret := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(secret, []byte("from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Device.Password = ""
	cfg.Device.PasswordFile = secret

	got, err = cfg.DevicePassword()
	if err != nil || got != "from-file" {
		t.Errorf("DevicePassword() = %q, %v", got, err)
	}

	cfg.Device.PasswordFile = filepath.Join(t.TempDir(), "missing")
	if _, err := cfg.DevicePassword(); err == nil {
		t.Error("expected error for missing password file")
	}
}

func TestResolvePath(t *testing.T) {
	got, err := ResolvePath("/etc/crestsync.yaml")
	if err != nil || got != "/etc/crestsync.yaml" {
		t.Errorf("ResolvePath(flag) = %q, %v", got, err)
	}

	got, err = ResolvePath("")
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if filepath.Base(got) != "config.yaml" || !filepath.IsAbs(got) {
		t.Errorf("ResolvePath(\"\") = %q", got)
	}
}
