package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/crestsync/internal/activation"
	"github.com/schaermu/crestsync/internal/build"
	"github.com/schaermu/crestsync/internal/config"
	"github.com/schaermu/crestsync/internal/listing"
	"github.com/schaermu/crestsync/internal/local"
	"github.com/schaermu/crestsync/internal/logging"
	"github.com/schaermu/crestsync/internal/publish"
	"github.com/schaermu/crestsync/internal/remote"
	"github.com/schaermu/crestsync/internal/symbols"
	"github.com/schaermu/crestsync/internal/watch"
	"github.com/schaermu/crestsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Publish flags
	dryRun  bool
	noStart bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crestsync",
	Short: "Build and deploy programs to Crestron control systems",
	Long: `crestsync compiles a control-system program, compares the build output with
the files on a Crestron device and transfers only what changed over SFTP.

The running program is stopped before the transfer and restarted afterwards.
Publishes can be run once, triggered over HTTP, or triggered by source changes.`,
	SilenceUsage: true,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Build, sync and restart the program on the device",
	Long: `Publish builds the configured project, stops the program on the device,
uploads new and changed files, deletes files that no longer exist locally and
restarts the program.

With --no-start the program is left stopped after the transfer.`,
	RunE: runPublish,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the program on the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeviceCommand(func(ctx context.Context, d remote.Device) error {
			return d.StopProgram(ctx)
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Restart the program on the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeviceCommand(func(ctx context.Context, d remote.Device) error {
			return d.StartProgram(ctx)
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable program commands and expose the program directory",
	Long: `Enable turns on program command support on the device and makes the program
directory visible over SFTP. It only needs to run once per device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeviceCommand(func(ctx context.Context, d remote.Device) error {
			return d.EnableProgramSupport(ctx)
		})
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show what a publish would change, without building",
	Long: `Diff compares the existing build output with the files on the device and
prints one row per file. Nothing is built, stopped or transferred.`,
	RunE: runDiff,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP publish trigger",
	Long: `Serve starts a long-running HTTP server. A POST to /publish signed with the
shared secret (HMAC-SHA256) schedules a publish; GET /status reports the most
recent one. The listening socket may be handed over by systemd.`,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Publish whenever source files change",
	RunE:  runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crestsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/crestsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Publish command flags
	publishCmd.Flags().BoolVar(&dryRun, "dry-run", false, "build and show what would be transferred without touching the device")
	publishCmd.Flags().BoolVar(&noStart, "no-start", false, "leave the program stopped after the transfer")

	// Add commands
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	engine, err := newEngine(cfg, logger, dryRun, noStart)
	if err != nil {
		return err
	}

	report, err := engine.Run(ctx)
	if report != nil {
		if failed := remote.Failures(report.Results); len(failed) > 0 {
			renderFailures(cmd.OutOrStdout(), failed)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), publish.Describe(report))
	}
	return err
}

func runDeviceCommand(fn func(context.Context, remote.Device) error) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	device, err := newDevice(cfg, logger)
	if err != nil {
		return err
	}
	if err := fn(ctx, device); err != nil {
		logger.Error("device command failed", "error", err)
		return err
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	device, err := newDevice(cfg, logger)
	if err != nil {
		return err
	}

	outDir, err := newBuilder(cfg, logger).OutputDir()
	if err != nil {
		return err
	}

	files := local.NewSystem(nil, logger)
	localFiles, err := files.List(outDir)
	if err != nil {
		return err
	}
	remoteFiles, err := device.List(ctx, cfg.Device.RemotePath)
	if err != nil {
		return err
	}
	delta := listing.Compute(localFiles, remoteFiles)

	renderDelta(cmd.OutOrStdout(), delta, localFiles, remoteFiles)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	if !cfg.Serve.Enabled {
		return errors.New("serve is not enabled in the configuration (serve.enabled)")
	}

	engine, err := newEngine(cfg, logger, false, false)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, publish.NewRunner(engine, logger), nil, logger)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen(cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	}

	return server.Serve(ctx, ln)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closeLog(closer)

	engine, err := newEngine(cfg, logger, false, false)
	if err != nil {
		return err
	}
	runner := publish.NewRunner(engine, logger)

	w := watch.New(cfg.Watch.Paths, cfg.Watch.Debounce, nil, logger)
	return w.Run(ctx, func() {
		runner.Trigger(ctx)
	})
}

// setup loads the configuration and returns a logger honouring its log file settings.
func setup() (*config.Config, *slog.Logger, io.Closer, error) {
	bootstrap, _ := setupLogger(config.LogConfig{})

	cfg, err := loadConfig(bootstrap)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer := setupLogger(cfg.Log)
	return cfg, logger, closer, nil
}

func setupLogger(file config.LogConfig) (*slog.Logger, io.Closer) {
	return logging.New(logging.Options{
		Level:      logLevel,
		Format:     logFormat,
		File:       file.File,
		MaxSizeMB:  file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAgeDays: file.MaxAgeDays,
	}, os.Stdout)
}

func closeLog(c io.Closer) {
	_ = c.Close()
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath, err := config.ResolvePath(cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"host", cfg.Device.Host,
		"slot", cfg.Device.ProgramSlot,
		"remote_path", cfg.Device.RemotePath,
		"project", cfg.Build.Project,
		"configuration", cfg.Build.Configuration)

	return cfg, nil
}

func newDevice(cfg *config.Config, logger *slog.Logger) (*remote.Client, error) {
	password, err := cfg.DevicePassword()
	if err != nil {
		return nil, err
	}
	return remote.NewClient(remote.Options{
		Host:           cfg.Device.Host,
		Port:           cfg.Device.Port,
		Username:       cfg.Device.Username,
		Password:       password,
		KnownHostsFile: cfg.Device.KnownHostsFile,
		ProgramSlot:    cfg.Device.ProgramSlot,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		CommandTimeout: cfg.Device.CommandTimeout,
	}, nil, logger), nil
}

func newBuilder(cfg *config.Config, logger *slog.Logger) *build.ShellBuilder {
	return build.NewShellBuilder(build.Options{
		Project:       cfg.Build.Project,
		Configuration: cfg.Build.Configuration,
		Command:       cfg.Build.Command,
		Args:          cfg.Build.Args,
		OutputDir:     cfg.Build.OutputDir,
	}, nil, logger)
}

func newEngine(cfg *config.Config, logger *slog.Logger, dryRun, noStart bool) (*publish.Engine, error) {
	device, err := newDevice(cfg, logger)
	if err != nil {
		return nil, err
	}

	var converter symbols.Converter
	if cfg.SymbolsEnabled() {
		converter = symbols.NewShellConverter(cfg.Symbols.Converter, nil, logger)
	}

	return publish.NewEngine(publish.Options{
		RemotePath:   cfg.Device.RemotePath,
		BuildTimeout: cfg.Build.Timeout,
		DryRun:       dryRun,
		NoStart:      noStart,
	}, newBuilder(cfg, logger), converter, local.NewSystem(nil, logger), device, nil, logger), nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
