package build

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// DefaultArgs builds the project with the dotnet CLI.
var DefaultArgs = []string{"build", "{project}", "--configuration", "{configuration}"}

// Options configures a ShellBuilder.
type Options struct {
	Project       string
	Configuration string
	Command       string
	// Args may contain the placeholders {project} and {configuration}.
	Args      []string
	OutputDir string
}

// ShellBuilder implements Builder by shelling out to a build tool
type ShellBuilder struct {
	opts   Options
	fs     afero.Fs
	logger *slog.Logger
}

// NewShellBuilder creates a builder. Project files and output directories are
// checked on fs.
func NewShellBuilder(opts Options, fs afero.Fs, logger *slog.Logger) *ShellBuilder {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if opts.Command == "" {
		opts.Command = "dotnet"
	}
	if len(opts.Args) == 0 {
		opts.Args = DefaultArgs
	}
	return &ShellBuilder{opts: opts, fs: fs, logger: logger}
}

// Check verifies the project file exists and the configuration is supported
func (b *ShellBuilder) Check() error {
	if b.opts.Project == "" {
		return ErrNoProject
	}
	info, err := b.fs.Stat(b.opts.Project)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoProject, b.opts.Project, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNoProject, b.opts.Project)
	}
	if !slices.Contains(SupportedConfigurations, b.opts.Configuration) {
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedConfiguration,
			b.opts.Configuration, strings.Join(SupportedConfigurations, ", "))
	}
	return nil
}

// Start launches the build tool. The returned handle completes when the
// process exits; cancelling ctx kills it.
func (b *ShellBuilder) Start(ctx context.Context) (*Handle, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}

	args := b.expandArgs()
	cmd := exec.CommandContext(ctx, b.opts.Command, args...)
	cmd.Dir = filepath.Dir(b.opts.Project)
	cmd.Env = os.Environ()

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	b.logger.Info("starting build", "command", b.opts.Command, "args", strings.Join(args, " "))
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start build tool: %w", err)
	}

	h := NewHandle()
	go func() {
		err := cmd.Wait()
		r := Result{
			Succeeded: err == nil,
			Output:    output.String(),
			Duration:  time.Since(started),
		}
		if err != nil {
			r.Err = fmt.Errorf("%w: %s", err, lastLines(r.Output, 20))
		}
		h.Complete(r)
	}()

	return h, nil
}

// OutputDir returns the configured output directory or <project dir>/bin/<configuration>
func (b *ShellBuilder) OutputDir() (string, error) {
	dir := b.opts.OutputDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(b.opts.Project), "bin", b.opts.Configuration)
	}

	info, err := b.fs.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to find build output directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("build output %s is not a directory", dir)
	}
	return dir, nil
}

// expandArgs substitutes the placeholders in the configured arguments.
func (b *ShellBuilder) expandArgs() []string {
	r := strings.NewReplacer(
		"{project}", b.opts.Project,
		"{configuration}", b.opts.Configuration,
	)
	out := make([]string, len(b.opts.Args))
	for i, a := range b.opts.Args {
		out[i] = r.Replace(a)
	}
	return out
}

// lastLines trims build output to its tail, which is where compilers put the summary.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
