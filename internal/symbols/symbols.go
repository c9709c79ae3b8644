package symbols

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/crestsync/internal/listing"
)

// AssemblyExtensions are the file extensions that carry .NET assemblies
var AssemblyExtensions = []string{".dll", ".exe"}

// Converter produces Mono debug symbols for a build output directory
type Converter interface {
	// Convert creates .mdb files next to assemblies that have a .pdb and
	// returns the names of the files it produced
	Convert(ctx context.Context, dir string, files listing.Listing) ([]string, error)
}

// IsAssembly returns true if name has an assembly extension
func IsAssembly(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, valid := range AssemblyExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// SymbolName returns the .pdb name that belongs to an assembly
func SymbolName(assembly string) string {
	return strings.TrimSuffix(assembly, filepath.Ext(assembly)) + ".pdb"
}

// MonoSymbolName returns the name pdb2mdb writes for an assembly
func MonoSymbolName(assembly string) string {
	return assembly + ".mdb"
}

// ConvertiblePairs returns the assemblies in files whose .pdb is present too,
// in listing order.
func ConvertiblePairs(files listing.Listing) []string {
	var out []string
	for _, e := range files.Entries() {
		if !IsAssembly(e.Name) {
			continue
		}
		if _, ok := files.Get(SymbolName(e.Name)); ok {
			out = append(out, e.Name)
		}
	}
	return out
}

type runFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// ShellConverter implements Converter by running pdb2mdb on each assembly
type ShellConverter struct {
	command string
	fs      afero.Fs
	logger  *slog.Logger
	run     runFunc
}

// NewShellConverter creates a converter that runs command (pdb2mdb when empty)
func NewShellConverter(command string, fs afero.Fs, logger *slog.Logger) *ShellConverter {
	if command == "" {
		command = "pdb2mdb"
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &ShellConverter{
		command: command,
		fs:      fs,
		logger:  logger,
		run:     runCommand,
	}
}

// Convert runs the converter for every assembly with symbols. A failing
// conversion is logged and skipped; only cancellation is returned as an error.
func (c *ShellConverter) Convert(ctx context.Context, dir string, files listing.Listing) ([]string, error) {
	var produced []string

	for _, assembly := range ConvertiblePairs(files) {
		if err := ctx.Err(); err != nil {
			return produced, err
		}

		out, err := c.run(ctx, dir, c.command, assembly)
		if err != nil {
			c.logger.Warn("failed to convert debug symbols", "assembly", assembly, "error", err, "output", strings.TrimSpace(string(out)))
			continue
		}

		mdb := MonoSymbolName(assembly)
		if ok, _ := afero.Exists(c.fs, filepath.Join(dir, mdb)); !ok {
			c.logger.Warn("symbol converter produced no output", "assembly", assembly, "expected", mdb)
			continue
		}

		c.logger.Debug("converted debug symbols", "assembly", assembly, "output", mdb)
		produced = append(produced, mdb)
	}

	if len(produced) > 0 {
		c.logger.Info("converted debug symbols", "count", len(produced))
	}
	return produced, nil
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s: %w", name, err)
	}
	return output, nil
}
