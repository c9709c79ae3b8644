package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/schaermu/crestsync/internal/publish"
)

// IgnoredDirs are directory names whose contents never trigger a publish.
// bin and obj hold build output, which changes on every build.
var IgnoredDirs = []string{"bin", "obj", "node_modules"}

// Watcher triggers a publish when source files change
type Watcher struct {
	paths    []string
	debounce *publish.Debouncer
	logger   *slog.Logger

	ready chan struct{} // closed once all directories are watched
}

// New creates a watcher for the given directory trees
func New(paths []string, delay time.Duration, clock clockwork.Clock, logger *slog.Logger) *Watcher {
	return &Watcher{
		paths:    paths,
		debounce: publish.NewDebouncer(clock, delay),
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// Run watches until ctx is cancelled and calls trigger, debounced, after
// every burst of relevant changes.
func (w *Watcher) Run(ctx context.Context, trigger func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()
	defer w.debounce.Stop()

	for _, root := range w.paths {
		if err := w.addTree(fw, root); err != nil {
			return err
		}
	}
	close(w.ready)
	w.logger.Info("watching for source changes", "paths", strings.Join(w.paths, ", "))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}

			// New directories must be watched explicitly
			if event.Has(fsnotify.Create) {
				if isDir(event.Name) {
					if err := w.addTree(fw, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			w.logger.Debug("source changed", "path", event.Name, "op", event.Op.String())
			w.debounce.Trigger(trigger)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// addTree watches root and every directory below it that is not ignored.
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil && rel != "." && Ignored(rel) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	for _, root := range w.paths {
		rel, err := filepath.Rel(root, event.Name)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		return !Ignored(rel)
	}
	return false
}

// Ignored reports whether a change at path, relative to a watched root, is
// irrelevant for publishing: hidden files, editor backups and anything inside
// an ignored directory.
func Ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, "~") {
			return true
		}
		if slices.Contains(IgnoredDirs, strings.ToLower(part)) {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
