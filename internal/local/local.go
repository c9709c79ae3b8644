package local

import (
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/schaermu/crestsync/internal/listing"
)

// IOError reports that a local directory could not be listed.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("list local directory %q: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// System lists the local build output and computes deltas against the device.
type System struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewSystem creates a System backed by fs. A nil fs means the OS filesystem.
func NewSystem(fs afero.Fs, logger *slog.Logger) *System {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &System{fs: fs, logger: logger}
}

// List returns the regular files directly under path. Subdirectories are
// not descended into.
func (s *System) List(path string) (listing.Listing, error) {
	infos, err := afero.ReadDir(s.fs, path)
	if err != nil {
		return listing.Listing{}, &IOError{Path: path, Err: err}
	}

	entries := make([]listing.FileEntry, 0, len(infos))
	for _, fi := range infos {
		if !fi.Mode().IsRegular() {
			continue
		}
		entries = append(entries, listing.NewFileEntry(fi.Name(), fi.ModTime(), uint64(fi.Size())))
	}

	l, err := listing.NewListing(entries...)
	if err != nil {
		return listing.Listing{}, &IOError{Path: path, Err: err}
	}

	s.logger.Info("found local files", "count", l.Len(), "path", path)
	return l, nil
}

// Delta lists localPath and merges it with the remote listing.
func (s *System) Delta(remote listing.Listing, localPath string) (listing.Delta, error) {
	local, err := s.List(localPath)
	if err != nil {
		return nil, err
	}
	return listing.Compute(local, remote), nil
}
