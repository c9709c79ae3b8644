package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/crestsync/internal/listing"
)

// Device provides operations against a Crestron control system
type Device interface {
	// StopProgram stops the program running in the configured slot
	StopProgram(ctx context.Context) error
	// StartProgram (re)starts the program in the configured slot
	StartProgram(ctx context.Context) error
	// List returns the regular files in a remote directory
	List(ctx context.Context, dir string) (listing.Listing, error)
	// ApplySync uploads and deletes files so remoteDir matches the delta.
	// Per-file failures are reported in the results, never returned early.
	ApplySync(ctx context.Context, localPath, remoteDir string, delta listing.Delta) []Result
	// EnableProgramSupport turns on program commands and exposes the program
	// directory over SFTP.
	EnableProgramSupport(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KnownHostsFile string
	ProgramSlot    int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// Addr returns host:port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Result is the outcome of one delta entry in ApplySync.
type Result struct {
	Entry listing.DeltaEntry
	Err   error
}

// Summary counts ApplySync results.
type Summary struct {
	Uploaded  int
	Deleted   int
	Unchanged int
	Failed    int
}

// Summarize tallies results.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Failed++
		case r.Entry.Action == listing.Unchanged:
			s.Unchanged++
		case r.Entry.Action == listing.Delete:
			s.Deleted++
		default:
			s.Uploaded++
		}
	}
	return s
}

// Failures returns only the failed results.
func Failures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Client implements Device over SSH and SFTP. It keeps no connection open:
// every operation dials, does its work and closes again.
type Client struct {
	opts   Options
	fs     afero.Fs
	logger *slog.Logger
	dial   dialFunc
}

// NewClient creates a new device client. Local files to upload are read from fs.
func NewClient(opts Options, fs afero.Fs, logger *slog.Logger) *Client {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	c := &Client{
		opts:   opts,
		fs:     fs,
		logger: logger,
	}
	c.dial = c.dialSSH
	return c
}

func (c *Client) stopCommand() string {
	return fmt.Sprintf("stopprog -p:%d", c.opts.ProgramSlot)
}

func (c *Client) startCommand() string {
	return fmt.Sprintf("progres -p:%d", c.opts.ProgramSlot)
}

// StopProgram stops the remote program
func (c *Client) StopProgram(ctx context.Context) error {
	if err := c.runCommand(ctx, "stop program", c.stopCommand()); err != nil {
		return err
	}
	c.logger.Info("remote application stopped", "slot", c.opts.ProgramSlot)
	return nil
}

// StartProgram starts the remote program
func (c *Client) StartProgram(ctx context.Context) error {
	if err := c.runCommand(ctx, "start program", c.startCommand()); err != nil {
		return err
	}
	c.logger.Info("remote application starting", "slot", c.opts.ProgramSlot)
	return nil
}

// EnableProgramSupport enables program commands on the device and makes the
// program directory visible.
func (c *Client) EnableProgramSupport(ctx context.Context) error {
	commands := []string{
		"enableprogramcmd",
		fmt.Sprintf("hiddendirectory show prog%d", c.opts.ProgramSlot),
	}
	return c.withConn(ctx, "enable program support", func(ctx context.Context, cn conn) error {
		for _, command := range commands {
			if err := c.run(ctx, cn, command); err != nil {
				return err
			}
			c.logger.Info("executed console command", "command", command)
		}
		return nil
	})
}

func (c *Client) runCommand(ctx context.Context, op, command string) error {
	return c.withConn(ctx, op, func(ctx context.Context, cn conn) error {
		return c.run(ctx, cn, command)
	})
}

func (c *Client) run(ctx context.Context, cn conn, command string) error {
	c.logger.Debug("running console command", "command", command)
	status, stderr, err := cn.Run(command)
	if err != nil {
		return &ConnectionError{Host: c.opts.Addr(), Op: command, Err: contextErr(ctx, err)}
	}
	if status != 0 {
		return &CommandError{Command: command, ExitStatus: status, Stderr: strings.TrimSpace(stderr)}
	}
	return nil
}

// List returns the regular files in dir on the device.
func (c *Client) List(ctx context.Context, dir string) (listing.Listing, error) {
	var result listing.Listing

	err := c.withConn(ctx, "list", func(ctx context.Context, cn conn) error {
		ft, err := cn.FileTransfer()
		if err != nil {
			return &ConnectionError{Host: c.opts.Addr(), Op: "open sftp session", Err: err}
		}
		defer func() {
			_ = ft.Close()
		}()

		infos, err := ft.ReadDir(dir)
		if err != nil {
			return &ListError{Path: dir, Err: contextErr(ctx, err)}
		}

		entries := make([]listing.FileEntry, 0, len(infos))
		for _, fi := range infos {
			if !fi.Mode().IsRegular() {
				continue
			}
			entries = append(entries, listing.NewFileEntry(fi.Name(), fi.ModTime(), uint64(fi.Size())))
		}

		result, err = listing.NewListing(entries...)
		if err != nil {
			return &ListError{Path: dir, Err: err}
		}
		return nil
	})
	if err != nil {
		return listing.Listing{}, err
	}

	c.logger.Info("found files on control system", "count", result.Len(), "path", dir)
	return result, nil
}

// ApplySync brings remoteDir in line with delta. Entries are processed in
// delta order over one SFTP session and every entry produces a Result.
//
// The command timeout applies to each transfer on its own, so a large build
// is not cut short by the total time it takes. A transfer that overruns it
// tears the session down and the next entry dials a fresh one.
func (c *Client) ApplySync(ctx context.Context, localPath, remoteDir string, delta listing.Delta) []Result {
	results := make([]Result, 0, len(delta))

	var (
		s       *transferSession
		openErr error
	)
	defer func() {
		s.close()
	}()

	for _, entry := range delta {
		if !entry.Action.NeedsWrite() {
			c.logger.Debug("file is unchanged", "file", entry.Name)
			results = append(results, Result{Entry: entry})
			continue
		}

		if s == nil && openErr == nil {
			s, openErr = c.openSession(ctx)
			if openErr != nil {
				c.logger.Warn("unable to open a file transfer session", "error", openErr)
			}
		}
		if openErr != nil {
			// Every remaining write fails with the same cause.
			results = append(results, Result{Entry: entry, Err: &TransferError{Name: entry.Name, Action: entry.Action, Err: openErr}})
			continue
		}

		broken, err := c.transferEntry(ctx, s, localPath, remoteDir, entry)
		if err != nil {
			err = &TransferError{Name: entry.Name, Action: entry.Action, Err: err}
			c.logger.Warn("there was a problem transferring a file", "file", entry.Name, "action", entry.Action.String(), "error", err)
		}
		if broken {
			s.close()
			s = nil
		}
		results = append(results, Result{Entry: entry, Err: err})
	}

	return results
}

// transferSession is an SFTP session that stays open across ApplySync entries.
type transferSession struct {
	cn   conn
	ft   fileTransfer
	stop func() bool
}

func (s *transferSession) close() {
	if s == nil {
		return
	}
	s.stop()
	_ = s.ft.Close()
	_ = s.cn.Close()
}

// openSession dials and opens the file transfer subsystem within one command
// timeout. The session is closed when ctx ends.
func (c *Client) openSession(ctx context.Context) (*transferSession, error) {
	openCtx := ctx
	if c.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, c.opts.CommandTimeout)
		defer cancel()
	}

	cn, err := c.dial(openCtx)
	if err != nil {
		return nil, &ConnectionError{Host: c.opts.Addr(), Op: "sync", Err: contextErr(openCtx, err)}
	}

	guard := context.AfterFunc(openCtx, func() {
		_ = cn.Close()
	})
	ft, err := cn.FileTransfer()
	if !guard() && err == nil {
		_ = ft.Close()
		err = errors.New("connection closed while opening the session")
	}
	if err != nil {
		_ = cn.Close()
		return nil, &ConnectionError{Host: c.opts.Addr(), Op: "open sftp session", Err: contextErr(openCtx, err)}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = cn.Close()
	})
	return &transferSession{cn: cn, ft: ft, stop: stop}, nil
}

// transferEntry applies one entry under its own deadline. broken reports that
// the deadline closed the session.
func (c *Client) transferEntry(ctx context.Context, s *transferSession, localPath, remoteDir string, entry listing.DeltaEntry) (broken bool, err error) {
	entryCtx := ctx
	if c.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		entryCtx, cancel = context.WithTimeout(ctx, c.opts.CommandTimeout)
		defer cancel()
	}

	watchdog := context.AfterFunc(entryCtx, func() {
		_ = s.cn.Close()
	})
	err = c.applyEntry(s.ft, localPath, remoteDir, entry)
	broken = !watchdog()
	if err != nil && broken {
		err = contextErr(entryCtx, err)
	}
	return broken, err
}

func (c *Client) applyEntry(ft fileTransfer, localPath, remoteDir string, entry listing.DeltaEntry) error {
	remotePath := path.Join(remoteDir, entry.Name)

	switch entry.Action {
	case listing.Delete:
		c.logger.Info("deleting remote file", "file", entry.Name)
		return ft.Remove(remotePath)
	case listing.New, listing.Changed:
		if entry.Action == listing.New {
			c.logger.Info("uploading new file", "file", entry.Name)
		} else {
			c.logger.Info("uploading changed file", "file", entry.Name)
		}
		return c.upload(ft, filepath.Join(localPath, entry.Name), remotePath)
	default:
		return nil
	}
}

func (c *Client) upload(ft fileTransfer, src, dst string) error {
	f, err := c.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	err = ft.Upload(f, dst, info.ModTime())
	if errors.Is(err, errTimesNotPreserved) {
		// Contents are in place; the file will just compare as changed next time.
		c.logger.Warn("uploaded file but could not set its modification time", "file", dst, "error", err)
		return nil
	}
	return err
}

// withConn dials the device, runs fn and closes the connection on every exit
// path. The connection is also closed when the command timeout expires so a
// stalled device cannot hang the caller.
func (c *Client) withConn(ctx context.Context, op string, fn func(context.Context, conn) error) error {
	if c.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CommandTimeout)
		defer cancel()
	}

	cn, err := c.dial(ctx)
	if err != nil {
		return &ConnectionError{Host: c.opts.Addr(), Op: op, Err: contextErr(ctx, err)}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = cn.Close()
	})
	defer func() {
		stop()
		_ = cn.Close()
	}()

	return fn(ctx, cn)
}

// contextErr prefers the context error when the connection was torn down by
// a deadline or cancellation.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}
