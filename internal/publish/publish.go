package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/schaermu/crestsync/internal/build"
	"github.com/schaermu/crestsync/internal/listing"
	"github.com/schaermu/crestsync/internal/remote"
	"github.com/schaermu/crestsync/internal/symbols"
)

// DefaultBuildTimeout applies when Options.BuildTimeout is unset.
const DefaultBuildTimeout = 10 * time.Minute

// ErrPublishInProgress is returned when Run is called while another run is active.
var ErrPublishInProgress = errors.New("a publish is already in progress")

// LocalFiles lists the build output
type LocalFiles interface {
	List(path string) (listing.Listing, error)
}

// Engine orchestrates build, diff, sync and restart
type Engine struct {
	opts      Options
	builder   build.Builder
	converter symbols.Converter
	files     LocalFiles
	device    remote.Device
	clock     clockwork.Clock
	logger    *slog.Logger

	running atomic.Bool
	mu      sync.Mutex // guards state
	state   State
}

// NewEngine creates a new publish engine. converter may be nil to skip
// symbol conversion.
func NewEngine(opts Options, builder build.Builder, converter symbols.Converter, files LocalFiles, device remote.Device, clock clockwork.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = DefaultBuildTimeout
	}
	return &Engine{
		opts:      opts,
		builder:   builder,
		converter: converter,
		files:     files,
		device:    device,
		clock:     clock,
		logger:    logger,
	}
}

// State returns the stage of the current or most recent run.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// run carries the per-invocation session.
type run struct {
	*Engine
	report *Report
	logger *slog.Logger
}

// Run executes one complete publish. The report is always returned; the
// error is nil only when the device was restarted (or a dry run or
// no-start run completed).
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrPublishInProgress
	}
	defer e.running.Store(false)

	session := uuid.NewString()
	r := &run{
		Engine: e,
		report: &Report{
			Session: session,
			Started: e.clock.Now(),
			DryRun:  e.opts.DryRun,
		},
		logger: e.logger.With("session", session),
	}
	r.transition(Idle)

	err := r.execute(ctx)
	r.report.Finished = e.clock.Now()
	if err != nil {
		r.report.FailedIn = r.report.State
		r.transition(Aborted)
		return r.report, err
	}

	r.transition(Done)
	r.logger.Info("finished", "duration", r.report.Duration().Round(time.Millisecond).String())
	return r.report, nil
}

func (r *run) transition(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()

	r.report.State = s
	r.report.Transitions = append(r.report.Transitions, s)
	r.logger.Debug("publish state changed", "state", s.String())
}

// fail logs a stage failure exactly once and returns err unchanged.
func (r *run) fail(msg string, err error) error {
	r.logger.Error(msg, "stage", r.report.State.String(), "error", err)
	return err
}

func (r *run) execute(ctx context.Context) error {
	r.logger.Info("publishing to control system",
		"remote_path", r.opts.RemotePath,
		"dry_run", r.opts.DryRun,
		"no_start", r.opts.NoStart)

	outDir, err := r.build(ctx)
	if err != nil {
		return err
	}

	delta, err := r.diff(ctx, outDir)
	if err != nil {
		return err
	}

	if r.opts.DryRun {
		r.logDelta(delta)
		r.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	r.sync(ctx, outDir, delta)

	if r.opts.NoStart {
		r.logger.Info("leaving the remote application stopped")
		return nil
	}

	r.transition(Restarting)
	if err := r.device.StartProgram(ctx); err != nil {
		return r.fail("unable to start the remote application", err)
	}
	r.report.Restarted = true
	return nil
}

// build validates the project, stops the device program and waits for the
// build. It returns the build output directory.
func (r *run) build(ctx context.Context) (string, error) {
	r.transition(Building)

	if err := r.builder.Check(); err != nil {
		return "", r.fail("no buildable project is configured", err)
	}

	if !r.opts.DryRun {
		if err := r.device.StopProgram(ctx); err != nil {
			return "", r.fail("unable to stop the remote application", err)
		}
	}

	h, err := r.builder.Start(ctx)
	if err != nil {
		return "", r.fail("the build could not be started", err)
	}

	res, err := build.Await(ctx, r.clock, h, r.opts.BuildTimeout)
	r.report.BuildOutput = res.Output
	r.report.BuildTime = res.Duration
	switch {
	case errors.Is(err, build.ErrTimeout):
		return "", r.fail("the build did not finish in time", err)
	case err != nil:
		return "", r.fail("the build failed, fix and retry", err)
	}
	r.logger.Info("build succeeded", "duration", res.Duration.String())

	outDir, err := r.builder.OutputDir()
	if err != nil {
		return "", r.fail("the build output could not be found", err)
	}
	r.report.LocalPath = outDir
	return outDir, nil
}

// diff converts debug symbols, lists both sides and computes the delta.
func (r *run) diff(ctx context.Context, outDir string) (listing.Delta, error) {
	r.transition(Diffing)

	if r.converter != nil {
		built, err := r.files.List(outDir)
		if err != nil {
			return nil, r.fail("unable to read the build output", err)
		}
		produced, err := r.converter.Convert(ctx, outDir, built)
		if err != nil {
			return nil, r.fail("debug symbol conversion was interrupted", err)
		}
		r.report.Symbols = produced
	}

	localFiles, err := r.files.List(outDir)
	if err != nil {
		return nil, r.fail("unable to read the build output", err)
	}
	r.report.LocalFiles = localFiles.Len()
	r.report.LocalBytes = localFiles.TotalSize()

	remoteFiles, err := r.device.List(ctx, r.opts.RemotePath)
	if err != nil {
		return nil, r.fail("unable to retrieve file listing from the control system", err)
	}
	r.report.RemoteFiles = remoteFiles.Len()

	// The delta must describe exactly the files counted above.
	delta := listing.Compute(localFiles, remoteFiles)
	r.report.Delta = delta

	for _, names := range listing.CaseCollisions(delta) {
		r.logger.Warn("file names differ only by case; the control system may treat them as one file",
			"names", strings.Join(names, ", "))
	}

	r.logger.Info("computed delta",
		"local_files", r.report.LocalFiles,
		"local_size", humanize.Bytes(r.report.LocalBytes),
		"remote_files", r.report.RemoteFiles,
		"new", delta.Count(listing.New),
		"changed", delta.Count(listing.Changed),
		"delete", delta.Count(listing.Delete),
		"unchanged", delta.Count(listing.Unchanged))
	return delta, nil
}

// sync applies the delta. Per-file failures never stop the workflow; they
// are summarized in one line.
func (r *run) sync(ctx context.Context, outDir string, delta listing.Delta) {
	r.transition(Syncing)

	results := r.device.ApplySync(ctx, outDir, r.opts.RemotePath, delta)
	r.report.Results = results
	r.report.Summary = remote.Summarize(results)

	s := r.report.Summary
	if s.Failed > 0 {
		failed := make([]string, 0, s.Failed)
		for _, res := range remote.Failures(results) {
			failed = append(failed, res.Entry.Name)
		}
		r.logger.Error("some files could not be transferred",
			"failed", s.Failed,
			"files", strings.Join(failed, ", "),
			"uploaded", s.Uploaded,
			"deleted", s.Deleted)
		return
	}

	r.logger.Info("sync complete",
		"uploaded", s.Uploaded,
		"deleted", s.Deleted,
		"unchanged", s.Unchanged)
}

func (r *run) logDelta(delta listing.Delta) {
	for _, d := range delta {
		switch d.Action {
		case listing.New:
			r.logger.Info("[dry-run] would upload new file", "file", d.Name)
		case listing.Changed:
			r.logger.Info("[dry-run] would upload changed file", "file", d.Name)
		case listing.Delete:
			r.logger.Info("[dry-run] would delete remote file", "file", d.Name)
		}
	}
}

// Describe renders a one-line human summary of a finished report.
func Describe(r *Report) string {
	if r == nil {
		return "no publish has run"
	}
	switch {
	case r.State == Aborted:
		return fmt.Sprintf("publish aborted while %s", r.FailedIn)
	case r.DryRun:
		return fmt.Sprintf("dry run: %d new, %d changed, %d to delete, %d unchanged",
			r.Delta.Count(listing.New), r.Delta.Count(listing.Changed),
			r.Delta.Count(listing.Delete), r.Delta.Count(listing.Unchanged))
	default:
		return fmt.Sprintf("published %d files (%s): %d uploaded, %d deleted, %d unchanged, %d failed",
			r.LocalFiles, humanize.Bytes(r.LocalBytes),
			r.Summary.Uploaded, r.Summary.Deleted, r.Summary.Unchanged, r.Summary.Failed)
	}
}
