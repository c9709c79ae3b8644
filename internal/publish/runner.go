package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Publisher runs one publish
type Publisher interface {
	Run(ctx context.Context) (*Report, error)
}

// Runner drives a Publisher from repeated triggers with single-flight
// semantics: while a run is in progress at most one more run is queued and
// any further requests collapse into it.
type Runner struct {
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex // guards the fields below
	running bool       // whether a publish is currently in progress
	pending bool       // whether another publish is needed after the current one
	last    *Report
	lastErr error
	runs    int
}

// NewRunner creates a runner for p
func NewRunner(p Publisher, logger *slog.Logger) *Runner {
	return &Runner{publisher: p, logger: logger}
}

// Trigger requests a publish. If none is running it runs in the calling
// goroutine, followed by at most one queued re-run. Otherwise the request is
// queued and Trigger returns immediately; it reports whether it ran.
func (r *Runner) Trigger(ctx context.Context) bool {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		r.logger.Info("publish already in progress, queuing pending re-run")
		return false
	}
	r.running = true
	r.mu.Unlock()

	for {
		report, err := r.publisher.Run(ctx)
		skipped := errors.Is(err, ErrPublishInProgress)
		if skipped {
			// Someone drove the publisher directly; our request is covered by that run.
			r.logger.Info("publish already running outside the trigger queue")
		}

		r.mu.Lock()
		if !skipped {
			r.runs++
			r.last, r.lastErr = report, err
		}
		if !r.pending || ctx.Err() != nil {
			r.running = false
			r.pending = false
			r.mu.Unlock()
			return true
		}
		r.pending = false
		r.mu.Unlock()

		r.logger.Info("re-running publish due to pending request")
	}
}

// Last returns the most recent report and error.
func (r *Runner) Last() (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastErr
}

// Runs returns how many publishes have completed.
func (r *Runner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Busy reports whether a publish is in progress.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Debouncer delays a callback until triggers stop arriving for the delay.
type Debouncer struct {
	clock clockwork.Clock
	delay time.Duration

	mu       sync.Mutex
	timer    clockwork.Timer
	callback func()
}

// NewDebouncer creates a debouncer. A nil clock uses the real clock.
func NewDebouncer(clock clockwork.Clock, delay time.Duration) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{clock: clock, delay: delay}
}

// Trigger schedules callback to run after the debounce delay, replacing any
// callback scheduled earlier.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// Stop cancels a scheduled callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
