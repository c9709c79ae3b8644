package build

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Configuration and outcome errors.
var (
	// ErrNoProject is returned when no project file is configured or it does not exist.
	ErrNoProject = errors.New("no project file")
	// ErrUnsupportedConfiguration is returned for build configurations other than Debug and Release.
	ErrUnsupportedConfiguration = errors.New("unsupported build configuration")
	// ErrFailed is returned when the build tool reports failure.
	ErrFailed = errors.New("build failed")
	// ErrTimeout is returned when the build does not finish in time.
	ErrTimeout = errors.New("build timed out")
)

// SupportedConfigurations lists the build profiles a device deployment accepts.
var SupportedConfigurations = []string{"Debug", "Release"}

// Builder compiles the program that gets deployed
type Builder interface {
	// Check validates the build setup without side effects
	Check() error
	// Start launches a build and returns immediately
	Start(ctx context.Context) (*Handle, error)
	// OutputDir returns the directory holding the build output
	OutputDir() (string, error)
}

// Result is the single outcome of a build.
type Result struct {
	Succeeded bool
	Output    string
	Err       error
	Duration  time.Duration
}

// Handle tracks one running build. It completes exactly once.
type Handle struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

// NewHandle returns a handle that has not completed yet.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Complete records r and fires the completion signal. Only the first call
// has any effect; it reports whether this call completed the handle.
func (h *Handle) Complete(r Result) bool {
	completed := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		completed = true
	})
	return completed
}

// Done is closed when the build has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status reports whether the build has finished and, if so, its result.
func (h *Handle) Status() (bool, Result) {
	select {
	case <-h.done:
		return true, h.result
	default:
		return false, Result{}
	}
}

// Await blocks until the build completes, ctx is cancelled or timeout passes.
func Await(ctx context.Context, clock clockwork.Clock, h *Handle, timeout time.Duration) (Result, error) {
	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.Done():
		_, r := h.Status()
		return r, resultErr(r)
	case <-timer.Chan():
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// StatusFunc reports whether a build has finished.
type StatusFunc func() (bool, Result)

// Poll checks status every interval until the build finishes, for builders
// that only expose a status query. It gives up with ErrTimeout after timeout.
func Poll(ctx context.Context, clock clockwork.Clock, interval, timeout time.Duration, status StatusFunc) (Result, error) {
	timer := clock.NewTimer(timeout)
	defer timer.Stop()
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if done, r := status(); done {
			return r, resultErr(r)
		}

		select {
		case <-ticker.Chan():
		case <-timer.Chan():
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func resultErr(r Result) error {
	if r.Succeeded {
		return nil
	}
	if r.Err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, r.Err)
	}
	return ErrFailed
}
