package publish

import (
	"time"

	"github.com/schaermu/crestsync/internal/listing"
	"github.com/schaermu/crestsync/internal/remote"
)

// State is a stage of the publish workflow
type State int

const (
	Idle State = iota
	Building
	Diffing
	Syncing
	Restarting
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Diffing:
		return "diffing"
	case Syncing:
		return "syncing"
	case Restarting:
		return "restarting"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == Done || s == Aborted
}

// Options controls a publish run
type Options struct {
	// RemotePath is the program directory on the device
	RemotePath string
	// BuildTimeout bounds the wait for the build to finish
	BuildTimeout time.Duration
	// DryRun builds and computes the delta but never touches the device
	// beyond listing it
	DryRun bool
	// NoStart leaves the program stopped after syncing
	NoStart bool
}

// Report describes one publish run. It is returned even when the run aborts.
type Report struct {
	Session     string
	State       State
	Transitions []State

	// FailedIn is the stage that was active when the run aborted
	FailedIn State

	LocalPath   string
	LocalFiles  int
	LocalBytes  uint64
	RemoteFiles int
	Symbols     []string
	Delta       listing.Delta
	Results     []remote.Result
	Summary     remote.Summary
	BuildOutput string
	BuildTime   time.Duration
	Started     time.Time
	Finished    time.Time
	Restarted   bool
	DryRun      bool
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
