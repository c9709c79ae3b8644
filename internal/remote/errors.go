package remote

import (
	"fmt"

	"github.com/schaermu/crestsync/internal/listing"
)

// ConnectionError means an SSH connection or session could not be opened.
type ConnectionError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect to %s: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ListError means the remote directory listing failed after connecting.
type ListError struct {
	Path string
	Err  error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("list remote directory %q: %v", e.Path, e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// CommandError is a console command that exited with a non-zero status.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitStatus)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitStatus, e.Stderr)
}

// TransferError is a failed upload or delete of a single file.
type TransferError struct {
	Name   string
	Action listing.Action
	Err    error
}

func (e *TransferError) Error() string {
	verb := "upload"
	if e.Action == listing.Delete {
		verb = "delete"
	}
	return fmt.Sprintf("%s %s: %v", verb, e.Name, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
