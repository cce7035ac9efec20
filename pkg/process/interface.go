package process

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Spec describes one launch of a supervised unit
type Spec struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string

	// MemoryLimit asks the controller for a hard cap in bytes, 0 for
	// none. Controllers that cannot enforce it ignore it.
	MemoryLimit uint64
}

// Controller launches OS processes
type Controller interface {
	// Spawn starts the process described by spec. The executable and
	// working directory are checked here, at launch time.
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Process is one launched OS process
type Process interface {
	// PID returns the OS process identifier
	PID() int

	// Stdout and Stderr stream the process output until it exits
	Stdout() io.Reader
	Stderr() io.Reader

	// Done is closed once the process has exited and been reaped
	Done() <-chan struct{}

	// Status returns the exit status; only meaningful after Done
	Status() ExitStatus

	// Signal delivers sig to the process group
	Signal(sig os.Signal) error

	// Kill forcibly terminates the process group
	Kill() error

	// Memory returns the resident memory of the process tree in bytes
	Memory() (uint64, error)
}

// ExitStatus records how a process ended
type ExitStatus struct {
	// Code is the exit code, -1 when killed by a signal
	Code int `json:"code"`
	// Signal names the terminating signal, if any
	Signal string `json:"signal,omitempty"`
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Error types for process operations
var (
	ErrNotRunning      = Error{"process not running"}
	ErrNotExecutable   = Error{"executable not found"}
	ErrInvalidDir      = Error{"working directory not found"}
	ErrMemoryUnmetered = Error{"memory usage unavailable"}
)

// Error represents a process error
type Error struct {
	Message string
}

func (e Error) Error() string {
	return e.Message
}
