// Package memory provides a scripted process.Controller for tests.
package memory

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/butter-bot-machines/corral/pkg/process"
)

// Behavior scripts how processes spawned for one unit react
type Behavior struct {
	// IgnoreTerm keeps the process alive on SIGTERM, forcing a kill
	IgnoreTerm bool
	// Memory is the initial resident memory reported
	Memory uint64
	// ExitImmediately makes the process exit with ExitCode right after spawn
	ExitImmediately bool
	ExitCode        int
}

// Controller implements process.Controller without touching the OS
type Controller struct {
	mu        sync.Mutex
	nextPID   int
	procs     map[string][]*Process
	failures  map[string]error
	behaviors map[string]Behavior
}

// NewController creates a fake controller
func NewController() *Controller {
	return &Controller{
		nextPID:   1000,
		procs:     make(map[string][]*Process),
		failures:  make(map[string]error),
		behaviors: make(map[string]Behavior),
	}
}

// FailSpawn makes every spawn for name fail with err until cleared with nil
func (c *Controller) FailSpawn(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, name)
		return
	}
	c.failures[name] = err
}

// SetBehavior scripts processes spawned for name from now on
func (c *Controller) SetBehavior(name string, b Behavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.behaviors[name] = b
}

// Spawn records the spec and returns a live fake process
func (c *Controller) Spawn(ctx context.Context, spec process.Spec) (process.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err, ok := c.failures[spec.Name]; ok {
		c.mu.Unlock()
		return nil, err
	}
	b := c.behaviors[spec.Name]
	c.nextPID++
	p := newProcess(c.nextPID, spec, b)
	c.procs[spec.Name] = append(c.procs[spec.Name], p)
	c.mu.Unlock()

	if b.ExitImmediately {
		go p.Exit(b.ExitCode)
	}
	return p, nil
}

// Processes returns every process spawned for name, oldest first
func (c *Controller) Processes(name string) []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Process(nil), c.procs[name]...)
}

// Last returns the most recent process spawned for name
func (c *Controller) Last(name string) *Process {
	procs := c.Processes(name)
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// Alive returns the processes for name that have not exited
func (c *Controller) Alive(name string) []*Process {
	var alive []*Process
	for _, p := range c.Processes(name) {
		if p.Running() {
			alive = append(alive, p)
		}
	}
	return alive
}

// SpawnCount returns how many processes were spawned for name
func (c *Controller) SpawnCount(name string) int {
	return len(c.Processes(name))
}

// Process implements process.Process for testing
type Process struct {
	pid  int
	spec process.Spec

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	status     process.ExitStatus
	memory     uint64
	ignoreTerm bool
	signals    []os.Signal
}

func newProcess(pid int, spec process.Spec, b Behavior) *Process {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &Process{
		pid:        pid,
		spec:       spec,
		outR:       outR,
		outW:       outW,
		errR:       errR,
		errW:       errW,
		done:       make(chan struct{}),
		memory:     b.Memory,
		ignoreTerm: b.IgnoreTerm,
	}
}

// Spec returns the spec the process was spawned with
func (p *Process) Spec() process.Spec {
	return p.spec
}

// PID returns the fake process ID
func (p *Process) PID() int {
	return p.pid
}

// Stdout returns the stdout stream
func (p *Process) Stdout() io.Reader {
	return p.outR
}

// Stderr returns the stderr stream
func (p *Process) Stderr() io.Reader {
	return p.errR
}

// Done is closed when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Status returns the exit status
func (p *Process) Status() process.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Running reports whether the process has not exited
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Signal records sig; SIGKILL and, unless ignored, SIGTERM end the process
func (p *Process) Signal(sig os.Signal) error {
	if !p.Running() {
		return process.ErrNotRunning
	}

	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm
	p.mu.Unlock()

	switch sig {
	case syscall.SIGKILL:
		p.finish(process.ExitStatus{Code: -1, Signal: "SIGKILL"})
	case syscall.SIGTERM:
		if !ignore {
			p.finish(process.ExitStatus{Code: -1, Signal: "SIGTERM"})
		}
	}
	return nil
}

// Kill terminates the process
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Signals returns the signals delivered so far
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// Memory returns the scripted resident memory
func (p *Process) Memory() (uint64, error) {
	if !p.Running() {
		return 0, process.ErrNotRunning
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory, nil
}

// SetMemory changes the reported resident memory
func (p *Process) SetMemory(b uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory = b
}

// Exit ends the process on its own with code
func (p *Process) Exit(code int) {
	p.finish(process.ExitStatus{Code: code})
}

// WriteStdout writes to the process stdout. It blocks until the output
// is read, like a full pipe.
func (p *Process) WriteStdout(s string) error {
	_, err := io.WriteString(p.outW, s)
	return err
}

// WriteStderr writes to the process stderr
func (p *Process) WriteStderr(s string) error {
	_, err := io.WriteString(p.errW, s)
	return err
}

func (p *Process) finish(st process.ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = st
		p.mu.Unlock()

		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}
