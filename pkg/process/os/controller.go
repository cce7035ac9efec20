package os

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/process"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/butter-bot-machines/corral/pkg/logging"
	proc "github.com/butter-bot-machines/corral/pkg/process"
)

// maxTreeDepth bounds the descendant walk when summing resident memory
const maxTreeDepth = 8

// Controller implements process.Controller with real OS processes. Each
// child runs in its own process group so signals reach its descendants.
type Controller struct {
	fs           afero.Fs
	logger       logging.Logger
	cgroupMemory bool
	cgroups      *cgroupsController
}

// Option configures a Controller
type Option func(*Controller)

// WithFs sets the filesystem used for launch checks and cgroup files
func WithFs(fs afero.Fs) Option {
	return func(c *Controller) { c.fs = fs }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithCgroupMemory enables hard memory caps through cgroups for specs
// with a memory limit. It is a no-op where cgroups are unavailable.
func WithCgroupMemory(enabled bool) Option {
	return func(c *Controller) { c.cgroupMemory = enabled }
}

// NewController creates an OS process controller
func NewController(opts ...Option) *Controller {
	c := &Controller{
		fs:     afero.NewOsFs(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cgroupMemory {
		cg, err := newCgroupsController(c.fs)
		if err != nil {
			c.logger.Warn("cgroup memory caps disabled", "error", err)
		} else {
			c.cgroups = cg
		}
	}
	return c
}

// Spawn starts a process for spec
func (c *Controller) Spawn(ctx context.Context, spec proc.Spec) (proc.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if spec.Dir != "" {
		fi, err := c.fs.Stat(spec.Dir)
		if err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s", proc.ErrInvalidDir, spec.Dir)
		}
	}

	path, err := c.lookPath(spec)
	if err != nil {
		return nil, err
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, err
	}
	// The child holds its own copies of the write ends
	outW.Close()
	errW.Close()

	p := &Process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}

	if spec.MemoryLimit > 0 && c.cgroups != nil {
		if err := c.cgroups.setupMemoryLimit(p.pid, spec.MemoryLimit); err != nil {
			c.logger.Warn("cgroup memory cap not applied", "unit", spec.Name, "pid", p.pid, "error", err)
		} else {
			p.cgroup = c.cgroups
		}
	}

	go p.wait()
	return p, nil
}

// lookPath resolves spec.Path. Bare names are searched in the unit's
// PATH, falling back to the supervisor's.
func (c *Controller) lookPath(spec proc.Spec) (string, error) {
	if strings.ContainsRune(spec.Path, filepath.Separator) {
		if err := c.checkExecutable(spec.Path); err != nil {
			return "", err
		}
		return spec.Path, nil
	}

	pathEnv := os.Getenv("PATH")
	for _, kv := range spec.Env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathEnv = v
		}
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, spec.Path)
		if c.checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", proc.ErrNotExecutable, spec.Path)
}

func (c *Controller) checkExecutable(path string) error {
	fi, err := c.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", proc.ErrNotExecutable, path)
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return fmt.Errorf("%s: permission denied", path)
	}
	return nil
}

// Process implements process.Process for an OS process
type Process struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File
	cgroup *cgroupsController

	done   chan struct{}
	mu     sync.RWMutex
	status proc.ExitStatus
}

func (p *Process) wait() {
	// A non-zero exit is reported through ProcessState
	_ = p.cmd.Wait()
	st := exitStatus(p.cmd.ProcessState)

	p.mu.Lock()
	p.status = st
	p.mu.Unlock()

	if p.cgroup != nil {
		_ = p.cgroup.cleanup(p.pid)
	}
	close(p.done)
}

// PID returns the process ID
func (p *Process) PID() int {
	return p.pid
}

// Stdout returns the read end of the stdout pipe
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the read end of the stderr pipe
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Done is closed once the process is reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Status returns the exit status
func (p *Process) Status() proc.ExitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Signal sends sig to the whole process group
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return proc.ErrNotRunning
	default:
	}

	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	if err := unix.Kill(-p.pid, s); err != nil {
		if err == unix.ESRCH {
			return proc.ErrNotRunning
		}
		return err
	}
	return nil
}

// Kill sends SIGKILL to the process group
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Memory returns the resident memory of the process and its descendants.
// A cgroup, when one was applied, is the authoritative source.
func (p *Process) Memory() (uint64, error) {
	select {
	case <-p.done:
		return 0, proc.ErrNotRunning
	default:
	}

	if p.cgroup != nil {
		if used, err := p.cgroup.currentUsage(p.pid); err == nil {
			return used, nil
		}
	}

	root, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return 0, proc.ErrNotRunning
	}
	return treeRSS(root, 0)
}

func treeRSS(p *process.Process, depth int) (uint64, error) {
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", proc.ErrMemoryUnmetered, err)
	}
	total := info.RSS
	if depth >= maxTreeDepth {
		return total, nil
	}

	children, err := p.Children()
	if err != nil {
		// ErrorNoChildren or a child that exited mid-walk
		return total, nil
	}
	for _, child := range children {
		if rss, err := treeRSS(child, depth+1); err == nil {
			total += rss
		}
	}
	return total, nil
}

func exitStatus(ps *os.ProcessState) proc.ExitStatus {
	if ps == nil {
		return proc.ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return proc.ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return proc.ExitStatus{Code: ps.ExitCode()}
}
