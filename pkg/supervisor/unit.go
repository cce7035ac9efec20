package supervisor

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/logging"
	"github.com/butter-bot-machines/corral/pkg/logrouter"
	"github.com/butter-bot-machines/corral/pkg/process"
	"github.com/butter-bot-machines/corral/pkg/timing"
	"github.com/butter-bot-machines/corral/pkg/watcher"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdRestart
	cmdReplace
	cmdRemove
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	case cmdRestart:
		return "restart"
	case cmdReplace:
		return "replace"
	case cmdRemove:
		return "remove"
	}
	return "unknown"
}

type command struct {
	kind  commandKind
	desc  *descriptor.Descriptor
	reply chan error
}

// afterStop is what a unit does once its process confirmed termination
type afterStop int

const (
	afterNone afterStop = iota
	afterRestart
	afterMemory
	afterRemove
)

type exitEvent struct {
	gen    int
	status process.ExitStatus
}

// unit is the actor owning one managed name. Only its run goroutine
// touches the fields below the channel block; readers use the published
// snapshot.
type unit struct {
	sup    *Supervisor
	name   string
	logger logging.Logger

	cmds    chan command
	exits   chan exitEvent
	probes  chan struct{}
	changes chan string
	done    chan struct{}

	desc     *descriptor.Descriptor
	next     *descriptor.Descriptor
	state    State
	proc     process.Process
	gen      int
	policy   Policy
	backoff  *backoff
	restarts int
	crashes  int
	lastExit *process.ExitStatus
	lastErr  error
	started  time.Time
	memory   uint64
	delay    time.Duration
	after    afterStop
	waiters  []chan error
	sink     *logrouter.Sink
	watch    *watcher.Watcher

	// breachUptime is how long the process ran before its memory breach
	breachUptime time.Duration
	graceTimer   *timing.Timer
	backoffTimer *timing.Timer
	killTimer    *timing.Timer

	mu      sync.RWMutex
	snap    Snapshot
	desired *descriptor.Descriptor
}

func newUnit(s *Supervisor, d *descriptor.Descriptor) *unit {
	u := &unit{
		sup:     s,
		name:    d.Name,
		logger:  s.logger.With("unit", d.Name),
		cmds:    make(chan command),
		exits:   make(chan exitEvent, 1),
		probes:  make(chan struct{}, 1),
		changes: make(chan string, 1),
		done:    make(chan struct{}),
		state:   StateStopped,
		desired: d,
	}
	u.adopt(d)
	u.publish()
	return u
}

// do hands a command to the actor and waits for its outcome
func (u *unit) do(ctx context.Context, kind commandKind, d *descriptor.Descriptor) error {
	c := command{kind: kind, desc: d, reply: make(chan error, 1)}
	select {
	case u.cmds <- c:
	case <-u.done:
		return errors.New(errors.NotFoundError, "unit is no longer managed").WithUnit(u.name)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// probe asks for a memory check without waiting
func (u *unit) probe() {
	select {
	case u.probes <- struct{}{}:
	default:
	}
}

// notifyChange reports a watched file change without waiting
func (u *unit) notifyChange(path string) {
	select {
	case u.changes <- path:
	default:
	}
}

func (u *unit) run() {
	for {
		// A stopping unit defers commands until its process is gone
		var cmds <-chan command
		if u.state != StateStopping {
			cmds = u.cmds
		}

		select {
		case c := <-cmds:
			if u.handle(c) {
				return
			}
		case ev := <-u.exits:
			if u.onExit(ev) {
				return
			}
		case <-timerC(u.graceTimer):
			u.graceTimer = nil
			u.onGrace()
		case <-timerC(u.backoffTimer):
			u.backoffTimer = nil
			u.onBackoffElapsed()
		case <-timerC(u.killTimer):
			u.killTimer = nil
			u.onKillTimeout()
		case <-u.probes:
			u.onProbe()
		case path := <-u.changes:
			u.onChange(path)
		}
	}
}

// handle applies one command. It returns true once the unit is removed.
func (u *unit) handle(c command) bool {
	u.logger.Debug("command received", "command", c.kind, "state", u.state)

	switch c.kind {
	case cmdStart:
		switch u.state {
		case StateStarting, StateRunning:
			c.reply <- nil
		case StateBackoff:
			u.cancelBackoff()
			u.reactivate()
			c.reply <- u.spawn()
		default:
			u.reactivate()
			c.reply <- u.spawn()
		}

	case cmdStop:
		switch u.state {
		case StateStarting, StateRunning:
			u.beginStop(afterNone, c.reply)
		case StateBackoff:
			u.cancelBackoff()
			u.setState(StateStopped)
			c.reply <- nil
		case StateDisabled:
			u.setState(StateStopped)
			c.reply <- nil
		default:
			c.reply <- nil
		}

	case cmdRestart:
		switch u.state {
		case StateStarting, StateRunning:
			u.beginStop(afterRestart, c.reply)
		case StateBackoff:
			u.cancelBackoff()
			u.reactivate()
			c.reply <- u.spawn()
		default:
			u.reactivate()
			c.reply <- u.spawn()
		}

	case cmdReplace:
		if u.state == StateStarting || u.state == StateRunning {
			u.next = c.desc
			u.beginStop(afterRestart, c.reply)
			break
		}
		u.cancelBackoff()
		u.adopt(c.desc)
		u.reactivate()
		c.reply <- u.spawn()

	case cmdRemove:
		if u.state == StateStarting || u.state == StateRunning {
			u.beginStop(afterRemove, c.reply)
			break
		}
		u.cancelBackoff()
		if u.state != StateStopped {
			u.setState(StateStopped)
		}
		u.teardown()
		c.reply <- nil
		return true
	}
	return false
}

// spawn launches a new generation. A failed launch counts as a crash
// and goes through the restart policy.
func (u *unit) spawn() error {
	d := u.desc
	u.setState(StateStarting)

	proc, err := u.sup.controller.Spawn(u.sup.ctx, process.Spec{
		Name:        d.Name,
		Path:        d.Path,
		Args:        d.Args,
		Dir:         d.Dir,
		Env:         d.Environ(),
		MemoryLimit: d.MemoryLimit,
	})
	if err != nil {
		serr := errors.SpawnError.Wrap(err, "cannot launch %s", d.Path).WithUnit(d.Name)
		u.logger.Error("spawn failed", "error", serr)
		u.crashes++
		u.lastErr = serr
		u.setState(StateCrashed)
		u.applyPolicy(0)
		return serr
	}

	u.gen++
	u.proc = proc
	u.started = u.sup.clock.Now()
	u.memory = 0

	u.sink = u.sup.router.Sink(d.Name, logrouter.Paths{Out: d.OutFile, Err: d.ErrorFile}, d.Timestamps)
	u.sink.Attach(proc.Stdout(), proc.Stderr())
	go u.awaitExit(u.gen, proc)

	u.logger.Info("process started", "pid", proc.PID(), "path", d.Path)

	if grace := u.minUptime(); grace > 0 {
		u.graceTimer = u.sup.clock.Timer(grace)
		u.publish()
	} else {
		u.setState(StateRunning)
	}
	return nil
}

func (u *unit) awaitExit(gen int, p process.Process) {
	<-p.Done()
	select {
	case u.exits <- exitEvent{gen: gen, status: p.Status()}:
	case <-u.done:
	}
}

// beginStop signals the process group and arms the kill timer
func (u *unit) beginStop(after afterStop, reply chan error) {
	u.after = after
	if reply != nil {
		u.waiters = append(u.waiters, reply)
	}
	stopTimer(&u.graceTimer)
	u.killTimer = u.sup.clock.Timer(u.killTimeout())
	u.setState(StateStopping)

	if err := u.proc.Signal(syscall.SIGTERM); err != nil && !stderrors.Is(err, process.ErrNotRunning) {
		u.logger.Warn("cannot signal process, killing", "pid", u.proc.PID(), "error", err)
		u.proc.Kill()
	}
}

func (u *unit) onKillTimeout() {
	if u.state != StateStopping || u.proc == nil {
		return
	}
	u.logger.Warn("process ignored SIGTERM, killing", "pid", u.proc.PID(), "timeout", u.killTimeout())
	if err := u.proc.Kill(); err != nil && !stderrors.Is(err, process.ErrNotRunning) {
		u.logger.Error("cannot kill process", "pid", u.proc.PID(), "error", err)
	}
}

// onExit handles the end of a generation. It returns true once the
// unit is removed.
func (u *unit) onExit(ev exitEvent) bool {
	if ev.gen != u.gen || u.proc == nil {
		return false
	}

	status := ev.status
	uptime := timing.Uptime(u.sup.clock, u.started)
	u.lastExit = &status
	u.proc = nil
	u.memory = 0
	stopTimer(&u.graceTimer)
	stopTimer(&u.killTimer)

	switch u.state {
	case StateStopping:
		u.logger.Info("process stopped", "status", status.String())
		u.setState(StateStopped)
		return u.finishStop()

	case StateStarting, StateRunning:
		u.crashes++
		u.lastErr = errors.New(errors.RuntimeCrash, "process exited unexpectedly (%s) after %s", status, uptime.Round(time.Millisecond)).WithUnit(u.name)
		u.logger.Warn("process crashed", "status", status.String(), "uptime", uptime)
		u.setState(StateCrashed)
		u.applyPolicy(uptime)
	}
	return false
}

// finishStop runs the follow-up of a confirmed stop and answers waiters
func (u *unit) finishStop() bool {
	after := u.after
	waiters := u.waiters
	u.after = afterNone
	u.waiters = nil

	var err error
	switch after {
	case afterRestart:
		if u.next != nil {
			u.adopt(u.next)
			u.next = nil
		}
		u.restarts++
		err = u.spawn()

	case afterMemory:
		if !u.desc.Autorestart {
			break
		}
		if delay := u.backoff.breach(u.breachUptime); delay > 0 {
			u.delay = delay
			u.backoffTimer = u.sup.clock.Timer(delay)
			u.logger.Info("repeated memory breach, delaying restart", "delay", delay)
			u.setState(StateBackoff)
			break
		}
		u.restarts++
		err = u.spawn()

	case afterRemove:
		u.teardown()
	}

	for _, w := range waiters {
		w <- err
	}
	return after == afterRemove
}

// applyPolicy moves a crashed unit to backoff or disables it
func (u *unit) applyPolicy(uptime time.Duration) {
	if !u.desc.Autorestart {
		u.logger.Info("autorestart disabled, not restarting")
		u.setState(StateDisabled)
		return
	}

	delay, ok := u.backoff.crash(u.sup.clock.Now(), uptime)
	if !ok {
		u.lastErr = errors.New(errors.RuntimeCrash, "crashed more than %d times within %s, disabled",
			u.policy.MaxRestarts, u.policy.Window).WithUnit(u.name)
		u.logger.Error("restart budget exhausted", "crashes", u.crashes, "window", u.policy.Window)
		u.setState(StateDisabled)
		return
	}

	u.delay = delay
	u.backoffTimer = u.sup.clock.Timer(delay)
	u.logger.Info("restarting after backoff", "delay", delay)
	u.setState(StateBackoff)
}

func (u *unit) onBackoffElapsed() {
	if u.state != StateBackoff {
		return
	}
	u.delay = 0
	u.restarts++
	u.spawn()
}

func (u *unit) onGrace() {
	if u.state == StateStarting {
		u.setState(StateRunning)
	}
}

// onProbe samples memory and enforces the ceiling. Probing a unit
// without a live, settled process is a no-op.
func (u *unit) onProbe() {
	if u.proc == nil || (u.state != StateRunning && u.state != StateStarting) {
		return
	}

	mem, err := u.proc.Memory()
	if err != nil {
		u.logger.Debug("memory sample failed", "pid", u.proc.PID(), "error", err)
		return
	}
	u.memory = mem

	limit := u.desc.MemoryLimit
	if limit == 0 || mem <= limit {
		u.publish()
		return
	}

	u.lastErr = errors.New(errors.ResourceLimitExceeded, "memory %s exceeds limit %s",
		descriptor.FormatMemory(mem), descriptor.FormatMemory(limit)).WithUnit(u.name)
	u.logger.Warn("memory limit exceeded, restarting", "memory", mem, "limit", limit)
	u.breachUptime = timing.Uptime(u.sup.clock, u.started)
	u.beginStop(afterMemory, nil)
}

func (u *unit) onChange(path string) {
	if u.state != StateRunning && u.state != StateStarting {
		return
	}
	u.logger.Info("watched file changed, restarting", "path", path)
	u.beginStop(afterRestart, nil)
}

// adopt installs a descriptor and everything derived from it
func (u *unit) adopt(d *descriptor.Descriptor) {
	prev := u.desc
	u.desc = d
	u.policy = u.sup.policy.forDescriptor(d)
	u.backoff = newBackoff(u.policy)

	if prev != nil && reflect.DeepEqual(prev.Watch, d.Watch) && reflect.DeepEqual(prev.IgnoreWatch, d.IgnoreWatch) {
		return
	}
	u.stopWatch()
	if len(d.Watch) == 0 {
		return
	}

	w, err := watcher.New(watcher.Options{
		Paths:    d.Watch,
		Ignore:   d.IgnoreWatch,
		Debounce: u.sup.watchDebounce,
		Logger:   u.logger,
	}, u.notifyChange)
	if err != nil {
		u.logger.Warn("cannot watch for changes", "paths", d.Watch, "error", err)
		return
	}
	u.watch = w
}

// reactivate clears the crash history on an operator start
func (u *unit) reactivate() {
	u.crashes = 0
	u.backoff.reset()
}

func (u *unit) cancelBackoff() {
	stopTimer(&u.backoffTimer)
	u.delay = 0
}

func (u *unit) stopWatch() {
	if u.watch == nil {
		return
	}
	if err := u.watch.Stop(); err != nil {
		u.logger.Debug("watcher stop failed", "error", err)
	}
	u.watch = nil
}

// teardown releases the resources of a removed unit
func (u *unit) teardown() {
	u.stopWatch()
	u.sink = nil
	u.sup.router.Remove(u.name)
	u.publish()
}

func (u *unit) killTimeout() time.Duration {
	if u.desc.KillTimeout > 0 {
		return u.desc.KillTimeout
	}
	return u.sup.killTimeout
}

func (u *unit) minUptime() time.Duration {
	if u.desc.MinUptime > 0 {
		return u.desc.MinUptime
	}
	return u.sup.minUptime
}

func (u *unit) setState(to State) {
	from := u.state
	if !CanTransition(from, to) {
		u.logger.Error("unexpected transition", "from", from, "to", to)
	}
	u.state = to
	u.publish()
	u.logger.Debug("state changed", "from", from, "to", to)

	if u.sup.hook != nil {
		u.sup.hook(Transition{Name: u.name, From: from, To: to, At: u.sup.clock.Now()})
	}
}

// publish copies actor state into the shared snapshot
func (u *unit) publish() {
	snap := Snapshot{
		Name:        u.name,
		Script:      u.desc.Script,
		State:       u.state,
		Restarts:    u.restarts,
		Crashes:     u.crashes,
		LastExit:    u.lastExit,
		NextRestart: u.delay,
		Memory:      u.memory,
		MemoryLimit: u.desc.MemoryLimit,
		Watching:    u.watch != nil,
		Logs:        logrouter.Paths{Out: u.desc.OutFile, Err: u.desc.ErrorFile},
	}
	if u.proc != nil {
		snap.PID = u.proc.PID()
		snap.StartedAt = u.started
	}
	if u.lastErr != nil {
		snap.LastError = u.lastErr.Error()
		snap.LastErrorKind = errors.TypeName(u.lastErr)
	}

	u.mu.Lock()
	u.snap = snap
	u.mu.Unlock()
}

// snapshot returns the latest published state with live figures filled in
func (u *unit) snapshot() Snapshot {
	u.mu.RLock()
	snap := u.snap
	u.mu.RUnlock()

	if snap.State.Alive() {
		snap.Uptime = timing.Uptime(u.sup.clock, snap.StartedAt)
	}
	if sink, ok := u.sup.router.Get(u.name); ok {
		snap.LogStats = sink.Stats()
	}
	return snap
}

func (u *unit) desiredDescriptor() *descriptor.Descriptor {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.desired
}

func (u *unit) setDesired(d *descriptor.Descriptor) {
	u.mu.Lock()
	u.desired = d
	u.mu.Unlock()
}

func timerC(t *timing.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **timing.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
