// Package supervisor keeps a set of declared units running: it launches
// them, applies the restart policy on crashes, enforces memory ceilings
// and routes their output to log files.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/logging"
	"github.com/butter-bot-machines/corral/pkg/logrouter"
	"github.com/butter-bot-machines/corral/pkg/process"
	procos "github.com/butter-bot-machines/corral/pkg/process/os"
	"github.com/butter-bot-machines/corral/pkg/timing"
	"github.com/butter-bot-machines/corral/pkg/watcher"
	"github.com/butter-bot-machines/corral/pkg/worker"
)

// Defaults for supervisor settings a descriptor does not override
const (
	DefaultKillTimeout   = 1600 * time.Millisecond
	DefaultMinUptime     = time.Second
	DefaultPollInterval  = 5 * time.Second
	DefaultWatchDebounce = watcher.DefaultDebounce
)

// Supervisor owns every managed unit
type Supervisor struct {
	controller process.Controller
	router     *logrouter.Router
	clock      timing.Clock
	logger     logging.Logger
	policy     Policy
	hook       func(Transition)

	killTimeout   time.Duration
	minUptime     time.Duration
	pollInterval  time.Duration
	watchDebounce time.Duration
	concurrency   int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	units  map[string]*unit
	closed bool

	reloadMu     sync.Mutex
	pollQuit     chan struct{}
	pollDone     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithController sets the process controller (defaults to the OS one)
func WithController(c process.Controller) Option {
	return func(s *Supervisor) { s.controller = c }
}

// WithRouter sets the log router
func WithRouter(r *logrouter.Router) Option {
	return func(s *Supervisor) { s.router = r }
}

// WithClock sets the clock driving grace, backoff, kill and poll timers
func WithClock(c timing.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithPolicy sets the default restart policy
func WithPolicy(p Policy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithKillTimeout sets the default SIGTERM to SIGKILL window
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.killTimeout = d }
}

// WithMinUptime sets the default grace window before a unit counts as running
func WithMinUptime(d time.Duration) Option {
	return func(s *Supervisor) { s.minUptime = d }
}

// WithPollInterval sets the memory poll interval; zero disables polling
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.pollInterval = d }
}

// WithWatchDebounce sets how long file changes settle before a restart
func WithWatchDebounce(d time.Duration) Option {
	return func(s *Supervisor) { s.watchDebounce = d }
}

// WithConcurrency bounds how many units a load or reload touches at once
func WithConcurrency(n int) Option {
	return func(s *Supervisor) { s.concurrency = n }
}

// WithTransitionHook registers fn to observe every state change. It is
// called on the unit's goroutine and must not block.
func WithTransitionHook(fn func(Transition)) Option {
	return func(s *Supervisor) { s.hook = fn }
}

// New creates a supervisor and starts its memory poller
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		policy:        DefaultPolicy(),
		killTimeout:   DefaultKillTimeout,
		minUptime:     DefaultMinUptime,
		pollInterval:  DefaultPollInterval,
		watchDebounce: DefaultWatchDebounce,
		units:         make(map[string]*unit),
		pollQuit:      make(chan struct{}),
		pollDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clock = timing.OrDefault(s.clock)
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.controller == nil {
		s.controller = procos.NewController(procos.WithLogger(s.logger))
	}
	if s.router == nil {
		s.router = logrouter.New(logrouter.WithClock(s.clock), logrouter.WithLogger(s.logger))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.pollInterval > 0 {
		go s.poll()
	} else {
		close(s.pollDone)
	}
	return s
}

// Load registers descs and starts them. The whole set is validated
// before any process is touched; names already managed are rejected.
func (s *Supervisor) Load(ctx context.Context, descs []*descriptor.Descriptor) error {
	if err := descriptor.ValidateSet(descs); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errShutdown()
	}
	for _, d := range descs {
		if _, ok := s.units[d.Name]; ok {
			s.mu.Unlock()
			return errors.New(errors.ValidationError, "already managed").WithUnit(d.Name).WithField("name")
		}
	}
	units := make([]*unit, 0, len(descs))
	for _, d := range descs {
		units = append(units, s.register(d))
	}
	s.mu.Unlock()

	pool := worker.NewPool(s.concurrency)
	for _, u := range units {
		u := u
		pool.Go(func() error { return u.do(ctx, cmdStart, nil) })
	}
	return pool.Wait()
}

// Start starts a stopped or disabled unit
func (s *Supervisor) Start(ctx context.Context, name string) error {
	u, err := s.lookup(name)
	if err != nil {
		return err
	}
	return u.do(ctx, cmdStart, nil)
}

// Stop stops a unit and waits until its process is gone
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	u, err := s.lookup(name)
	if err != nil {
		return err
	}
	return u.do(ctx, cmdStop, nil)
}

// Restart stops a live unit and starts it again, or starts an idle one
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	u, err := s.lookup(name)
	if err != nil {
		return err
	}
	return u.do(ctx, cmdRestart, nil)
}

// Status returns the snapshot of one unit
func (s *Supervisor) Status(name string) (Snapshot, error) {
	u, err := s.lookup(name)
	if err != nil {
		return Snapshot{}, err
	}
	return u.snapshot(), nil
}

// List returns the snapshots of every unit sorted by name
func (s *Supervisor) List() []Snapshot {
	units := s.all()
	snaps := make([]Snapshot, 0, len(units))
	for _, u := range units {
		snaps = append(snaps, u.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Shutdown stops every unit concurrently and waits for them
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.pollQuit)
		<-s.pollDone

		pool := worker.NewPool(s.concurrency)
		for _, u := range s.all() {
			u := u
			pool.Go(func() error { return s.remove(ctx, u) })
		}
		s.shutdownErr = pool.Wait()

		s.cancel()
		s.router.Close()
		s.logger.Info("supervisor stopped")
	})
	return s.shutdownErr
}

// register creates and runs the actor for d; s.mu must be held
func (s *Supervisor) register(d *descriptor.Descriptor) *unit {
	u := newUnit(s, d)
	s.units[d.Name] = u
	go func() {
		defer close(u.done)
		u.run()
		s.forget(u)
	}()
	return u
}

// remove stops u and waits until it is no longer managed
func (s *Supervisor) remove(ctx context.Context, u *unit) error {
	if err := u.do(ctx, cmdRemove, nil); err != nil {
		if errors.Is(err, errors.NotFoundError) {
			return nil
		}
		return err
	}
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) forget(u *unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.units[u.name] == u {
		delete(s.units, u.name)
	}
}

func (s *Supervisor) lookup(name string) (*unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.units[name]; ok {
		return u, nil
	}
	if s.closed {
		return nil, errShutdown()
	}
	return nil, errors.New(errors.NotFoundError, "unit not found").WithUnit(name)
}

func (s *Supervisor) all() []*unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	units := make([]*unit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	return units
}

func errShutdown() error {
	return errors.New(errors.Unavailable, "supervisor is shutting down")
}
