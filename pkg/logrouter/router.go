// Package logrouter drains supervised process output into append-only
// log files without ever blocking the child.
package logrouter

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/butter-bot-machines/corral/pkg/logging"
	"github.com/butter-bot-machines/corral/pkg/timing"
)

// Defaults for buffering and write retries
const (
	DefaultBufferSize = 1024
	DefaultRetries    = 3
	DefaultRetryDelay = 50 * time.Millisecond
)

// Paths names the stdout and stderr destinations of one unit
type Paths struct {
	Out string `json:"out"`
	Err string `json:"err"`
}

// Router owns one Sink per unit name
type Router struct {
	mu    sync.Mutex
	sinks map[string]*Sink

	fs         afero.Fs
	clock      timing.Clock
	logger     logging.Logger
	bufferSize int
	retries    int
	retryDelay time.Duration
}

// Option configures a Router
type Option func(*Router)

// WithFs sets the filesystem log files are opened on
func WithFs(fs afero.Fs) Option {
	return func(r *Router) { r.fs = fs }
}

// WithClock sets the clock used for timestamps and retry delays
func WithClock(c timing.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithLogger sets the logger write failures are reported to
func WithLogger(l logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithBufferSize sets the number of chunks buffered per destination
func WithBufferSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithRetry sets how often a failed write is retried and the pause between attempts
func WithRetry(retries int, delay time.Duration) Option {
	return func(r *Router) {
		if retries >= 0 {
			r.retries = retries
		}
		r.retryDelay = delay
	}
}

// New creates a router
func New(opts ...Option) *Router {
	r := &Router{
		sinks:      make(map[string]*Sink),
		fs:         afero.NewOsFs(),
		clock:      timing.New(),
		logger:     logging.Nop(),
		bufferSize: DefaultBufferSize,
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sink returns the sink for name, replacing it when its destinations or
// timestamp setting changed
func (r *Router) Sink(name string, paths Paths, timestamps bool) *Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sinks[name]; ok {
		if s.paths == paths && s.timestamps == timestamps {
			return s
		}
		go s.Close()
	}

	s := newSink(r, name, paths, timestamps)
	r.sinks[name] = s
	return s
}

// Get returns the current sink for name
func (r *Router) Get(name string) (*Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Remove closes and forgets the sink for name
func (r *Router) Remove(name string) {
	r.mu.Lock()
	s, ok := r.sinks[name]
	delete(r.sinks, name)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Close closes every sink
func (r *Router) Close() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = make(map[string]*Sink)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s *Sink) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

// open opens path for appending, creating parent directories
func (r *Router) open(path string) (afero.File, error) {
	if err := r.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return r.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
