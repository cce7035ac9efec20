package logrouter

import (
	"bufio"
	stderrors "errors"
	"io"
	"sync"

	"go.uber.org/atomic"

	"github.com/butter-bot-machines/corral/pkg/errors"
)

const timestampLayout = "2006-01-02T15:04:05Z07:00"

// Stats are the drain counters of one sink
type Stats struct {
	// Written counts bytes appended to log files
	Written int64 `json:"written"`
	// Dropped counts chunks discarded because a buffer was full
	Dropped int64 `json:"dropped"`
	// WriteErrors counts chunks discarded after exhausting retries
	WriteErrors int64 `json:"write_errors"`
	// LastError describes the most recent write failure
	LastError string `json:"last_error,omitempty"`
}

// Sink is the pair of append-only destinations of one unit
type Sink struct {
	router     *Router
	name       string
	paths      Paths
	timestamps bool

	out *destination
	err *destination

	written     atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64
	lastError   atomic.String

	quit      chan struct{}
	closeOnce sync.Once
	writers   sync.WaitGroup
}

type destination struct {
	path string
	ch   chan []byte
	file io.WriteCloser
}

func newSink(r *Router, name string, paths Paths, timestamps bool) *Sink {
	s := &Sink{
		router:     r,
		name:       name,
		paths:      paths,
		timestamps: timestamps,
		out:        &destination{path: paths.Out, ch: make(chan []byte, r.bufferSize)},
		err:        &destination{path: paths.Err, ch: make(chan []byte, r.bufferSize)},
		quit:       make(chan struct{}),
	}

	s.writers.Add(2)
	go s.writeLoop(s.out)
	go s.writeLoop(s.err)
	return s
}

// Paths returns the sink destinations
func (s *Sink) Paths() Paths {
	return s.paths
}

// Stats returns the current counters
func (s *Sink) Stats() Stats {
	return Stats{
		Written:     s.written.Load(),
		Dropped:     s.dropped.Load(),
		WriteErrors: s.writeErrors.Load(),
		LastError:   s.lastError.Load(),
	}
}

// Attach starts draining one process generation. The returned channel
// is closed once both streams reached EOF.
func (s *Sink) Attach(stdout, stderr io.Reader) <-chan struct{} {
	done := make(chan struct{})
	var drains sync.WaitGroup
	for _, st := range []struct {
		r   io.Reader
		dst *destination
	}{{stdout, s.out}, {stderr, s.err}} {
		if st.r == nil {
			continue
		}
		drains.Add(1)
		go func(r io.Reader, dst *destination) {
			defer drains.Done()
			s.drain(r, dst)
		}(st.r, st.dst)
	}
	go func() {
		drains.Wait()
		close(done)
	}()
	return done
}

// drain reads r until EOF. It never blocks on the destination: a full
// buffer drops the chunk.
func (s *Sink) drain(r io.Reader, dst *destination) {
	br := bufio.NewReaderSize(r, 64*1024)
	lineStart := true
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			s.push(dst, s.frame(chunk, lineStart))
			lineStart = chunk[len(chunk)-1] == '\n'
		}
		if err != nil && !stderrors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

func (s *Sink) frame(chunk []byte, lineStart bool) []byte {
	if !s.timestamps || !lineStart {
		return append([]byte(nil), chunk...)
	}
	ts := s.router.clock.Now().Format(timestampLayout)
	buf := make([]byte, 0, len(ts)+2+len(chunk))
	buf = append(buf, ts...)
	buf = append(buf, ": "...)
	return append(buf, chunk...)
}

func (s *Sink) push(dst *destination, chunk []byte) {
	select {
	case <-s.quit:
		s.dropped.Inc()
		return
	default:
	}

	select {
	case dst.ch <- chunk:
	default:
		s.dropped.Inc()
	}
}

func (s *Sink) writeLoop(dst *destination) {
	defer s.writers.Done()
	defer func() {
		if dst.file != nil {
			dst.file.Close()
		}
	}()

	for {
		select {
		case chunk := <-dst.ch:
			s.write(dst, chunk)
		case <-s.quit:
			// Flush what is already buffered
			for {
				select {
				case chunk := <-dst.ch:
					s.write(dst, chunk)
				default:
					return
				}
			}
		}
	}
}

// write appends chunk, reopening the file between attempts
func (s *Sink) write(dst *destination, chunk []byte) {
	r := s.router
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 && r.retryDelay > 0 {
			select {
			case <-r.clock.After(r.retryDelay):
			case <-s.quit:
			}
		}

		if dst.file == nil {
			f, err := r.open(dst.path)
			if err != nil {
				lastErr = err
				continue
			}
			dst.file = f
		}

		n, err := dst.file.Write(chunk)
		s.written.Add(int64(n))
		if err == nil {
			return
		}
		chunk = chunk[n:]
		lastErr = err
		dst.file.Close()
		dst.file = nil
	}

	werr := errors.LogWriteError.Wrap(lastErr, "dropped %d bytes for %s", len(chunk), dst.path).WithUnit(s.name)
	s.writeErrors.Inc()
	s.lastError.Store(werr.Error())
	r.logger.Warn("log write failed", "unit", s.name, "path", dst.path, "error", werr)
}

// Close stops the writers after flushing buffered chunks. Attached
// drains keep consuming their streams until EOF but discard output.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	s.writers.Wait()
}
