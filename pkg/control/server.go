package control

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/logging"
)

// MaxRequestSize bounds one request line
const MaxRequestSize = 64 * 1024

// Server answers control requests on a unix socket
type Server struct {
	path   string
	doer   Doer
	logger logging.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the server logger
func WithServerLogger(l logging.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// Listen binds the socket at path. A socket file left behind by a dead
// daemon is replaced; a live one is an error.
func Listen(path string, doer Doer, opts ...ServerOption) (*Server, error) {
	s := &Server{
		path:  path,
		doer:  doer,
		conns: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.InternalError.Wrap(err, "creating socket directory")
	}
	if err := clearStale(path); err != nil {
		return nil, err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Unavailable.Wrap(err, "listening on %s", path)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, errors.InternalError.Wrap(err, "securing %s", path)
	}

	s.listener = l
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func clearStale(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return errors.New(errors.Unavailable, "another daemon is listening on %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.InternalError.Wrap(err, "removing stale socket %s", path)
	}
	return nil
}

// Path returns the socket path
func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until Close is called
func (s *Server) Serve() error {
	s.logger.Info("control socket listening", "path", s.path)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.InternalError.Wrap(err, "accepting control connection")
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// handle answers requests on conn, one JSON line each, until the peer
// hangs up
func (s *Server) handle(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxRequestSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = Failure(errors.ValidationError.Wrap(err, "malformed request"))
		} else {
			s.logger.Debug("control request", "command", req.Command, "name", req.Name)
			resp, err = s.doer.Do(s.ctx, req)
			if err != nil {
				resp = Failure(err)
			}
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("control reply failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("control connection failed", "error", err)
	}
}

// Close stops accepting, drops open connections and removes the socket
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.listener.Close()

		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()

		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	})
	return err
}
