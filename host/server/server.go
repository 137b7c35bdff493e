// Package server implements the local-domain socket host server: it
// accepts client connections, hands each to a Servlet, and drives the
// host-message protocol defined in protocol.go.
package server

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/efficientgo/core/errors"

	"github.com/qdbridge/qdb/host/devicemanager"
	"github.com/qdbridge/qdb/pkg"
)

const staleSocketDialTimeout = 200 * time.Millisecond

// Server listens on a local-domain socket and accepts clients into
// dedicated servlets.
type Server struct {
	socketPath string
	manager    manager
	metrics    *pkg.Metrics

	nextID uint64

	mu       sync.Mutex
	listener net.Listener
	servlets map[uint64]*Servlet
	stopping bool

	stopSignal chan struct{}
	stopOnce   sync.Once
}

// New creates a Server bound to socketPath (not yet listening).
func New(socketPath string, mgr *devicemanager.Manager, metrics *pkg.Metrics) *Server {
	return &Server{
		socketPath: socketPath,
		manager:    mgr,
		metrics:    metrics,
		servlets:   make(map[uint64]*Servlet),
		stopSignal: make(chan struct{}),
	}
}

// Listen binds the local-domain socket. If the path already exists and no
// live server answers it, the stale file is removed and binding is
// retried exactly once.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.socketPath); err == nil && s.isStale() {
		if err := os.Remove(s.socketPath); err != nil {
			return errs.Wrapf(err, "remove stale socket %s", s.socketPath)
		}
	}

	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errs.Wrapf(err, "listen on %s", s.socketPath)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// isStale reports whether the socket file at s.socketPath is left over
// from a server that is no longer running, by attempting to connect to
// it. A refused or timed-out connection means the file is stale.
func (s *Server) isStale() bool {
	conn, err := net.DialTimeout("unix", s.socketPath, staleSocketDialTimeout)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// Serve accepts connections until Stop is called. It returns nil once the
// listener is closed as part of a normal shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errs.New("Listen must be called before Serve")
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return errs.Wrap(err, "accept")
		}

		id := atomic.AddUint64(&s.nextID, 1)
		if s.metrics != nil {
			s.metrics.AcceptedConnections.Inc()
			s.metrics.ActiveServlets.Inc()
		}

		servlet := NewServlet(id, conn, s.manager, s.metrics, s.removeServlet, s.RequestStop)
		s.mu.Lock()
		s.servlets[id] = servlet
		s.mu.Unlock()

		go servlet.Run()
	}
}

func (s *Server) removeServlet(id uint64) {
	s.mu.Lock()
	_, existed := s.servlets[id]
	delete(s.servlets, id)
	s.mu.Unlock()

	if existed && s.metrics != nil {
		s.metrics.ActiveServlets.Dec()
	}
}

// RequestStop asks the server to begin shutting down. It is safe to call
// multiple times and from any goroutine, including a servlet's.
func (s *Server) RequestStop() {
	s.stopOnce.Do(func() {
		close(s.stopSignal)
	})
}

// StopRequested returns a channel that is closed once a client has asked
// the server to stop via stop-server.
func (s *Server) StopRequested() <-chan struct{} {
	return s.stopSignal
}

// Stop closes the listener and then every live servlet's connection.
// Responses a servlet has already written are delivered, since each write
// completes (or fails at its deadline) before returning; Stop does not wait
// for a write still in progress, which fails once the connection closes.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	l := s.listener
	servlets := make([]*Servlet, 0, len(s.servlets))
	for _, sv := range s.servlets {
		servlets = append(servlets, sv)
	}
	s.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	for _, sv := range servlets {
		sv.close()
	}
	_ = os.Remove(s.socketPath)
}
