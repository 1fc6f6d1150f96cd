// Package server accepts kl_tcp connections and runs one session per
// connection until shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klustron/klagent/internal/metrics"
	"github.com/klustron/klagent/internal/session"
)

// Server is the acceptor loop.
type Server struct {
	addr    string
	handler *session.Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc

	sessions sync.WaitGroup
	serving  atomic.Bool
	done     chan struct{}
}

// New returns a server that will listen on addr ("ip:port").
func New(addr string, handler *session.Handler, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger.With(slog.String("component", "server")),
		done:    make(chan struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// Each connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	if ln == nil {
		s.mu.Unlock()
		return errors.New("server: Serve called before Listen")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.serving.Store(true)
	defer s.serving.Store(false)

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Transient failures such as EMFILE: slow down rather than spin.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.Error("accept error", slog.String("error", err.Error()), slog.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.sessions.Add(1)
		metrics.SessionsActive.Inc()
		go func() {
			defer s.sessions.Done()
			defer metrics.SessionsActive.Dec()
			s.handler.Serve(ctx, nc)
		}()
	}
}

// IsHealthy reports whether the acceptor loop is running. It backs the
// systemd watchdog.
func (s *Server) IsHealthy() bool {
	return s.serving.Load()
}

// Shutdown implements shutdown.Shutdowner: it stops accepting, cancels all
// sessions and waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	ln := s.listener
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	} else if ln != nil {
		ln.Close()
	}

	finished := make(chan struct{})
	go func() {
		if cancel != nil {
			<-s.done
		}
		s.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
