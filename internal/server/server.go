// Package server owns the HTTP listener lifecycle.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/session-gateway/config"
)

type Server struct {
	srv    *http.Server
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New prepares a server for cfg.Port. Every request context derives from a
// base context that Shutdown cancels once the grace period runs out.
func New(cfg *config.Config, handler http.Handler) *Server {
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		srv: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// No WriteTimeout: streamed completions outlive any fixed bound
			// and are limited by the lease deadline instead.
			IdleTimeout: 120 * time.Second,
			BaseContext: func(net.Listener) context.Context { return base },
		},
		base:   base,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		log.WithField("addr", ln.Addr().String()).Info("session gateway listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits up to grace for in-flight
// requests. Requests still running after that have their contexts canceled,
// which tears down their upstream conversations, and the server is closed.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.WithField("grace", grace.String()).Warn("grace period elapsed, canceling in-flight requests")
		s.cancel()
		err = s.srv.Close()
	}
	s.cancel()

	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if started {
		<-s.done
	}
	return err
}
