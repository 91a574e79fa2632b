// Package server accepts client connections on one transport and runs a
// [session.Handler] for each of them.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/micbridge/internal/session"
)

// acceptBackoff is the pause after a transient accept error.
const acceptBackoff = 100 * time.Millisecond

// Config configures a [Server].
type Config struct {
	// Session returns the settings for the next accepted connection. It is
	// called once per connection so configuration reloads only affect new
	// sessions. ID, Transport and RemoteAddr are filled in by the server.
	Session func() session.Config

	Logger *slog.Logger
}

// Server runs the accept loop. A Server serves one listener at a time.
type Server struct {
	cfg    Config
	logger *slog.Logger

	ready  atomic.Bool
	active atomic.Int64
	wg     sync.WaitGroup
}

// New returns a Server. cfg.Session must not be nil.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Ready reports whether the accept loop is running.
func (s *Server) Ready() bool { return s.ready.Load() }

// Active returns the number of sessions currently running.
func (s *Server) Active() int { return int(s.active.Load()) }

// Serve accepts connections from ln until ctx is cancelled or ln is closed,
// then waits for every session to finish. Cancelling ctx also cancels the
// sessions, which close their connections. Serve closes ln before
// returning. Errors from individual sessions never stop the loop.
func (s *Server) Serve(ctx context.Context, ln Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	log := s.logger.With("transport", ln.Transport())
	if addr := ln.Addr(); addr != nil {
		log = log.With("addr", addr.String())
	}
	log.Info("accepting connections")

	s.ready.Store(true)
	defer s.ready.Store(false)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrListenerClosed) || ctx.Err() != nil {
				break
			}
			log.Warn("accept failed", "err", err)
			select {
			case <-time.After(acceptBackoff):
			case <-ctx.Done():
			}
			continue
		}
		s.handle(ctx, ln.Transport(), conn)
	}

	s.ready.Store(false)
	if n := s.Active(); n > 0 {
		log.Info("waiting for sessions to finish", "active", n)
	}
	s.wg.Wait()
	log.Info("stopped accepting connections")
	return nil
}

func (s *Server) handle(ctx context.Context, transport string, conn net.Conn) {
	cfg := s.cfg.Session()
	cfg.ID = uuid.NewString()
	cfg.Transport = transport
	if addr := conn.RemoteAddr(); addr != nil {
		cfg.RemoteAddr = addr.String()
	}
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}

	h := session.New(conn, cfg)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		h.Run(ctx)
	}()
}
