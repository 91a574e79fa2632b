package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrListenerClosed is returned by [Listener.Accept] once the listener will
// never produce another connection.
var ErrListenerClosed = errors.New("server: listener closed")

// Listener yields client connections for one transport.
type Listener interface {
	// Accept blocks until a client connects, ctx is done or the listener is
	// closed. The latter reports [ErrListenerClosed].
	Accept(ctx context.Context) (net.Conn, error)

	// Close stops accepting. Connections already returned stay open.
	Close() error

	// Addr is the bound address (nil for stdio).
	Addr() net.Addr

	// Transport names the transport for logs and traces.
	Transport() string
}

// Listen binds ep. Failing to bind is the only fatal startup error of the
// server, so callers should exit when it fails.
func Listen(ctx context.Context, ep Endpoint) (Listener, error) {
	switch ep.Scheme {
	case SchemeStdio:
		return NewStdioListener(os.Stdin, os.Stdout), nil
	case SchemeTCP:
		return listenNet(ctx, "tcp", ep.Address)
	case SchemeUnix:
		if err := os.Remove(ep.Address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("server: remove stale socket %s: %w", ep.Address, err)
		}
		return listenNet(ctx, "unix", ep.Address)
	case SchemeWS:
		return listenWebSocket(ctx, ep)
	default:
		return nil, fmt.Errorf("server: unsupported scheme %q", ep.Scheme)
	}
}

// netListener adapts a stream [net.Listener] (tcp or unix).
type netListener struct {
	ln      net.Listener
	network string
}

func listenNet(ctx context.Context, network, address string) (*netListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s %s: %w", network, address, err)
	}
	return &netListener{ln: ln, network: network}, nil
}

func (l *netListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// Close closes the listener. Unix listeners created by net.Listen unlink
// their socket file on close.
func (l *netListener) Close() error { return l.ln.Close() }

func (l *netListener) Addr() net.Addr { return l.ln.Addr() }

func (l *netListener) Transport() string { return l.network }
