package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsListener accepts WebSocket upgrades on one HTTP path and hands each one
// out as a binary-message [net.Conn]. Every Wyoming event may span several
// messages; framing is carried by the event stream itself.
type wsListener struct {
	ln   net.Listener
	srv  *http.Server
	path string

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func listenWebSocket(ctx context.Context, ep Endpoint) (*wsListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, fmt.Errorf("server: listen ws %s: %w", ep.Address, err)
	}

	l := &wsListener{
		ln:     ln,
		path:   ep.Path,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ep.Path, l.upgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = l.Close()
		}
	}()
	return l, nil
}

// upgrade blocks for the lifetime of the WebSocket so that the request
// context backing the net.Conn stays valid.
func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	wc := &wsConn{
		Conn:   websocket.NetConn(r.Context(), c, websocket.MessageBinary),
		remote: wsAddr(r.RemoteAddr),
		done:   make(chan struct{}),
	}

	select {
	case l.conns <- wc:
	case <-l.closed:
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		return
	case <-r.Context().Done():
		return
	}

	select {
	case <-wc.done:
	case <-l.closed:
		_ = wc.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *wsListener) Transport() string { return string(SchemeWS) }

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// wsConn reports the HTTP peer address and signals the upgrade handler once
// the session is done with it.
type wsConn struct {
	net.Conn
	remote    wsAddr
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) RemoteAddr() net.Addr { return c.remote }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
		close(c.done)
	})
	return err
}
