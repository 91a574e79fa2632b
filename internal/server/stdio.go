package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// stdioListener serves exactly one session over the process's own standard
// streams. After that session closes its connection, Accept reports
// [ErrListenerClosed] so the server winds down.
type stdioListener struct {
	conn *stdioConn

	mu       sync.Mutex
	accepted bool

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStdioListener returns a [Listener] whose only connection reads from in
// and writes to out.
func NewStdioListener(in io.ReadCloser, out io.WriteCloser) Listener {
	return &stdioListener{
		conn:   &stdioConn{in: in, out: out, done: make(chan struct{})},
		closed: make(chan struct{}),
	}
}

func (l *stdioListener) Accept(ctx context.Context) (net.Conn, error) {
	l.mu.Lock()
	first := !l.accepted
	l.accepted = true
	l.mu.Unlock()

	if first {
		select {
		case <-l.closed:
			return nil, ErrListenerClosed
		default:
			return l.conn, nil
		}
	}

	select {
	case <-l.conn.done:
		return nil, ErrListenerClosed
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *stdioListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *stdioListener) Addr() net.Addr { return stdioAddr{} }

func (l *stdioListener) Transport() string { return string(SchemeStdio) }

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }

// stdioConn is a [net.Conn] over a pair of streams. CloseWrite closes the
// output stream only.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser

	writeOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c *stdioConn) CloseWrite() error {
	var err error
	c.writeOnce.Do(func() { err = c.out.Close() })
	return err
}

func (c *stdioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = errors.Join(c.CloseWrite(), c.in.Close())
		close(c.done)
	})
	return err
}

func (c *stdioConn) LocalAddr() net.Addr  { return stdioAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr { return stdioAddr{} }

func (c *stdioConn) SetDeadline(time.Time) error      { return errors.ErrUnsupported }
func (c *stdioConn) SetReadDeadline(time.Time) error  { return errors.ErrUnsupported }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return errors.ErrUnsupported }
