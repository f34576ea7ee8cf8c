package lineproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrListenerClosed is returned by Accept once the listener has been closed.
var ErrListenerClosed = errors.New("listener closed")

// Conn is one client connection.
type Conn interface {
	io.ReadWriteCloser
	// Peer identifies the remote end for logging.
	Peer() string
}

// Listener hands out connections one at a time.
type Listener interface {
	// Accept blocks until a client connects, ctx is cancelled or the
	// listener is closed.
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// netConn adapts a net.Conn.
type netConn struct {
	net.Conn
}

func (c netConn) Peer() string {
	return c.RemoteAddr().String()
}

// NewNetConn wraps a net.Conn as a Conn.
func NewNetConn(c net.Conn) Conn {
	return netConn{Conn: c}
}

// TCPListener accepts clients over TCP.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP listens on addr, e.g. ":5000".
func ListenTCP(ctx context.Context, addr string) (*TCPListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return NewNetConn(c), nil
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// isDisconnect reports whether err means the peer went away rather than an
// unexpected I/O failure.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET)
}
