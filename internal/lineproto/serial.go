package lineproto

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when SerialOptions.BaudRate is unset.
const DefaultBaudRate = 115200

// SerialOptions describes the line settings of the serial device.
type SerialOptions struct {
	BaudRate int
}

// Mode converts the options into a go.bug.st/serial mode (8N1).
func (o SerialOptions) Mode() *serial.Mode {
	baud := o.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// PortOpener opens a serial device.
type PortOpener func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

// OpenSerialPort is the PortOpener backed by go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// SerialListener serves a serial device such as a bound RFCOMM channel
// (/dev/rfcomm0) or a UART. Each successful open of the device is one
// connection; the device is reopened after the client goes away.
type SerialListener struct {
	path string
	mode *serial.Mode
	open PortOpener

	mu     sync.Mutex
	closed bool
	active io.Closer
}

// NewSerialListener creates a listener for the device at path. A nil opener
// selects OpenSerialPort.
func NewSerialListener(path string, opts SerialOptions, open PortOpener) *SerialListener {
	if open == nil {
		open = OpenSerialPort
	}
	return &SerialListener{path: path, mode: opts.Mode(), open: open}
}

func (l *SerialListener) Accept(ctx context.Context) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrListenerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port, err := l.open(l.path, l.mode)
	if err != nil {
		return nil, fmt.Errorf("open serial device %s at %d baud: %w", l.path, l.mode.BaudRate, err)
	}
	l.active = port
	return &serialConn{ReadWriteCloser: port, peer: l.path}, nil
}

// Close marks the listener closed and closes the connection it handed out
// last, if any.
func (l *SerialListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.active != nil {
		return l.active.Close()
	}
	return nil
}

func (l *SerialListener) Addr() string {
	return l.path
}

type serialConn struct {
	io.ReadWriteCloser
	peer string
}

func (c *serialConn) Peer() string {
	return c.peer
}
