// Package lineproto serves the newline-delimited text command protocol over
// a stream transport, one connection at a time.
package lineproto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cjeanneret/trichopi/internal/debug"
)

const (
	// ReadChunkSize is the size of a single read from the connection.
	ReadChunkSize = 1024
	// MaxLineBytes bounds the bytes buffered while waiting for a newline.
	MaxLineBytes = 64 * 1024
	// DefaultRetryInterval is the pause after a failed accept.
	DefaultRetryInterval = time.Second

	internalError = "ERR:INTERNAL_ERROR"
)

// Handler turns one command line into one response line.
// *command.Dispatcher implements it.
type Handler interface {
	Dispatch(line string) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(line string) string

func (f HandlerFunc) Dispatch(line string) string { return f(line) }

// Engine reassembles lines from a byte stream, hands them to a Handler and
// writes the responses back on the same connection.
type Engine struct {
	handler Handler
	retry   time.Duration
	log     *debug.Logger
}

// NewEngine creates an Engine. A retry of zero selects DefaultRetryInterval.
func NewEngine(h Handler, retry time.Duration, log *debug.Logger) *Engine {
	if log == nil {
		log = debug.Nop()
	}
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Engine{handler: h, retry: retry, log: log}
}

// Run accepts connections from l and serves them one after the other until
// ctx is cancelled. Accept failures are logged and retried after the retry
// interval. Run closes l when ctx is done.
func (e *Engine) Run(ctx context.Context, l Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	e.log.Info("Waiting for connections on %s", l.Addr())
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrListenerClosed) {
				return err
			}
			e.log.Warn("Accept on %s failed: %v (retrying in %s)", l.Addr(), err, e.retry)
			if !sleepCtx(ctx, e.retry) {
				return nil
			}
			continue
		}
		e.Serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		e.log.Info("Waiting for a new connection...")
	}
}

// Serve handles conn until the peer disconnects, an I/O error occurs or ctx
// is cancelled. It always closes conn.
func (e *Engine) Serve(ctx context.Context, conn Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	e.log.Info("Connection accepted from %s", conn.Peer())

	chunk := make([]byte, ReadChunkSize)
	var pending []byte
	discarding := false
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			var werr error
			pending, werr = e.drain(conn, pending, &discarding)
			if werr != nil {
				e.log.Warn("Write to %s failed: %v", conn.Peer(), werr)
				break
			}
		}
		if err != nil {
			if ctx.Err() == nil && !isDisconnect(err) {
				e.log.Warn("Read from %s failed: %v", conn.Peer(), err)
			}
			break
		}
		if n == 0 {
			// zero-length read: peer closed
			break
		}
	}
	e.log.Info("Client %s disconnected", conn.Peer())
}

// drain dispatches every complete line in pending and returns the bytes left
// after the last newline. While *discarding is set, bytes are dropped up to
// and including the next newline: they are the tail of an oversized line.
func (e *Engine) drain(conn Conn, pending []byte, discarding *bool) ([]byte, error) {
	if *discarding {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			return pending[:0], nil
		}
		pending = pending[i+1:]
		*discarding = false
	}
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			break
		}
		raw := pending[:i]
		pending = pending[i+1:]

		if len(raw) > MaxLineBytes {
			e.log.Warn("Line from %s exceeds %d bytes, discarding it", conn.Peer(), MaxLineBytes)
			continue
		}
		// Lines already dispatched from this read are kept; only the rest goes.
		if !utf8.Valid(raw) {
			e.log.Warn("Invalid UTF-8 from %s, discarding buffer", conn.Peer())
			return pending[:0], nil
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		e.log.Info("Command received: %s", line)
		resp := e.dispatch(line)
		if err := writeResponse(conn, resp); err != nil {
			return pending, err
		}
		e.log.Info("Response sent: %s", strings.TrimRight(resp, "\r\n"))
	}

	if len(pending) > MaxLineBytes {
		e.log.Warn("Line from %s exceeds %d bytes, discarding it", conn.Peer(), MaxLineBytes)
		*discarding = true
		return pending[:0], nil
	}
	// tail is compacted into a fresh slice
	return append([]byte(nil), pending...), nil
}

// dispatch calls the handler, converting a panic into ERR:INTERNAL_ERROR.
func (e *Engine) dispatch(line string) (resp string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Error processing command %q: %v", line, r)
			resp = internalError
		}
	}()
	return e.handler.Dispatch(line)
}

// writeResponse writes resp terminated by exactly one newline. An empty
// response writes nothing.
func writeResponse(conn Conn, resp string) error {
	resp = strings.TrimRight(resp, "\r\n")
	if resp == "" {
		return nil
	}
	if _, err := conn.Write([]byte(resp + "\n")); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
