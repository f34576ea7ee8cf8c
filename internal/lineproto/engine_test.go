package lineproto

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is the server end of a net.Pipe.
type pipeConn struct {
	net.Conn
}

func (pipeConn) Peer() string { return "pipe" }

// echoHandler answers "<line>!" and records every line it sees.
type echoHandler struct {
	mu    sync.Mutex
	lines []string
}

func (h *echoHandler) Dispatch(line string) string {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
	switch line {
	case "PING":
		return "PONG"
	case "PANIC":
		panic("boom")
	case "EMPTY":
		return ""
	case "NEWLINES":
		return "MANY\n\n\r\n"
	}
	return line + "!"
}

func (h *echoHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

// startServe runs Serve on one end of a pipe and returns the client end.
func startServe(t *testing.T, h Handler) (net.Conn, <-chan struct{}) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	e := NewEngine(h, 0, nil)
	go func() {
		defer close(done)
		e.Serve(context.Background(), pipeConn{server})
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestServe_PingPongExactBytes(t *testing.T) {
	client, _ := startServe(t, &echoHandler{})

	_, err := client.Write([]byte("PING\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", readN(t, client, 5))
}

func TestServe_SplitAcrossWrites(t *testing.T) {
	h := &echoHandler{}
	client, _ := startServe(t, h)

	_, err := client.Write([]byte("PI"))
	require.NoError(t, err)
	_, err = client.Write([]byte("NG\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", readN(t, client, 5))
	assert.Equal(t, []string{"PING"}, h.seen())
}

func TestServe_MultipleLinesInOneWrite(t *testing.T) {
	h := &echoHandler{}
	client, _ := startServe(t, h)

	go func() { _, _ = client.Write([]byte("a\n\n   \nb\n")) }()
	r := bufio.NewReader(client)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	first, err := r.ReadString('\n')
	require.NoError(t, err)
	second, err := r.ReadString('\n')
	require.NoError(t, err)

	assert.Equal(t, "a!\n", first)
	assert.Equal(t, "b!\n", second)
	assert.Equal(t, []string{"a", "b"}, h.seen(), "blank lines are skipped")
}

func TestServe_TrimsWhitespace(t *testing.T) {
	h := &echoHandler{}
	client, _ := startServe(t, h)

	_, err := client.Write([]byte("  PING \t\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", readN(t, client, 5))
}

func TestServe_PanicBecomesInternalError(t *testing.T) {
	client, _ := startServe(t, &echoHandler{})

	_, err := client.Write([]byte("PANIC\n"))
	require.NoError(t, err)
	assert.Equal(t, "ERR:INTERNAL_ERROR\n", readN(t, client, len("ERR:INTERNAL_ERROR\n")))

	// connection is still usable
	_, err = client.Write([]byte("PING\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", readN(t, client, 5))
}

func TestServe_ExactlyOneNewline(t *testing.T) {
	client, _ := startServe(t, &echoHandler{})

	_, err := client.Write([]byte("NEWLINES\nPING\n"))
	require.NoError(t, err)
	assert.Equal(t, "MANY\nPONG\n", readN(t, client, len("MANY\nPONG\n")))
}

func TestServe_EmptyResponseWritesNothing(t *testing.T) {
	client, _ := startServe(t, &echoHandler{})

	_, err := client.Write([]byte("EMPTY\nPING\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", readN(t, client, 5))
}

func TestServe_InvalidUTF8DiscardsBuffer(t *testing.T) {
	h := &echoHandler{}
	client, _ := startServe(t, h)

	// The bad line and everything buffered after it in the same read are dropped.
	_, err := client.Write([]byte("\xff\xfe\nLOST\n"))
	require.NoError(t, err)
	_, err = client.Write([]byte("PING\n"))
	require.NoError(t, err)

	assert.Equal(t, "PONG\n", readN(t, client, 5))
	assert.Equal(t, []string{"PING"}, h.seen())
}

func TestServe_OversizedLineDiscarded(t *testing.T) {
	cases := []struct {
		name string
		size int
	}{
		{"chunk_aligned_overflow", MaxLineBytes + ReadChunkSize},
		{"partial_chunk_overflow", MaxLineBytes + 2000},
		{"one_byte_over", MaxLineBytes + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &echoHandler{}
			client, _ := startServe(t, h)

			go func() {
				_, _ = client.Write([]byte(strings.Repeat("x", tc.size)))
				_, _ = client.Write([]byte("\nPING\n"))
			}()
			assert.Equal(t, "PONG\n", readN(t, client, 5))
			assert.Equal(t, []string{"PING"}, h.seen())
		})
	}
}

func TestServe_LineAfterOverflowInSameWrite(t *testing.T) {
	h := &echoHandler{}
	client, _ := startServe(t, h)

	go func() {
		_, _ = client.Write([]byte(strings.Repeat("y", MaxLineBytes+300) + "\nSTATUS\nPING\n"))
	}()
	assert.Equal(t, "STATUS!\nPONG\n", readN(t, client, len("STATUS!\nPONG\n")))
	assert.Equal(t, []string{"STATUS", "PING"}, h.seen())
}

func TestServe_PeerCloseEndsServe(t *testing.T) {
	client, done := startServe(t, &echoHandler{})
	require.NoError(t, client.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the peer closed")
	}
}

func TestServe_ContextCancelClosesConn(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewEngine(&echoHandler{}, 0, nil).Serve(ctx, pipeConn{server})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestHandlerFunc(t *testing.T) {
	h := HandlerFunc(strings.ToLower)
	assert.Equal(t, "ping", h.Dispatch("PING"))
}
