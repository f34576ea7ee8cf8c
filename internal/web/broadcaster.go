package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// subscriberBuffer is the number of events queued per SSE client before
// new events are dropped for that client.
const subscriberBuffer = 64

// StatusEvent is one entry of the status stream.
type StatusEvent struct {
	Time   string `json:"t"`
	Level  string `json:"l,omitempty"`
	Logger string `json:"logger,omitempty"`
	Msg    string `json:"msg"`
}

// StatusBroadcaster fans events out to the connected SSE clients.
type StatusBroadcaster struct {
	mu   sync.RWMutex
	subs map[chan string]struct{}
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{subs: make(map[chan string]struct{})}
}

// Subscribe registers a client. The returned function unregisters it and
// closes the channel; it may be called more than once.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Clients returns the number of subscribed clients.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func newEvent(level, msg string) StatusEvent {
	return StatusEvent{Time: time.Now().Format(time.RFC3339), Level: level, Msg: msg}
}

func encodeEvent(level, msg string) string {
	return encode(newEvent(level, msg))
}

func encode(evt StatusEvent) string {
	data, err := json.Marshal(evt)
	if err != nil {
		return ""
	}
	return string(data)
}

// Broadcast sends {"t":...,"l":level,"msg":msg} to every client. A client
// whose buffer is full misses the event.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(encodeEvent(level, msg))
}

// BroadcastMsg broadcasts at level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

func (b *StatusBroadcaster) publish(payload string) {
	if payload == "" {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastWriter returns an io.Writer that turns every log line written to
// it into a status event. It is installed as an extra log sink.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if evt, ok := parseLogLine(line); ok {
			w.b.publish(encode(evt))
		}
	}
	return len(p), nil
}

// parseLogLine splits a console-encoded log line
// ("<time>\t<LEVEL>\t<logger>\t<message>") into an event. Lines that do not
// have that shape become info events stamped with the current time.
func parseLogLine(line string) (StatusEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return StatusEvent{}, false
	}
	parts := strings.SplitN(line, "\t", 4)
	switch len(parts) {
	case 4:
		return StatusEvent{Time: parts[0], Level: strings.ToLower(parts[1]), Logger: parts[2], Msg: parts[3]}, true
	case 3:
		return StatusEvent{Time: parts[0], Level: strings.ToLower(parts[1]), Msg: parts[2]}, true
	}
	return newEvent("info", line), true
}
