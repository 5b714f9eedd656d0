package logbus

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus is an in-memory pub/sub bus with a bounded replay buffer. Subscribers
// that fall behind drop messages instead of blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	buf    []Message
	head   int
	size   int
	subs   map[chan Message]struct{}
	echo   io.Writer
	closed bool
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		buf:  make([]Message, capacity),
		subs: make(map[chan Message]struct{}),
	}
}

// SetEcho mirrors every log message as one JSON line to w (typically stderr).
func (b *Bus) SetEcho(w io.Writer) {
	b.mu.Lock()
	b.echo = w
	b.mu.Unlock()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.buf = nil
	b.size = 0
}

// Snapshot returns the buffered messages oldest-first.
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.buf[(b.head+i)%len(b.buf)])
	}
	return out
}

func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{
		Type: typ,
		Time: time.Now().UnixMilli(),
		Data: data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.size < len(b.buf) {
		b.buf[(b.head+b.size)%len(b.buf)] = msg
		b.size++
	} else {
		b.buf[b.head] = msg
		b.head = (b.head + 1) % len(b.buf)
	}
	echo := b.echo
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	b.mu.Unlock()

	if echo != nil {
		if line, err := json.Marshal(msg); err == nil {
			_, _ = echo.Write(append(line, '\n'))
		}
	}
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.Publish("log", LogData{Level: level, Msg: message, Fields: fields})
}
