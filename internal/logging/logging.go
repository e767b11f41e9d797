// Package logging provides a slog.Handler that fans log records out to
// stdout and to an in-memory ring buffer, so the diagnostics HTTP surface
// can serve recent log history and live-tail new entries. Adapted from
// the teacher's internal/logging/stream.go ring buffer.
package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record, shaped for easy JSON rendering on
// the diagnostics HTTP surface.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingBuffer holds the last capacity log entries and fans new ones out
// to live subscribers (the websocket log tail).
type RingBuffer struct {
	mu          sync.Mutex
	entries     []Entry
	capacity    int
	next        int
	filled      bool
	subscribers map[chan Entry]struct{}
}

// NewRingBuffer builds a buffer holding up to capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		entries:     make([]Entry, capacity),
		capacity:    capacity,
		subscribers: make(map[chan Entry]struct{}),
	}
}

func (b *RingBuffer) push(e Entry) {
	b.mu.Lock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.filled = true
	}
	subs := make([]chan Entry, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop rather than block logging.
		}
	}
}

// Recent returns the buffered entries, oldest first.
func (b *RingBuffer) Recent() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.filled {
		out := make([]Entry, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]Entry, b.capacity)
	copy(out, b.entries[b.next:])
	copy(out[b.capacity-b.next:], b.entries[:b.next])
	return out
}

// Subscribe registers a channel to receive every new entry until
// Unsubscribe is called. The channel is buffered so a slow reader only
// drops entries rather than stalling the logger.
func (b *RingBuffer) Subscribe() chan Entry {
	ch := make(chan Entry, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe and closes it.
func (b *RingBuffer) Unsubscribe(ch chan Entry) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Handler is an slog.Handler that writes to an underlying handler (for
// stdout formatting) and captures every record into a RingBuffer.
type Handler struct {
	next   slog.Handler
	buffer *RingBuffer
	attrs  []slog.Attr
}

// NewHandler wraps next, capturing every handled record into buffer.
func NewHandler(next slog.Handler, buffer *RingBuffer) *Handler {
	return &Handler{next: next, buffer: buffer}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	attrs := make(map[string]any, record.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = attrValue(a.Value)
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = attrValue(a.Value)
		return true
	})

	h.buffer.push(Entry{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
		Attrs:   attrs,
	})
	return h.next.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		next:   h.next.WithAttrs(attrs),
		buffer: h.buffer,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), buffer: h.buffer, attrs: h.attrs}
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindBool:
		return v.Bool()
	default:
		b, err := json.Marshal(v.Any())
		if err != nil {
			return v.String()
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return v.String()
		}
		return out
	}
}
