package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Broadcaster mirrors log records to live subscribers. Delivery is best
// effort: a subscriber that falls behind loses records rather than stalling
// the producing goroutine.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Entry
}

// Entry is the rendered form delivered to subscribers.
type Entry struct {
	Time      time.Time `json:"ts"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"msg"`
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Entry)}
}

// Subscribe registers a new subscriber with the given buffer size. The
// returned cancel func removes the subscription and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) publish(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- entry:
		default:
			// Subscriber is not keeping up; drop.
		}
	}
}

// Handler returns a slog.Handler that feeds the broadcaster. Wrap it with
// Tee to mirror records alongside a primary handler.
func (b *Broadcaster) Handler(level slog.Level) slog.Handler {
	return &broadcastHandler{broadcaster: b, level: level}
}

type broadcastHandler struct {
	broadcaster *Broadcaster
	level       slog.Level
	attrs       []slog.Attr
}

func (h *broadcastHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *broadcastHandler) Handle(_ context.Context, record slog.Record) error {
	entry := Entry{
		Time:    record.Time,
		Level:   strings.ToLower(levelLabel(record.Level)),
		Message: record.Message,
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	pick := func(attr slog.Attr) {
		if attr.Key == FieldComponent && entry.Component == "" {
			entry.Component = attr.Value.String()
		}
	}
	for _, attr := range h.attrs {
		pick(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		pick(attr)
		return true
	})
	h.broadcaster.publish(entry)
	return nil
}

func (h *broadcastHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &broadcastHandler{broadcaster: h.broadcaster, level: h.level}
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return clone
}

func (h *broadcastHandler) WithGroup(string) slog.Handler { return h }

// Tee fans records out to every handler. Enabled when any member is.
func Tee(handlers ...slog.Handler) slog.Handler {
	filtered := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	return teeHandler{handlers: filtered}
}

type teeHandler struct {
	handlers []slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	wrapped := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		wrapped[i] = h.WithAttrs(attrs)
	}
	return teeHandler{handlers: wrapped}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	wrapped := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		wrapped[i] = h.WithGroup(name)
	}
	return teeHandler{handlers: wrapped}
}
