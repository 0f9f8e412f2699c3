// Package stream provides the captured I/O streams of a virtual process:
// append-only output buffers with live listeners, and a non-blocking
// character input queue.
package stream

import (
	"io"
	"strings"
	"sync"
)

// Listener is notified each time text is appended to a Buffer.
type Listener interface {
	StreamAppended(text string, b *Buffer)
}

// ListenerFunc adapts a function to the Listener interface. Function values
// are not comparable, so register them with Buffer.Subscribe.
type ListenerFunc func(text string, b *Buffer)

// StreamAppended calls f(text, b).
func (f ListenerFunc) StreamAppended(text string, b *Buffer) { f(text, b) }

// Buffer is an append-only text sink. Each Append notifies every listener,
// in subscription order, with exactly the appended delta.
//
// Append and notification are serialized by notifyMu, so a listener never
// sees deltas out of order and Add/Remove never interleave with a
// notification. Contents, Len and Listeners only take mu, so listeners may
// read the buffer they are handed. Listeners must not call AddListener,
// RemoveListener or Subscribe on the same buffer from inside
// StreamAppended; doing so deadlocks.
type Buffer struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	pending   []string // appended since the last fold into cached
	size      int
	cached    string
	listeners []*entry
}

type entry struct {
	l Listener
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds text to the buffer and notifies listeners.
// Appending the empty string still notifies.
func (b *Buffer) Append(text string) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	b.pending = append(b.pending, text)
	b.size += len(text)
	listeners := b.listeners
	b.mu.Unlock()

	for _, e := range listeners {
		e.l.StreamAppended(text, b)
	}
}

// Contents returns everything appended so far.
func (b *Buffer) Contents() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return b.cached
	}
	var sb strings.Builder
	sb.Grow(b.size)
	sb.WriteString(b.cached)
	for _, c := range b.pending {
		sb.WriteString(c)
	}
	b.cached = sb.String()
	clear(b.pending)
	b.pending = b.pending[:0]
	return b.cached
}

// Len returns the number of bytes appended so far.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// AddListener registers l. Registering the same listener twice delivers
// each delta to it twice.
func (b *Buffer) AddListener(l Listener) {
	b.addEntry(&entry{l: l})
}

// RemoveListener unregisters the first registration of l.
// Removing a listener that was never added is a no-op.
func (b *Buffer) RemoveListener(l Listener) {
	b.removeEntry(func(e *entry) bool { return e.l == l })
}

// Subscribe registers fn and returns a function that unregisters it.
func (b *Buffer) Subscribe(fn func(text string, b *Buffer)) (cancel func()) {
	e := &entry{l: ListenerFunc(fn)}
	b.addEntry(e)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.removeEntry(func(cur *entry) bool { return cur == e })
		})
	}
}

func (b *Buffer) addEntry(e *entry) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners[:len(b.listeners):len(b.listeners)], e)
}

// removeEntry drops the first entry matching. The slice is copied so a
// snapshot taken by Append is unaffected.
func (b *Buffer) removeEntry(match func(*entry) bool) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.listeners {
		if match(e) {
			next := make([]*entry, 0, len(b.listeners)-1)
			next = append(next, b.listeners[:i]...)
			next = append(next, b.listeners[i+1:]...)
			b.listeners = next
			return
		}
	}
}

// Listeners returns the number of registered listeners.
func (b *Buffer) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Flush is a no-op; appends are visible as soon as Append returns.
func (b *Buffer) Flush() error { return nil }

// Writer returns an io.Writer whose every Write appends one delta.
func (b *Buffer) Writer() io.Writer {
	return bufferWriter{b}
}

type bufferWriter struct {
	b *Buffer
}

func (w bufferWriter) Write(p []byte) (int, error) {
	w.b.Append(string(p))
	return len(p), nil
}

func (w bufferWriter) WriteString(s string) (int, error) {
	w.b.Append(s)
	return len(s), nil
}

func (w bufferWriter) Flush() error { return w.b.Flush() }
