package event

import (
	"context"
	"sync"
	"time"
)

// Recorder is a Bus that keeps every event it receives. Hosts use it for
// transcripts; tests use it to assert event order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Publish implements Bus.
func (r *Recorder) Publish(source any, kind Kind) {
	r.mu.Lock()
	r.events = append(r.events, Event{Source: source, Kind: kind, Time: time.Now()})
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded kinds in publish order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events of kind have been recorded or ctx
// is done.
func (r *Recorder) WaitFor(ctx context.Context, kind Kind, n int) error {
	for {
		r.mu.Lock()
		count := 0
		for _, e := range r.events {
			if e.Kind == kind {
				count++
			}
		}
		ch := r.notify
		r.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
