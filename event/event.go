// Package event is the bridge between virtual processes and the host's event
// distribution. Processes publish lifecycle notifications through a Bus; the
// host decides where they go.
package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

// Kind identifies a lifecycle notification.
type Kind int

const (
	Create Kind = iota + 1
	Change
	Terminate
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Change:
		return "change"
	case Terminate:
		return "terminate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a single notification delivered to subscribers.
type Event struct {
	Source any
	Kind   Kind
	Time   time.Time
}

// Bus accepts fire-and-forget notifications. Implementations must not block
// the publisher for long and must be safe for concurrent use.
type Bus interface {
	Publish(source any, kind Kind)
}

// BusFunc adapts a function to the Bus interface.
type BusFunc func(source any, kind Kind)

func (f BusFunc) Publish(source any, kind Kind) { f(source, kind) }

// Nop discards every event. It is the bus used when no host is attached.
var Nop Bus = nopBus{}

type nopBus struct{}

func (nopBus) Publish(any, Kind) {}

// OrNop returns b, or Nop when b is nil.
func OrNop(b Bus) Bus {
	if b == nil {
		return Nop
	}
	return b
}

// ---------------------------------------------------------------------------
// Dispatcher: in-process fan-out
// ---------------------------------------------------------------------------

// Dispatcher delivers each published event synchronously to its subscribers
// in subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID uint64
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// NewDispatcher creates a Dispatcher with no subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers fn and returns a function that removes it.
func (d *Dispatcher) Subscribe(fn func(Event)) (cancel func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, &subscriber{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				next := make([]*subscriber, 0, len(d.subs)-1)
				next = append(next, d.subs[:i]...)
				d.subs = append(next, d.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish implements Bus. Subscribers may publish or subscribe from inside
// their callback; they see the subscriber list as of the outer Publish.
func (d *Dispatcher) Publish(source any, kind Kind) {
	d.mu.RLock()
	subs := d.subs
	d.mu.RUnlock()

	ev := Event{Source: source, Kind: kind, Time: time.Now()}
	for _, s := range subs {
		s.fn(ev)
	}
}

// ---------------------------------------------------------------------------
// Combinators
// ---------------------------------------------------------------------------

// Multi publishes every event to each of buses in order. Nil buses are
// skipped.
func Multi(buses ...Bus) Bus {
	var live []Bus
	for _, b := range buses {
		if b != nil {
			live = append(live, b)
		}
	}
	return multiBus(live)
}

type multiBus []Bus

func (m multiBus) Publish(source any, kind Kind) {
	for _, b := range m {
		b.Publish(source, kind)
	}
}

// Logged wraps next so each event is logged at debug level before delivery.
// A nil next logs only.
func Logged(next Bus) Bus {
	return &loggedBus{next: OrNop(next), log: commonlog.GetLogger("vproc.event")}
}

type loggedBus struct {
	next Bus
	log  commonlog.Logger
}

func (l *loggedBus) Publish(source any, kind Kind) {
	l.log.Debugf("%s event from %s", kind, describe(source))
	l.next.Publish(source, kind)
}

// describe names an event source for log lines.
func describe(source any) string {
	if s, ok := source.(interface{ Label() string }); ok {
		return fmt.Sprintf("%q", s.Label())
	}
	return fmt.Sprintf("%T", source)
}
