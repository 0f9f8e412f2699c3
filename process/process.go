// Package process adapts a stepped interpreter thread into a process a
// debugging host can observe and control.
//
// A VirtualProcess never starts an operating system process. Run binds an
// interpreter thread, optionally takes over its standard streams, and
// drives it step by step on a background task until it completes or is
// terminated. Lifecycle changes are published on an event.Bus.
//
// The exit value is always 0, whatever ended the process. Hosts that need
// to tell failures apart use Err.
package process

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/vproc/event"
	"github.com/chazu/vproc/stream"
)

var log = commonlog.GetLogger("vproc.process")

// State is the lifecycle state of a VirtualProcess.
type State int32

const (
	Created State = iota
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Streams is the process's captured standard I/O. External producers feed
// input through Write; hosts monitor Stdout and Stderr.
type Streams struct {
	Stdout *stream.Buffer
	Stderr *stream.Buffer
	Stdin  *stream.Queue
}

// Write queues input for the interpreter.
func (s *Streams) Write(input string) {
	s.Stdin.Write(input)
}

// Option configures a VirtualProcess.
type Option func(*config)

type config struct {
	bus       event.Bus
	runner    Runner
	stepDelay time.Duration
	maxSteps  int
}

// WithBus sets the bus lifecycle events are published on. Without it
// events are discarded.
func WithBus(b event.Bus) Option {
	return func(c *config) { c.bus = event.OrNop(b) }
}

// WithRunner sets the runner that executes the step loop. The default
// starts a goroutine per Run.
func WithRunner(r Runner) Option {
	return func(c *config) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithStepDelay makes the step loop sleep d between steps. Zero, the
// default, runs steps back to back.
func WithStepDelay(d time.Duration) Option {
	return func(c *config) { c.stepDelay = d }
}

// WithMaxSteps ends the process with ErrStepLimit after n steps.
// Zero means unlimited.
func WithMaxSteps(n int) Option {
	return func(c *config) { c.maxSteps = n }
}

// VirtualProcess is an in-process stand-in for an operating system process.
// All methods are safe for concurrent use.
type VirtualProcess struct {
	label  string
	launch Launch
	cfg    config

	streams Streams

	started    atomic.Bool
	terminated atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once

	mu          sync.RWMutex
	attributes  map[string]string
	environment Environment
	threads     []Thread
	failure     error
	steps       int
}

// New creates a process, registers it with l and publishes a Create event.
// Registration happens first so Create listeners find the process among
// the launch's processes. attrs is copied. l may be nil for a process
// without a launch.
func New(l Launch, label string, attrs map[string]string, opts ...Option) *VirtualProcess {
	cfg := config{bus: event.Nop, runner: GoRunner}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &VirtualProcess{
		label:  label,
		launch: l,
		cfg:    cfg,
		streams: Streams{
			Stdout: stream.NewBuffer(),
			Stderr: stream.NewBuffer(),
			Stdin:  stream.NewQueue(),
		},
		done:       make(chan struct{}),
		attributes: make(map[string]string, len(attrs)),
	}
	for k, v := range attrs {
		p.attributes[k] = v
	}

	if l != nil {
		l.AddProcess(p)
	}
	p.cfg.bus.Publish(p, event.Create)
	return p
}

// Label returns the process label.
func (p *VirtualProcess) Label() string { return p.label }

// Launch returns the owning launch, or nil.
func (p *VirtualProcess) Launch() Launch { return p.launch }

// Streams returns the captured standard streams.
func (p *VirtualProcess) Streams() *Streams { return &p.streams }

// Stdout returns the captured standard output.
func (p *VirtualProcess) Stdout() *stream.Buffer { return p.streams.Stdout }

// Stderr returns the captured standard error.
func (p *VirtualProcess) Stderr() *stream.Buffer { return p.streams.Stderr }

// Stdin returns the input queue read by the interpreter.
func (p *VirtualProcess) Stdin() *stream.Queue { return p.streams.Stdin }

// State returns the current lifecycle state.
func (p *VirtualProcess) State() State {
	switch {
	case p.terminated.Load():
		return Terminated
	case p.started.Load():
		return Running
	default:
		return Created
	}
}

// CanTerminate reports whether the process has not terminated yet.
func (p *VirtualProcess) CanTerminate() bool { return !p.terminated.Load() }

// IsTerminated reports whether the process has terminated.
func (p *VirtualProcess) IsTerminated() bool { return p.terminated.Load() }

// Terminate marks the process terminated and publishes a Terminate event.
// Every call publishes, including calls on an already terminated process.
// A running step loop stops before its next step.
func (p *VirtualProcess) Terminate() {
	p.terminated.Store(true)
	p.publishTerminate()
}

// terminateIfRunning terminates p unless it is already terminated. It
// reports whether this call did the terminating.
func (p *VirtualProcess) terminateIfRunning() bool {
	if !p.terminated.CompareAndSwap(false, true) {
		return false
	}
	p.publishTerminate()
	return true
}

func (p *VirtualProcess) publishTerminate() {
	p.cfg.bus.Publish(p, event.Terminate)
	p.doneOnce.Do(func() {
		log.Infof("process %q terminated", p.label)
		close(p.done)
	})
}

// Done is closed when the process first terminates, after the first
// Terminate event has been published.
func (p *VirtualProcess) Done() <-chan struct{} { return p.done }

// Wait blocks until the process terminates or ctx is done. It returns the
// captured failure, if any, or ctx.Err().
func (p *VirtualProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitValue is always 0, whatever ended the process.
func (p *VirtualProcess) ExitValue() int { return 0 }

// Err returns the failure that ended the process: a *StepError for a step
// that failed or panicked, or ErrStepLimit. Nil when the thread completed
// or the process was terminated externally.
func (p *VirtualProcess) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failure
}

// Steps returns how many steps the scheduler has run.
func (p *VirtualProcess) Steps() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.steps
}

// SetAttribute stores value under key and publishes a Change event, even
// when the value is unchanged.
func (p *VirtualProcess) SetAttribute(key, value string) {
	p.mu.Lock()
	p.attributes[key] = value
	p.mu.Unlock()
	p.cfg.bus.Publish(p, event.Change)
}

// Attribute returns the value stored under key.
func (p *VirtualProcess) Attribute(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.attributes[key]
	return v, ok
}

// Attributes returns a copy of all attributes.
func (p *VirtualProcess) Attributes() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.attributes))
	for k, v := range p.attributes {
		out[k] = v
	}
	return out
}

// Environment returns the environment bound by Run, or nil before Run.
func (p *VirtualProcess) Environment() Environment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.environment
}

// AddThread records a thread the interpreter spawned while running.
// Threads are never removed.
func (p *VirtualProcess) AddThread(t Thread) {
	if t == nil {
		return
	}
	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
}

// Threads returns a copy of the thread list.
func (p *VirtualProcess) Threads() []Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// Snapshot is a point-in-time summary of a process for hosts and journals.
type Snapshot struct {
	Label      string
	State      State
	Attributes map[string]string
	Threads    int
	Steps      int
	StdoutLen  int
	StderrLen  int
	ExitValue  int
	Failure    string
}

// Snapshot captures the current state of p.
func (p *VirtualProcess) Snapshot() Snapshot {
	s := Snapshot{
		Label:      p.label,
		State:      p.State(),
		Attributes: p.Attributes(),
		StdoutLen:  p.streams.Stdout.Len(),
		StderrLen:  p.streams.Stderr.Len(),
		ExitValue:  p.ExitValue(),
	}
	p.mu.RLock()
	s.Threads = len(p.threads)
	s.Steps = p.steps
	if p.failure != nil {
		s.Failure = p.failure.Error()
	}
	p.mu.RUnlock()
	return s
}

func (p *VirtualProcess) String() string {
	return fmt.Sprintf("VirtualProcess(%q, %s)", p.label, p.State())
}
