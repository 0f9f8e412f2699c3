// Package launch implements the launch a host creates for one run of a
// configuration: it owns the virtual processes and debug targets started
// for that run.
package launch

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/vproc/event"
	"github.com/chazu/vproc/manifest"
	"github.com/chazu/vproc/process"
)

var log = commonlog.GetLogger("vproc.launch")

// Launch is a registry of processes and debug targets for one launch.
// It implements process.Launch and is safe for concurrent use.
type Launch struct {
	id      string
	cfg     *manifest.Manifest
	factory *process.Factory

	mu        sync.RWMutex
	processes []process.Process
	targets   []process.DebugTarget
}

// Option configures a Launch.
type Option func(*options)

type options struct {
	bus    event.Bus
	runner process.Runner
}

// WithBus sets the bus processes of this launch publish on.
func WithBus(b event.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithRunner sets the runner that drives processes of this launch.
func WithRunner(r process.Runner) Option {
	return func(o *options) { o.runner = r }
}

// New creates a launch for cfg. A nil cfg uses manifest.Default().
func New(cfg *manifest.Manifest, opts ...Option) *Launch {
	if cfg == nil {
		cfg = manifest.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	popts := []process.Option{
		process.WithBus(o.bus),
		process.WithStepDelay(cfg.StepDelay()),
		process.WithMaxSteps(cfg.Scheduler.MaxSteps),
	}
	if o.runner != nil {
		popts = append(popts, process.WithRunner(o.runner))
	}

	return &Launch{
		id:      uuid.NewString(),
		cfg:     cfg,
		factory: process.NewFactory(popts...),
	}
}

// ID returns the launch's unique identifier.
func (l *Launch) ID() string { return l.id }

// Configuration returns the launch configuration.
func (l *Launch) Configuration() *manifest.Manifest { return l.cfg }

// Factory returns the factory used by NewProcess and Start.
func (l *Launch) Factory() *process.Factory { return l.factory }

// AddProcess registers p. Registering the same process twice is a no-op.
func (l *Launch) AddProcess(p process.Process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.processes {
		if q == p {
			return
		}
	}
	l.processes = append(l.processes, p)
	log.Debugf("launch %s: added process %q", l.id, p.Label())
}

// Processes returns the registered processes in registration order.
func (l *Launch) Processes() []process.Process {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]process.Process, len(l.processes))
	copy(out, l.processes)
	return out
}

// AddDebugTarget registers t.
func (l *Launch) AddDebugTarget(t process.DebugTarget) {
	l.mu.Lock()
	l.targets = append(l.targets, t)
	l.mu.Unlock()
}

// RemoveDebugTarget unregisters t. It reports whether t was registered.
func (l *Launch) RemoveDebugTarget(t process.DebugTarget) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.targets {
		if cur == t {
			l.targets = append(l.targets[:i:i], l.targets[i+1:]...)
			return true
		}
	}
	return false
}

// DebugTargets returns the registered debug targets.
func (l *Launch) DebugTargets() []process.DebugTarget {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]process.DebugTarget, len(l.targets))
	copy(out, l.targets)
	return out
}

// IsTerminated reports whether every registered process has terminated.
// A launch without processes is not terminated.
func (l *Launch) IsTerminated() bool {
	procs := l.Processes()
	if len(procs) == 0 {
		return false
	}
	for _, p := range procs {
		if !p.IsTerminated() {
			return false
		}
	}
	return true
}

// TerminateAll terminates every process that can still be terminated.
func (l *Launch) TerminateAll() {
	for _, p := range l.Processes() {
		if p.CanTerminate() {
			p.Terminate()
		}
	}
}

// NewProcess creates a process registered with this launch.
func (l *Launch) NewProcess(label string, attrs map[string]string) *process.VirtualProcess {
	return l.factory.NewProcess(l, label, attrs)
}

// Start creates a process from the launch configuration and runs t in it.
// In debug mode the process is also registered as a debug target.
func (l *Launch) Start(t process.Thread) (*process.VirtualProcess, error) {
	p := l.NewProcess(l.cfg.Process.Label, l.cfg.Process.Attributes)
	if l.cfg.IsDebug() {
		l.AddDebugTarget(NewTarget(p))
	}
	if err := p.Run(t, l.cfg.Process.WireIO); err != nil {
		return p, fmt.Errorf("starting %q: %w", p.Label(), err)
	}
	log.Infof("launch %s: started %q", l.id, p.Label())
	return p, nil
}

// Target is a debug target bound to one process.
type Target struct {
	proc process.Process
}

// NewTarget creates a debug target for p.
func NewTarget(p process.Process) *Target {
	return &Target{proc: p}
}

// Process returns the debugged process.
func (t *Target) Process() process.Process { return t.proc }

// Name returns the process label.
func (t *Target) Name() string { return t.proc.Label() }
